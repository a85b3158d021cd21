// Package hisi drives the HiSilicon Hi3516 v3 MPP SDK.
//
// The ISP is inline on this family: it is brought up with the system and
// runs a blocking loop of its own, so there is no bindable ISP module and
// the input feeds the VPSS group directly. The sensor driver plugin is
// loaded during system init, after the video buffer pools exist.
package hisi

import (
	"sync"

	"go.uber.org/zap"

	"ipc-streamer/hal"
	"ipc-streamer/hal/dl"
	"ipc-streamer/sensor"
)

// Family is the registered family name.
const Family = "hi3516v300"

const (
	vencChannels = 16
	vpssChannels = 4
	vencDevice   = 0
)

func init() {
	hal.Register(Family, Open)
}

type sysAPI struct {
	getVersion func(v *sysVersion) int32
	setConf    func(c *sysConf) int32
	init       func() int32
	exit       func() int32
	bind       func(src, dst *mppChn) int32
	unbind     func(src, dst *mppChn) int32
}

type vbAPI struct {
	setConf       func(c *vbConf) int32
	setSupplement func(s *vbSupplement) int32
	init          func() int32
	exit          func() int32
}

type ispAPI struct {
	memInit    func(dev int32) int32
	setWDRMode func(dev int32, m *ispWDR) int32
	setPubAttr func(dev int32, p *ispPub) int32
	init       func(dev int32) int32
	run        func(dev int32) int32
	exit       func(dev int32) int32

	registerAE    func(dev int32, lib *ispAlg) int32
	unregisterAE  func(dev int32, lib *ispAlg) int32
	registerAWB   func(dev int32, lib *ispAlg) int32
	unregisterAWB func(dev int32, lib *ispAlg) int32
	registerAF    func(dev int32, lib *ispAlg) int32
	unregisterAF  func(dev int32, lib *ispAlg) int32
}

type viAPI struct {
	setDevAttr func(dev int32, attr *viDev) int32
	setWDRAttr func(dev int32, attr *viWDR) int32
	enableDev  func(dev int32) int32
	disableDev func(dev int32) int32
	setChnAttr func(chn int32, attr *viChn) int32
	enableChn  func(chn int32) int32
	disableChn func(chn int32) int32
}

type vpssAPI struct {
	createGrp  func(grp int32, attr *vpssGrp) int32
	destroyGrp func(grp int32) int32
	startGrp   func(grp int32) int32
	stopGrp    func(grp int32) int32
	setChnAttr func(grp, chn int32, attr *vpssChn) int32
	setChnMode func(grp, chn int32, mode *vpssMode) int32
	setRotate  func(grp, chn int32, rotate int32) int32
	enableChn  func(grp, chn int32) int32
	disableChn func(grp, chn int32) int32
}

type vencAPI struct {
	createChn    func(chn int32, attr *vencChn) int32
	destroyChn   func(chn int32) int32
	startRecv    func(chn int32) int32
	startRecvEx  func(chn int32, p *vencRecv) int32
	stopRecv     func(chn int32) int32
	getFd        func(chn int32) int32
	closeFd      func(chn int32) int32
	query        func(chn int32, stat *vencStat) int32
	getStream    func(chn int32, s *vencStream, wait int32) int32
	release      func(chn int32, s *vencStream) int32
	getJPEGParam func(chn int32, p *vencJPEG) int32
	setJPEGParam func(chn int32, p *vencJPEG) int32
	setGray      func(chn int32, p *vencGray) int32
}

type rgnAPI struct {
	create     func(handle uint32, attr *rgnAttr) int32
	destroy    func(handle uint32) int32
	getAttr    func(handle uint32, attr *rgnAttr) int32
	setBitmap  func(handle uint32, bmp *rgnBitmap) int32
	attach     func(handle uint32, chn *mppChn, attr *rgnChannel) int32
	detach     func(handle uint32, chn *mppChn) int32
	getDisplay func(handle uint32, chn *mppChn, attr *rgnChannel) int32
}

// chip is the shared state behind every capability of the family.
type chip struct {
	logger  *zap.Logger
	libDirs []string

	sys  sysAPI
	vb   vbAPI
	isp  ispAPI
	vi   viAPI
	vpss vpssAPI
	venc vencAPI
	rgn  rgnAPI

	mu       sync.Mutex
	settings hal.SensorSettings
	driver   *sensor.Driver
	ispDev   int32
	vpssGrp  int32
	rotate   int32
	codecs   [vencChannels]hal.Codec
}

func (c *chip) load(libs *dl.Set) error {
	steps := []struct {
		kind    hal.ModuleKind
		name    string
		symbols []dl.Symbol
	}{
		{hal.ModuleSystem, "libmpi.so", []dl.Symbol{
			{Name: "HI_MPI_SYS_GetVersion", Fn: &c.sys.getVersion},
			{Name: "HI_MPI_SYS_SetConf", Fn: &c.sys.setConf},
			{Name: "HI_MPI_SYS_Init", Fn: &c.sys.init},
			{Name: "HI_MPI_SYS_Exit", Fn: &c.sys.exit},
			{Name: "HI_MPI_SYS_Bind", Fn: &c.sys.bind},
			{Name: "HI_MPI_SYS_UnBind", Fn: &c.sys.unbind},

			{Name: "HI_MPI_VB_SetConf", Fn: &c.vb.setConf},
			{Name: "HI_MPI_VB_SetSupplementConf", Fn: &c.vb.setSupplement},
			{Name: "HI_MPI_VB_Init", Fn: &c.vb.init},
			{Name: "HI_MPI_VB_Exit", Fn: &c.vb.exit},

			{Name: "HI_MPI_VI_SetDevAttr", Fn: &c.vi.setDevAttr},
			{Name: "HI_MPI_VI_SetWDRAttr", Fn: &c.vi.setWDRAttr},
			{Name: "HI_MPI_VI_EnableDev", Fn: &c.vi.enableDev},
			{Name: "HI_MPI_VI_DisableDev", Fn: &c.vi.disableDev},
			{Name: "HI_MPI_VI_SetChnAttr", Fn: &c.vi.setChnAttr},
			{Name: "HI_MPI_VI_EnableChn", Fn: &c.vi.enableChn},
			{Name: "HI_MPI_VI_DisableChn", Fn: &c.vi.disableChn},

			{Name: "HI_MPI_VPSS_CreateGrp", Fn: &c.vpss.createGrp},
			{Name: "HI_MPI_VPSS_DestroyGrp", Fn: &c.vpss.destroyGrp},
			{Name: "HI_MPI_VPSS_StartGrp", Fn: &c.vpss.startGrp},
			{Name: "HI_MPI_VPSS_StopGrp", Fn: &c.vpss.stopGrp},
			{Name: "HI_MPI_VPSS_SetChnAttr", Fn: &c.vpss.setChnAttr},
			{Name: "HI_MPI_VPSS_SetChnMode", Fn: &c.vpss.setChnMode},
			{Name: "HI_MPI_VPSS_SetRotate", Fn: &c.vpss.setRotate},
			{Name: "HI_MPI_VPSS_EnableChn", Fn: &c.vpss.enableChn},
			{Name: "HI_MPI_VPSS_DisableChn", Fn: &c.vpss.disableChn},

			{Name: "HI_MPI_VENC_CreateChn", Fn: &c.venc.createChn},
			{Name: "HI_MPI_VENC_DestroyChn", Fn: &c.venc.destroyChn},
			{Name: "HI_MPI_VENC_StartRecvPic", Fn: &c.venc.startRecv},
			{Name: "HI_MPI_VENC_StartRecvPicEx", Fn: &c.venc.startRecvEx},
			{Name: "HI_MPI_VENC_StopRecvPic", Fn: &c.venc.stopRecv},
			{Name: "HI_MPI_VENC_GetFd", Fn: &c.venc.getFd},
			{Name: "HI_MPI_VENC_CloseFd", Fn: &c.venc.closeFd},
			{Name: "HI_MPI_VENC_Query", Fn: &c.venc.query},
			{Name: "HI_MPI_VENC_GetStream", Fn: &c.venc.getStream},
			{Name: "HI_MPI_VENC_ReleaseStream", Fn: &c.venc.release},
			{Name: "HI_MPI_VENC_GetJpegParam", Fn: &c.venc.getJPEGParam},
			{Name: "HI_MPI_VENC_SetJpegParam", Fn: &c.venc.setJPEGParam},
			{Name: "HI_MPI_VENC_SetColor2Grey", Fn: &c.venc.setGray},

			{Name: "HI_MPI_RGN_Create", Fn: &c.rgn.create},
			{Name: "HI_MPI_RGN_Destroy", Fn: &c.rgn.destroy},
			{Name: "HI_MPI_RGN_GetAttr", Fn: &c.rgn.getAttr},
			{Name: "HI_MPI_RGN_SetBitMap", Fn: &c.rgn.setBitmap},
			{Name: "HI_MPI_RGN_AttachToChn", Fn: &c.rgn.attach},
			{Name: "HI_MPI_RGN_DetachFromChn", Fn: &c.rgn.detach},
			{Name: "HI_MPI_RGN_GetDisplayAttr", Fn: &c.rgn.getDisplay},
		}},
		{hal.ModuleISP, "lib_hiae.so", []dl.Symbol{
			{Name: "HI_MPI_AE_Register", Fn: &c.isp.registerAE},
			{Name: "HI_MPI_AE_UnRegister", Fn: &c.isp.unregisterAE},
		}},
		{hal.ModuleISP, "lib_hiawb.so", []dl.Symbol{
			{Name: "HI_MPI_AWB_Register", Fn: &c.isp.registerAWB},
			{Name: "HI_MPI_AWB_UnRegister", Fn: &c.isp.unregisterAWB},
		}},
		{hal.ModuleISP, "lib_hiaf.so", []dl.Symbol{
			{Name: "HI_MPI_AF_Register", Fn: &c.isp.registerAF},
			{Name: "HI_MPI_AF_UnRegister", Fn: &c.isp.unregisterAF},
		}},
		{hal.ModuleISP, "libisp.so", []dl.Symbol{
			{Name: "HI_MPI_ISP_MemInit", Fn: &c.isp.memInit},
			{Name: "HI_MPI_ISP_SetWDRMode", Fn: &c.isp.setWDRMode},
			{Name: "HI_MPI_ISP_SetPubAttr", Fn: &c.isp.setPubAttr},
			{Name: "HI_MPI_ISP_Init", Fn: &c.isp.init},
			{Name: "HI_MPI_ISP_Run", Fn: &c.isp.run},
			{Name: "HI_MPI_ISP_Exit", Fn: &c.isp.exit},
		}},
	}
	for _, s := range steps {
		if _, err := libs.Load(s.kind, s.name, s.symbols...); err != nil {
			return err
		}
	}
	return nil
}

// Open resolves the MPP libraries of the family. A missing library or
// symbol releases what was loaded and reports *hal.UnavailableError.
func Open(opts hal.Options) (*hal.Backend, error) {
	return open(dl.NewSet(opts.LibraryDirs...), opts)
}

func open(libs *dl.Set, opts hal.Options) (*hal.Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &chip{logger: logger.Named(Family), libDirs: opts.LibraryDirs}
	b := &hal.Backend{Family: Family}
	b.AddCloser(libs)
	if err := c.load(libs); err != nil {
		b.Close()
		return nil, err
	}

	b.System = &system{c}
	b.Sensor = &sensorCap{c}
	b.Input = &input{c}
	b.ISP = &isp{c}
	b.Scaler = &scaler{c}
	b.Encoder = &encoder{c}
	b.Region = &region{c}
	return b, nil
}
