// Package sstar drives the SigmaStar Infinity6F MI SDK. Every library is
// resolved at startup; the capability types share one chip value holding
// the bound entry points and the negotiated sensor state.
package sstar

import (
	"sync"

	"go.uber.org/zap"

	"ipc-streamer/hal"
	"ipc-streamer/hal/dl"
)

// Family is the registered family name.
const Family = "infinity6f"

const (
	vencChannels = 16
	sclPorts     = 4
	// soc is the SoC id every MI call takes first.
	soc = 0
)

func init() {
	hal.Register(Family, Open)
}

type sysAPI struct {
	getVersion func(soc uint16, v *sysVersion) int32
	init       func(soc uint16) int32
	exit       func(soc uint16) int32
	bind       func(soc uint16, src, dst *sysPort, srcFps, dstFps uint32, link uint32, param uint32) int32
	unbind     func(soc uint16, src, dst *sysPort) int32
}

type snrAPI struct {
	setPlaneMode func(pad uint32, enable byte) int32
	resCount     func(pad uint32, count *uint32) int32
	getRes       func(pad uint32, index uint32, res *snrRes) int32
	setRes       func(pad uint32, index uint32) int32
	setFps       func(pad uint32, fps uint32) int32
	getPadInfo   func(pad uint32, info *snrPad) int32
	getPlaneInfo func(pad uint32, plane uint32, info *snrPlane) int32
	enable       func(pad uint32) int32
	disable      func(pad uint32) int32
}

type vifAPI struct {
	disableDev   func(dev int32) int32
	enableDev    func(dev int32) int32
	setDevAttr   func(dev int32, attr *vifDev) int32
	createGroup  func(group int32, attr *vifGroup) int32
	destroyGroup func(group int32) int32
	disablePort  func(dev, port int32) int32
	enablePort   func(dev, port int32) int32
	setPortAttr  func(dev, port int32, attr *vifPort) int32
}

type ispAPI struct {
	createDevice   func(dev uint32, combo *uint32) int32
	destroyDevice  func(dev uint32) int32
	createChannel  func(dev, chn uint32, attr *ispChn) int32
	destroyChannel func(dev, chn uint32) int32
	setChnParam    func(dev, chn uint32, p *ispParam) int32
	startChannel   func(dev, chn uint32) int32
	stopChannel    func(dev, chn uint32) int32
	setPortParam   func(dev, chn, port uint32, p *ispPort) int32
	enablePort     func(dev, chn, port uint32) int32
	disablePort    func(dev, chn, port uint32) int32
	loadBin        func(dev, chn uint32, path string, key uint32) int32
	setGray        func(dev, chn uint32, enable *byte) int32
}

type sclAPI struct {
	createDevice   func(dev uint32, binds *uint32) int32
	destroyDevice  func(dev uint32) int32
	createChannel  func(dev, chn uint32, reserved *uint32) int32
	destroyChannel func(dev, chn uint32) int32
	setRotation    func(dev, chn uint32, rotate *int32) int32
	startChannel   func(dev, chn uint32) int32
	stopChannel    func(dev, chn uint32) int32
	setPortParam   func(dev, chn, port uint32, p *sclPort) int32
	enablePort     func(dev, chn, port uint32) int32
	disablePort    func(dev, chn, port uint32) int32
}

type vencAPI struct {
	createChn    func(dev, chn int32, attr *vencChn) int32
	destroyChn   func(dev, chn int32) int32
	startRecv    func(dev, chn int32) int32
	startRecvEx  func(dev, chn int32, p *vencRecv) int32
	stopRecv     func(dev, chn int32) int32
	getFd        func(dev, chn int32) int32
	closeFd      func(dev, chn int32) int32
	query        func(dev, chn int32, stat *vencStat) int32
	getStream    func(dev, chn int32, s *vencStream, wait int32) int32
	release      func(dev, chn int32, s *vencStream) int32
	getJPEGParam func(dev, chn int32, p *vencJPEG) int32
	setJPEGParam func(dev, chn int32, p *vencJPEG) int32
}

type rgnAPI struct {
	init       func(soc uint16, pal *rgnPalette) int32
	deinit     func(soc uint16) int32
	create     func(soc uint16, handle uint32, cfg *rgnConfig) int32
	destroy    func(soc uint16, handle uint32) int32
	getAttr    func(soc uint16, handle uint32, cfg *rgnConfig) int32
	attach     func(soc uint16, handle uint32, port *sysPort, attr *rgnChannel) int32
	detach     func(soc uint16, handle uint32, port *sysPort) int32
	getDisplay func(soc uint16, handle uint32, port *sysPort, attr *rgnChannel) int32
	setBitmap  func(soc uint16, handle uint32, bmp *rgnBitmap) int32
}

// chip is the shared state behind every capability of the family.
type chip struct {
	logger *zap.Logger

	sys  sysAPI
	snr  snrAPI
	vif  vifAPI
	isp  ispAPI
	scl  sclAPI
	venc vencAPI
	rgn  rgnAPI

	mu      sync.Mutex
	pad     uint32
	padInfo snrPad
	plane   snrPlane
	ispDev  uint32
	sclDev  uint32
	sclChn  uint32
	codecs  [vencChannels]hal.Codec
}

func (c *chip) load(libs *dl.Set) error {
	steps := []struct {
		kind    hal.ModuleKind
		name    string
		symbols []dl.Symbol
	}{
		{hal.ModuleSystem, "libmi_sys.so", []dl.Symbol{
			{Name: "MI_SYS_GetVersion", Fn: &c.sys.getVersion},
			{Name: "MI_SYS_Init", Fn: &c.sys.init},
			{Name: "MI_SYS_Exit", Fn: &c.sys.exit},
			{Name: "MI_SYS_BindChnPort2", Fn: &c.sys.bind},
			{Name: "MI_SYS_UnBindChnPort", Fn: &c.sys.unbind},
		}},
		{hal.ModuleISP, "libispalgo.so", nil},
		{hal.ModuleISP, "libcus3a.so", nil},
		{hal.ModuleISP, "libmi_isp.so", []dl.Symbol{
			{Name: "MI_ISP_CreateDevice", Fn: &c.isp.createDevice},
			{Name: "MI_ISP_DestroyDevice", Fn: &c.isp.destroyDevice},
			{Name: "MI_ISP_CreateChannel", Fn: &c.isp.createChannel},
			{Name: "MI_ISP_DestroyChannel", Fn: &c.isp.destroyChannel},
			{Name: "MI_ISP_SetChnParam", Fn: &c.isp.setChnParam},
			{Name: "MI_ISP_StartChannel", Fn: &c.isp.startChannel},
			{Name: "MI_ISP_StopChannel", Fn: &c.isp.stopChannel},
			{Name: "MI_ISP_SetOutputPortParam", Fn: &c.isp.setPortParam},
			{Name: "MI_ISP_EnableOutputPort", Fn: &c.isp.enablePort},
			{Name: "MI_ISP_DisableOutputPort", Fn: &c.isp.disablePort},
			{Name: "MI_ISP_ApiCmdLoadBinFile", Fn: &c.isp.loadBin},
			{Name: "MI_ISP_IQ_SetColorToGray", Fn: &c.isp.setGray},
		}},
		{hal.ModuleRegion, "libmi_rgn.so", []dl.Symbol{
			{Name: "MI_RGN_Init", Fn: &c.rgn.init},
			{Name: "MI_RGN_DeInit", Fn: &c.rgn.deinit},
			{Name: "MI_RGN_Create", Fn: &c.rgn.create},
			{Name: "MI_RGN_Destroy", Fn: &c.rgn.destroy},
			{Name: "MI_RGN_GetAttr", Fn: &c.rgn.getAttr},
			{Name: "MI_RGN_AttachToChn", Fn: &c.rgn.attach},
			{Name: "MI_RGN_DetachFromChn", Fn: &c.rgn.detach},
			{Name: "MI_RGN_GetDisplayAttr", Fn: &c.rgn.getDisplay},
			{Name: "MI_RGN_SetBitMap", Fn: &c.rgn.setBitmap},
		}},
		{hal.ModuleScaler, "libmi_scl.so", []dl.Symbol{
			{Name: "MI_SCL_CreateDevice", Fn: &c.scl.createDevice},
			{Name: "MI_SCL_DestroyDevice", Fn: &c.scl.destroyDevice},
			{Name: "MI_SCL_CreateChannel", Fn: &c.scl.createChannel},
			{Name: "MI_SCL_DestroyChannel", Fn: &c.scl.destroyChannel},
			{Name: "MI_SCL_SetChnParam", Fn: &c.scl.setRotation},
			{Name: "MI_SCL_StartChannel", Fn: &c.scl.startChannel},
			{Name: "MI_SCL_StopChannel", Fn: &c.scl.stopChannel},
			{Name: "MI_SCL_SetOutputPortParam", Fn: &c.scl.setPortParam},
			{Name: "MI_SCL_EnableOutputPort", Fn: &c.scl.enablePort},
			{Name: "MI_SCL_DisableOutputPort", Fn: &c.scl.disablePort},
		}},
		{hal.ModuleSensor, "libmi_sensor.so", []dl.Symbol{
			{Name: "MI_SNR_SetPlaneMode", Fn: &c.snr.setPlaneMode},
			{Name: "MI_SNR_QueryResCount", Fn: &c.snr.resCount},
			{Name: "MI_SNR_GetRes", Fn: &c.snr.getRes},
			{Name: "MI_SNR_SetRes", Fn: &c.snr.setRes},
			{Name: "MI_SNR_SetFps", Fn: &c.snr.setFps},
			{Name: "MI_SNR_GetPadInfo", Fn: &c.snr.getPadInfo},
			{Name: "MI_SNR_GetPlaneInfo", Fn: &c.snr.getPlaneInfo},
			{Name: "MI_SNR_Enable", Fn: &c.snr.enable},
			{Name: "MI_SNR_Disable", Fn: &c.snr.disable},
		}},
		{hal.ModuleEncoder, "libmi_venc.so", []dl.Symbol{
			{Name: "MI_VENC_CreateChn", Fn: &c.venc.createChn},
			{Name: "MI_VENC_DestroyChn", Fn: &c.venc.destroyChn},
			{Name: "MI_VENC_StartRecvPic", Fn: &c.venc.startRecv},
			{Name: "MI_VENC_StartRecvPicEx", Fn: &c.venc.startRecvEx},
			{Name: "MI_VENC_StopRecvPic", Fn: &c.venc.stopRecv},
			{Name: "MI_VENC_GetFd", Fn: &c.venc.getFd},
			{Name: "MI_VENC_CloseFd", Fn: &c.venc.closeFd},
			{Name: "MI_VENC_Query", Fn: &c.venc.query},
			{Name: "MI_VENC_GetStream", Fn: &c.venc.getStream},
			{Name: "MI_VENC_ReleaseStream", Fn: &c.venc.release},
			{Name: "MI_VENC_GetJpegParam", Fn: &c.venc.getJPEGParam},
			{Name: "MI_VENC_SetJpegParam", Fn: &c.venc.setJPEGParam},
		}},
		{hal.ModuleInput, "libmi_vif.so", []dl.Symbol{
			{Name: "MI_VIF_DisableDev", Fn: &c.vif.disableDev},
			{Name: "MI_VIF_EnableDev", Fn: &c.vif.enableDev},
			{Name: "MI_VIF_SetDevAttr", Fn: &c.vif.setDevAttr},
			{Name: "MI_VIF_CreateDevGroup", Fn: &c.vif.createGroup},
			{Name: "MI_VIF_DestroyDevGroup", Fn: &c.vif.destroyGroup},
			{Name: "MI_VIF_DisableOutputPort", Fn: &c.vif.disablePort},
			{Name: "MI_VIF_EnableOutputPort", Fn: &c.vif.enablePort},
			{Name: "MI_VIF_SetOutputPortAttr", Fn: &c.vif.setPortAttr},
		}},
	}
	for _, s := range steps {
		if _, err := libs.Load(s.kind, s.name, s.symbols...); err != nil {
			return err
		}
	}
	return nil
}

// Open resolves every MI library of the family. A missing library or
// symbol releases what was loaded and reports *hal.UnavailableError.
func Open(opts hal.Options) (*hal.Backend, error) {
	return open(dl.NewSet(opts.LibraryDirs...), opts.Logger)
}

func open(libs *dl.Set, logger *zap.Logger) (*hal.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &chip{logger: logger.Named(Family)}
	b := &hal.Backend{Family: Family}
	b.AddCloser(libs)
	if err := c.load(libs); err != nil {
		b.Close()
		return nil, err
	}

	b.System = &system{c}
	b.Sensor = &sensor{c}
	b.Input = &input{c}
	b.ISP = &isp{c}
	b.Scaler = &scaler{c}
	b.Encoder = &encoder{c}
	b.Region = &region{c}
	return b, nil
}
