package hisi

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"ipc-streamer/hal"
	"ipc-streamer/sensor"
)

// Algorithm libraries registered with the ISP, by their SDK names.
var (
	algAE  = newAlg("hisi_ae_lib")
	algAWB = newAlg("hisi_awb_lib")
	algAF  = newAlg("hisi_af_lib")
)

// CalculateBlock returns the video buffer block size for a width x height
// frame of format with rows and columns aligned to alignWidth, which must
// be 16, 32 or 64.
func CalculateBlock(width, height int, format hal.PixelFormat, alignWidth uint32) (uint32, error) {
	switch alignWidth {
	case 16, 32, 64:
	default:
		return 0, fmt.Errorf("invalid alignment width %d", alignWidth)
	}
	w := ceilAlign(uint32(width), alignWidth)
	h := ceilAlign(uint32(height), alignWidth)

	switch format {
	case hal.PixelYUV422SP:
		return w*h*2 + 16*uint32(height)*2, nil
	case hal.PixelYUV420SP:
		return w*h*3/2 + 16*uint32(height)*3/2, nil
	}
	return 0, fmt.Errorf("%w: buffer layout for pixel format %d", hal.ErrUnsupported, format)
}

func ceilAlign(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

type system struct{ *chip }

func (s *system) Version() (string, error) {
	var v sysVersion
	if err := hal.Check("HI_MPI_SYS_GetVersion", s.sys.getVersion(&v)); err != nil {
		return "", err
	}
	return cString(v.version[:]), nil
}

// Init sizes the buffer pools, starts the system, programs the sensor
// interface, registers the sensor driver with the ISP and brings the ISP
// up. Partial progress is unwound on failure.
func (s *system) Init(cfg hal.SystemConfig) error {
	version, err := s.Version()
	if err != nil {
		return err
	}
	s.logger.Info("MPP detected", zap.String("version", version))

	sc := cfg.Sensor
	block, err := CalculateBlock(sc.Width, sc.Height, hal.PixelYUV420SP, cfg.AlignWidth)
	if err != nil {
		return fmt.Errorf("failed to size video buffers: %w", err)
	}
	pool := vbConf{maxPools: cfg.PoolCount}
	pool.comm[0] = vbPool{blockSize: block, blockCnt: cfg.BlockCount}
	s.logger.Debug("Video buffer pool", zap.Uint32("block_size", block),
		zap.Uint32("blocks", cfg.BlockCount), zap.Uint32("pools", cfg.PoolCount))

	if err := hal.Check("HI_MPI_VB_SetConf", s.vb.setConf(&pool)); err != nil {
		return err
	}
	supl := vbSupplement{mask: vbUserInfoMask}
	if err := hal.Check("HI_MPI_VB_SetSupplementConf", s.vb.setSupplement(&supl)); err != nil {
		return err
	}
	if err := hal.Check("HI_MPI_VB_Init", s.vb.init()); err != nil {
		return err
	}

	// undo holds teardown steps newest first.
	var undo []hal.Step
	push := func(st hal.Step) { undo = append([]hal.Step{st}, undo...) }
	fail := func(err error) error {
		hal.Unwind(s.logger, undo...)
		return err
	}
	push(hal.Step{Name: "HI_MPI_VB_Exit", Fn: func() error {
		return hal.Check("HI_MPI_VB_Exit", s.vb.exit())
	}})

	conf := sysConf{alignWidth: cfg.AlignWidth}
	if err := hal.Check("HI_MPI_SYS_SetConf", s.sys.setConf(&conf)); err != nil {
		return fail(err)
	}
	if err := hal.Check("HI_MPI_SYS_Init", s.sys.init()); err != nil {
		return fail(err)
	}
	push(hal.Step{Name: "HI_MPI_SYS_Exit", Fn: func() error {
		return hal.Check("HI_MPI_SYS_Exit", s.sys.exit())
	}})

	if err := configureSensor(sc); err != nil {
		return fail(err)
	}

	drv, err := sensor.LoadDriver(sc.Driver, s.logger, s.libDirs...)
	if err != nil {
		return fail(err)
	}
	push(hal.Step{Name: "close sensor driver", Fn: drv.Close})
	if err := drv.Register(); err != nil {
		return fail(err)
	}
	push(hal.Step{Name: "unregister sensor driver", Fn: drv.Unregister})

	s.mu.Lock()
	dev := s.ispDev
	s.mu.Unlock()

	algs := []struct {
		name             string
		lib              ispAlg
		register, remove func(int32, *ispAlg) int32
	}{
		{"AE", algAE, s.isp.registerAE, s.isp.unregisterAE},
		{"AWB", algAWB, s.isp.registerAWB, s.isp.unregisterAWB},
		{"AF", algAF, s.isp.registerAF, s.isp.unregisterAF},
	}
	for _, a := range algs {
		a := a // per-iteration copy for the unwind closure (go 1.21 loop semantics)
		if err := hal.Check("HI_MPI_"+a.name+"_Register", a.register(dev, &a.lib)); err != nil {
			return fail(err)
		}
		push(hal.Step{Name: "HI_MPI_" + a.name + "_UnRegister", Fn: func() error {
			return hal.Check("HI_MPI_"+a.name+"_UnRegister", a.remove(dev, &a.lib))
		}})
	}

	wdr := ispWDR{mode: wdrNone}
	pub := ispPub{
		window:    rect{width: uint32(sc.Width), height: uint32(sc.Height)},
		framerate: float32(sc.Fps),
		bayer:     bayerRGGB,
	}
	if err := hal.Check("HI_MPI_ISP_MemInit", s.isp.memInit(dev)); err != nil {
		return fail(err)
	}
	if err := hal.Check("HI_MPI_ISP_SetWDRMode", s.isp.setWDRMode(dev, &wdr)); err != nil {
		return fail(err)
	}
	if err := hal.Check("HI_MPI_ISP_SetPubAttr", s.isp.setPubAttr(dev, &pub)); err != nil {
		return fail(err)
	}
	if err := hal.Check("HI_MPI_ISP_Init", s.isp.init(dev)); err != nil {
		return fail(err)
	}

	s.mu.Lock()
	s.settings = sc
	s.driver = drv
	s.mu.Unlock()
	return nil
}

// configureSensor runs the reset and configure sequence on the sensor
// control device.
func configureSensor(sc hal.SensorSettings) error {
	mode, err := sensor.ParseInputMode(sc.InterfaceMode)
	if err != nil {
		return err
	}
	cfg := sensor.DeviceConfig{
		Mode:    mode,
		Capture: hal.Rect{Width: sc.Width, Height: sc.Height},
	}
	cfg.MIPI.DataType = rawData12
	cfg.LVDS.DataType = rawData12
	for i := 0; i < sensor.LaneCount; i++ {
		lane := int16(-1)
		if i < len(sc.Lanes) {
			lane = int16(sc.Lanes[i])
		}
		cfg.MIPI.LaneID[i] = lane
		cfg.LVDS.LaneID[i] = lane
	}

	ctl, err := sensor.OpenControl(sc.ControlPath, sensor.HisiMIPI)
	if err != nil {
		return err
	}
	defer ctl.Close()
	if err := ctl.Apply(&cfg); err != nil {
		return fmt.Errorf("failed to configure sensor interface: %w", err)
	}
	return nil
}

// Exit reverses Init: algorithm libraries, sensor driver, system, pools.
func (s *system) Exit() error {
	s.mu.Lock()
	dev, drv := s.ispDev, s.driver
	s.driver = nil
	s.mu.Unlock()

	steps := []hal.Step{
		{Name: "HI_MPI_AF_UnRegister", Fn: func() error {
			return hal.Check("HI_MPI_AF_UnRegister", s.isp.unregisterAF(dev, &algAF))
		}},
		{Name: "HI_MPI_AWB_UnRegister", Fn: func() error {
			return hal.Check("HI_MPI_AWB_UnRegister", s.isp.unregisterAWB(dev, &algAWB))
		}},
		{Name: "HI_MPI_AE_UnRegister", Fn: func() error {
			return hal.Check("HI_MPI_AE_UnRegister", s.isp.unregisterAE(dev, &algAE))
		}},
	}
	if drv != nil {
		steps = append(steps,
			hal.Step{Name: "unregister sensor driver", Fn: drv.Unregister},
			hal.Step{Name: "close sensor driver", Fn: drv.Close},
		)
	}
	steps = append(steps,
		hal.Step{Name: "HI_MPI_SYS_Exit", Fn: func() error { return hal.Check("HI_MPI_SYS_Exit", s.sys.exit()) }},
		hal.Step{Name: "HI_MPI_VB_Exit", Fn: func() error { return hal.Check("HI_MPI_VB_Exit", s.vb.exit()) }},
	)
	return hal.Unwind(s.logger, steps...)
}

func (s *system) Bind(src, dst hal.Endpoint, _ hal.Link) error {
	sp, err := nativeChn(src)
	if err != nil {
		return err
	}
	dp, err := nativeChn(dst)
	if err != nil {
		return err
	}
	return hal.Check("HI_MPI_SYS_Bind", s.sys.bind(&sp, &dp))
}

func (s *system) Unbind(src, dst hal.Endpoint) error {
	sp, err := nativeChn(src)
	if err != nil {
		return err
	}
	dp, err := nativeChn(dst)
	if err != nil {
		return err
	}
	return hal.Check("HI_MPI_SYS_UnBind", s.sys.unbind(&sp, &dp))
}

// FanOut reports true for VPSS channels, which may feed several encoders.
func (s *system) FanOut(src hal.Endpoint) bool { return src.Kind == hal.ModuleScaler }

func nativeChn(e hal.Endpoint) (mppChn, error) {
	var mod int32
	switch e.Kind {
	case hal.ModuleInput:
		mod = modVIU
	case hal.ModuleScaler:
		mod = modVPSS
	case hal.ModuleEncoder:
		mod = modVENC
	default:
		return mppChn{}, fmt.Errorf("%w: %s is not bindable", hal.ErrUnsupported, e)
	}
	return mppChn{module: mod, device: int32(e.Device), channel: int32(e.Channel)}, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// sensorCap exposes the single profile the sensor was configured with at
// system init.
type sensorCap struct{ *chip }

func (s *sensorCap) Enable(index int, mode hal.SensorMode) (hal.SensorInfo, error) {
	s.mu.Lock()
	sc := s.settings
	s.mu.Unlock()

	if sc.Driver == "" {
		return hal.SensorInfo{}, fmt.Errorf("sensor %d enabled before system init", index)
	}
	info := hal.SensorInfo{
		Capture: hal.Rect{Width: sc.Width, Height: sc.Height},
		MaxFps:  sc.Fps,
		Fps:     mode.Fps,
	}
	if !info.Covers(mode) {
		return hal.SensorInfo{}, fmt.Errorf("sensor profile %dx%d@%d does not cover %dx%d@%d",
			sc.Width, sc.Height, sc.Fps, mode.Width, mode.Height, mode.Fps)
	}
	return info, nil
}

// Disable is a no-op; the sensor stays under driver control until Exit.
func (s *sensorCap) Disable(int) error { return nil }

type input struct{ *chip }

func viInterface(name string) (int32, error) {
	mode, err := sensor.ParseInputMode(name)
	if err != nil {
		return 0, err
	}
	switch mode {
	case sensor.InputMIPI:
		return viMIPI, nil
	case sensor.InputLVDS, sensor.InputSubLVDS:
		return viLVDS, nil
	case sensor.InputHiSPI:
		return viHiSPI, nil
	case sensor.InputBT656:
		return viBT656, nil
	case sensor.InputBT601:
		return viBT601, nil
	case sensor.InputCMOS:
		return viDigital, nil
	}
	return 0, fmt.Errorf("%w: input mode %q", hal.ErrUnsupported, name)
}

func (in *input) EnableDevice(dev int, cfg hal.InputConfig) error {
	in.mu.Lock()
	intfName := in.settings.InterfaceMode
	in.mu.Unlock()

	intf, err := viInterface(intfName)
	if err != nil {
		return err
	}
	attr := viDev{
		intf:      intf,
		work:      viWorkSingle,
		compMask:  [2]uint32{0xFFF00000, 0},
		scan:      viProgressive,
		adChn:     [4]int32{-1, -1, -1, -1},
		dataSeq:   viDataYUYV,
		dataPath:  viPathISP,
		inputData: viDataRGB,
		capt:      nativeRect(cfg.Capture),
	}
	if err := hal.Check("HI_MPI_VI_SetDevAttr", in.vi.setDevAttr(int32(dev), &attr)); err != nil {
		return err
	}
	wdr := viWDR{mode: wdrNone}
	if err := hal.Check("HI_MPI_VI_SetWDRAttr", in.vi.setWDRAttr(int32(dev), &wdr)); err != nil {
		return err
	}
	return hal.Check("HI_MPI_VI_EnableDev", in.vi.enableDev(int32(dev)))
}

func (in *input) DisableDevice(dev int) error {
	return hal.Check("HI_MPI_VI_DisableDev", in.vi.disableDev(int32(dev)))
}

func (in *input) EnablePort(_, chn int, cfg hal.InputConfig) error {
	attr := viChn{
		capt:     nativeRect(cfg.Capture),
		dest:     size{width: uint32(cfg.Capture.Width), height: uint32(cfg.Capture.Height)},
		field:    viCaptureBoth,
		pixFmt:   pixYUV420SP,
		compress: compressNone,
		srcFps:   -1,
		dstFps:   -1,
	}
	if cfg.Fps > 0 {
		attr.srcFps, attr.dstFps = int32(cfg.Fps), int32(cfg.Fps)
	}
	if err := hal.Check("HI_MPI_VI_SetChnAttr", in.vi.setChnAttr(int32(chn), &attr)); err != nil {
		return err
	}
	return hal.Check("HI_MPI_VI_EnableChn", in.vi.enableChn(int32(chn)))
}

func (in *input) DisablePort(_, chn int) error {
	return hal.Check("HI_MPI_VI_DisableChn", in.vi.disableChn(int32(chn)))
}

func (in *input) Endpoint(dev, chn int) hal.Endpoint {
	return hal.Endpoint{Kind: hal.ModuleInput, Device: dev, Channel: chn, Port: hal.NoPort}
}

func nativeRect(r hal.Rect) rect {
	return rect{x: int32(r.X), y: int32(r.Y), width: uint32(r.Width), height: uint32(r.Height)}
}
