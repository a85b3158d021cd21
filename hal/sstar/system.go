package sstar

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"ipc-streamer/hal"
)

type system struct{ *chip }

func (s *system) Version() (string, error) {
	var v sysVersion
	if err := hal.Check("MI_SYS_GetVersion", s.sys.getVersion(soc, &v)); err != nil {
		return "", err
	}
	return cString(v.version[:]), nil
}

func (s *system) Init(hal.SystemConfig) error {
	version, err := s.Version()
	if err != nil {
		return err
	}
	s.logger.Info("MI SDK detected", zap.String("version", version))
	return hal.Check("MI_SYS_Init", s.sys.init(soc))
}

func (s *system) Exit() error {
	return hal.Check("MI_SYS_Exit", s.sys.exit(soc))
}

func (s *system) Bind(src, dst hal.Endpoint, link hal.Link) error {
	sp, err := nativePort(src)
	if err != nil {
		return err
	}
	dp, err := nativePort(dst)
	if err != nil {
		return err
	}
	return hal.Check("MI_SYS_BindChnPort2", s.sys.bind(soc, &sp, &dp,
		uint32(link.SrcFps), uint32(link.DstFps), linkType(link.Mode), 0))
}

func (s *system) Unbind(src, dst hal.Endpoint) error {
	sp, err := nativePort(src)
	if err != nil {
		return err
	}
	dp, err := nativePort(dst)
	if err != nil {
		return err
	}
	return hal.Check("MI_SYS_UnBindChnPort", s.sys.unbind(soc, &sp, &dp))
}

// FanOut is always false: every output port of this family feeds one
// destination.
func (s *system) FanOut(hal.Endpoint) bool { return false }

func nativePort(e hal.Endpoint) (sysPort, error) {
	var mod int32
	switch e.Kind {
	case hal.ModuleInput:
		mod = modVIF
	case hal.ModuleISP:
		mod = modISP
	case hal.ModuleScaler:
		mod = modSCL
	case hal.ModuleEncoder:
		mod = modVENC
	default:
		return sysPort{}, fmt.Errorf("%w: %s is not bindable", hal.ErrUnsupported, e)
	}
	port := e.Port
	if port == hal.NoPort {
		port = 0
	}
	return sysPort{module: mod, device: uint32(e.Device), channel: uint32(e.Channel), port: uint32(port)}, nil
}

func linkType(m hal.LinkMode) uint32 {
	switch m {
	case hal.LinkFrame:
		return linkFrameBase
	case hal.LinkRing:
		return linkRing
	}
	return linkRealtime
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

type sensor struct{ *chip }

// Enable picks the first resolution profile that covers mode, programs it
// and switches the sensor on.
func (s *sensor) Enable(index int, mode hal.SensorMode) (hal.SensorInfo, error) {
	pad := uint32(index)
	if err := hal.Check("MI_SNR_SetPlaneMode", s.snr.setPlaneMode(pad, 0)); err != nil {
		return hal.SensorInfo{}, err
	}
	var count uint32
	if err := hal.Check("MI_SNR_QueryResCount", s.snr.resCount(pad, &count)); err != nil {
		return hal.SensorInfo{}, err
	}

	info := hal.SensorInfo{Profile: -1}
	for i := uint32(0); i < count; i++ {
		var res snrRes
		if err := hal.Check("MI_SNR_GetRes", s.snr.getRes(pad, i, &res)); err != nil {
			return hal.SensorInfo{}, err
		}
		p := hal.SensorInfo{
			Profile: int(i),
			Capture: hal.Rect{X: int(res.crop.x), Y: int(res.crop.y),
				Width: int(res.crop.width), Height: int(res.crop.height)},
			MaxFps: int(res.maxFps),
		}
		s.logger.Debug("Sensor profile", zap.Int("profile", p.Profile),
			zap.String("desc", cString(res.desc[:])),
			zap.Int("width", p.Capture.Width), zap.Int("height", p.Capture.Height),
			zap.Int("max_fps", p.MaxFps))
		if p.Covers(mode) {
			info = p
			break
		}
	}
	if info.Profile < 0 {
		return hal.SensorInfo{}, fmt.Errorf("no sensor profile covers %dx%d@%d among %d",
			mode.Width, mode.Height, mode.Fps, count)
	}

	if err := hal.Check("MI_SNR_SetRes", s.snr.setRes(pad, uint32(info.Profile))); err != nil {
		return hal.SensorInfo{}, err
	}
	if err := hal.Check("MI_SNR_SetFps", s.snr.setFps(pad, uint32(mode.Fps))); err != nil {
		return hal.SensorInfo{}, err
	}
	info.Fps = mode.Fps

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := hal.Check("MI_SNR_GetPadInfo", s.snr.getPadInfo(pad, &s.padInfo)); err != nil {
		return hal.SensorInfo{}, err
	}
	if err := hal.Check("MI_SNR_GetPlaneInfo", s.snr.getPlaneInfo(pad, 0, &s.plane)); err != nil {
		return hal.SensorInfo{}, err
	}
	if err := hal.Check("MI_SNR_Enable", s.snr.enable(pad)); err != nil {
		return hal.SensorInfo{}, err
	}
	s.pad = pad
	c := s.plane.capt
	info.Capture = hal.Rect{X: int(c.x), Y: int(c.y), Width: int(c.width), Height: int(c.height)}
	return info, nil
}

func (s *sensor) Disable(index int) error {
	return hal.Check("MI_SNR_Disable", s.snr.disable(uint32(index)))
}

type input struct{ *chip }

// EnableDevice creates the device group for the sensor interface, then
// programs and enables the device. The group shares the device number.
func (in *input) EnableDevice(dev int, cfg hal.InputConfig) error {
	in.mu.Lock()
	pad, plane := in.padInfo, in.plane
	in.mu.Unlock()

	group := vifGroup{
		intf:      pad.intf,
		work:      workSingle,
		hdr:       hdrOff,
		edge:      edgeDouble,
		grpStitch: 1 << uint(dev),
	}
	if pad.intf == intfBT656 {
		group.edge = pad.bt656Edge()
	}
	if err := hal.Check("MI_VIF_CreateDevGroup", in.vif.createGroup(int32(dev), &group)); err != nil {
		return err
	}

	attr := vifDev{pixFmt: plane.format(), crop: nativeRect(cfg.Capture)}
	if err := hal.Check("MI_VIF_SetDevAttr", in.vif.setDevAttr(int32(dev), &attr)); err != nil {
		in.vif.destroyGroup(int32(dev))
		return err
	}
	if err := hal.Check("MI_VIF_EnableDev", in.vif.enableDev(int32(dev))); err != nil {
		in.vif.destroyGroup(int32(dev))
		return err
	}
	return nil
}

func (in *input) DisableDevice(dev int) error {
	return hal.Unwind(in.logger,
		hal.Step{Name: "MI_VIF_DisableDev", Fn: func() error {
			return hal.Check("MI_VIF_DisableDev", in.vif.disableDev(int32(dev)))
		}},
		hal.Step{Name: "MI_VIF_DestroyDevGroup", Fn: func() error {
			return hal.Check("MI_VIF_DestroyDevGroup", in.vif.destroyGroup(int32(dev)))
		}},
	)
}

func (in *input) EnablePort(dev, chn int, cfg hal.InputConfig) error {
	in.mu.Lock()
	plane := in.plane
	in.mu.Unlock()

	port := vifPort{
		capt:   nativeRect(cfg.Capture),
		dest:   dim{width: uint16(cfg.Capture.Width), height: uint16(cfg.Capture.Height)},
		pixFmt: plane.format(),
		frate:  frateFull,
	}
	if err := hal.Check("MI_VIF_SetOutputPortAttr", in.vif.setPortAttr(int32(dev), int32(chn), &port)); err != nil {
		return err
	}
	return hal.Check("MI_VIF_EnableOutputPort", in.vif.enablePort(int32(dev), int32(chn)))
}

func (in *input) DisablePort(dev, chn int) error {
	return hal.Check("MI_VIF_DisableOutputPort", in.vif.disablePort(int32(dev), int32(chn)))
}

func (in *input) Endpoint(dev, chn int) hal.Endpoint {
	return hal.Endpoint{Kind: hal.ModuleInput, Device: dev, Channel: chn, Port: 0}
}

func nativeRect(r hal.Rect) rect {
	return rect{x: uint16(r.X), y: uint16(r.Y), width: uint16(r.Width), height: uint16(r.Height)}
}
