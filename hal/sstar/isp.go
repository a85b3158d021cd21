package sstar

import "ipc-streamer/hal"

type isp struct{ *chip }

// Create brings up the ISP device and channel for the enabled sensor.
func (p *isp) Create(dev, chn int, params hal.ISPParams) error {
	combo := uint32(1)
	if err := hal.Check("MI_ISP_CreateDevice", p.isp.createDevice(uint32(dev), &combo)); err != nil {
		return err
	}

	p.mu.Lock()
	attr := ispChn{sensorID: 1 << p.pad}
	p.mu.Unlock()

	param := ispParam{
		hdr:       hdrOff,
		level3DNR: int32(params.Level3DNR),
		mirror:    boolByte(params.Mirror),
		flip:      boolByte(params.Flip),
		rotate:    int32(params.Rotate),
	}
	steps := []struct {
		op string
		fn func() int32
	}{
		{"MI_ISP_CreateChannel", func() int32 { return p.isp.createChannel(uint32(dev), uint32(chn), &attr) }},
		{"MI_ISP_SetChnParam", func() int32 { return p.isp.setChnParam(uint32(dev), uint32(chn), &param) }},
		{"MI_ISP_StartChannel", func() int32 { return p.isp.startChannel(uint32(dev), uint32(chn)) }},
	}
	for i, s := range steps {
		if err := hal.Check(s.op, s.fn()); err != nil {
			if i > 0 {
				p.isp.destroyChannel(uint32(dev), uint32(chn))
			}
			p.isp.destroyDevice(uint32(dev))
			return err
		}
	}

	p.mu.Lock()
	p.ispDev = uint32(dev)
	p.mu.Unlock()
	return nil
}

func (p *isp) Destroy(dev, chn int) error {
	d, c := uint32(dev), uint32(chn)
	return hal.Unwind(p.logger,
		hal.Step{Name: "MI_ISP_StopChannel", Fn: func() error {
			return hal.Check("MI_ISP_StopChannel", p.isp.stopChannel(d, c))
		}},
		hal.Step{Name: "MI_ISP_DestroyChannel", Fn: func() error {
			return hal.Check("MI_ISP_DestroyChannel", p.isp.destroyChannel(d, c))
		}},
		hal.Step{Name: "MI_ISP_DestroyDevice", Fn: func() error {
			return hal.Check("MI_ISP_DestroyDevice", p.isp.destroyDevice(d))
		}},
	)
}

// EnablePort sets the port to packed YUV422, the only layout the scaler
// accepts from the ISP.
func (p *isp) EnablePort(dev, chn, port int) error {
	cfg := ispPort{pixFmt: pixYUV422YUYV, compress: compressNone}
	if err := hal.Check("MI_ISP_SetOutputPortParam",
		p.isp.setPortParam(uint32(dev), uint32(chn), uint32(port), &cfg)); err != nil {
		return err
	}
	return hal.Check("MI_ISP_EnableOutputPort", p.isp.enablePort(uint32(dev), uint32(chn), uint32(port)))
}

func (p *isp) DisablePort(dev, chn, port int) error {
	return hal.Check("MI_ISP_DisableOutputPort", p.isp.disablePort(uint32(dev), uint32(chn), uint32(port)))
}

func (p *isp) Endpoint(dev, chn, port int) (hal.Endpoint, bool) {
	return hal.Endpoint{Kind: hal.ModuleISP, Device: dev, Channel: chn, Port: port}, true
}

func (p *isp) LoadConfig(dev, chn int, path string) error {
	return hal.Check("MI_ISP_ApiCmdLoadBinFile", p.isp.loadBin(uint32(dev), uint32(chn), path, ispLoadKey))
}

// grayscale switches the ISP colour output; it applies to every channel.
func (p *isp) grayscale(enable bool) error {
	p.mu.Lock()
	dev := p.ispDev
	p.mu.Unlock()
	v := boolByte(enable)
	return hal.Check("MI_ISP_IQ_SetColorToGray", p.isp.setGray(dev, 0, &v))
}

type scaler struct{ *chip }

// allPorts asks the scaler to reserve every hardware output port.
const allPorts = 1<<sclPorts - 1

func (s *scaler) Create(dev, chn, rotate int) error {
	binds := uint32(allPorts)
	if err := hal.Check("MI_SCL_CreateDevice", s.scl.createDevice(uint32(dev), &binds)); err != nil {
		return err
	}
	var reserved uint32
	if err := hal.Check("MI_SCL_CreateChannel", s.scl.createChannel(uint32(dev), uint32(chn), &reserved)); err != nil {
		s.scl.destroyDevice(uint32(dev))
		return err
	}
	rot := int32(rotate)
	if err := hal.Check("MI_SCL_SetChnParam", s.scl.setRotation(uint32(dev), uint32(chn), &rot)); err != nil {
		s.scl.destroyChannel(uint32(dev), uint32(chn))
		s.scl.destroyDevice(uint32(dev))
		return err
	}
	if err := hal.Check("MI_SCL_StartChannel", s.scl.startChannel(uint32(dev), uint32(chn))); err != nil {
		s.scl.destroyChannel(uint32(dev), uint32(chn))
		s.scl.destroyDevice(uint32(dev))
		return err
	}

	s.mu.Lock()
	s.sclDev, s.sclChn = uint32(dev), uint32(chn)
	s.mu.Unlock()
	return nil
}

// Destroy disables every output port before stopping the channel.
func (s *scaler) Destroy(dev, chn int) error {
	d, c := uint32(dev), uint32(chn)
	for port := uint32(0); port < sclPorts; port++ {
		s.scl.disablePort(d, c, port)
	}
	steps := []hal.Step{
		{Name: "MI_SCL_StopChannel", Fn: func() error {
			return hal.Check("MI_SCL_StopChannel", s.scl.stopChannel(d, c))
		}},
		{Name: "MI_SCL_DestroyChannel", Fn: func() error {
			return hal.Check("MI_SCL_DestroyChannel", s.scl.destroyChannel(d, c))
		}},
		{Name: "MI_SCL_DestroyDevice", Fn: func() error {
			return hal.Check("MI_SCL_DestroyDevice", s.scl.destroyDevice(d))
		}},
	}
	return hal.Unwind(s.logger, steps...)
}

func (s *scaler) target() (dev, chn uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sclDev, s.sclChn
}

func (s *scaler) ConfigurePort(index int, cfg hal.PortConfig) error {
	dev, chn := s.target()
	port := sclPort{
		output:   dim{width: uint16(cfg.Width), height: uint16(cfg.Height)},
		mirror:   boolByte(cfg.Mirror),
		flip:     boolByte(cfg.Flip),
		pixFmt:   pixelFormat(cfg.Format),
		compress: compressNone,
	}
	return hal.Check("MI_SCL_SetOutputPortParam", s.scl.setPortParam(dev, chn, uint32(index), &port))
}

func (s *scaler) EnablePort(index int) error {
	dev, chn := s.target()
	return hal.Check("MI_SCL_EnableOutputPort", s.scl.enablePort(dev, chn, uint32(index)))
}

func (s *scaler) DisablePort(index int) error {
	dev, chn := s.target()
	return hal.Check("MI_SCL_DisableOutputPort", s.scl.disablePort(dev, chn, uint32(index)))
}

func (s *scaler) Input() hal.Endpoint {
	dev, chn := s.target()
	return hal.Endpoint{Kind: hal.ModuleScaler, Device: int(dev), Channel: int(chn), Port: 0}
}

func (s *scaler) Output(index int) hal.Endpoint {
	dev, chn := s.target()
	return hal.Endpoint{Kind: hal.ModuleScaler, Device: int(dev), Channel: int(chn), Port: index}
}

func (s *scaler) Ports() int { return sclPorts }

func pixelFormat(f hal.PixelFormat) int32 {
	switch f {
	case hal.PixelYUV422YUYV:
		return pixYUV422YUYV
	case hal.PixelYUV422SP:
		return pixYUV422SP
	case hal.PixelARGB1555:
		return pixARGB1555
	}
	return pixYUV420SP
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
