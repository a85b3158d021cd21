package hisi

import (
	"fmt"

	"ipc-streamer/hal"
)

// isp is the inline ISP. It is initialised by System.Init and only needs
// its loop run while the pipeline is up.
type isp struct{ *chip }

func (p *isp) Create(dev, _ int, _ hal.ISPParams) error {
	p.mu.Lock()
	p.ispDev = int32(dev)
	p.mu.Unlock()
	return nil
}

// Run blocks in the ISP loop until Destroy exits the ISP.
func (p *isp) Run() error {
	p.mu.Lock()
	dev := p.ispDev
	p.mu.Unlock()
	return hal.Check("HI_MPI_ISP_Run", p.isp.run(dev))
}

func (p *isp) Destroy(dev, _ int) error {
	return hal.Check("HI_MPI_ISP_Exit", p.isp.exit(int32(dev)))
}

func (p *isp) EnablePort(int, int, int) error { return nil }

func (p *isp) DisablePort(int, int, int) error { return nil }

func (p *isp) Endpoint(int, int, int) (hal.Endpoint, bool) { return hal.Endpoint{}, false }

// LoadConfig is unsupported: tuning comes from the sensor driver.
func (p *isp) LoadConfig(int, int, string) error {
	return fmt.Errorf("%w: isp configuration files", hal.ErrUnsupported)
}

// scaler is one VPSS group; its channels are the output ports.
type scaler struct{ *chip }

func (s *scaler) Create(dev, _ int, rotate int) error {
	s.mu.Lock()
	sc := s.settings
	s.mu.Unlock()

	grp := int32(dev)
	attr := vpssGrp{
		maxWidth:  uint32(sc.Width),
		maxHeight: uint32(sc.Height),
		pixFmt:    pixYUV420SP,
		deint:     vpssNoDeinterlace,
	}
	if err := hal.Check("HI_MPI_VPSS_CreateGrp", s.vpss.createGrp(grp, &attr)); err != nil {
		return err
	}
	if err := hal.Check("HI_MPI_VPSS_StartGrp", s.vpss.startGrp(grp)); err != nil {
		s.vpss.destroyGrp(grp)
		return err
	}

	s.mu.Lock()
	s.vpssGrp, s.rotate = grp, int32(rotate)
	s.mu.Unlock()
	return nil
}

// Destroy disables every channel of the group, then stops and destroys it.
func (s *scaler) Destroy(dev, _ int) error {
	grp := int32(dev)
	for chn := int32(0); chn < vpssChannels; chn++ {
		s.vpss.disableChn(grp, chn)
	}
	return hal.Unwind(s.logger,
		hal.Step{Name: "HI_MPI_VPSS_StopGrp", Fn: func() error {
			return hal.Check("HI_MPI_VPSS_StopGrp", s.vpss.stopGrp(grp))
		}},
		hal.Step{Name: "HI_MPI_VPSS_DestroyGrp", Fn: func() error {
			return hal.Check("HI_MPI_VPSS_DestroyGrp", s.vpss.destroyGrp(grp))
		}},
	)
}

func (s *scaler) group() (grp, rotate int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vpssGrp, s.rotate
}

func (s *scaler) check(index int) error {
	if index < 0 || index >= vpssChannels {
		return fmt.Errorf("vpss channel %d out of range [0, %d)", index, vpssChannels)
	}
	return nil
}

// ConfigurePort sets the frame rate, flip and user-mode output size of one
// VPSS channel.
func (s *scaler) ConfigurePort(index int, cfg hal.PortConfig) error {
	if err := s.check(index); err != nil {
		return err
	}
	grp, rotate := s.group()
	chn := int32(index)

	attr := vpssChn{
		mirror: boolInt(cfg.Mirror),
		flip:   boolInt(cfg.Flip),
		srcFps: int32(cfg.Fps),
		dstFps: int32(cfg.Fps),
	}
	if err := hal.Check("HI_MPI_VPSS_SetChnAttr", s.vpss.setChnAttr(grp, chn, &attr)); err != nil {
		return err
	}
	mode := vpssMode{
		mode:     vpssUserMode,
		dest:     size{width: uint32(cfg.Width), height: uint32(cfg.Height)},
		pixFmt:   pixelFormat(cfg.Format),
		compress: compressNone,
	}
	if err := hal.Check("HI_MPI_VPSS_SetChnMode", s.vpss.setChnMode(grp, chn, &mode)); err != nil {
		return err
	}
	if rotate != 0 {
		return hal.Check("HI_MPI_VPSS_SetRotate", s.vpss.setRotate(grp, chn, rotate))
	}
	return nil
}

func (s *scaler) EnablePort(index int) error {
	if err := s.check(index); err != nil {
		return err
	}
	grp, _ := s.group()
	return hal.Check("HI_MPI_VPSS_EnableChn", s.vpss.enableChn(grp, int32(index)))
}

func (s *scaler) DisablePort(index int) error {
	if err := s.check(index); err != nil {
		return err
	}
	grp, _ := s.group()
	return hal.Check("HI_MPI_VPSS_DisableChn", s.vpss.disableChn(grp, int32(index)))
}

func (s *scaler) Input() hal.Endpoint {
	grp, _ := s.group()
	return hal.Endpoint{Kind: hal.ModuleScaler, Device: int(grp), Channel: 0, Port: hal.NoPort}
}

func (s *scaler) Output(index int) hal.Endpoint {
	grp, _ := s.group()
	return hal.Endpoint{Kind: hal.ModuleScaler, Device: int(grp), Channel: index, Port: hal.NoPort}
}

func (s *scaler) Ports() int { return vpssChannels }

func pixelFormat(f hal.PixelFormat) int32 {
	switch f {
	case hal.PixelYUV422SP, hal.PixelYUV422YUYV:
		// VPSS has no packed output; JPEG channels take semi-planar 4:2:2.
		return pixYUV422SP
	case hal.PixelARGB1555:
		return pixRGB1555
	}
	return pixYUV420SP
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
