package sstar

import (
	"fmt"

	"ipc-streamer/hal"
)

// Overlays are composed onto the first two scaler outputs.
var regionPorts = [...]int{0, 1}

type region struct{ *chip }

func (r *region) Init() error {
	var pal rgnPalette
	return hal.Check("MI_RGN_Init", r.rgn.init(soc, &pal))
}

func (r *region) Deinit() error {
	return hal.Check("MI_RGN_DeInit", r.rgn.deinit(soc))
}

func (r *region) Config(handle int) (hal.RegionConfig, error) {
	var cfg rgnConfig
	if r.rgn.getAttr(soc, uint32(handle), &cfg) != 0 {
		return hal.RegionConfig{}, hal.ErrNoRegion
	}
	return hal.RegionConfig{
		Width:  int(cfg.size.width),
		Height: int(cfg.size.height),
		Format: hal.PixelARGB1555,
	}, nil
}

func (r *region) Create(handle int, cfg hal.RegionConfig) error {
	if cfg.Format != hal.PixelARGB1555 {
		return fmt.Errorf("%w: region pixel format %d", hal.ErrUnsupported, cfg.Format)
	}
	n := rgnConfig{kind: rgnTypeOSD, pixFmt: rgnARGB1555}
	n.size.width, n.size.height = uint32(cfg.Width), uint32(cfg.Height)
	return hal.Check("MI_RGN_Create", r.rgn.create(soc, uint32(handle), &n))
}

func (r *region) Destroy(handle int) error {
	return hal.Check("MI_RGN_Destroy", r.rgn.destroy(soc, uint32(handle)))
}

func (r *region) Attachment(handle int, target hal.Endpoint) (hal.RegionAttach, error) {
	port, err := nativePort(target)
	if err != nil {
		return hal.RegionAttach{}, err
	}
	var attr rgnChannel
	if r.rgn.getDisplay(soc, uint32(handle), &port, &attr) != 0 {
		return hal.RegionAttach{}, hal.ErrNotAttached
	}
	return hal.RegionAttach{
		X:     int(attr.point.x),
		Y:     int(attr.point.y),
		Show:  attr.show != 0,
		Layer: int(attr.osd.layer),
	}, nil
}

// Attach shows the region opaque over a transparent background.
func (r *region) Attach(handle int, target hal.Endpoint, a hal.RegionAttach) error {
	port, err := nativePort(target)
	if err != nil {
		return err
	}
	var attr rgnChannel
	if a.Show {
		attr.show = 1
	}
	attr.point.x, attr.point.y = uint32(a.X), uint32(a.Y)
	attr.osd.layer = uint32(a.Layer)
	attr.osd.bgFgAlpha = [2]byte{0, 255}
	return hal.Check("MI_RGN_AttachToChn", r.rgn.attach(soc, uint32(handle), &port, &attr))
}

func (r *region) Detach(handle int, target hal.Endpoint) error {
	port, err := nativePort(target)
	if err != nil {
		return err
	}
	return hal.Check("MI_RGN_DetachFromChn", r.rgn.detach(soc, uint32(handle), &port))
}

func (r *region) SetBitmap(handle int, bmp hal.Bitmap) error {
	if len(bmp.Data) == 0 {
		return fmt.Errorf("empty bitmap for region %d", handle)
	}
	n := rgnBitmap{pixFmt: rgnARGB1555, data: &bmp.Data[0]}
	n.size.width, n.size.height = uint32(bmp.Width), uint32(bmp.Height)
	return hal.Check("MI_RGN_SetBitMap", r.rgn.setBitmap(soc, uint32(handle), &n))
}

func (r *region) Targets() []hal.Endpoint {
	dev, chn := (&scaler{r.chip}).target()
	out := make([]hal.Endpoint, 0, len(regionPorts))
	for _, p := range regionPorts {
		out = append(out, hal.Endpoint{Kind: hal.ModuleScaler, Device: int(dev), Channel: int(chn), Port: p})
	}
	return out
}
