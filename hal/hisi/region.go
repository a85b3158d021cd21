package hisi

import (
	"fmt"

	"ipc-streamer/hal"
)

const (
	overlayLayer   = 7
	overlayFgAlpha = 128
)

type region struct{ *chip }

// Init and Deinit are no-ops: the region module comes up with the system.
func (r *region) Init() error { return nil }

func (r *region) Deinit() error { return nil }

func (r *region) Config(handle int) (hal.RegionConfig, error) {
	var attr rgnAttr
	if r.rgn.getAttr(uint32(handle), &attr) != 0 {
		return hal.RegionConfig{}, hal.ErrNoRegion
	}
	return hal.RegionConfig{
		Width:  int(attr.size.width),
		Height: int(attr.size.height),
		Format: hal.PixelARGB1555,
	}, nil
}

func (r *region) Create(handle int, cfg hal.RegionConfig) error {
	if cfg.Format != hal.PixelARGB1555 {
		return fmt.Errorf("%w: region pixel format %d", hal.ErrUnsupported, cfg.Format)
	}
	attr := rgnAttr{
		kind:   rgnOverlay,
		pixFmt: pixRGB1555,
		size:   size{width: uint32(cfg.Width), height: uint32(cfg.Height)},
	}
	return hal.Check("HI_MPI_RGN_Create", r.rgn.create(uint32(handle), &attr))
}

func (r *region) Destroy(handle int) error {
	return hal.Check("HI_MPI_RGN_Destroy", r.rgn.destroy(uint32(handle)))
}

func (r *region) Attachment(handle int, target hal.Endpoint) (hal.RegionAttach, error) {
	chn, err := nativeChn(target)
	if err != nil {
		return hal.RegionAttach{}, err
	}
	var attr rgnChannel
	if r.rgn.getDisplay(uint32(handle), &chn, &attr) != 0 {
		return hal.RegionAttach{}, hal.ErrNotAttached
	}
	return hal.RegionAttach{
		X:     int(attr.point.x),
		Y:     int(attr.point.y),
		Show:  attr.show != 0,
		Layer: int(attr.layer),
	}, nil
}

// Attach places the overlay on the top layer at half opacity.
func (r *region) Attach(handle int, target hal.Endpoint, a hal.RegionAttach) error {
	chn, err := nativeChn(target)
	if err != nil {
		return err
	}
	attr := rgnChannel{
		show:    boolInt(a.Show),
		kind:    rgnOverlay,
		fgAlpha: overlayFgAlpha,
		layer:   overlayLayer,
	}
	attr.point.x, attr.point.y = int32(a.X), int32(a.Y)
	return hal.Check("HI_MPI_RGN_AttachToChn", r.rgn.attach(uint32(handle), &chn, &attr))
}

func (r *region) Detach(handle int, target hal.Endpoint) error {
	chn, err := nativeChn(target)
	if err != nil {
		return err
	}
	return hal.Check("HI_MPI_RGN_DetachFromChn", r.rgn.detach(uint32(handle), &chn))
}

func (r *region) SetBitmap(handle int, bmp hal.Bitmap) error {
	if len(bmp.Data) == 0 {
		return fmt.Errorf("empty bitmap for region %d", handle)
	}
	n := rgnBitmap{
		pixFmt: pixRGB1555,
		size:   size{width: uint32(bmp.Width), height: uint32(bmp.Height)},
		data:   &bmp.Data[0],
	}
	return hal.Check("HI_MPI_RGN_SetBitMap", r.rgn.setBitmap(uint32(handle), &n))
}

// Targets is the first encoder channel; overlays are composed there.
func (r *region) Targets() []hal.Endpoint {
	return []hal.Endpoint{{Kind: hal.ModuleEncoder, Device: vencDevice, Channel: 0, Port: hal.NoPort}}
}
