package hal

// MacroblockAlign is the encoder buffer alignment in pixels.
const MacroblockAlign = 16

// VideoConfig is the per-channel encoder configuration record.
// Bitrates are in kbit/s.
type VideoConfig struct {
	Codec      Codec
	Mode       RateMode
	Width      int
	Height     int
	Framerate  int
	Gop        int
	Bitrate    uint32
	MaxBitrate uint32
	MinQual    int
	MaxQual    int
	Profile    int
}

// RateControl is the neutral rate-control descriptor. Only the fields the
// (codec, mode) pair selects are populated.
type RateControl struct {
	Mode       RateMode
	Gop        int
	StatTime   int
	Framerate  int
	Bitrate    uint32
	MaxBitrate uint32
	AvgLevel   int
	MinQual    int
	MaxQual    int
	MinIQual   int
	InterQual  int
	PredQual   int
	BipredQual int
	Quality    int
}

// ChannelAttr is the neutral encoder channel attribute. Width and Height
// are the logical frame size; MaxWidth, MaxHeight and BufSize use the
// macroblock-aligned size.
type ChannelAttr struct {
	Codec     Codec
	Width     int
	Height    int
	MaxWidth  int
	MaxHeight int
	BufSize   uint32
	Profile   int
	ByFrame   bool
	Rate      *RateControl
}

// AlignUp rounds v up to a multiple of align.
func AlignUp(v, align int) int {
	return (v + align - 1) / align * align
}

// BuildChannelAttr derives the channel attribute from cfg. JPEG carries no
// rate control; an unsupported (codec, mode) pair yields *RateModeError.
func BuildChannelAttr(cfg VideoConfig) (ChannelAttr, error) {
	w := AlignUp(cfg.Width, MacroblockAlign)
	h := AlignUp(cfg.Height, MacroblockAlign)
	attr := ChannelAttr{
		Codec:     cfg.Codec,
		Width:     cfg.Width,
		Height:    cfg.Height,
		MaxWidth:  w,
		MaxHeight: h,
		BufSize:   uint32(w * h),
		Profile:   cfg.Profile,
		ByFrame:   true,
	}

	switch cfg.Codec {
	case CodecJPEG:
		return attr, nil
	case CodecMJPEG:
		rc, err := mjpegRate(cfg)
		if err != nil {
			return ChannelAttr{}, err
		}
		attr.Rate = rc
		attr.Profile = 0
		return attr, nil
	case CodecH264, CodecH265:
		rc, err := h26xRate(cfg)
		if err != nil {
			return ChannelAttr{}, err
		}
		attr.Rate = rc
		return attr, nil
	}
	return ChannelAttr{}, &RateModeError{Codec: cfg.Codec, Mode: cfg.Mode}
}

func mjpegRate(cfg VideoConfig) (*RateControl, error) {
	switch cfg.Mode {
	case RateCBR:
		return &RateControl{Mode: RateCBR, StatTime: 1, Framerate: cfg.Framerate,
			Bitrate: cfg.Bitrate}, nil
	case RateVBR:
		return &RateControl{Mode: RateVBR, StatTime: 1, Framerate: cfg.Framerate,
			MaxBitrate: max(cfg.Bitrate, cfg.MaxBitrate),
			MinQual:    cfg.MinQual, MaxQual: cfg.MaxQual}, nil
	case RateQP:
		return &RateControl{Mode: RateQP, Framerate: cfg.Framerate,
			Quality: cfg.MaxQual}, nil
	}
	return nil, &RateModeError{Codec: cfg.Codec, Mode: cfg.Mode}
}

func h26xRate(cfg VideoConfig) (*RateControl, error) {
	switch cfg.Mode {
	case RateCBR:
		return &RateControl{Mode: RateCBR, Gop: cfg.Gop, StatTime: 1,
			Framerate: cfg.Framerate, Bitrate: cfg.Bitrate, AvgLevel: 1}, nil
	case RateVBR:
		return &RateControl{Mode: RateVBR, Gop: cfg.Gop, StatTime: 1,
			Framerate: cfg.Framerate, MaxBitrate: max(cfg.Bitrate, cfg.MaxBitrate),
			MaxQual: cfg.MaxQual, MinQual: cfg.MinQual, MinIQual: cfg.MinQual}, nil
	case RateQP:
		return &RateControl{Mode: RateQP, Gop: cfg.Gop, Framerate: cfg.Framerate,
			InterQual: cfg.MaxQual, PredQual: cfg.MinQual, BipredQual: cfg.MinQual}, nil
	case RateABR:
		// H.265 has no ABR in either SDK.
		if cfg.Codec == CodecH265 {
			break
		}
		return &RateControl{Mode: RateABR, Gop: cfg.Gop, StatTime: 1,
			Framerate: cfg.Framerate, Bitrate: cfg.Bitrate, MaxBitrate: cfg.MaxBitrate}, nil
	case RateAVBR:
		return &RateControl{Mode: RateAVBR, Gop: cfg.Gop, StatTime: 1,
			Framerate: cfg.Framerate, Bitrate: cfg.Bitrate,
			MaxBitrate: max(cfg.Bitrate, cfg.MaxBitrate),
			MinQual:    cfg.MinQual, MaxQual: cfg.MaxQual}, nil
	}
	return nil, &RateModeError{Codec: cfg.Codec, Mode: cfg.Mode}
}
