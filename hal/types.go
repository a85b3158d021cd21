package hal

import (
	"fmt"
	"strings"
)

// ModuleKind identifies a category of hardware function.
type ModuleKind int

const (
	ModuleSystem ModuleKind = iota
	ModuleSensor
	ModuleInput
	ModuleISP
	ModuleScaler
	ModuleEncoder
	ModuleRegion
)

var moduleNames = [...]string{"system", "sensor", "input", "isp", "scaler", "encoder", "region"}

func (k ModuleKind) String() string {
	if k < 0 || int(k) >= len(moduleNames) {
		return fmt.Sprintf("module(%d)", int(k))
	}
	return moduleNames[k]
}

// NoPort marks an endpoint of a family without a port concept.
const NoPort = -1

// Endpoint identifies one side of a binding.
type Endpoint struct {
	Kind    ModuleKind
	Device  int
	Channel int
	Port    int
}

func (e Endpoint) String() string {
	if e.Port == NoPort {
		return fmt.Sprintf("%s[%d/%d]", e.Kind, e.Device, e.Channel)
	}
	return fmt.Sprintf("%s[%d/%d:%d]", e.Kind, e.Device, e.Channel, e.Port)
}

// LinkMode selects how a bound source hands frames to its destination.
type LinkMode int

const (
	LinkRealtime LinkMode = iota
	LinkFrame
	LinkRing
)

// Link carries the backend-specific parameters of a binding.
type Link struct {
	SrcFps int
	DstFps int
	Mode   LinkMode
}

// Codec is the payload kind of an encoder channel.
type Codec int

const (
	CodecNone Codec = iota
	CodecJPEG
	CodecMJPEG
	CodecH264
	CodecH265
)

var codecNames = map[Codec]string{
	CodecNone:  "none",
	CodecJPEG:  "jpeg",
	CodecMJPEG: "mjpeg",
	CodecH264:  "h264",
	CodecH265:  "h265",
}

func (c Codec) String() string {
	if s, ok := codecNames[c]; ok {
		return s
	}
	return fmt.Sprintf("codec(%d)", int(c))
}

// JPEGFamily reports whether the codec is served by the JPEG encoder device.
func (c Codec) JPEGFamily() bool {
	return c == CodecJPEG || c == CodecMJPEG
}

// ParseCodec maps a configuration name to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "jpeg", "jpg":
		return CodecJPEG, nil
	case "mjpeg", "mjpg":
		return CodecMJPEG, nil
	case "h264", "avc":
		return CodecH264, nil
	case "h265", "hevc":
		return CodecH265, nil
	case "", "none":
		return CodecNone, nil
	}
	return CodecNone, fmt.Errorf("unknown codec %q", s)
}

// RateMode is the rate-control strategy of an encoder channel.
type RateMode int

const (
	RateCBR RateMode = iota
	RateVBR
	RateQP
	RateABR
	RateAVBR
)

var rateNames = [...]string{"cbr", "vbr", "qp", "abr", "avbr"}

func (m RateMode) String() string {
	if m < 0 || int(m) >= len(rateNames) {
		return fmt.Sprintf("rate(%d)", int(m))
	}
	return rateNames[m]
}

// ParseRateMode maps a configuration name to a RateMode.
func ParseRateMode(s string) (RateMode, error) {
	for i, name := range rateNames {
		if strings.EqualFold(s, name) {
			return RateMode(i), nil
		}
	}
	return RateCBR, fmt.Errorf("unknown rate mode %q", s)
}

// PixelFormat is the subset of pixel layouts the pipeline programs.
type PixelFormat int

const (
	PixelYUV420SP PixelFormat = iota
	PixelYUV422YUYV
	PixelYUV422SP
	PixelARGB1555
)

// Rect is a positioned rectangle in pixels.
type Rect struct {
	X, Y          int
	Width, Height int
}

// SensorMode is the capture mode requested from the sensor.
type SensorMode struct {
	Width  int
	Height int
	Fps    int
}

// SensorInfo describes the profile the sensor settled on.
type SensorInfo struct {
	Profile int
	Capture Rect
	MaxFps  int
	Fps     int
}

// Covers reports whether the profile can capture mode.
func (s SensorInfo) Covers(mode SensorMode) bool {
	return mode.Width <= s.Capture.Width && mode.Height <= s.Capture.Height && mode.Fps <= s.MaxFps
}

// InputConfig programs a video-input device or port.
type InputConfig struct {
	Capture Rect
	Fps     int
}

// ISPParams configures an image-signal-processor channel.
type ISPParams struct {
	Mirror    bool
	Flip      bool
	Rotate    int
	Level3DNR int
}

// PortConfig programs one scaler output port.
type PortConfig struct {
	Width  int
	Height int
	Fps    int
	Mirror bool
	Flip   bool
	Format PixelFormat
}

// SystemConfig is handed to System.Init.
type SystemConfig struct {
	AlignWidth uint32
	BlockCount uint32
	PoolCount  uint32
	Sensor     SensorSettings
}

// SensorSettings is the already-validated sensor record some families
// need at system bring-up.
type SensorSettings struct {
	Driver        string
	ControlPath   string
	InterfaceMode string
	Lanes         []int
	Width         int
	Height        int
	Fps           int
}

// JPEGParam is the tunable part of a JPEG encoder channel.
type JPEGParam struct {
	Quality int
}

// Status is the result of an encoder query.
type Status struct {
	CurPacks   uint32
	LeftFrames uint32
}

// RegionConfig describes an overlay region.
type RegionConfig struct {
	Width  int
	Height int
	Format PixelFormat
}

// RegionAttach describes how a region is shown on one target.
type RegionAttach struct {
	X, Y  int
	Show  bool
	Layer int
}

// Bitmap is overlay pixel data.
type Bitmap struct {
	Width  int
	Height int
	Format PixelFormat
	Data   []byte
}
