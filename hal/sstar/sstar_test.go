package sstar

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ipc-streamer/hal"
	"ipc-streamer/hal/dl"
)

type sdkLoader struct {
	missing map[string]bool
	opened  int
	closed  int
}

func (l *sdkLoader) Open(path string) (uintptr, error) {
	if l.missing[path] {
		return 0, errors.New("cannot open shared object file")
	}
	l.opened++
	return uintptr(0x1000 + l.opened), nil
}

func (l *sdkLoader) Symbol(uintptr, string) (uintptr, error) { return 0x2000, nil }

func (l *sdkLoader) Close(uintptr) error {
	l.closed++
	return nil
}

func TestOpenResolvesEveryCapability(t *testing.T) {
	l := &sdkLoader{}

	b, err := open(dl.NewSetWith(l), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, Family, b.Family)
	assert.NotNil(t, b.System)
	assert.NotNil(t, b.Sensor)
	assert.NotNil(t, b.Input)
	assert.NotNil(t, b.ISP)
	assert.NotNil(t, b.Scaler)
	assert.NotNil(t, b.Encoder)
	assert.NotNil(t, b.Region)
	assert.Equal(t, 9, l.opened)

	require.NoError(t, b.Close())
	assert.Equal(t, 9, l.closed)
}

func TestOpenMissingDependencyReleasesLoaded(t *testing.T) {
	l := &sdkLoader{missing: map[string]bool{
		"libcus3a.so":          true,
		"./libcus3a.so":        true,
		"/usr/lib/libcus3a.so": true,
	}}

	_, err := open(dl.NewSetWith(l), zaptest.NewLogger(t))

	var ue *hal.UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, hal.ModuleISP, ue.Kind)
	assert.Equal(t, "libcus3a.so", ue.Symbol)
	assert.Equal(t, 2, l.opened)
	assert.Equal(t, 2, l.closed)
}

func h264Attr(mode hal.RateMode) hal.ChannelAttr {
	attr, err := hal.BuildChannelAttr(hal.VideoConfig{
		Codec: hal.CodecH264, Mode: mode, Width: 1920, Height: 1080,
		Framerate: 30, Gop: 60, Bitrate: 2048, MaxBitrate: 4096, MinQual: 20, MaxQual: 45, Profile: 1,
	})
	if err != nil {
		panic(err)
	}
	return attr
}

func TestNativeChannelH264CBR(t *testing.T) {
	c, dev, err := nativeChannel(h264Attr(hal.RateCBR))
	require.NoError(t, err)

	assert.Equal(t, devH26X, dev)
	assert.Equal(t, codecH264, c.codec)
	h := c.h26x()
	assert.Equal(t, uint32(1920), h.maxWidth)
	assert.Equal(t, uint32(1088), h.maxHeight)
	assert.Equal(t, uint32(1920*1088), h.bufSize)
	assert.Equal(t, uint32(1), h.profile)
	assert.Equal(t, uint32(1), h.refNum)

	assert.Equal(t, rcH264CBR, c.mode)
	rc := *(*rateH26xCBR)(unsafe.Pointer(&c.rate[0]))
	assert.Equal(t, rateH26xCBR{gop: 60, statTime: 1, fpsNum: 30, fpsDen: 1, bitrate: 2048 << 10, avgLvl: 1}, rc)
}

func TestNativeChannelH264AVBRUsesH264Mode(t *testing.T) {
	c, _, err := nativeChannel(h264Attr(hal.RateAVBR))
	require.NoError(t, err)

	assert.Equal(t, rcH264AVBR, c.mode)
	rc := *(*rateH26xVBR)(unsafe.Pointer(&c.rate[0]))
	assert.Equal(t, uint32(4096<<10), rc.maxBitrate)
	assert.Equal(t, uint32(45), rc.maxQual)
	assert.Equal(t, uint32(20), rc.minQual)
}

func TestNativeChannelRateModes(t *testing.T) {
	tests := []struct {
		name  string
		codec hal.Codec
		mode  hal.RateMode
		want  int32
	}{
		{name: "h264 vbr", codec: hal.CodecH264, mode: hal.RateVBR, want: rcH264VBR},
		{name: "h264 qp", codec: hal.CodecH264, mode: hal.RateQP, want: rcH264QP},
		{name: "h264 abr", codec: hal.CodecH264, mode: hal.RateABR, want: rcH264ABR},
		{name: "h265 cbr", codec: hal.CodecH265, mode: hal.RateCBR, want: rcH265CBR},
		{name: "h265 avbr", codec: hal.CodecH265, mode: hal.RateAVBR, want: rcH265AVBR},
		{name: "mjpeg cbr", codec: hal.CodecMJPEG, mode: hal.RateCBR, want: rcMJPGCBR},
		{name: "mjpeg qp", codec: hal.CodecMJPEG, mode: hal.RateQP, want: rcMJPGQP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attr, err := hal.BuildChannelAttr(hal.VideoConfig{Codec: tt.codec, Mode: tt.mode,
				Width: 1280, Height: 720, Framerate: 25, Gop: 50, Bitrate: 1024, MaxQual: 40})
			require.NoError(t, err)

			c, _, err := nativeChannel(attr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.mode)
		})
	}
}

func TestNativeChannelMJPEGVBRRejected(t *testing.T) {
	attr, err := hal.BuildChannelAttr(hal.VideoConfig{Codec: hal.CodecMJPEG, Mode: hal.RateVBR,
		Width: 640, Height: 480, Framerate: 15, Bitrate: 1024})
	require.NoError(t, err)

	_, _, err = nativeChannel(attr)

	assert.True(t, errors.Is(err, hal.ErrUnsupportedRateMode))
}

func TestNativeChannelJPEGSnapshot(t *testing.T) {
	attr, err := hal.BuildChannelAttr(hal.VideoConfig{Codec: hal.CodecJPEG, Width: 1921, Height: 1080})
	require.NoError(t, err)

	c, dev, err := nativeChannel(attr)
	require.NoError(t, err)

	assert.Equal(t, devMJPG, dev)
	assert.Equal(t, codecMJPG, c.codec)
	assert.Equal(t, uint32(1936), c.mjpg().maxWidth)
	assert.Equal(t, rcMJPGQP, c.mode)
	rc := *(*rateMJPGQP)(unsafe.Pointer(&c.rate[0]))
	assert.Equal(t, uint32(1), rc.fpsNum)
	assert.Equal(t, uint32(defaultJPEGQuality), rc.quality)
}

func TestNativePort(t *testing.T) {
	p, err := nativePort(hal.Endpoint{Kind: hal.ModuleScaler, Device: 0, Channel: 0, Port: 2})
	require.NoError(t, err)
	assert.Equal(t, sysPort{module: modSCL, port: 2}, p)

	p, err = nativePort(hal.Endpoint{Kind: hal.ModuleEncoder, Device: int(devMJPG), Channel: 1, Port: hal.NoPort})
	require.NoError(t, err)
	assert.Equal(t, sysPort{module: modVENC, device: 8, channel: 1}, p)

	_, err = nativePort(hal.Endpoint{Kind: hal.ModuleRegion})
	assert.True(t, errors.Is(err, hal.ErrUnsupported))
}

func TestLinkType(t *testing.T) {
	assert.Equal(t, linkRealtime, linkType(hal.LinkRealtime))
	assert.Equal(t, linkFrameBase, linkType(hal.LinkFrame))
	assert.Equal(t, linkRing, linkType(hal.LinkRing))
}

func TestPlaneFormat(t *testing.T) {
	bayer := snrPlane{bayer: 1, precision: 2}
	assert.Equal(t, pixRGBBayer+2*bayerEnd+1, bayer.format())

	yuv := snrPlane{bayer: bayerEnd + 1, pixFmt: pixYUV422YUYV}
	assert.Equal(t, pixYUV422YUYV, yuv.format())
}

func TestCString(t *testing.T) {
	var v sysVersion
	copy(v.version[:], "MI_SYS v2.0\x00junk")
	assert.Equal(t, "MI_SYS v2.0", cString(v.version[:]))
}

func TestChannelUnionHoldsEveryLayout(t *testing.T) {
	var c vencChn
	assert.GreaterOrEqual(t, len(c.attrib), int(unsafe.Sizeof(vencAttrMJPG{})))
	assert.GreaterOrEqual(t, len(c.attrib), int(unsafe.Sizeof(vencAttrH26x{})))
	for _, n := range []uintptr{
		unsafe.Sizeof(rateH26xCBR{}), unsafe.Sizeof(rateH26xQP{}), unsafe.Sizeof(rateH26xABR{}),
		unsafe.Sizeof(rateMJPGCBR{}), unsafe.Sizeof(rateMJPGQP{}),
	} {
		assert.GreaterOrEqual(t, len(c.rate), int(n))
	}
}

func TestFetchAndFreePinPackArray(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0xff, 0xd9}
	var fetched, released *vencPack
	c := &chip{venc: vencAPI{
		getStream: func(dev, chn int32, s *vencStream, _ int32) int32 {
			fetched = s.packet
			packs := unsafe.Slice(s.packet, s.count)
			packs[0] = vencPack{data: &payload[0], length: uint32(len(payload))}
			s.count = 1
			return 0
		},
		release: func(dev, chn int32, s *vencStream) int32 {
			released = s.packet
			return 0
		},
	}}
	e := &encoder{c}

	ns, err := e.Fetch(0, 4)
	require.NoError(t, err)
	s := ns.(*stream)
	assert.Same(t, &s.packs[0], fetched)
	assert.Equal(t, payload, ns.Packet(0).Payload())

	require.NoError(t, e.Free(0, ns))
	assert.Same(t, fetched, released, "release must see the pack array handed to GetStream")
	assert.Nil(t, s.native.packet)
}

func TestFetchFailureUnpinsPackArray(t *testing.T) {
	var seen *vencStream
	c := &chip{venc: vencAPI{getStream: func(_, _ int32, s *vencStream, _ int32) int32 {
		seen = s
		return -1
	}}}
	e := &encoder{c}

	_, err := e.Fetch(0, 2)
	var callErr *hal.CallError
	require.True(t, errors.As(err, &callErr))
	require.NotNil(t, seen)
	assert.Nil(t, seen.packet)
}
