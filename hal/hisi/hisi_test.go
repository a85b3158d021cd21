package hisi

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

type mppLoader struct {
	missing string
	opened  int
	closed  int
}

func (l *mppLoader) Open(path string) (uintptr, error) {
	if l.missing != "" && (path == l.missing || path == "./"+l.missing || path == "/usr/lib/"+l.missing) {
		return 0, errors.New("cannot open shared object file")
	}
	l.opened++
	return uintptr(0x1000 + l.opened), nil
}

func (l *mppLoader) Symbol(uintptr, string) (uintptr, error) { return 0x2000, nil }

func (l *mppLoader) Close(uintptr) error {
	l.closed++
	return nil
}

func TestOpenResolvesEveryCapability(t *testing.T) {
	l := &mppLoader{}

	b, err := open(dl.NewSetWith(l), hal.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	assert.Equal(t, Family, b.Family)
	assert.Equal(t, 5, l.opened)
	_, runs := b.ISP.(hal.Runner)
	assert.True(t, runs)

	require.NoError(t, b.Close())
	assert.Equal(t, 5, l.closed)
}

func TestOpenMissingISPReleasesLoaded(t *testing.T) {
	l := &mppLoader{missing: "libisp.so"}

	_, err := open(dl.NewSetWith(l), hal.Options{Logger: zaptest.NewLogger(t)})

	var ue *hal.UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, hal.ModuleISP, ue.Kind)
	assert.Equal(t, "libisp.so", ue.Symbol)
	assert.Equal(t, 4, l.closed)
}

func TestCalculateBlock(t *testing.T) {
	tests := []struct {
		name   string
		width  int
		height int
		format hal.PixelFormat
		align  uint32
		want   uint32
	}{
		{name: "1080p 420", width: 1920, height: 1080, format: hal.PixelYUV420SP, align: 64,
			want: 1920*1088*3/2 + 16*1080*3/2},
		{name: "720p 422", width: 1280, height: 720, format: hal.PixelYUV422SP, align: 16,
			want: 1280*720*2 + 16*720*2},
		{name: "odd size 420", width: 1000, height: 500, format: hal.PixelYUV420SP, align: 32,
			want: 1024*512*3/2 + 16*500*3/2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateBlock(tt.width, tt.height, tt.format, tt.align)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculateBlockRejects(t *testing.T) {
	_, err := CalculateBlock(1920, 1080, hal.PixelYUV420SP, 24)
	assert.Error(t, err)

	_, err = CalculateBlock(1920, 1080, hal.PixelARGB1555, 64)
	assert.True(t, errors.Is(err, hal.ErrUnsupported))
}

func buildAttr(t *testing.T, codec hal.Codec, mode hal.RateMode) hal.ChannelAttr {
	t.Helper()
	attr, err := hal.BuildChannelAttr(hal.VideoConfig{
		Codec: codec, Mode: mode, Width: 1920, Height: 1080,
		Framerate: 25, Gop: 50, Bitrate: 3000, MaxBitrate: 4000, MinQual: 22, MaxQual: 42, Profile: 2,
	})
	require.NoError(t, err)
	return attr
}

func TestNativeChannelKeepsKbit(t *testing.T) {
	c, err := nativeChannel(buildAttr(t, hal.CodecH264, hal.RateCBR))
	require.NoError(t, err)

	assert.Equal(t, ptH264, c.payload)
	assert.Equal(t, rcH264CBR, c.mode)
	rc := *(*rateH26xCBR)(unsafe.Pointer(&c.rate[0]))
	assert.Equal(t, rateH26xCBR{gop: 50, statTime: 1, srcFps: 25, dstFps: 25, bitrate: 3000, fluctuate: 1}, rc)

	a := c.h26x()
	assert.Equal(t, uint32(1088), a.maxHeight)
	assert.Equal(t, uint32(1080), a.height)
	assert.Equal(t, uint32(2), a.profile)
}

func TestNativeChannelMJPEGVBRKeepsMinQuality(t *testing.T) {
	c, err := nativeChannel(buildAttr(t, hal.CodecMJPEG, hal.RateVBR))
	require.NoError(t, err)

	assert.Equal(t, ptMJPEG, c.payload)
	assert.Equal(t, rcMJPEGVBR, c.mode)
	rc := *(*rateMJPEGVBR)(unsafe.Pointer(&c.rate[0]))
	assert.Equal(t, uint32(42), rc.maxQual)
	assert.Equal(t, uint32(22), rc.minQual)
	assert.Equal(t, uint32(4000), rc.maxBitrate)
}

func TestNativeChannelJPEGHasNoRate(t *testing.T) {
	c, err := nativeChannel(buildAttr(t, hal.CodecJPEG, hal.RateCBR))
	require.NoError(t, err)

	assert.Equal(t, ptJPEG, c.payload)
	assert.Equal(t, int32(0), c.mode)
	assert.Equal(t, uint32(1920), c.jpeg().width)
}

func TestNativeChannelRejectsABR(t *testing.T) {
	_, err := nativeChannel(buildAttr(t, hal.CodecH264, hal.RateABR))

	assert.True(t, errors.Is(err, hal.ErrUnsupportedRateMode))
}

func TestNativeChannelH265Modes(t *testing.T) {
	for mode, want := range map[hal.RateMode]int32{
		hal.RateCBR:  rcH265CBR,
		hal.RateVBR:  rcH265VBR,
		hal.RateQP:   rcH265QP,
		hal.RateAVBR: rcH265AVBR,
	} {
		c, err := nativeChannel(buildAttr(t, hal.CodecH265, mode))
		require.NoError(t, err)
		assert.Equal(t, ptH265, c.payload)
		assert.Equal(t, want, c.mode)
	}
}

func TestNativeChn(t *testing.T) {
	c, err := nativeChn(hal.Endpoint{Kind: hal.ModuleScaler, Device: 0, Channel: 2, Port: hal.NoPort})
	require.NoError(t, err)
	assert.Equal(t, mppChn{module: modVPSS, channel: 2}, c)

	c, err = nativeChn(hal.Endpoint{Kind: hal.ModuleInput, Port: hal.NoPort})
	require.NoError(t, err)
	assert.Equal(t, modVIU, c.module)

	_, err = nativeChn(hal.Endpoint{Kind: hal.ModuleISP})
	assert.True(t, errors.Is(err, hal.ErrUnsupported))
}

func TestFanOutOnlyFromVPSS(t *testing.T) {
	s := &system{&chip{}}

	assert.True(t, s.FanOut(hal.Endpoint{Kind: hal.ModuleScaler}))
	assert.False(t, s.FanOut(hal.Endpoint{Kind: hal.ModuleInput}))
}

func TestViInterface(t *testing.T) {
	got, err := viInterface("MIPI")
	require.NoError(t, err)
	assert.Equal(t, viMIPI, got)

	got, err = viInterface("sublvds")
	require.NoError(t, err)
	assert.Equal(t, viLVDS, got)

	_, err = viInterface("bypass")
	assert.True(t, errors.Is(err, hal.ErrUnsupported))

	_, err = viInterface("parallel")
	assert.Error(t, err)
}

func TestSensorUsesConfiguredProfile(t *testing.T) {
	c := &chip{settings: hal.SensorSettings{Driver: "libsns_imx307.so", Width: 1920, Height: 1080, Fps: 30}}
	s := &sensorCap{c}

	info, err := s.Enable(0, hal.SensorMode{Width: 1280, Height: 720, Fps: 25})
	require.NoError(t, err)
	assert.Equal(t, hal.Rect{Width: 1920, Height: 1080}, info.Capture)
	assert.Equal(t, 30, info.MaxFps)
	assert.Equal(t, 25, info.Fps)

	_, err = s.Enable(0, hal.SensorMode{Width: 2560, Height: 1440, Fps: 25})
	assert.Error(t, err)
}

func TestSensorBeforeInit(t *testing.T) {
	_, err := (&sensorCap{&chip{}}).Enable(0, hal.SensorMode{Width: 640, Height: 480, Fps: 15})

	assert.Error(t, err)
}

func TestInlineISP(t *testing.T) {
	var ranOn int32 = -1
	c := &chip{isp: ispAPI{run: func(dev int32) int32 { ranOn = dev; return 0 }}}
	p := &isp{c}

	require.NoError(t, p.Create(1, 0, hal.ISPParams{}))
	require.NoError(t, p.Run())
	assert.Equal(t, int32(1), ranOn)

	_, ok := p.Endpoint(1, 0, 0)
	assert.False(t, ok)
	assert.True(t, errors.Is(p.LoadConfig(1, 0, "/etc/sensors/imx307.bin"), hal.ErrUnsupported))
}

func TestRegionConfigMissing(t *testing.T) {
	c := &chip{rgn: rgnAPI{getAttr: func(uint32, *rgnAttr) int32 { return -1 }}}

	_, err := (&region{c}).Config(3)

	assert.True(t, errors.Is(err, hal.ErrNoRegion))
}

func TestRegionAttachTopLayer(t *testing.T) {
	var got rgnChannel
	var gotChn mppChn
	c := &chip{rgn: rgnAPI{attach: func(_ uint32, chn *mppChn, attr *rgnChannel) int32 {
		got, gotChn = *attr, *chn
		return 0
	}}}
	r := &region{c}

	target := r.Targets()[0]
	require.NoError(t, r.Attach(0, target, hal.RegionAttach{X: 16, Y: 32, Show: true}))

	assert.Equal(t, mppChn{module: modVENC}, gotChn)
	assert.Equal(t, int32(1), got.show)
	assert.Equal(t, uint32(overlayLayer), got.layer)
	assert.Equal(t, uint32(overlayFgAlpha), got.fgAlpha)
	assert.Equal(t, int32(16), got.point.x)
	assert.Equal(t, int32(32), got.point.y)
}

func TestFetchExposesPackets(t *testing.T) {
	payload := []byte{0, 0, 0, 1, 0x65, 0xaa}
	c := &chip{venc: vencAPI{getStream: func(_ int32, s *vencStream, _ int32) int32 {
		packs := unsafe.Slice(s.packet, s.count)
		packs[0] = vencPack{data: &payload[0], length: uint32(len(payload)), offset: 4}
		s.count = 1
		s.sequence = 9
		return 0
	}}}
	e := &encoder{c}

	ns, err := e.Fetch(2, 3)
	require.NoError(t, err)
	require.Equal(t, 1, ns.Len())
	assert.Equal(t, uint32(9), ns.Sequence())
	assert.Equal(t, []byte{0x65, 0xaa}, ns.Packet(0).Payload())

	_, err = e.Fetch(2, 0)
	assert.True(t, errors.Is(err, hal.ErrEmptyFrame))
}

func TestFreeHandsBackPinnedPackArray(t *testing.T) {
	var fetched, released *vencPack
	c := &chip{venc: vencAPI{
		getStream: func(_ int32, s *vencStream, _ int32) int32 {
			fetched = s.packet
			s.count = 1
			return 0
		},
		release: func(_ int32, s *vencStream) int32 {
			released = s.packet
			return 0
		},
	}}
	e := &encoder{c}

	ns, err := e.Fetch(1, 2)
	require.NoError(t, err)
	s := ns.(*stream)
	require.NotNil(t, fetched)
	assert.Same(t, &s.packs[0], fetched)

	require.NoError(t, e.Free(1, ns))
	assert.Same(t, fetched, released, "release must see the pack array handed to GetStream")
	assert.Nil(t, s.native.packet)
	assert.Equal(t, 1, ns.Len())
}

func TestFetchFailureUnpinsPackArray(t *testing.T) {
	var seen *vencStream
	c := &chip{venc: vencAPI{getStream: func(_ int32, s *vencStream, _ int32) int32 {
		seen = s
		return -1
	}}}
	e := &encoder{c}

	_, err := e.Fetch(1, 2)
	var callErr *hal.CallError
	require.True(t, errors.As(err, &callErr))
	require.NotNil(t, seen)
	assert.Nil(t, seen.packet)
}
