package channel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ipc-streamer/binding"
	"ipc-streamer/hal"
	"ipc-streamer/hal/fake"
	"ipc-streamer/poll"
)

func newTestManager(t *testing.T, cfg fake.Config) (*Manager, *fake.Fake) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := fake.New(cfg)
	b := f.Backend()
	t.Cleanup(func() { b.Close() })
	return New(b, binding.New(b.System, logger), poll.New(), logger), f
}

var (
	h264Config = hal.VideoConfig{
		Codec: hal.CodecH264, Mode: hal.RateCBR,
		Width: 1920, Height: 1080, Framerate: 25, Gop: 30, Bitrate: 4096,
	}
	jpegConfig = hal.VideoConfig{Codec: hal.CodecJPEG, Width: 1920, Height: 1080, Framerate: 30}
)

func requireState(t *testing.T, m *Manager, index int, want State) {
	t.Helper()
	got, err := m.State(index)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestCreateEncoderH264StartsReceiving(t *testing.T) {
	m, f := newTestManager(t, fake.Config{})

	requireState(t, m, 0, Idle)
	require.NoError(t, m.CreateEncoder(0, h264Config))
	requireState(t, m, 0, Receiving)

	attr, ok := f.Encoder.Attr(0)
	require.True(t, ok)
	assert.Equal(t, 1920, attr.Width)
	assert.Equal(t, 1080, attr.Height)
	assert.Equal(t, 1088, attr.MaxHeight)
	assert.Equal(t, uint32(1920*1088), attr.BufSize)
	require.NotNil(t, attr.Rate)
	assert.Equal(t, uint32(4096), attr.Rate.Bitrate)
	assert.Equal(t, 30, attr.Rate.Gop)
	assert.Equal(t, 25, attr.Rate.Framerate)

	assert.Equal(t, []string{"venc.CreateChannel[0]", "venc.StartReceiving[0]"}, f.Calls())
}

func TestCreateEncoderJPEGDefersStart(t *testing.T) {
	m, f := newTestManager(t, fake.Config{})

	require.NoError(t, m.CreateEncoder(1, jpegConfig))

	requireState(t, m, 1, Created)
	assert.Zero(t, f.Count("venc.StartReceiving"))
	assert.False(t, f.Encoder.Receiving(1))
}

func TestCreateEncoderRejectsRateModeBeforeHardware(t *testing.T) {
	m, f := newTestManager(t, fake.Config{})

	cfg := h264Config
	cfg.Codec = hal.CodecH265
	cfg.Mode = hal.RateABR
	err := m.CreateEncoder(0, cfg)

	assert.True(t, errors.Is(err, hal.ErrUnsupportedRateMode))
	assert.Zero(t, f.Len())
	requireState(t, m, 0, Idle)
}

func TestCreateEncoderStartFailureStaysCreated(t *testing.T) {
	m, f := newTestManager(t, fake.Config{})
	f.FailCode("venc.StartReceiving", -1)

	err := m.CreateEncoder(0, h264Config)

	var ce *hal.CallError
	require.True(t, errors.As(err, &ce))
	requireState(t, m, 0, Created)
}

func TestCreateEncoderTwice(t *testing.T) {
	m, _ := newTestManager(t, fake.Config{})
	require.NoError(t, m.CreateEncoder(0, h264Config))

	err := m.CreateEncoder(0, h264Config)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestDestroyEncoderFromEveryState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, m *Manager)
		want  State
	}{
		{
			name:  "created",
			setup: func(t *testing.T, m *Manager) { require.NoError(t, m.CreateEncoder(0, jpegConfig)) },
			want:  Created,
		},
		{
			name: "bound",
			setup: func(t *testing.T, m *Manager) {
				require.NoError(t, m.CreateEncoder(0, jpegConfig))
				require.NoError(t, m.BindChannel(0))
			},
			want: Bound,
		},
		{
			name: "receiving with descriptor",
			setup: func(t *testing.T, m *Manager) {
				require.NoError(t, m.CreateEncoder(0, h264Config))
				require.NoError(t, m.BindChannel(0))
				_, err := m.Descriptor(0)
				require.NoError(t, err)
			},
			want: Receiving,
		},
		{
			name: "stopped",
			setup: func(t *testing.T, m *Manager) {
				require.NoError(t, m.CreateEncoder(0, h264Config))
				require.NoError(t, m.StopReceiving(0))
			},
			want: Stopped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, f := newTestManager(t, fake.Config{})
			tt.setup(t, m)
			requireState(t, m, 0, tt.want)

			require.NoError(t, m.DestroyEncoder(0))
			requireState(t, m, 0, Idle)
			require.NoError(t, m.DestroyEncoder(0))
			requireState(t, m, 0, Idle)

			assert.Equal(t, 1, f.Count("venc.DestroyChannel"))
			assert.Zero(t, f.System.Links())
			assert.False(t, f.Encoder.HasDescriptor(0))
			assert.False(t, f.Encoder.Receiving(0))
			assert.Empty(t, f.Scaler.Enabled())
		})
	}
}

func TestDestroyEncoderAttemptsEveryStep(t *testing.T) {
	m, f := newTestManager(t, fake.Config{})
	require.NoError(t, m.CreateEncoder(0, h264Config))
	require.NoError(t, m.BindChannel(0))
	_, err := m.Descriptor(0)
	require.NoError(t, err)

	f.FailCode("venc.StopReceiving", -9)
	f.FailCode("sys.Unbind", -10)
	err = m.DestroyEncoder(0)

	var ce *hal.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "venc.StopReceiving", ce.Op, "first failure is surfaced")
	assert.Equal(t, 1, f.Count("venc.FreeDescriptor"))
	assert.Equal(t, 1, f.Count("sys.Unbind"))
	assert.Equal(t, 1, f.Count("scaler.DisablePort"))
	assert.Equal(t, 1, f.Count("venc.DestroyChannel"))
	requireState(t, m, 0, Idle)
}

func TestBindChannelRollsBackPort(t *testing.T) {
	m, f := newTestManager(t, fake.Config{})
	require.NoError(t, m.CreateEncoder(2, jpegConfig))
	f.FailCode("sys.Bind", -4)

	err := m.BindChannel(2)

	assert.True(t, errors.Is(err, binding.ErrBackendBind))
	assert.Equal(t, 1, f.Count("scaler.EnablePort"))
	assert.Equal(t, 1, f.Count("scaler.DisablePort"))
	assert.Empty(t, f.Scaler.Enabled())
	requireState(t, m, 2, Created)
}

func TestBindChannelUsesScalerPortAndFps(t *testing.T) {
	logger := zaptest.NewLogger(t)
	f := fake.New(fake.Config{})
	b := f.Backend()
	defer b.Close()
	g := binding.New(b.System, logger)
	m := New(b, g, poll.New(), logger)

	require.NoError(t, m.CreateEncoder(1, h264Config))
	require.NoError(t, m.BindChannel(1))

	edges := g.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, f.Scaler.Output(1), edges[0].Src)
	assert.Equal(t, f.Encoder.Endpoint(1, hal.CodecH264), edges[0].Dst)
	assert.Equal(t, hal.Link{SrcFps: 25, DstFps: 25, Mode: hal.LinkRealtime}, edges[0].Link)
	assert.Equal(t, []int{1}, f.Scaler.Enabled())

	require.NoError(t, m.UnbindChannel(1))
	assert.Zero(t, g.Len())
	assert.True(t, errors.Is(m.UnbindChannel(1), ErrInvalidState))
}

func TestStartStopReceiving(t *testing.T) {
	m, f := newTestManager(t, fake.Config{})
	require.NoError(t, m.CreateEncoder(0, jpegConfig))

	_, err := m.Descriptor(0)
	assert.True(t, errors.Is(err, ErrInvalidState), "no descriptor before receiving")

	require.NoError(t, m.StartReceiving(0))
	require.NoError(t, m.StartReceiving(0))
	assert.Equal(t, 1, f.Count("venc.StartReceiving"))

	fd1, err := m.Descriptor(0)
	require.NoError(t, err)
	fd2, err := m.Descriptor(0)
	require.NoError(t, err)
	assert.Equal(t, fd1, fd2)
	assert.Equal(t, 1, f.Count("venc.Descriptor"), "descriptor is cached")

	require.NoError(t, m.StopReceiving(0))
	require.NoError(t, m.StopReceiving(0))
	assert.Equal(t, 1, f.Count("venc.StopReceiving"))
	assert.Equal(t, 1, f.Count("venc.FreeDescriptor"))
	requireState(t, m, 0, Stopped)
}

func TestServiceOnlyForMainLoopMembers(t *testing.T) {
	m, _ := newTestManager(t, fake.Config{})
	require.NoError(t, m.CreateEncoder(0, h264Config))
	require.NoError(t, m.CreateEncoder(1, jpegConfig))

	called := 0
	fn := func(hal.Encoder) error { called++; return nil }

	ran, err := m.Service(0, fn)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, m.Members())

	require.NoError(t, m.SetMainLoop(0, true))
	require.NoError(t, m.SetMainLoop(1, true))
	assert.Equal(t, []int{0}, m.Members(), "created JPEG channel is not receiving")

	ran, err = m.Service(0, fn)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, called)

	require.NoError(t, m.DestroyEncoder(0))
	ran, _ = m.Service(0, fn)
	assert.False(t, ran)
	assert.Equal(t, 1, called)
}

func TestIndexOutOfRange(t *testing.T) {
	m, _ := newTestManager(t, fake.Config{Channels: 2})

	assert.True(t, errors.Is(m.CreateEncoder(2, h264Config), ErrIndex))
	assert.True(t, errors.Is(m.DestroyEncoder(-1), ErrIndex))
	_, err := m.State(5)
	assert.True(t, errors.Is(err, ErrIndex))
}

func TestDestroyAllAndInfos(t *testing.T) {
	m, f := newTestManager(t, fake.Config{})
	require.NoError(t, m.CreateEncoder(0, h264Config))
	require.NoError(t, m.CreateEncoder(3, jpegConfig))
	require.NoError(t, m.SetMainLoop(0, true))

	infos := m.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, 0, infos[0].Index)
	assert.True(t, infos[0].MainLoop)
	assert.Equal(t, hal.CodecJPEG, infos[1].Codec)

	require.NoError(t, m.DestroyAll())
	assert.Empty(t, m.Infos())
	assert.Equal(t, 2, f.Count("venc.DestroyChannel"))
}
