package binding

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ipc-streamer/hal"
	"ipc-streamer/hal/fake"
)

var (
	scalerOut0 = hal.Endpoint{Kind: hal.ModuleScaler, Port: 0}
	scalerOut1 = hal.Endpoint{Kind: hal.ModuleScaler, Port: 1}
	venc0      = hal.Endpoint{Kind: hal.ModuleEncoder, Channel: 0, Port: hal.NoPort}
	venc1      = hal.Endpoint{Kind: hal.ModuleEncoder, Channel: 1, Port: hal.NoPort}
	realtime   = hal.Link{SrcFps: 30, DstFps: 30, Mode: hal.LinkRealtime}
)

func TestBindTwiceOnSameDest(t *testing.T) {
	f := fake.New(fake.Config{})
	g := New(f.System, zaptest.NewLogger(t))

	require.NoError(t, g.Bind(scalerOut0, venc0, realtime))
	err := g.Bind(scalerOut1, venc0, realtime)

	assert.True(t, errors.Is(err, ErrAlreadyBound))
	assert.Equal(t, 1, g.Len())
	src, ok := g.Source(venc0)
	require.True(t, ok)
	assert.Equal(t, scalerOut0, src)
	assert.Equal(t, 1, f.Count("sys.Bind"), "refused bind must not reach the backend")
}

func TestUnbindNeverBound(t *testing.T) {
	f := fake.New(fake.Config{})
	g := New(f.System, zaptest.NewLogger(t))

	err := g.Unbind(scalerOut0, venc0)
	assert.True(t, errors.Is(err, ErrNotBound))
	assert.Zero(t, f.Count("sys.Unbind"))

	require.NoError(t, g.Bind(scalerOut0, venc0, realtime))
	err = g.Unbind(scalerOut1, venc0)
	assert.True(t, errors.Is(err, ErrNotBound), "edge with another source is not the same binding")
}

func TestBindBackendFailureLeavesGraphUnchanged(t *testing.T) {
	f := fake.New(fake.Config{})
	f.FailCode("sys.Bind", -5)
	g := New(f.System, zaptest.NewLogger(t))

	err := g.Bind(scalerOut0, venc0, realtime)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendBind))
	var ce *hal.CallError
	assert.True(t, errors.As(err, &ce))
	assert.Zero(t, g.Len())
}

func TestUnbindBackendFailureStillDropsEdge(t *testing.T) {
	f := fake.New(fake.Config{})
	g := New(f.System, zaptest.NewLogger(t))
	require.NoError(t, g.Bind(scalerOut0, venc0, realtime))

	f.FailCode("sys.Unbind", -7)
	err := g.Unbind(scalerOut0, venc0)

	assert.True(t, errors.Is(err, ErrBackendUnbind))
	assert.False(t, errors.Is(err, ErrBackendBind))
	assert.Equal(t, 1, f.Count("sys.Unbind"))
	assert.Zero(t, g.Len())
}

func TestFanOutNeedsBackendSupport(t *testing.T) {
	tests := []struct {
		name   string
		fanOut bool
		want   error
	}{
		{name: "refused", fanOut: false, want: ErrFanOut},
		{name: "advertised", fanOut: true, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := fake.New(fake.Config{FanOut: tt.fanOut})
			g := New(f.System, zaptest.NewLogger(t))
			require.NoError(t, g.Bind(scalerOut0, venc0, realtime))

			err := g.Bind(scalerOut0, venc1, realtime)
			if tt.want == nil {
				assert.NoError(t, err)
				assert.Equal(t, 2, g.Len())
				return
			}
			assert.True(t, errors.Is(err, tt.want))
			assert.Equal(t, 1, g.Len())
		})
	}
}

func TestEdgesSnapshot(t *testing.T) {
	f := fake.New(fake.Config{})
	g := New(f.System, zaptest.NewLogger(t))
	require.NoError(t, g.Bind(scalerOut1, venc1, realtime))
	require.NoError(t, g.Bind(scalerOut0, venc0, realtime))

	edges := g.Edges()
	require.Len(t, edges, 2)
	assert.Equal(t, venc0, edges[0].Dst)
	assert.Equal(t, realtime, edges[1].Link)
}
