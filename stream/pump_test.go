package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ipc-streamer/binding"
	"ipc-streamer/channel"
	"ipc-streamer/hal"
	"ipc-streamer/hal/fake"
	"ipc-streamer/poll"
)

var h264 = hal.VideoConfig{
	Codec: hal.CodecH264, Mode: hal.RateCBR,
	Width: 1280, Height: 720, Framerate: 30, Gop: 30, Bitrate: 2048,
}

func newStreaming(t *testing.T, channels ...int) (*channel.Manager, *fake.Fake) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := fake.New(fake.Config{})
	b := f.Backend()
	t.Cleanup(func() { b.Close() })
	m := channel.New(b, binding.New(b.System, logger), poll.New(), logger)
	for _, ch := range channels {
		require.NoError(t, m.CreateEncoder(ch, h264))
		require.NoError(t, m.BindChannel(ch))
		require.NoError(t, m.SetMainLoop(ch, true))
	}
	return m, f
}

type received struct {
	channel  int
	sequence uint32
	payloads []string
}

func collect(cancel context.CancelFunc, want int, got *[]received) Callback {
	return func(ch int, batch *hal.PacketBatch) error {
		r := received{channel: ch, sequence: batch.Sequence}
		for _, pkt := range batch.Packets {
			r.payloads = append(r.payloads, string(pkt.Payload()))
		}
		*got = append(*got, r)
		if len(*got) >= want {
			cancel()
		}
		return nil
	}
}

func TestPumpDeliversOneBatchPerFrame(t *testing.T) {
	m, f := newStreaming(t, 0)
	f.Encoder.Push(0, []byte("sps"), []byte("pps"), []byte("idr"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []received
	p := NewPump(m, poll.New(), collect(cancel, 1, &got), zaptest.NewLogger(t), WithTimeout(20*time.Millisecond))

	require.NoError(t, p.Run(ctx))

	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].channel)
	assert.Equal(t, []string{"sps", "pps", "idr"}, got[0].payloads)
	assert.Equal(t, 1, f.Count("venc.Fetch"))
	assert.Equal(t, 1, f.Count("venc.Free"))
	assert.False(t, f.Encoder.Outstanding(0))

	s := p.Stats()
	assert.Equal(t, uint64(1), s.Batches)
	assert.Equal(t, uint64(3), s.Packets)
	assert.Equal(t, uint64(len("spsppsidr")), s.Bytes)
}

func TestPumpSkipsEmptyFrame(t *testing.T) {
	m, f := newStreaming(t, 0)
	f.Encoder.Push(0)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	calls := 0
	cb := func(int, *hal.PacketBatch) error { calls++; return nil }
	p := NewPump(m, poll.New(), cb, zaptest.NewLogger(t), WithTimeout(20*time.Millisecond))

	require.NoError(t, p.Run(ctx))

	assert.Zero(t, calls)
	assert.Zero(t, f.Count("venc.Fetch"))
	assert.Zero(t, f.Count("venc.Free"))
	assert.Equal(t, uint64(1), p.Stats().EmptyFrames)
	assert.NotZero(t, p.Stats().Timeouts)
}

func TestPumpEmptyFrameThenData(t *testing.T) {
	m, f := newStreaming(t, 0)
	f.Encoder.Push(0)
	f.Encoder.Push(0, []byte("p-frame"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []received
	p := NewPump(m, poll.New(), collect(cancel, 1, &got), zaptest.NewLogger(t), WithTimeout(20*time.Millisecond))

	require.NoError(t, p.Run(ctx))

	require.Len(t, got, 1)
	assert.Equal(t, []string{"p-frame"}, got[0].payloads)
	assert.Equal(t, 1, f.Count("venc.Free"))
	assert.Equal(t, uint64(1), p.Stats().EmptyFrames)
}

func TestPumpFreesWhenCallbackFails(t *testing.T) {
	tests := []struct {
		name string
		cb   func(cancel context.CancelFunc) Callback
	}{
		{
			name: "error",
			cb: func(cancel context.CancelFunc) Callback {
				return func(int, *hal.PacketBatch) error {
					cancel()
					return errors.New("sink closed")
				}
			},
		},
		{
			name: "panic",
			cb: func(cancel context.CancelFunc) Callback {
				return func(int, *hal.PacketBatch) error {
					cancel()
					panic("sink bug")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, f := newStreaming(t, 0)
			f.Encoder.Push(0, []byte("frame"))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			p := NewPump(m, poll.New(), tt.cb(cancel), zaptest.NewLogger(t), WithTimeout(20*time.Millisecond))

			require.NoError(t, p.Run(ctx))

			assert.Equal(t, 1, f.Count("venc.Free"))
			assert.False(t, f.Encoder.Outstanding(0))
			assert.Equal(t, uint64(1), p.Stats().CallbackErrors)
		})
	}
}

func TestPumpServesEveryReadyChannel(t *testing.T) {
	m, f := newStreaming(t, 0, 2)
	f.Encoder.Push(0, []byte("main"))
	f.Encoder.Push(2, []byte("sub"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []received
	p := NewPump(m, poll.New(), collect(cancel, 2, &got), zaptest.NewLogger(t), WithTimeout(20*time.Millisecond))

	require.NoError(t, p.Run(ctx))

	require.Len(t, got, 2)
	seen := map[int]string{}
	for _, r := range got {
		seen[r.channel] = r.payloads[0]
	}
	assert.Equal(t, map[int]string{0: "main", 2: "sub"}, seen)
	assert.Equal(t, 2, f.Count("venc.Free"))
}

func TestPumpIgnoresNonMembers(t *testing.T) {
	m, f := newStreaming(t)
	require.NoError(t, m.CreateEncoder(1, h264))

	p := NewPump(m, poll.New(), func(int, *hal.PacketBatch) error { return nil }, zaptest.NewLogger(t))

	require.NoError(t, p.Run(context.Background()))
	assert.Zero(t, f.Count("venc.Descriptor"))
}

type waiterFunc func(fds []int, timeout time.Duration) (poll.Result, error)

func (w waiterFunc) Wait(fds []int, timeout time.Duration) (poll.Result, error) {
	return w(fds, timeout)
}

func TestPumpStopsOnWaitFailure(t *testing.T) {
	m, _ := newStreaming(t, 0)
	w := waiterFunc(func([]int, time.Duration) (poll.Result, error) {
		return poll.Result{}, &hal.WaitError{Err: errors.New("bad file descriptor")}
	})
	p := NewPump(m, w, func(int, *hal.PacketBatch) error { return nil }, zaptest.NewLogger(t))

	err := p.Run(context.Background())

	assert.True(t, errors.Is(err, hal.ErrWaitFailed))
}

func TestPumpDropsChannelDestroyedMidRun(t *testing.T) {
	m, f := newStreaming(t, 0)
	w := waiterFunc(func(fds []int, _ time.Duration) (poll.Result, error) {
		require.NoError(t, m.DestroyEncoder(0))
		return poll.Result{Ready: []int{0}}, nil
	})
	p := NewPump(m, w, func(int, *hal.PacketBatch) error { return nil }, zaptest.NewLogger(t))

	require.NoError(t, p.Run(context.Background()))
	assert.Zero(t, f.Count("venc.Query"))
}

func TestPumpDropsBrokenDescriptor(t *testing.T) {
	m, _ := newStreaming(t, 0)
	waits := 0
	w := waiterFunc(func([]int, time.Duration) (poll.Result, error) {
		waits++
		return poll.Result{Broken: []int{0}}, nil
	})
	p := NewPump(m, w, func(int, *hal.PacketBatch) error { return nil }, zaptest.NewLogger(t))

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 1, waits)
}

func TestPumpQueryFailureSkipsChannel(t *testing.T) {
	m, f := newStreaming(t, 0)
	f.Encoder.Push(0, []byte("frame"))
	f.FailCode("venc.Query", -1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	calls := 0
	p := NewPump(m, poll.New(), func(int, *hal.PacketBatch) error { calls++; return nil },
		zaptest.NewLogger(t), WithTimeout(20*time.Millisecond))

	require.NoError(t, p.Run(ctx))
	assert.Zero(t, calls)
	assert.Zero(t, f.Count("venc.Fetch"))
}
