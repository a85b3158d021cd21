package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ipc-streamer/hal"
)

// DefaultSnapshotTimeout bounds the wait for the single snapshot frame.
const DefaultSnapshotTimeout = 2 * time.Second

// SnapshotRequest describes one still capture. Zero Width and Height keep
// the scaler port as configured; zero Quality keeps the encoder quality.
type SnapshotRequest struct {
	Width     int
	Height    int
	Quality   int
	Grayscale bool
	Timeout   time.Duration
}

// SnapshotGrab captures exactly one frame from a created JPEG-family
// channel. Once the bind succeeds the descriptor is freed, receiving is
// stopped and the channel is unbound no matter which step failed.
func (m *Manager) SnapshotGrab(ctx context.Context, index int, req SnapshotRequest) ([]byte, error) {
	s, unlock, err := m.lock(index)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if s.receiving && s.mainLoop {
		return nil, fmt.Errorf("%w: snapshot on channel %d", ErrStreaming, index)
	}
	if st := s.state(); st != Created && st != Stopped {
		return nil, invalid(index, s, "snapshot")
	}
	if s.bound {
		return nil, fmt.Errorf("%w: snapshot on channel %d while bound", ErrInvalidState, index)
	}
	if !s.codec.JPEGFamily() {
		return nil, fmt.Errorf("%w: channel %d encodes %s", ErrInvalidState, index, s.codec)
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultSnapshotTimeout
	}

	logger := m.logger.With(zap.Int("channel", index))

	if req.Width > 0 && req.Height > 0 {
		if req.Width > s.attr.MaxWidth || req.Height > s.attr.MaxHeight {
			return nil, fmt.Errorf("%w: %dx%d > %dx%d", ErrSize,
				req.Width, req.Height, s.attr.MaxWidth, s.attr.MaxHeight)
		}
		err := m.scaler.ConfigurePort(index, hal.PortConfig{
			Width:  req.Width,
			Height: req.Height,
			Fps:    s.fps,
			Format: hal.PixelYUV422YUYV,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure snapshot port %d: %w", index, err)
		}
	}

	if err := m.bindLocked(index, s, 1); err != nil {
		return nil, err
	}

	data, err := m.grab(ctx, index, s, req, logger)

	uerr := hal.Unwind(logger,
		hal.Step{Name: "free descriptor", Fn: func() error {
			s.fd, s.hasFd = -1, false
			return m.enc.FreeDescriptor(index)
		}},
		hal.Step{Name: "stop receiving", Fn: func() error {
			s.receiving = false
			return m.enc.StopReceiving(index)
		}},
		hal.Step{Name: "unbind", Fn: func() error { return m.unbindLocked(index, s) }},
	)
	if err != nil {
		return nil, err
	}
	if uerr != nil {
		return nil, fmt.Errorf("snapshot teardown failed: %w", uerr)
	}

	logger.Debug("Snapshot captured", zap.Int("bytes", len(data)))
	return data, nil
}

func (m *Manager) grab(ctx context.Context, index int, s *slot, req SnapshotRequest, logger *zap.Logger) ([]byte, error) {
	param, err := m.enc.JPEGParam(index)
	if err != nil {
		return nil, fmt.Errorf("failed to read jpeg parameters: %w", err)
	}
	if req.Quality > 0 {
		param.Quality = req.Quality
	}
	if err := m.enc.SetJPEGParam(index, param); err != nil {
		return nil, fmt.Errorf("failed to set jpeg quality %d: %w", param.Quality, err)
	}

	if err := m.enc.SetGrayscale(index, req.Grayscale); err != nil {
		logger.Warn("Failed to apply grayscale", zap.Bool("grayscale", req.Grayscale), zap.Error(err))
	}

	if err := m.enc.StartReceivingCount(index, 1); err != nil {
		return nil, fmt.Errorf("failed to request snapshot frame: %w", err)
	}
	s.receiving = true
	s.stopped = false

	fd, err := m.descriptorLocked(index, s)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	res, err := m.waiter.Wait([]int{fd}, timeout)
	if err != nil {
		return nil, err
	}
	if len(res.Ready) == 0 {
		if len(res.Broken) > 0 {
			return nil, &hal.WaitError{Err: errors.New("snapshot descriptor hung up")}
		}
		return nil, fmt.Errorf("%w after %s", hal.ErrWaitTimeout, timeout)
	}

	st, err := m.enc.Query(index)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot frame: %w", err)
	}
	if st.CurPacks == 0 {
		return nil, hal.ErrEmptyFrame
	}

	ns, err := m.enc.Fetch(index, int(st.CurPacks))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot frame: %w", err)
	}
	defer func() {
		if ferr := m.enc.Free(index, ns); ferr != nil {
			logger.Warn("Failed to release snapshot stream", zap.Error(ferr))
		}
	}()

	total := 0
	for i := 0; i < ns.Len(); i++ {
		total += len(ns.Packet(i).Payload())
	}
	var buf bytes.Buffer
	buf.Grow(total)
	for i := 0; i < ns.Len(); i++ {
		buf.Write(ns.Packet(i).Payload())
	}
	return buf.Bytes(), nil
}
