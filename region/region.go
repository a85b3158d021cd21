// Package region keeps on-screen overlays in sync with the requested
// geometry, recreating or reattaching only when it changes.
package region

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"ipc-streamer/hal"
)

// MaxHandles bounds the process-wide handle space.
const MaxHandles = 128

var ErrHandle = errors.New("region handle out of range")

// Manager owns every overlay handle of the process.
type Manager struct {
	rgn    hal.Region
	logger *zap.Logger

	mu      sync.Mutex
	handles map[int]hal.Rect
}

// New creates a Manager over rgn.
func New(rgn hal.Region, logger *zap.Logger) *Manager {
	return &Manager{
		rgn:     rgn,
		logger:  logger.Named("region"),
		handles: make(map[int]hal.Rect),
	}
}

// Init prepares the region module.
func (m *Manager) Init() error {
	if err := m.rgn.Init(); err != nil {
		return fmt.Errorf("failed to init region module: %w", err)
	}
	return nil
}

func checkHandle(handle int) error {
	if handle < 0 || handle >= MaxHandles {
		return fmt.Errorf("%w: %d", ErrHandle, handle)
	}
	return nil
}

// Create makes handle cover rect on every target. An existing region of a
// different size is destroyed and created again; one of the same size is
// kept. Targets are reattached only when the position moved.
func (m *Manager) Create(handle int, rect hal.Rect) error {
	if err := checkHandle(handle); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := m.logger.With(zap.Int("handle", handle))
	want := hal.RegionConfig{Width: rect.Width, Height: rect.Height, Format: hal.PixelARGB1555}
	targets := m.rgn.Targets()

	cur, err := m.rgn.Config(handle)
	switch {
	case errors.Is(err, hal.ErrNoRegion):
		logger.Debug("Creating region")
		if err := m.rgn.Create(handle, want); err != nil {
			return fmt.Errorf("failed to create region %d: %w", handle, err)
		}
	case err != nil:
		return fmt.Errorf("failed to read region %d: %w", handle, err)
	case cur.Width != want.Width || cur.Height != want.Height:
		logger.Debug("Region size changed, recreating",
			zap.Int("width", want.Width), zap.Int("height", want.Height))
		m.detachAll(handle, targets, logger)
		if err := m.rgn.Destroy(handle); err != nil {
			return fmt.Errorf("failed to destroy region %d: %w", handle, err)
		}
		if err := m.rgn.Create(handle, want); err != nil {
			return fmt.Errorf("failed to create region %d: %w", handle, err)
		}
	}

	attr := hal.RegionAttach{X: rect.X, Y: rect.Y, Show: true}
	for _, t := range targets {
		a, err := m.rgn.Attachment(handle, t)
		switch {
		case errors.Is(err, hal.ErrNotAttached):
		case err != nil:
			return fmt.Errorf("failed to read region %d on %s: %w", handle, t, err)
		case a.X == rect.X && a.Y == rect.Y:
			continue
		default:
			logger.Debug("Region moved, reattaching", zap.Stringer("target", t))
			if err := m.rgn.Detach(handle, t); err != nil {
				logger.Warn("Failed to detach region", zap.Stringer("target", t), zap.Error(err))
			}
		}
		if err := m.rgn.Attach(handle, t, attr); err != nil {
			return fmt.Errorf("failed to attach region %d to %s: %w", handle, t, err)
		}
	}

	m.handles[handle] = rect
	return nil
}

func (m *Manager) detachAll(handle int, targets []hal.Endpoint, logger *zap.Logger) {
	for _, t := range targets {
		if err := m.rgn.Detach(handle, t); err != nil {
			logger.Debug("Detach skipped", zap.Stringer("target", t), zap.Error(err))
		}
	}
}

// Destroy detaches handle from every target and destroys it.
func (m *Manager) Destroy(handle int) error {
	if err := checkHandle(handle); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyLocked(handle)
}

func (m *Manager) destroyLocked(handle int) error {
	logger := m.logger.With(zap.Int("handle", handle))
	m.detachAll(handle, m.rgn.Targets(), logger)
	delete(m.handles, handle)
	if err := m.rgn.Destroy(handle); err != nil {
		return fmt.Errorf("failed to destroy region %d: %w", handle, err)
	}
	return nil
}

// SetBitmap uploads the pixels of handle.
func (m *Manager) SetBitmap(handle int, bmp hal.Bitmap) error {
	if err := checkHandle(handle); err != nil {
		return err
	}
	if want := bmp.Width * bmp.Height * 2; bmp.Format == hal.PixelARGB1555 && len(bmp.Data) < want {
		return fmt.Errorf("bitmap of %dx%d needs %d bytes, got %d", bmp.Width, bmp.Height, want, len(bmp.Data))
	}
	if err := m.rgn.SetBitmap(handle, bmp); err != nil {
		return fmt.Errorf("failed to set region %d bitmap: %w", handle, err)
	}
	return nil
}

// Handles lists the live handles in ascending order.
func (m *Manager) Handles() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.handles))
	for h := range m.handles {
		out = append(out, h)
	}
	sort.Ints(out)
	return out
}

// Close destroys every live handle and releases the region module.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	steps := make([]hal.Step, 0, len(m.handles)+1)
	for h := range m.handles {
		h := h
		steps = append(steps, hal.Step{Name: fmt.Sprintf("destroy region %d", h), Fn: func() error { return m.destroyLocked(h) }})
	}
	steps = append(steps, hal.Step{Name: "deinit regions", Fn: m.rgn.Deinit})
	return hal.Unwind(m.logger, steps...)
}
