// Package channel owns the per-encoder-channel state machine: create,
// bind, start, stop, unbind and destroy, plus one-shot snapshot capture.
package channel

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"ipc-streamer/binding"
	"ipc-streamer/hal"
	"ipc-streamer/poll"
)

// Manager serializes every transition of a channel behind that channel's
// lock. The pump only touches a channel through Service, under the same lock.
type Manager struct {
	enc    hal.Encoder
	scaler hal.Scaler
	graph  *binding.Graph
	waiter poll.Waiter
	logger *zap.Logger

	locks []sync.Mutex
	slots []slot
}

// New creates a Manager with one slot per encoder channel of b.
func New(b *hal.Backend, g *binding.Graph, w poll.Waiter, logger *zap.Logger) *Manager {
	n := b.Encoder.Channels()
	m := &Manager{
		enc:    b.Encoder,
		scaler: b.Scaler,
		graph:  g,
		waiter: w,
		logger: logger.Named("channel"),
		locks:  make([]sync.Mutex, n),
		slots:  make([]slot, n),
	}
	for i := range m.slots {
		m.slots[i].reset()
	}
	return m
}

// Len returns the number of channel slots.
func (m *Manager) Len() int { return len(m.slots) }

func (m *Manager) lock(index int) (*slot, func(), error) {
	if index < 0 || index >= len(m.slots) {
		return nil, nil, fmt.Errorf("%w: %d", ErrIndex, index)
	}
	m.locks[index].Lock()
	return &m.slots[index], m.locks[index].Unlock, nil
}

func invalid(index int, s *slot, op string) error {
	return fmt.Errorf("%w: cannot %s channel %d while %s", ErrInvalidState, op, index, s.state())
}

// CreateEncoder allocates channel index with the attribute derived from cfg.
// Every codec but JPEG also starts receiving. When that start fails the
// channel stays Created.
func (m *Manager) CreateEncoder(index int, cfg hal.VideoConfig) error {
	s, unlock, err := m.lock(index)
	if err != nil {
		return err
	}
	defer unlock()

	if s.created {
		return invalid(index, s, "create")
	}

	attr, err := hal.BuildChannelAttr(cfg)
	if err != nil {
		return fmt.Errorf("failed to build channel %d attribute: %w", index, err)
	}

	if err := m.enc.CreateChannel(index, attr); err != nil {
		return fmt.Errorf("failed to create encoder channel %d: %w", index, err)
	}
	s.created = true
	s.codec = cfg.Codec
	s.attr = attr
	s.fps = cfg.Framerate

	logger := m.logger.With(zap.Int("channel", index))
	logger.Info("Encoder channel created",
		zap.Stringer("codec", cfg.Codec),
		zap.Int("width", attr.Width),
		zap.Int("height", attr.Height),
		zap.String("buffer", humanize.Bytes(uint64(attr.BufSize))))

	if cfg.Codec == hal.CodecJPEG {
		return nil
	}
	if err := m.enc.StartReceiving(index); err != nil {
		return fmt.Errorf("failed to start encoder channel %d: %w", index, err)
	}
	s.receiving = true
	return nil
}

// DestroyEncoder releases channel index. Every teardown step runs even when
// an earlier one fails; the first error is returned. Destroying an Idle
// channel does nothing.
func (m *Manager) DestroyEncoder(index int) error {
	s, unlock, err := m.lock(index)
	if err != nil {
		return err
	}
	defer unlock()

	if !s.created {
		return nil
	}

	err = hal.Unwind(m.logger.With(zap.Int("channel", index)),
		hal.Step{Name: "free descriptor", Fn: m.freeDescriptorStep(index, s)},
		hal.Step{Name: "stop receiving", Fn: func() error {
			if !s.receiving {
				return nil
			}
			return m.enc.StopReceiving(index)
		}},
		hal.Step{Name: "unbind", Fn: func() error {
			if !s.bound {
				return nil
			}
			return m.unbindLocked(index, s)
		}},
		hal.Step{Name: "destroy channel", Fn: func() error { return m.enc.DestroyChannel(index) }},
	)
	s.reset()
	m.logger.Info("Encoder channel destroyed", zap.Int("channel", index), zap.Error(err))
	return err
}

// DestroyAll destroys every non-Idle channel and returns the first error.
func (m *Manager) DestroyAll() error {
	var first error
	for i := range m.slots {
		if err := m.DestroyEncoder(i); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BindChannel enables the scaler output port of index and binds it to the
// encoder channel. The port is disabled again when the bind fails.
func (m *Manager) BindChannel(index int) error {
	s, unlock, err := m.lock(index)
	if err != nil {
		return err
	}
	defer unlock()

	if !s.created || s.bound {
		return invalid(index, s, "bind")
	}
	return m.bindLocked(index, s, s.fps)
}

// bindLocked leaves the scaler port untouched when the encoder already has
// a source, since that port may feed the existing edge.
func (m *Manager) bindLocked(index int, s *slot, fps int) error {
	src := m.scaler.Output(index)
	dst := m.enc.Endpoint(index, s.codec)
	if cur, ok := m.graph.Source(dst); ok {
		return fmt.Errorf("failed to bind channel %d: %w: %s is fed by %s", index, binding.ErrAlreadyBound, dst, cur)
	}
	if err := m.scaler.EnablePort(index); err != nil {
		return fmt.Errorf("failed to enable scaler port %d: %w", index, err)
	}
	if err := m.graph.Bind(src, dst, hal.Link{SrcFps: fps, DstFps: fps, Mode: hal.LinkRealtime}); err != nil {
		if derr := m.scaler.DisablePort(index); derr != nil {
			m.logger.Warn("Failed to disable scaler port after bind failure",
				zap.Int("channel", index), zap.Error(derr))
		}
		return fmt.Errorf("failed to bind channel %d: %w", index, err)
	}
	s.bound = true
	return nil
}

// UnbindChannel removes the scaler to encoder edge of index and disables
// the scaler port. Both steps are attempted.
func (m *Manager) UnbindChannel(index int) error {
	s, unlock, err := m.lock(index)
	if err != nil {
		return err
	}
	defer unlock()

	if !s.bound {
		return invalid(index, s, "unbind")
	}
	return m.unbindLocked(index, s)
}

func (m *Manager) unbindLocked(index int, s *slot) error {
	src := m.scaler.Output(index)
	dst := m.enc.Endpoint(index, s.codec)
	err := hal.Unwind(m.logger.With(zap.Int("channel", index)),
		hal.Step{Name: "unbind", Fn: func() error { return m.graph.Unbind(src, dst) }},
		hal.Step{Name: "disable scaler port", Fn: func() error { return m.scaler.DisablePort(index) }},
	)
	s.bound = false
	return err
}

// StartReceiving makes a created channel accept frames.
func (m *Manager) StartReceiving(index int) error {
	s, unlock, err := m.lock(index)
	if err != nil {
		return err
	}
	defer unlock()

	if !s.created {
		return invalid(index, s, "start")
	}
	if s.receiving {
		return nil
	}
	if err := m.enc.StartReceiving(index); err != nil {
		return fmt.Errorf("failed to start encoder channel %d: %w", index, err)
	}
	s.receiving = true
	s.stopped = false
	return nil
}

// StopReceiving frees the channel descriptor and stops the channel. A
// channel that is not receiving is left alone.
func (m *Manager) StopReceiving(index int) error {
	s, unlock, err := m.lock(index)
	if err != nil {
		return err
	}
	defer unlock()

	if !s.receiving {
		return nil
	}
	err = hal.Unwind(m.logger.With(zap.Int("channel", index)),
		hal.Step{Name: "free descriptor", Fn: m.freeDescriptorStep(index, s)},
		hal.Step{Name: "stop receiving", Fn: func() error { return m.enc.StopReceiving(index) }},
	)
	s.receiving = false
	s.stopped = true
	return err
}

// Descriptor returns the readiness descriptor of a receiving channel. It
// is obtained once and cached until the channel stops.
func (m *Manager) Descriptor(index int) (int, error) {
	s, unlock, err := m.lock(index)
	if err != nil {
		return -1, err
	}
	defer unlock()

	if !s.receiving {
		return -1, invalid(index, s, "watch")
	}
	return m.descriptorLocked(index, s)
}

func (m *Manager) descriptorLocked(index int, s *slot) (int, error) {
	if s.hasFd {
		return s.fd, nil
	}
	fd, err := m.enc.Descriptor(index)
	if err != nil {
		return -1, fmt.Errorf("failed to get descriptor of channel %d: %w", index, err)
	}
	s.fd, s.hasFd = fd, true
	return fd, nil
}

func (m *Manager) freeDescriptorStep(index int, s *slot) func() error {
	return func() error {
		if !s.hasFd {
			return nil
		}
		s.fd, s.hasFd = -1, false
		return m.enc.FreeDescriptor(index)
	}
}

// SetMainLoop marks whether the pump streams channel index.
func (m *Manager) SetMainLoop(index int, member bool) error {
	s, unlock, err := m.lock(index)
	if err != nil {
		return err
	}
	defer unlock()

	if !s.created {
		return invalid(index, s, "stream")
	}
	s.mainLoop = member
	return nil
}

// Members lists the receiving main-loop channels.
func (m *Manager) Members() []int {
	var out []int
	for i := range m.slots {
		m.locks[i].Lock()
		if m.slots[i].receiving && m.slots[i].mainLoop {
			out = append(out, i)
		}
		m.locks[i].Unlock()
	}
	return out
}

// Service runs fn under the channel lock, only while index is still a
// receiving main-loop member. ran reports whether fn was called.
func (m *Manager) Service(index int, fn func(enc hal.Encoder) error) (ran bool, err error) {
	s, unlock, err := m.lock(index)
	if err != nil {
		return false, err
	}
	defer unlock()

	if !s.receiving || !s.mainLoop {
		return false, nil
	}
	return true, fn(m.enc)
}

// State returns the lifecycle state of channel index.
func (m *Manager) State(index int) (State, error) {
	s, unlock, err := m.lock(index)
	if err != nil {
		return Idle, err
	}
	defer unlock()
	return s.state(), nil
}

// Info returns a snapshot of channel index.
func (m *Manager) Info(index int) (Info, error) {
	s, unlock, err := m.lock(index)
	if err != nil {
		return Info{}, err
	}
	defer unlock()
	return Info{
		Index:         index,
		State:         s.state(),
		Codec:         s.codec,
		Width:         s.attr.Width,
		Height:        s.attr.Height,
		Fps:           s.fps,
		BufSize:       s.attr.BufSize,
		Bound:         s.bound,
		MainLoop:      s.mainLoop,
		HasDescriptor: s.hasFd,
	}, nil
}

// Infos returns every channel that is not Idle.
func (m *Manager) Infos() []Info {
	var out []Info
	for i := range m.slots {
		info, err := m.Info(i)
		if err != nil || info.State == Idle {
			continue
		}
		out = append(out, info)
	}
	return out
}
