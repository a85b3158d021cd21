// Package stream runs the pump that drains encoded output from every
// streaming channel and hands it to a callback.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"ipc-streamer/channel"
	"ipc-streamer/hal"
	"ipc-streamer/poll"
)

// DefaultTimeout is the liveness bound of one multiplexed wait.
const DefaultTimeout = 2 * time.Second

// Callback receives one batch per ready channel. Packet data is freed as
// soon as it returns, so consumers must copy what they keep.
type Callback func(channel int, batch *hal.PacketBatch) error

// Stats counts pump activity since construction.
type Stats struct {
	Batches        uint64
	Packets        uint64
	Bytes          uint64
	EmptyFrames    uint64
	Timeouts       uint64
	CallbackErrors uint64
}

// Option configures a Pump.
type Option func(*Pump)

// WithTimeout overrides the wait timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Pump) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// Pump multiplexes readiness across the main-loop channels of a Manager.
type Pump struct {
	mgr      *channel.Manager
	waiter   poll.Waiter
	callback Callback
	logger   *zap.Logger
	timeout  time.Duration

	batchPool sync.Pool

	batches        atomic.Uint64
	packets        atomic.Uint64
	bytes          atomic.Uint64
	emptyFrames    atomic.Uint64
	timeouts       atomic.Uint64
	callbackErrors atomic.Uint64
}

// NewPump creates a Pump that reports to cb.
func NewPump(mgr *channel.Manager, w poll.Waiter, cb Callback, logger *zap.Logger, opts ...Option) *Pump {
	p := &Pump{
		mgr:      mgr,
		waiter:   w,
		callback: cb,
		logger:   logger.Named("pump"),
		timeout:  DefaultTimeout,
	}
	p.batchPool.New = func() any {
		return &hal.PacketBatch{Packets: make([]hal.Packet, 0, 8)}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type watched struct {
	channel int
	fd      int
}

// Run is the pump loop. The watched channels and their descriptors are
// collected once on entry. It returns nil when ctx is done or nothing is
// left to watch, and an error when the wait itself fails.
func (p *Pump) Run(ctx context.Context) error {
	members := p.mgr.Members()
	if len(members) == 0 {
		p.logger.Info("No streaming channels, pump not started")
		return nil
	}

	watch := make([]watched, 0, len(members))
	for _, ch := range members {
		fd, err := p.mgr.Descriptor(ch)
		if err != nil {
			return fmt.Errorf("failed to watch channel %d: %w", ch, err)
		}
		watch = append(watch, watched{channel: ch, fd: fd})
	}

	p.logger.Info("Stream pump started",
		zap.Ints("channels", members),
		zap.Duration("timeout", p.timeout))
	defer func() {
		s := p.Stats()
		p.logger.Info("Stream pump stopped",
			zap.Uint64("batches", s.Batches),
			zap.Uint64("packets", s.Packets),
			zap.String("bytes", humanize.Bytes(s.Bytes)))
	}()

	fds := make([]int, 0, len(watch))
	for {
		if ctx.Err() != nil {
			return nil
		}
		if len(watch) == 0 {
			p.logger.Warn("Every watched channel is gone")
			return nil
		}

		fds = fds[:0]
		for _, w := range watch {
			fds = append(fds, w.fd)
		}

		res, err := p.waiter.Wait(fds, p.timeout)
		if err != nil {
			return fmt.Errorf("stream wait failed: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if len(res.Ready) == 0 && len(res.Broken) == 0 {
			p.timeouts.Add(1)
			p.logger.Debug("No frame within timeout", zap.Duration("timeout", p.timeout))
			continue
		}

		drop := make(map[int]bool)
		for _, i := range res.Ready {
			ch := watch[i].channel
			ran, err := p.mgr.Service(ch, func(enc hal.Encoder) error {
				return p.drain(enc, ch)
			})
			if !ran {
				p.logger.Info("Channel left the main loop", zap.Int("channel", ch))
				drop[i] = true
				continue
			}
			if err != nil {
				p.logger.Warn("Failed to drain channel", zap.Int("channel", ch), zap.Error(err))
			}
		}
		for _, i := range res.Broken {
			p.logger.Warn("Channel descriptor broken, no longer watched",
				zap.Int("channel", watch[i].channel), zap.Int("fd", watch[i].fd))
			drop[i] = true
		}

		if len(drop) > 0 {
			kept := watch[:0]
			for i, w := range watch {
				if !drop[i] {
					kept = append(kept, w)
				}
			}
			watch = kept
		}
	}
}

// drain services one ready channel: query, fetch, deliver, free.
func (p *Pump) drain(enc hal.Encoder, ch int) error {
	st, err := enc.Query(ch)
	if err != nil {
		return fmt.Errorf("failed to query channel %d: %w", ch, err)
	}
	if st.CurPacks == 0 {
		p.emptyFrames.Add(1)
		return nil
	}

	ns, err := enc.Fetch(ch, int(st.CurPacks))
	if err != nil {
		return fmt.Errorf("failed to fetch channel %d: %w", ch, err)
	}

	batch := p.batchPool.Get().(*hal.PacketBatch)
	batch.Sequence = ns.Sequence()
	batch.Count = ns.Len()
	for i := 0; i < ns.Len(); i++ {
		batch.Packets = append(batch.Packets, ns.Packet(i))
	}

	p.deliver(ch, batch)

	ferr := enc.Free(ch, ns)
	p.release(batch)
	if ferr != nil {
		return fmt.Errorf("failed to release channel %d stream: %w", ch, ferr)
	}
	return nil
}

func (p *Pump) deliver(ch int, batch *hal.PacketBatch) {
	p.batches.Add(1)
	p.packets.Add(uint64(batch.Count))
	p.bytes.Add(uint64(batch.Size()))

	defer func() {
		if r := recover(); r != nil {
			p.callbackErrors.Add(1)
			p.logger.Error("Stream callback panicked", zap.Int("channel", ch), zap.Any("panic", r))
		}
	}()
	if err := p.callback(ch, batch); err != nil {
		p.callbackErrors.Add(1)
		p.logger.Warn("Stream callback failed",
			zap.Int("channel", ch),
			zap.Uint32("sequence", batch.Sequence),
			zap.Error(err))
	}
}

func (p *Pump) release(batch *hal.PacketBatch) {
	clear(batch.Packets)
	batch.Packets = batch.Packets[:0]
	batch.Sequence, batch.Count = 0, 0
	p.batchPool.Put(batch)
}

// Stats returns the current counters.
func (p *Pump) Stats() Stats {
	return Stats{
		Batches:        p.batches.Load(),
		Packets:        p.packets.Load(),
		Bytes:          p.bytes.Load(),
		EmptyFrames:    p.emptyFrames.Load(),
		Timeouts:       p.timeouts.Load(),
		CallbackErrors: p.callbackErrors.Load(),
	}
}
