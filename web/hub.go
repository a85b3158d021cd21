package web

import (
	"sync"

	"ipc-streamer/hal"
)

// FrameHub republishes the batches of one channel as whole frames to any
// number of subscribers. Slow subscribers lose frames rather than stall
// the pump.
type FrameHub struct {
	channel int

	mu      sync.Mutex
	subs    map[chan []byte]struct{}
	dropped uint64
}

// NewFrameHub creates a hub for the given encoder channel.
func NewFrameHub(channel int) *FrameHub {
	return &FrameHub{
		channel: channel,
		subs:    make(map[chan []byte]struct{}),
	}
}

// Subscribe returns a frame channel and a function that cancels it.
func (h *FrameHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// HandleBatch copies the batch into one frame and offers it to every
// subscriber. Batch memory is borrowed, so the copy must happen here.
func (h *FrameHub) HandleBatch(channel int, batch *hal.PacketBatch) error {
	if channel != h.channel {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return nil
	}

	frame := make([]byte, 0, batch.Size())
	for _, p := range batch.Packets {
		frame = append(frame, p.Payload()...)
	}

	for ch := range h.subs {
		select {
		case ch <- frame:
		default:
			h.dropped++
		}
	}
	return nil
}

// Subscribers returns the number of active subscribers.
func (h *FrameHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many frames were skipped for slow subscribers.
func (h *FrameHub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
