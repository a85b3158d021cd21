package channel

import (
	"errors"

	"ipc-streamer/hal"
)

var (
	ErrIndex        = errors.New("channel index out of range")
	ErrInvalidState = errors.New("operation not allowed in current channel state")
	ErrStreaming    = errors.New("channel is streaming in the main loop")
	ErrSize         = errors.New("requested size exceeds channel maximum")
)

// State is the lifecycle position of one encoder channel.
type State int

const (
	Idle State = iota
	Created
	Bound
	Receiving
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Created:
		return "created"
	case Bound:
		return "bound"
	case Receiving:
		return "receiving"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Info is a read-only view of a channel slot.
type Info struct {
	Index         int
	State         State
	Codec         hal.Codec
	Width         int
	Height        int
	Fps           int
	BufSize       uint32
	Bound         bool
	MainLoop      bool
	HasDescriptor bool
}

// slot is one encoder channel, guarded by the matching Manager lock.
type slot struct {
	created   bool
	bound     bool
	receiving bool
	stopped   bool
	mainLoop  bool

	fd    int
	hasFd bool

	codec hal.Codec
	attr  hal.ChannelAttr
	fps   int
}

func (s *slot) state() State {
	switch {
	case !s.created:
		return Idle
	case s.receiving:
		return Receiving
	case s.stopped:
		return Stopped
	case s.bound:
		return Bound
	}
	return Created
}

func (s *slot) reset() {
	*s = slot{fd: -1}
}
