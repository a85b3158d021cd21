package fake

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"ipc-streamer/hal"
)

type channel struct {
	attr      hal.ChannelAttr
	created   bool
	receiving bool
	jpeg      hal.JPEGParam
	gray      bool
	frames    []frame
	auto      []frame
	r, w      *os.File
	out       *stream
	seq       uint32
}

type frame [][]byte

// Encoder is the fake encoder capability.
type Encoder struct {
	rec *Recorder
	mu  sync.Mutex
	chn []*channel
}

func newEncoder(rec *Recorder, n int) *Encoder {
	e := &Encoder{rec: rec, chn: make([]*channel, n)}
	for i := range e.chn {
		e.chn[i] = &channel{jpeg: hal.JPEGParam{Quality: 50}}
	}
	return e
}

type stream struct {
	seq     uint32
	packets []hal.Packet
}

func (s *stream) Len() int { return len(s.packets) }
func (s *stream) Sequence() uint32 { return s.seq }
func (s *stream) Packet(i int) hal.Packet { return s.packets[i] }

func (e *Encoder) get(index int) (*channel, error) {
	if index < 0 || index >= len(e.chn) {
		return nil, fmt.Errorf("fake: channel %d out of range", index)
	}
	return e.chn[index], nil
}

// Push queues an encoded frame made of packets on a channel. A frame with
// no packets reads as an empty frame.
func (e *Encoder) Push(index int, packets ...[]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.chn[index]
	c.frames = append(c.frames, frame(packets))
	c.signal()
}

// AutoFrame queues packets every time StartReceivingCount is issued.
func (e *Encoder) AutoFrame(index int, packets ...[]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.chn[index]
	c.auto = append(c.auto, frame(packets))
}

func (c *channel) signal() {
	if c.w != nil {
		c.w.Write([]byte{1})
	}
}

func (c *channel) consume() frame {
	f := c.frames[0]
	c.frames = c.frames[1:]
	if c.r != nil {
		var b [1]byte
		c.r.Read(b[:])
	}
	return f
}

func (e *Encoder) Channels() int { return len(e.chn) }

func (e *Encoder) Endpoint(index int, codec hal.Codec) hal.Endpoint {
	dev := 0
	if codec.JPEGFamily() {
		dev = 1
	}
	return hal.Endpoint{Kind: hal.ModuleEncoder, Device: dev, Channel: index, Port: hal.NoPort}
}

func (e *Encoder) CreateChannel(index int, attr hal.ChannelAttr) error {
	if err := e.rec.record("venc.CreateChannel", index); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.get(index)
	if err != nil {
		return err
	}
	if c.created {
		return &hal.CallError{Op: "venc.CreateChannel", Code: -2}
	}
	c.attr = attr
	c.created = true
	return nil
}

func (e *Encoder) DestroyChannel(index int) error {
	if err := e.rec.record("venc.DestroyChannel", index); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.get(index)
	if err != nil {
		return err
	}
	c.created = false
	c.receiving = false
	c.frames = nil
	return nil
}

// Attr returns the attribute a channel was created with.
func (e *Encoder) Attr(index int) (hal.ChannelAttr, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.chn[index]
	return c.attr, c.created
}

func (e *Encoder) StartReceiving(index int) error {
	if err := e.rec.record("venc.StartReceiving", index); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chn[index].receiving = true
	return nil
}

func (e *Encoder) StartReceivingCount(index int, count uint32) error {
	if err := e.rec.record("venc.StartReceivingCount", index); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.chn[index]
	c.receiving = true
	for _, f := range c.auto {
		c.frames = append(c.frames, f)
		c.signal()
	}
	return nil
}

func (e *Encoder) StopReceiving(index int) error {
	err := e.rec.record("venc.StopReceiving", index)
	e.mu.Lock()
	e.chn[index].receiving = false
	e.mu.Unlock()
	return err
}

// Receiving reports whether a channel is accepting frames.
func (e *Encoder) Receiving(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chn[index].receiving
}

func (e *Encoder) Descriptor(index int) (int, error) {
	if err := e.rec.record("venc.Descriptor", index); err != nil {
		return -1, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.chn[index]
	if c.r == nil {
		r, w, err := os.Pipe()
		if err != nil {
			return -1, err
		}
		c.r, c.w = r, w
		for range c.frames {
			c.signal()
		}
	}
	return int(c.r.Fd()), nil
}

func (e *Encoder) FreeDescriptor(index int) error {
	err := e.rec.record("venc.FreeDescriptor", index)
	e.mu.Lock()
	e.chn[index].closeFd()
	e.mu.Unlock()
	return err
}

// HasDescriptor reports whether a channel descriptor is open.
func (e *Encoder) HasDescriptor(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chn[index].r != nil
}

func (c *channel) closeFd() {
	if c.r != nil {
		c.r.Close()
		c.w.Close()
		c.r, c.w = nil, nil
	}
}

func (e *Encoder) Query(index int) (hal.Status, error) {
	if err := e.rec.record("venc.Query", index); err != nil {
		return hal.Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.chn[index]
	if len(c.frames) == 0 {
		return hal.Status{}, nil
	}
	if len(c.frames[0]) == 0 {
		c.consume()
		return hal.Status{LeftFrames: uint32(len(c.frames))}, nil
	}
	return hal.Status{CurPacks: uint32(len(c.frames[0])), LeftFrames: uint32(len(c.frames))}, nil
}

func (e *Encoder) Fetch(index int, count int) (hal.NativeStream, error) {
	if err := e.rec.record("venc.Fetch", index); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.chn[index]
	if c.out != nil {
		return nil, errors.New("fake: previous stream was not freed")
	}
	if len(c.frames) == 0 {
		return nil, &hal.CallError{Op: "venc.Fetch", Code: -3}
	}
	f := c.consume()
	if count < len(f) {
		f = f[:count]
	}
	c.seq++
	s := &stream{seq: c.seq}
	for _, p := range f {
		// Two bytes of header ahead of the payload exercise Offset.
		buf := append([]byte{0xAA, 0xBB}, p...)
		s.packets = append(s.packets, hal.Packet{Data: buf, Length: uint32(len(buf)), Offset: 2})
	}
	c.out = s
	return s, nil
}

func (e *Encoder) Free(index int, s hal.NativeStream) error {
	err := e.rec.record("venc.Free", index)
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.chn[index]
	if c.out == nil || c.out != s {
		return errors.New("fake: freeing a stream that is not outstanding")
	}
	c.out = nil
	return err
}

// Outstanding reports whether a fetched stream has not been freed.
func (e *Encoder) Outstanding(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chn[index].out != nil
}

func (e *Encoder) JPEGParam(index int) (hal.JPEGParam, error) {
	if err := e.rec.record("venc.JPEGParam", index); err != nil {
		return hal.JPEGParam{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chn[index].jpeg, nil
}

func (e *Encoder) SetJPEGParam(index int, p hal.JPEGParam) error {
	if err := e.rec.record("venc.SetJPEGParam", index); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chn[index].jpeg = p
	return nil
}

func (e *Encoder) SetGrayscale(index int, enable bool) error {
	if err := e.rec.record("venc.SetGrayscale", index); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chn[index].gray = enable
	return nil
}

// Grayscale reports the grayscale toggle of a channel.
func (e *Encoder) Grayscale(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chn[index].gray
}

// Close releases every pipe.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.chn {
		c.closeFd()
	}
	return nil
}
