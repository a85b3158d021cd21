package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"ipc-streamer/config"
	"ipc-streamer/hal"
)

var errNotRunning = errors.New("sender not running")

type queuedFrame struct {
	data      []byte
	timestamp uint32
}

// Sender pushes the frames of one MJPEG channel to a UDP destination.
// It is a camera sink: batches are copied and queued, and a full queue
// drops the frame instead of stalling the pump.
type Sender struct {
	config config.RTPConfig
	logger *zap.Logger

	packetizer *Packetizer
	frames     chan queuedFrame

	conn   *net.UDPConn
	start  time.Time
	base   uint32
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running atomic.Bool

	sent        atomic.Uint64
	dropped     atomic.Uint64
	parseErrors atomic.Uint64
	sendErrors  atomic.Uint64
}

// NewSender creates a sender. A zero SSRC is replaced by a random one.
func NewSender(cfg config.RTPConfig, logger *zap.Logger) *Sender {
	if cfg.SSRC == 0 {
		cfg.SSRC = rand.Uint32()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	return &Sender{
		config:     cfg,
		logger:     logger.Named("rtp").With(zap.Int("channel", cfg.Channel)),
		packetizer: NewPacketizer(cfg.SSRC, cfg.MTU),
		frames:     make(chan queuedFrame, cfg.QueueSize),
	}
}

// Start connects the socket and starts the send loop
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return fmt.Errorf("sender already running")
	}

	dest, err := net.ResolveUDPAddr("udp", s.config.Destination)
	if err != nil {
		return fmt.Errorf("failed to resolve destination address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, dest)
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}
	if err := conn.SetWriteBuffer(1024 * 1024); err != nil {
		s.logger.Warn("Failed to set UDP write buffer size", zap.Error(err))
	}
	if s.config.DSCP > 0 {
		if err := setDSCP(conn, dest, s.config.DSCP); err != nil {
			s.logger.Warn("Failed to set DSCP", zap.Int("dscp", s.config.DSCP), zap.Error(err))
		}
	}

	s.conn = conn
	s.start = time.Now()
	s.base = rand.Uint32()

	ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("RTP/JPEG sender started",
		zap.String("local_addr", conn.LocalAddr().String()),
		zap.String("dest_addr", dest.String()),
		zap.Int("mtu", s.packetizer.mtu),
		zap.String("ssrc", fmt.Sprintf("%#08x", s.config.SSRC)))
	return nil
}

// setDSCP marks outgoing packets; the DSCP occupies the upper six bits of
// the TOS or traffic class octet.
func setDSCP(conn *net.UDPConn, dest *net.UDPAddr, dscp int) error {
	if dest.IP.To4() != nil {
		return ipv4.NewConn(conn).SetTOS(dscp << 2)
	}
	return ipv6.NewConn(conn).SetTrafficClass(dscp << 2)
}

// Stop stops the send loop and closes the socket
func (s *Sender) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	err := s.conn.Close()
	s.logger.Info("RTP/JPEG sender stopped",
		zap.Uint64("frames_sent", s.sent.Load()),
		zap.Uint64("frames_dropped", s.dropped.Load()),
		zap.Uint64("send_errors", s.sendErrors.Load()))
	return err
}

// HandleBatch queues one frame of the configured channel.
func (s *Sender) HandleBatch(channel int, batch *hal.PacketBatch) error {
	if channel != s.config.Channel || !s.running.Load() {
		return nil
	}

	frame := make([]byte, 0, batch.Size())
	for _, p := range batch.Packets {
		frame = append(frame, p.Payload()...)
	}
	ts := s.timestamp()

	select {
	case s.frames <- queuedFrame{data: frame, timestamp: ts}:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// timestamp is the 90 kHz media clock, offset by the random base.
func (s *Sender) timestamp() uint32 {
	us := uint64(time.Since(s.start) / time.Microsecond)
	return s.base + uint32(us*9/100)
}

func (s *Sender) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case qf := <-s.frames:
			if err := s.send(qf); err != nil {
				s.logger.Debug("Failed to send frame", zap.Error(err))
			}
		}
	}
}

func (s *Sender) send(qf queuedFrame) error {
	f, err := ParseJPEG(qf.data)
	if err != nil {
		s.parseErrors.Add(1)
		return err
	}
	packets, err := s.packetizer.Packetize(f, qf.timestamp)
	if err != nil {
		s.parseErrors.Add(1)
		return err
	}
	for i, pkt := range packets {
		if _, err := s.conn.Write(pkt); err != nil {
			s.sendErrors.Add(1)
			return fmt.Errorf("failed to send RTP packet %d/%d: %w", i+1, len(packets), err)
		}
	}
	s.sent.Add(1)
	return nil
}

// SendFrame queues an already assembled JPEG. It reports a full queue.
func (s *Sender) SendFrame(jpeg []byte) error {
	if !s.running.Load() {
		return errNotRunning
	}
	ts := s.timestamp()
	select {
	case s.frames <- queuedFrame{data: jpeg, timestamp: ts}:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("frame queue full, dropping frame")
	}
}

// IsRunning returns whether the sender is running
func (s *Sender) IsRunning() bool {
	return s.running.Load()
}

// GetStats returns sender statistics
func (s *Sender) GetStats() map[string]interface{} {
	ps := s.packetizer.GetStats()
	return map[string]interface{}{
		"channel":      s.config.Channel,
		"destination":  s.config.Destination,
		"running":      s.running.Load(),
		"frames_sent":  s.sent.Load(),
		"dropped":      s.dropped.Load(),
		"parse_errors": s.parseErrors.Load(),
		"send_errors":  s.sendErrors.Load(),
		"rtp_packets":  ps.Packets,
		"bytes":        humanize.Bytes(ps.Bytes),
	}
}
