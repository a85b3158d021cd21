package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

var errNotStreaming = errors.New("not streaming")

// PeerConnection is one viewer of the H.264 channel. A viewer that starts
// streaming receives nothing until the next access unit carrying SPS or IDR.
type PeerConnection struct {
	id             string
	pc             *webrtc.PeerConnection
	videoTrack     *webrtc.TrackLocalStaticSample
	logger         *zap.Logger
	sampleDuration time.Duration

	mu          sync.RWMutex
	isStreaming bool
	synced      bool

	onKeyframeRequest func()

	frames           atomic.Uint64
	bytes            atomic.Uint64
	skipped          atomic.Uint64
	keyframeRequests atomic.Uint64
}

// NewPeerConnection creates a peer connection carrying one H.264 track
func NewPeerConnection(id string, api *webrtc.API, config webrtc.Configuration, fps int, logger *zap.Logger) (*PeerConnection, error) {
	if fps <= 0 {
		logger.Warn("FPS not provided, defaulting to 30")
		fps = 30
	}

	peer := &PeerConnection{
		id:             id,
		logger:         logger.With(zap.String("peer_id", id)),
		sampleDuration: time.Second / time.Duration(fps),
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	peer.pc = pc

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video",
		"camera_stream",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	peer.videoTrack = videoTrack

	sender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add video track: %w", err)
	}
	go peer.readRTCP(sender)

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		peer.logger.Info("ICE connection state changed", zap.String("state", state.String()))
	})

	peer.logger.Info("Peer connection created", zap.Duration("sample_duration", peer.sampleDuration))
	return peer, nil
}

// readRTCP drains receiver reports so interceptors run, and counts the
// viewer's picture loss and intra requests. It ends with the connection.
func (p *PeerConnection) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.keyframeRequests.Add(1)
				p.mu.RLock()
				fn := p.onKeyframeRequest
				p.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}
		}
	}
}

// OnKeyframeRequest sets the handler run when the viewer asks for an
// intra frame.
func (p *PeerConnection) OnKeyframeRequest(handler func()) {
	p.mu.Lock()
	p.onKeyframeRequest = handler
	p.mu.Unlock()
}

// Answer applies the remote offer and returns the local answer
func (p *PeerConnection) Answer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return &answer, nil
}

// SetRemoteDescription sets the remote description from the client
func (p *PeerConnection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// AddICECandidate adds an ICE candidate
func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// OnICECandidate sets the ICE candidate handler
func (p *PeerConnection) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(handler)
}

// OnConnectionStateChange sets the connection state handler
func (p *PeerConnection) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(handler)
}

// StartStreaming starts video streaming for this peer
func (p *PeerConnection) StartStreaming() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isStreaming {
		return fmt.Errorf("already streaming")
	}
	p.isStreaming = true
	p.synced = false
	p.logger.Info("Starting video streaming")
	return nil
}

// StopStreaming stops video streaming
func (p *PeerConnection) StopStreaming() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isStreaming {
		p.isStreaming = false
		p.logger.Info("Stopping video streaming")
	}
}

// IsStreaming returns whether this peer is currently streaming
func (p *PeerConnection) IsStreaming() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isStreaming
}

// WriteFrame writes one Annex B access unit to the video track. The track
// packetizes synchronously, so frame may be reused once this returns.
func (p *PeerConnection) WriteFrame(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isStreaming {
		return errNotStreaming
	}
	if !p.synced {
		if !isKeyframe(frame) {
			p.skipped.Add(1)
			return nil
		}
		p.synced = true
		p.logger.Debug("Keyframe reached, video starts")
	}

	err := p.videoTrack.WriteSample(media.Sample{Data: frame, Duration: p.sampleDuration})
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to write video sample: %w", err)
	}
	p.frames.Add(1)
	p.bytes.Add(uint64(len(frame)))
	return nil
}

// GetStats returns connection statistics
func (p *PeerConnection) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"id":                   p.id,
		"connection_state":     p.pc.ConnectionState().String(),
		"ice_connection_state": p.pc.ICEConnectionState().String(),
		"signaling_state":      p.pc.SignalingState().String(),
		"is_streaming":         p.IsStreaming(),
		"frames":               p.frames.Load(),
		"bytes":                p.bytes.Load(),
		"skipped":              p.skipped.Load(),
		"keyframe_requests":    p.keyframeRequests.Load(),
	}
}

// Close closes the peer connection and releases resources
func (p *PeerConnection) Close() error {
	p.StopStreaming()

	if err := p.pc.Close(); err != nil {
		p.logger.Error("Error closing peer connection", zap.Error(err))
		return err
	}
	p.logger.Info("Peer connection closed")
	return nil
}

// GetID returns the peer connection ID
func (p *PeerConnection) GetID() string {
	return p.id
}
