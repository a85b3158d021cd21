// Package webrtc serves one encoder channel to browsers over WebRTC, with
// offer/answer and ICE exchanged on a websocket.
package webrtc

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"ipc-streamer/config"
	"ipc-streamer/hal"
)

// Server fans the H.264 batches of one channel out to its peers
type Server struct {
	config *config.Config
	logger *zap.Logger

	webrtcConfig webrtc.Configuration
	api          *webrtc.API
	signaling    *SignalingServer

	channel int
	fps     int

	peers map[string]*PeerConnection
	mu    sync.RWMutex

	// frame is the coalescing buffer, reused across batches.
	frameMu sync.Mutex
	frame   []byte

	frames atomic.Uint64
	bytes  atomic.Uint64
}

// NewServer creates the WebRTC server for the configured channel
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	var iceServers []webrtc.ICEServer
	if cfg.WebRTC.STUNServer != "" {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{cfg.WebRTC.STUNServer}})
	}

	settings := webrtc.SettingEngine{}
	if ip := net.ParseIP(cfg.Server.AdvertiseIP); ip != nil && !ip.IsLoopback() {
		settings.SetNAT1To1IPs([]string{ip.String()}, webrtc.ICECandidateTypeHost)
	}
	if cfg.WebRTC.MTU > 0 {
		settings.SetReceiveMTU(uint(cfg.WebRTC.MTU))
	}

	fps := 0
	for _, s := range cfg.Streams {
		if s.Channel == cfg.WebRTC.Channel {
			fps = s.FPS
		}
	}

	s := &Server{
		config:       cfg,
		logger:       logger.Named("webrtc").With(zap.Int("channel", cfg.WebRTC.Channel)),
		webrtcConfig: webrtc.Configuration{ICEServers: iceServers},
		api:          webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		channel:      cfg.WebRTC.Channel,
		fps:          fps,
		peers:        make(map[string]*PeerConnection),
	}
	s.signaling = NewSignalingServer(cfg.Server.AllowOrigins, 0, s.logger)
	s.signaling.SetHandlers(Handlers{
		Offer:      s.handleOffer,
		Answer:     s.handleAnswer,
		Candidate:  s.handleICECandidate,
		Disconnect: s.handleDisconnect,
		Welcome:    s.welcome,
	})

	s.logger.Info("WebRTC server created",
		zap.Int("stun_servers", len(iceServers)),
		zap.Int("max_clients", cfg.WebRTC.MaxClients))
	return s
}

// HandleWebSocket upgrades a signaling connection
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.signaling.HandleWebSocket(w, r)
}

// welcome tells a new viewer its id and what the track will carry.
func (s *Server) welcome(client *SignalingClient) interface{} {
	return map[string]interface{}{
		"client_id": client.GetID(),
		"channel":   s.channel,
		"codec":     "h264",
		"fps":       s.fps,
	}
}

// handleOffer answers a client offer with a fresh peer connection
func (s *Server) handleOffer(client *SignalingClient, offer webrtc.SessionDescription) error {
	id := client.GetID()
	s.removePeer(id)

	if max := s.config.WebRTC.MaxClients; max > 0 && s.GetPeerCount() >= max {
		return fmt.Errorf("peer limit of %d reached", max)
	}

	peer, err := NewPeerConnection(id, s.api, s.webrtcConfig, s.fps, s.logger)
	if err != nil {
		return err
	}

	peer.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if err := client.SendICECandidate(candidate); err != nil {
			s.logger.Warn("Failed to send ICE candidate", zap.String("client_id", id), zap.Error(err))
		}
	})
	peer.OnKeyframeRequest(func() {
		s.logger.Debug("Viewer requested a keyframe", zap.String("client_id", id))
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("Peer connection state changed",
			zap.String("client_id", id),
			zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.removePeer(id)
		}
	})

	s.mu.Lock()
	s.peers[id] = peer
	s.mu.Unlock()

	answer, err := peer.Answer(offer)
	if err != nil {
		s.removePeer(id)
		return err
	}
	if err := client.SendAnswer(*answer); err != nil {
		s.removePeer(id)
		return fmt.Errorf("failed to send answer: %w", err)
	}
	if err := peer.StartStreaming(); err != nil {
		s.removePeer(id)
		return fmt.Errorf("failed to start streaming: %w", err)
	}

	s.logger.Info("WebRTC connection established", zap.String("client_id", id))
	return nil
}

func (s *Server) peer(id string) (*PeerConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peer, ok := s.peers[id]
	if !ok {
		return nil, fmt.Errorf("no peer connection found for client %s", id)
	}
	return peer, nil
}

// handleAnswer handles incoming WebRTC answers (not typically used in this setup)
func (s *Server) handleAnswer(client *SignalingClient, answer webrtc.SessionDescription) error {
	peer, err := s.peer(client.GetID())
	if err != nil {
		return err
	}
	return peer.SetRemoteDescription(answer)
}

// handleICECandidate handles incoming ICE candidates
func (s *Server) handleICECandidate(client *SignalingClient, candidate webrtc.ICECandidateInit) error {
	peer, err := s.peer(client.GetID())
	if err != nil {
		return err
	}
	return peer.AddICECandidate(candidate)
}

func (s *Server) handleDisconnect(client *SignalingClient) {
	s.removePeer(client.GetID())
}

// removePeer forgets the peer and closes it outside the lock, since
// closing fires state callbacks that come back here.
func (s *Server) removePeer(id string) {
	s.mu.Lock()
	peer, ok := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()

	if ok {
		peer.Close()
		s.logger.Info("Peer removed", zap.String("client_id", id))
	}
}

// HandleBatch coalesces the packets of one batch into a single access unit
// and writes it to every streaming peer. Other channels are ignored.
func (s *Server) HandleBatch(channel int, batch *hal.PacketBatch) error {
	if channel != s.channel {
		return nil
	}

	s.mu.RLock()
	peers := make([]*PeerConnection, 0, len(s.peers))
	for _, p := range s.peers {
		if p.IsStreaming() {
			peers = append(peers, p)
		}
	}
	s.mu.RUnlock()
	if len(peers) == 0 {
		return nil
	}

	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	s.frame = s.frame[:0]
	for _, p := range batch.Packets {
		s.frame = append(s.frame, p.Payload()...)
	}
	if len(s.frame) == 0 {
		return nil
	}
	s.frames.Add(1)
	s.bytes.Add(uint64(len(s.frame)))

	var first error
	for _, p := range peers {
		if err := p.WriteFrame(s.frame); err != nil && err != errNotStreaming && first == nil {
			first = fmt.Errorf("peer %s: %w", p.GetID(), err)
		}
	}
	return first
}

// Stop closes every peer and signaling client
func (s *Server) Stop() {
	s.logger.Info("Stopping WebRTC server")

	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*PeerConnection)
	s.mu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}
	s.signaling.Close()
	s.logger.Info("WebRTC server stopped")
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.mu.RLock()
	peerStats := make(map[string]interface{}, len(s.peers))
	for id, peer := range s.peers {
		peerStats[id] = peer.GetStats()
	}
	s.mu.RUnlock()

	return map[string]interface{}{
		"channel":      s.channel,
		"peer_count":   len(peerStats),
		"client_count": s.signaling.GetClientCount(),
		"frames":       s.frames.Load(),
		"bytes":        humanize.Bytes(s.bytes.Load()),
		"peers":        peerStats,
	}
}

// GetPeerCount returns the number of connected peers
func (s *Server) GetPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
