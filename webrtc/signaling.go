package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	// sendTimeout bounds how long a slow client may stall a sender.
	sendTimeout = 5 * time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// Offers with a full candidate list stay well below this.
	maxMessageSize = 64 << 10
)

// Signaling message types
const (
	msgWelcome   = "welcome"
	msgOffer     = "offer"
	msgAnswer    = "answer"
	msgCandidate = "ice-candidate"
	msgPing      = "ping"
	msgPong      = "pong"
	msgError     = "error"
)

var errClientClosed = errors.New("client connection closed")

// Handlers receive the decoded signaling traffic of every client. Nil
// handlers ignore the message.
type Handlers struct {
	Offer      func(c *SignalingClient, offer webrtc.SessionDescription) error
	Answer     func(c *SignalingClient, answer webrtc.SessionDescription) error
	Candidate  func(c *SignalingClient, candidate webrtc.ICECandidateInit) error
	Disconnect func(c *SignalingClient)

	// Welcome builds the payload sent right after a client connects.
	Welcome func(c *SignalingClient) interface{}
}

// SignalingServer upgrades viewer connections and routes their offers,
// answers and candidates to the handlers.
type SignalingServer struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	handlers Handlers

	clients map[string]*SignalingClient
	mu      sync.RWMutex

	allowedOrigins []string
	sendBufferSize int
}

// SignalingClient is one connected viewer
type SignalingClient struct {
	id     string
	conn   *websocket.Conn
	server *SignalingServer
	logger *zap.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	mu          sync.RWMutex
	connectedAt time.Time
	lastPing    time.Time
}

// SignalingMessage is the JSON envelope of every signaling frame.
type SignalingMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewSignalingServer creates a signaling server. No origins means any
// origin; a non-positive buffer size selects 1024 queued messages.
func NewSignalingServer(allowedOrigins []string, sendBufferSize int, logger *zap.Logger) *SignalingServer {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if sendBufferSize <= 0 {
		sendBufferSize = 1024
	}

	s := &SignalingServer{
		logger:         logger.Named("signaling"),
		clients:        make(map[string]*SignalingClient),
		allowedOrigins: allowedOrigins,
		sendBufferSize: sendBufferSize,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *SignalingServer) checkOrigin(r *http.Request) bool {
	if slices.Contains(s.allowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	// Non-browser clients send no origin.
	if origin == "" || slices.Contains(s.allowedOrigins, origin) {
		return true
	}

	s.logger.Warn("Origin not allowed",
		zap.String("origin", origin),
		zap.Strings("allowed_origins", s.allowedOrigins))
	return false
}

// SetHandlers installs the message handlers. Call before serving.
func (s *SignalingServer) SetHandlers(h Handlers) {
	s.handlers = h
}

// HandleWebSocket upgrades the request and serves the client until it
// disconnects or the server closes.
func (s *SignalingServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	id := uuid.New().String()
	now := time.Now()
	client := &SignalingClient{
		id:          id,
		conn:        conn,
		server:      s,
		logger:      s.logger.With(zap.String("client_id", id)),
		send:        make(chan []byte, s.sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: now,
		lastPing:    now,
	}

	s.mu.Lock()
	s.clients[id] = client
	s.mu.Unlock()

	client.logger.Info("Client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.Header.Get("User-Agent")))

	go client.writePump()
	if s.handlers.Welcome != nil {
		if err := client.sendMessage(msgWelcome, s.handlers.Welcome(client)); err != nil {
			client.logger.Warn("Failed to send welcome", zap.Error(err))
		}
	}
	go client.readPump()
}

// readPump decodes frames until the connection fails. The read deadline
// moves forward with every websocket pong.
func (c *SignalingClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg SignalingMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		c.logger.Debug("Received message", zap.String("type", msg.Type))

		if err := c.handleMessage(msg); err != nil {
			c.logger.Warn("Error handling message", zap.String("type", msg.Type), zap.Error(err))
			c.sendError(err)
		}
	}
}

// writePump owns every write on the connection, including keepalive pings.
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("WebSocket write error", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("Keepalive ping failed", zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (c *SignalingClient) handleMessage(msg SignalingMessage) error {
	h := c.server.handlers

	switch msg.Type {
	case msgOffer:
		var offer webrtc.SessionDescription
		if err := decodeData(msg.Data, &offer); err != nil {
			return fmt.Errorf("invalid offer: %w", err)
		}
		if offer.Type != webrtc.SDPTypeOffer {
			return fmt.Errorf("invalid offer: sdp type %q", offer.Type.String())
		}
		if h.Offer != nil {
			return h.Offer(c, offer)
		}

	case msgAnswer:
		var answer webrtc.SessionDescription
		if err := decodeData(msg.Data, &answer); err != nil {
			return fmt.Errorf("invalid answer: %w", err)
		}
		if h.Answer != nil {
			return h.Answer(c, answer)
		}

	case msgCandidate:
		var candidate webrtc.ICECandidateInit
		if err := decodeData(msg.Data, &candidate); err != nil {
			return fmt.Errorf("invalid ICE candidate: %w", err)
		}
		if h.Candidate != nil {
			return h.Candidate(c, candidate)
		}

	case msgPing:
		c.touch()
		return c.sendMessage(msgPong, nil)

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

func decodeData(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(data, target)
}

func (c *SignalingClient) touch() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// SendAnswer sends the local answer to the client
func (c *SignalingClient) SendAnswer(answer webrtc.SessionDescription) error {
	return c.sendMessage(msgAnswer, answer)
}

// SendICECandidate trickles a local candidate. The nil end-of-candidates
// marker is not forwarded.
func (c *SignalingClient) SendICECandidate(candidate *webrtc.ICECandidate) error {
	if candidate == nil {
		return nil
	}
	return c.sendMessage(msgCandidate, candidate.ToJSON())
}

// sendMessage queues a message, giving up after sendTimeout and closing the
// client when it is too slow to drain its queue.
func (c *SignalingClient) sendMessage(msgType string, data interface{}) error {
	payload, err := json.Marshal(struct {
		Type string      `json:"type"`
		Data interface{} `json:"data,omitempty"`
	}{msgType, data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msgType, err)
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return errClientClosed
	case c.send <- payload:
		return nil
	case <-timer.C:
		c.logger.Error("Send timeout, closing slow client", zap.String("message_type", msgType))
		c.close()
		return fmt.Errorf("send timeout for %s message", msgType)
	}
}

func (c *SignalingClient) sendError(err error) {
	c.sendMessage(msgError, map[string]string{"message": err.Error()})
}

// close releases the client once. It must not be called with the server
// lock held.
func (c *SignalingClient) close() {
	c.once.Do(func() {
		close(c.done)

		if c.server != nil {
			c.server.mu.Lock()
			delete(c.server.clients, c.id)
			c.server.mu.Unlock()
			if c.server.handlers.Disconnect != nil {
				c.server.handlers.Disconnect(c)
			}
		}
		c.logger.Info("Client disconnected",
			zap.Duration("connected_for", time.Since(c.connectedAt)))
	})
}

// GetID returns the client ID
func (c *SignalingClient) GetID() string {
	return c.id
}

// LastSeen is the time of the last ping or keepalive pong.
func (c *SignalingClient) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

// IsClosed returns whether the client connection is closed
func (c *SignalingClient) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// GetClientCount returns the number of connected clients
func (s *SignalingServer) GetClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *SignalingServer) snapshot() []*SignalingClient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*SignalingClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

// BroadcastMessage queues a message for every connected client
func (s *SignalingServer) BroadcastMessage(msgType string, data interface{}) {
	for _, client := range s.snapshot() {
		if err := client.sendMessage(msgType, data); err != nil {
			client.logger.Debug("Broadcast skipped", zap.Error(err))
		}
	}
}

// Close disconnects every client. It is safe to call more than once.
func (s *SignalingServer) Close() {
	s.logger.Info("Closing signaling server")
	for _, client := range s.snapshot() {
		client.close()
	}
}
