// Package web exposes the camera over HTTP: status, snapshots, an MJPEG
// stream and the WebRTC signaling socket.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"
	"go.uber.org/zap"

	"ipc-streamer/camera"
	"ipc-streamer/config"
	"ipc-streamer/webrtc"
)

// Server represents the main web server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	engine     *gin.Engine

	// Components
	camera *camera.Manager
	rtc    *webrtc.Server
	hub    *FrameHub
	extra  map[string]StatsProvider
}

// StatsProvider is a component that reports its state under /api/status.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// NewServer creates the web server. rtc may be nil when WebRTC is disabled.
// A configured MJPEG channel registers a frame hub as a camera sink.
func NewServer(cfg *config.Config, cam *camera.Manager, rtc *webrtc.Server, logger *zap.Logger) *Server {
	s := &Server{
		config: cfg,
		logger: logger.Named("web"),
		camera: cam,
		rtc:    rtc,
	}
	if cfg.Server.MJPEGChannel >= 0 {
		s.hub = NewFrameHub(cfg.Server.MJPEGChannel)
		cam.AddSink(s.hub)
	}
	s.engine = s.routes()
	return s
}

// AddStatus reports p under name in /api/status. Call before Start.
func (s *Server) AddStatus(name string, p StatsProvider) {
	if s.extra == nil {
		s.extra = make(map[string]StatsProvider)
	}
	s.extra[name] = p
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(s.config.Server.AllowOrigins)))
	r.Use(accessLog(s.logger))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("page not found"))
	})

	r.GET("/health", s.handleHealth)
	r.GET("/image.jpg", s.handleSnapshot)
	r.GET("/mjpeg", s.handleMJPEG)
	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/channels", s.handleChannels)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}

// accessLog logs one line per request after it completes.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if err := c.Errors.Last(); err != nil {
			log.Warn("HTTP request", append(fields, zap.Error(err.Err))...)
			return
		}
		log.Debug("HTTP request", fields...)
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.BindIP, s.config.Server.WebPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// No write timeout: /mjpeg and /ws are long-lived.
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started",
		zap.String("address", ln.Addr().String()),
		zap.String("url", fmt.Sprintf("http://%s:%d", s.config.Server.AdvertiseIP, s.config.Server.WebPort)))
	return nil
}

// Stop shuts the server down within the configured HTTP shutdown timeout
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping web server")

	timeout := time.Duration(s.config.Timeouts.HTTPShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}
	s.logger.Info("Web server stopped")
	return nil
}

// GetServerInfo returns information about the web server
func (s *Server) GetServerInfo() map[string]interface{} {
	return map[string]interface{}{
		"bind_ip":      s.config.Server.BindIP,
		"web_port":     s.config.Server.WebPort,
		"advertise_ip": s.config.Server.AdvertiseIP,
		"running":      s.httpServer != nil,
		"url":          fmt.Sprintf("http://%s:%d", s.config.Server.AdvertiseIP, s.config.Server.WebPort),
	}
}
