package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ipc-streamer/camera"
	"ipc-streamer/config"
	"ipc-streamer/hal"
	_ "ipc-streamer/hal/hisi"
	_ "ipc-streamer/hal/sstar"
	"ipc-streamer/mjpeg"
	"ipc-streamer/web"
	"ipc-streamer/webrtc"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "IPC Streamer"
	AppVersion        = "1.0.0"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Components
	backend       *hal.Backend
	cameraManager *camera.Manager
	webrtcServer  *webrtc.Server
	rtpSender     *mjpeg.Sender
	webServer     *web.Server
}

func main() {
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
		family     = flag.String("family", "", "Hardware family; overrides the config file")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Printf("Families: %v\n", hal.Families())
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *family != "" {
		cfg.System.Family = *family
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger, err := createLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
		zap.String("family", cfg.System.Family),
		zap.Int("streams", len(cfg.Streams)))

	app := &Application{config: cfg, logger: logger}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		logger.Error("Failed to start application", zap.Error(err))
		app.Stop()
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	done := make(chan error, 1)
	go func() { done <- app.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("Shutdown complete")
	case <-time.After(time.Duration(cfg.Timeouts.ShutdownTimeout) * time.Second):
		logger.Warn("Shutdown timeout reached, forcing exit")
		os.Exit(1)
	}
}

// Start opens the backend, brings up the camera and starts the servers
func (a *Application) Start(ctx context.Context) error {
	backend, err := hal.Open(a.config.System.Family, hal.Options{
		LibraryDirs: a.config.System.LibraryDirs,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", a.config.System.Family, err)
	}
	a.backend = backend

	a.cameraManager = camera.NewManager(a.config, backend, a.logger)

	if a.config.WebRTC.Enabled {
		a.webrtcServer = webrtc.NewServer(a.config, a.logger)
		a.cameraManager.AddSink(a.webrtcServer)
	}
	if a.config.RTP.Enabled {
		a.rtpSender = mjpeg.NewSender(a.config.RTP, a.logger)
		a.cameraManager.AddSink(a.rtpSender)
	}

	gin.SetMode(gin.ReleaseMode)
	a.webServer = web.NewServer(a.config, a.cameraManager, a.webrtcServer, a.logger)
	if a.rtpSender != nil {
		a.webServer.AddStatus("rtp", a.rtpSender)
		if err := a.rtpSender.Start(ctx); err != nil {
			return fmt.Errorf("failed to start rtp sender: %w", err)
		}
	}

	if err := a.cameraManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}
	if err := a.webServer.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	a.logger.Info("Application started successfully",
		zap.String("web_url", fmt.Sprintf("http://%s:%d", a.config.Server.AdvertiseIP, a.config.Server.WebPort)),
		zap.String("signaling", fmt.Sprintf("ws://%s:%d/ws", a.config.Server.AdvertiseIP, a.config.Server.WebPort)))
	return nil
}

// Stop releases components in reverse start order and returns the first error
func (a *Application) Stop() error {
	a.logger.Info("Stopping application")

	var steps []hal.Step
	if a.webServer != nil {
		steps = append(steps, hal.Step{Name: "web server", Fn: a.webServer.Stop})
	}
	if a.webrtcServer != nil {
		steps = append(steps, hal.Step{Name: "webrtc server", Fn: func() error {
			a.webrtcServer.Stop()
			return nil
		}})
	}
	if a.rtpSender != nil {
		steps = append(steps, hal.Step{Name: "rtp sender", Fn: a.rtpSender.Stop})
	}
	if a.cameraManager != nil {
		steps = append(steps, hal.Step{Name: "camera", Fn: a.cameraManager.Stop})
	}
	if a.backend != nil {
		steps = append(steps, hal.Step{Name: "backend", Fn: a.backend.Close})
	}
	return hal.Unwind(a.logger, steps...)
}

// createLogger builds the console (or JSON) logger writing to stdout and a
// timestamped file under cfg.Dir
func createLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	dir := cfg.Dir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	logFile := filepath.Join(dir, fmt.Sprintf("ipc-streamer-%s.log", time.Now().Format("20060102-150405")))
	pruneLogs(dir, cfg.MaxFiles)

	encoding, encodeLevel := "console", zapcore.CapitalColorLevelEncoder
	if cfg.Encoding == "json" {
		encoding, encodeLevel = "json", zapcore.LowercaseLevelEncoder
	}

	zc := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Sampling: &zap.SamplingConfig{Initial: 100, Thereafter: 100},
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}
	return zc.Build()
}

// pruneLogs keeps the newest keep files; the timestamped names sort by age.
func pruneLogs(dir string, keep int) {
	if keep <= 0 {
		return
	}
	files, _ := filepath.Glob(filepath.Join(dir, "ipc-streamer-*.log"))
	if len(files) <= keep {
		return
	}
	sort.Strings(files)
	for _, f := range files[:len(files)-keep] {
		_ = os.Remove(f)
	}
}
