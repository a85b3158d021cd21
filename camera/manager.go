// Package camera wires the capability table, the pipeline, the encoder
// channels and the stream pump into one start/stop unit.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ipc-streamer/binding"
	"ipc-streamer/channel"
	"ipc-streamer/config"
	"ipc-streamer/hal"
	"ipc-streamer/pipeline"
	"ipc-streamer/poll"
	"ipc-streamer/region"
	"ipc-streamer/stream"
)

var (
	ErrRunning    = errors.New("camera is already running")
	ErrNotRunning = errors.New("camera is not running")
	ErrNoSnapshot = errors.New("no snapshot channel configured")
)

// Sink consumes pump batches. Packet data is only valid during the call.
type Sink interface {
	HandleBatch(channel int, batch *hal.PacketBatch) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(channel int, batch *hal.PacketBatch) error

func (f SinkFunc) HandleBatch(channel int, batch *hal.PacketBatch) error { return f(channel, batch) }

// Manager owns the whole capture path of one backend.
type Manager struct {
	config  *config.Config
	backend *hal.Backend
	logger  *zap.Logger
	waiter  poll.Waiter

	graph    *binding.Graph
	channels *channel.Manager
	pipeline *pipeline.Orchestrator
	regions  *region.Manager
	pump     *stream.Pump

	snapshots singleflight.Group

	sinksMu sync.RWMutex
	sinks   []Sink

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan error
	wg        sync.WaitGroup
}

// NewManager creates a new camera manager over an opened backend
func NewManager(cfg *config.Config, backend *hal.Backend, logger *zap.Logger) *Manager {
	waiter := poll.New()
	graph := binding.New(backend.System, logger)
	m := &Manager{
		config:   cfg,
		backend:  backend,
		logger:   logger.Named("camera"),
		waiter:   waiter,
		graph:    graph,
		channels: channel.New(backend, graph, waiter, logger),
		pipeline: pipeline.New(backend, graph, Layout(cfg), logger),
		regions:  region.New(backend.Region, logger),
	}
	m.pump = stream.NewPump(m.channels, waiter, m.dispatch, logger,
		stream.WithTimeout(time.Duration(cfg.Timeouts.PumpWaitMs)*time.Millisecond))
	return m
}

// Layout derives the pipeline layout from the configuration.
func Layout(cfg *config.Config) pipeline.Layout {
	return pipeline.Layout{
		SensorIndex: cfg.Sensor.Index,
		Mode: hal.SensorMode{
			Width:  cfg.Sensor.Width,
			Height: cfg.Sensor.Height,
			Fps:    cfg.Sensor.FPS,
		},
		InputDevice:  cfg.Input.Device,
		InputChannel: cfg.Input.Channel,
		ISPDevice:    cfg.ISP.Device,
		ISPChannel:   cfg.ISP.Channel,
		ISPPort:      cfg.ISP.Port,
		ISPParams: hal.ISPParams{
			Mirror:    cfg.ISP.Mirror,
			Flip:      cfg.ISP.Flip,
			Rotate:    cfg.ISP.Rotate,
			Level3DNR: cfg.ISP.Level3DNR,
		},
		ISPConfigPath: cfg.ISP.ConfigPath,
		ScalerDevice:  cfg.Scaler.Device,
		ScalerChannel: cfg.Scaler.Channel,
		Rotate:        cfg.ISP.Rotate,
	}
}

func systemConfig(cfg *config.Config) hal.SystemConfig {
	return hal.SystemConfig{
		AlignWidth: cfg.System.AlignWidth,
		BlockCount: cfg.System.BlockCount,
		PoolCount:  cfg.System.PoolCount,
		Sensor: hal.SensorSettings{
			Driver:        cfg.System.SensorDriver,
			ControlPath:   cfg.System.SensorControl,
			InterfaceMode: cfg.Sensor.Interface,
			Lanes:         cfg.Sensor.Lanes,
			Width:         cfg.Sensor.Width,
			Height:        cfg.Sensor.Height,
			Fps:           cfg.Sensor.FPS,
		},
	}
}

// AddSink registers a consumer of every streamed batch.
func (m *Manager) AddSink(s Sink) {
	m.sinksMu.Lock()
	defer m.sinksMu.Unlock()
	m.sinks = append(m.sinks, s)
}

// dispatch fans one batch out to every sink and reports the first failure.
func (m *Manager) dispatch(ch int, batch *hal.PacketBatch) error {
	m.sinksMu.RLock()
	defer m.sinksMu.RUnlock()

	var first error
	for _, s := range m.sinks {
		if err := s.HandleBatch(ch, batch); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Start brings up the system, the pipeline and every configured channel,
// then starts the pump. A failure tears down whatever came up.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrRunning
	}

	version, err := m.backend.System.Version()
	if err != nil {
		m.logger.Warn("Failed to read SDK version", zap.Error(err))
	}
	m.logger.Info("Starting camera",
		zap.String("family", m.backend.Family),
		zap.String("sdk", version))

	if err := m.backend.System.Init(systemConfig(m.config)); err != nil {
		return fmt.Errorf("failed to init system: %w", err)
	}
	if err := m.bringUp(); err != nil {
		m.teardown()
		return err
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan error, 1)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.done <- m.pump.Run(pumpCtx)
	}()
	go func() {
		defer m.wg.Done()
		m.logStats(pumpCtx)
	}()

	m.running = true
	m.startedAt = time.Now()
	m.logger.Info("Camera started", zap.Ints("streaming", m.channels.Members()))
	return nil
}

func (m *Manager) bringUp() error {
	if err := m.pipeline.Create(); err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	for _, s := range m.config.Streams {
		if err := m.startStream(s); err != nil {
			return err
		}
	}

	if j := m.config.JPEG; j.Enabled {
		err := m.pipeline.ConfigureOutput(j.Channel, hal.PortConfig{
			Width:  j.Width,
			Height: j.Height,
			Fps:    m.config.Sensor.FPS,
			Mirror: m.config.ISP.Mirror,
			Flip:   m.config.ISP.Flip,
			Format: hal.PixelYUV422YUYV,
		})
		if err != nil {
			return err
		}
		err = m.channels.CreateEncoder(j.Channel, hal.VideoConfig{
			Codec:     hal.CodecJPEG,
			Width:     j.Width,
			Height:    j.Height,
			Framerate: m.config.Sensor.FPS,
		})
		if err != nil {
			return fmt.Errorf("failed to create snapshot channel: %w", err)
		}
	}

	if r := m.config.Region; r.Enabled {
		if err := m.regions.Init(); err != nil {
			return fmt.Errorf("failed to init regions: %w", err)
		}
		if err := m.regions.Create(r.Handle, hal.Rect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}); err != nil {
			return fmt.Errorf("failed to create region %d: %w", r.Handle, err)
		}
	}
	return nil
}

func (m *Manager) startStream(s config.StreamConfig) error {
	video, err := s.Video()
	if err != nil {
		return fmt.Errorf("stream %d: %w", s.Channel, err)
	}
	format := hal.PixelYUV420SP
	if video.Codec.JPEGFamily() {
		format = hal.PixelYUV422YUYV
	}
	err = m.pipeline.ConfigureOutput(s.Channel, hal.PortConfig{
		Width:  s.Width,
		Height: s.Height,
		Fps:    s.FPS,
		Mirror: m.config.ISP.Mirror,
		Flip:   m.config.ISP.Flip,
		Format: format,
	})
	if err != nil {
		return err
	}
	if err := m.channels.CreateEncoder(s.Channel, video); err != nil {
		return err
	}
	if err := m.channels.BindChannel(s.Channel); err != nil {
		return err
	}
	return m.channels.SetMainLoop(s.Channel, s.MainLoop)
}

func (m *Manager) logStats(ctx context.Context) {
	interval := time.Duration(m.config.Logging.StatsLogInterval) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := m.pump.Stats()
			m.logger.Info("Pump statistics",
				zap.Uint64("batches", st.Batches),
				zap.Uint64("packets", st.Packets),
				zap.String("bytes", humanize.Bytes(st.Bytes)),
				zap.Uint64("empty_frames", st.EmptyFrames),
				zap.Uint64("timeouts", st.Timeouts),
				zap.Uint64("callback_errors", st.CallbackErrors))
		}
	}
}

// teardown releases everything best-effort in reverse bring-up order.
func (m *Manager) teardown() error {
	return hal.Unwind(m.logger,
		hal.Step{Name: "regions", Fn: m.regions.Close},
		hal.Step{Name: "channels", Fn: m.channels.DestroyAll},
		hal.Step{Name: "pipeline", Fn: m.pipeline.Destroy},
		hal.Step{Name: "system", Fn: m.backend.System.Exit},
	)
}

// Stop cancels the pump, waits for it and tears the pipeline down.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.logger.Info("Stopping camera")

	m.cancel()
	m.wg.Wait()
	if err := <-m.done; err != nil {
		m.logger.Warn("Pump exited with error", zap.Error(err))
	}

	err := m.teardown()
	m.running = false
	m.logger.Info("Camera stopped", zap.Error(err))
	return err
}

// Snapshot grabs one JPEG from the snapshot channel. Concurrent requests
// with the same parameters share a single capture. Zero fields fall back
// to the configured values.
func (m *Manager) Snapshot(ctx context.Context, req channel.SnapshotRequest) ([]byte, error) {
	j := m.config.JPEG
	if !j.Enabled {
		return nil, ErrNoSnapshot
	}
	if !m.IsRunning() {
		return nil, ErrNotRunning
	}
	if req.Quality == 0 {
		req.Quality = j.Quality
	}
	if req.Timeout == 0 {
		req.Timeout = j.Timeout()
	}
	req.Grayscale = req.Grayscale || j.Grayscale

	// The capture outlives any one caller and is bounded by req.Timeout;
	// each caller stops waiting on its own context.
	key := fmt.Sprintf("%dx%d/q%d/g%t", req.Width, req.Height, req.Quality, req.Grayscale)
	result := m.snapshots.DoChan(key, func() (interface{}, error) {
		return m.channels.SnapshotGrab(context.WithoutCancel(ctx), j.Channel, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-result:
		if r.Err != nil {
			return nil, r.Err
		}
		data := r.Val.([]byte)
		m.logger.Debug("Snapshot served",
			zap.String("size", humanize.Bytes(uint64(len(data)))),
			zap.Bool("shared", r.Shared))
		return data, nil
	}
}

// IsRunning reports whether Start succeeded and Stop has not run.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Channels lists every allocated encoder channel.
func (m *Manager) Channels() []channel.Info {
	return m.channels.Infos()
}

// PumpStats returns the pump counters.
func (m *Manager) PumpStats() stream.Stats {
	return m.pump.Stats()
}

// GetStatus returns status information for the web API
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.Lock()
	running, startedAt := m.running, m.startedAt
	m.mu.Unlock()

	status := map[string]interface{}{
		"family":   m.backend.Family,
		"running":  running,
		"bindings": m.graph.Len(),
	}
	if running {
		status["uptime"] = time.Since(startedAt).Round(time.Second).String()
	}
	if info, ok := m.pipeline.Sensor(); ok {
		status["sensor"] = map[string]interface{}{
			"profile": info.Profile,
			"width":   info.Capture.Width,
			"height":  info.Capture.Height,
			"fps":     info.Fps,
		}
	}

	channels := make([]map[string]interface{}, 0)
	for _, c := range m.channels.Infos() {
		channels = append(channels, map[string]interface{}{
			"index":     c.Index,
			"state":     c.State.String(),
			"codec":     c.Codec.String(),
			"width":     c.Width,
			"height":    c.Height,
			"fps":       c.Fps,
			"buffer":    humanize.Bytes(uint64(c.BufSize)),
			"main_loop": c.MainLoop,
		})
	}
	status["channels"] = channels

	st := m.pump.Stats()
	status["pump"] = map[string]interface{}{
		"batches":         st.Batches,
		"packets":         st.Packets,
		"bytes":           humanize.Bytes(st.Bytes),
		"empty_frames":    st.EmptyFrames,
		"timeouts":        st.Timeouts,
		"callback_errors": st.CallbackErrors,
	}
	return status
}
