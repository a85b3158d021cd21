// Package pipeline brings up and tears down the sensor, input, ISP and
// scaler path that feeds the encoder channels.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ipc-streamer/binding"
	"ipc-streamer/hal"
)

var (
	ErrCreated    = errors.New("pipeline already created")
	ErrNotCreated = errors.New("pipeline not created")
)

// runnerStopTimeout bounds the wait for a blocking ISP loop after the ISP
// has been destroyed.
const runnerStopTimeout = 2 * time.Second

// Layout names every module instance of the video path.
type Layout struct {
	SensorIndex int
	Mode        hal.SensorMode

	InputDevice  int
	InputChannel int

	ISPDevice     int
	ISPChannel    int
	ISPPort       int
	ISPParams     hal.ISPParams
	ISPConfigPath string

	ScalerDevice  int
	ScalerChannel int
	Rotate        int
}

// Orchestrator runs the fixed bring-up order and its exact reverse.
type Orchestrator struct {
	backend *hal.Backend
	graph   *binding.Graph
	layout  Layout
	logger  *zap.Logger

	mu      sync.Mutex
	created bool
	undo    []hal.Step
	sensor  hal.SensorInfo
	runDone chan error
}

// New creates an Orchestrator for layout.
func New(b *hal.Backend, g *binding.Graph, layout Layout, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		backend: b,
		graph:   g,
		layout:  layout,
		logger:  logger.Named("pipeline"),
	}
}

func (o *Orchestrator) push(name string, fn func() error) {
	o.undo = append(o.undo, hal.Step{Name: name, Fn: fn})
}

// Create brings the path up and stops at the first failure. Stages that
// completed stay up until Destroy is called.
func (o *Orchestrator) Create() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.created {
		return ErrCreated
	}
	o.created = true

	b, l := o.backend, o.layout

	info, err := b.Sensor.Enable(l.SensorIndex, l.Mode)
	if err != nil {
		return fmt.Errorf("failed to enable sensor %d: %w", l.SensorIndex, err)
	}
	o.sensor = info
	o.push("disable sensor", func() error { return b.Sensor.Disable(l.SensorIndex) })
	o.logger.Info("Sensor enabled",
		zap.Int("profile", info.Profile),
		zap.Int("width", info.Capture.Width),
		zap.Int("height", info.Capture.Height),
		zap.Int("fps", info.Fps))

	in := hal.InputConfig{Capture: info.Capture, Fps: l.Mode.Fps}
	if err := b.Input.EnableDevice(l.InputDevice, in); err != nil {
		return fmt.Errorf("failed to enable input device %d: %w", l.InputDevice, err)
	}
	o.push("disable input device", func() error { return b.Input.DisableDevice(l.InputDevice) })

	if err := b.Input.EnablePort(l.InputDevice, l.InputChannel, in); err != nil {
		return fmt.Errorf("failed to enable input port: %w", err)
	}
	o.push("disable input port", func() error { return b.Input.DisablePort(l.InputDevice, l.InputChannel) })

	if err := b.ISP.Create(l.ISPDevice, l.ISPChannel, l.ISPParams); err != nil {
		return fmt.Errorf("failed to create isp: %w", err)
	}
	o.push("destroy isp", func() error {
		err := b.ISP.Destroy(l.ISPDevice, l.ISPChannel)
		o.waitRunner()
		return err
	})
	o.startRunner()

	if err := b.ISP.EnablePort(l.ISPDevice, l.ISPChannel, l.ISPPort); err != nil {
		return fmt.Errorf("failed to enable isp port: %w", err)
	}
	o.push("disable isp port", func() error { return b.ISP.DisablePort(l.ISPDevice, l.ISPChannel, l.ISPPort) })

	if l.ISPConfigPath != "" {
		if err := b.ISP.LoadConfig(l.ISPDevice, l.ISPChannel, l.ISPConfigPath); err != nil {
			o.logger.Warn("Failed to load isp tuning file", zap.String("path", l.ISPConfigPath), zap.Error(err))
		}
	}

	if err := b.Scaler.Create(l.ScalerDevice, l.ScalerChannel, l.Rotate); err != nil {
		return fmt.Errorf("failed to create scaler: %w", err)
	}
	o.push("destroy scaler", func() error { return b.Scaler.Destroy(l.ScalerDevice, l.ScalerChannel) })

	link := hal.Link{SrcFps: l.Mode.Fps, DstFps: l.Mode.Fps, Mode: hal.LinkRealtime}
	src := b.Input.Endpoint(l.InputDevice, l.InputChannel)
	if ispEp, ok := b.ISP.Endpoint(l.ISPDevice, l.ISPChannel, l.ISPPort); ok {
		if err := o.bind(src, ispEp, link); err != nil {
			return err
		}
		src = ispEp
	}
	if err := o.bind(src, b.Scaler.Input(), link); err != nil {
		return err
	}

	o.logger.Info("Pipeline created", zap.Int("stages", len(o.undo)))
	return nil
}

func (o *Orchestrator) bind(src, dst hal.Endpoint, link hal.Link) error {
	if err := o.graph.Bind(src, dst, link); err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", src, dst, err)
	}
	o.push("unbind "+src.String(), func() error { return o.graph.Unbind(src, dst) })
	return nil
}

func (o *Orchestrator) startRunner() {
	r, ok := o.backend.ISP.(hal.Runner)
	if !ok {
		return
	}
	done := make(chan error, 1)
	o.runDone = done
	go func() {
		err := r.Run()
		if err != nil {
			o.logger.Error("ISP loop exited", zap.Error(err))
		}
		done <- err
	}()
}

func (o *Orchestrator) waitRunner() {
	if o.runDone == nil {
		return
	}
	select {
	case <-o.runDone:
	case <-time.After(runnerStopTimeout):
		o.logger.Warn("ISP loop did not stop", zap.Duration("timeout", runnerStopTimeout))
	}
	o.runDone = nil
}

// Destroy releases the completed stages in reverse order. Every stage is
// attempted; the first error is returned.
func (o *Orchestrator) Destroy() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.created {
		return nil
	}
	steps := make([]hal.Step, 0, len(o.undo))
	for i := len(o.undo) - 1; i >= 0; i-- {
		steps = append(steps, o.undo[i])
	}
	err := hal.Unwind(o.logger, steps...)
	o.undo = nil
	o.created = false
	o.sensor = hal.SensorInfo{}
	o.logger.Info("Pipeline destroyed", zap.Error(err))
	return err
}

// ConfigureOutput programs scaler output port index.
func (o *Orchestrator) ConfigureOutput(index int, cfg hal.PortConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.created {
		return ErrNotCreated
	}
	if index < 0 || index >= o.backend.Scaler.Ports() {
		return fmt.Errorf("scaler port %d out of range [0, %d)", index, o.backend.Scaler.Ports())
	}
	if err := o.backend.Scaler.ConfigurePort(index, cfg); err != nil {
		return fmt.Errorf("failed to configure scaler port %d: %w", index, err)
	}
	return nil
}

// Sensor returns the negotiated sensor profile.
func (o *Orchestrator) Sensor() (hal.SensorInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sensor, o.created && len(o.undo) > 0
}
