// Package fake is an instrumented in-memory hardware family. Every call is
// recorded, any operation can be made to fail, and encoder descriptors are
// real pipes so readiness waits work end to end.
package fake

import (
	"fmt"
	"sort"
	"sync"

	"ipc-streamer/hal"
)

// Family is the registered name of the fake family.
const Family = "fake"

func init() {
	hal.Register(Family, func(opts hal.Options) (*hal.Backend, error) {
		return New(Config{}).Backend(), nil
	})
}

// Config sizes the fake hardware.
type Config struct {
	Channels    int
	ScalerPorts int
	InlineISP   bool
	FanOut      bool
	Profiles    []hal.SensorInfo
}

// Fake holds every fake capability and the shared call log.
type Fake struct {
	*Recorder
	System  *System
	Sensor  *Sensor
	Input   *Input
	ISP     *ISP
	Scaler  *Scaler
	Encoder *Encoder
	Region  *Region
}

// New builds a fake family.
func New(cfg Config) *Fake {
	if cfg.Channels <= 0 {
		cfg.Channels = 4
	}
	if cfg.ScalerPorts <= 0 {
		cfg.ScalerPorts = cfg.Channels
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = []hal.SensorInfo{
			{Profile: 0, Capture: hal.Rect{Width: 1920, Height: 1080}, MaxFps: 30},
			{Profile: 1, Capture: hal.Rect{Width: 1280, Height: 720}, MaxFps: 60},
		}
	}
	r := NewRecorder()
	return &Fake{
		Recorder: r,
		System:   &System{rec: r, fanOut: cfg.FanOut},
		Sensor:   &Sensor{rec: r, profiles: cfg.Profiles},
		Input:    &Input{rec: r},
		ISP:      &ISP{rec: r, inline: cfg.InlineISP},
		Scaler:   &Scaler{rec: r, ports: cfg.ScalerPorts, configs: make(map[int]hal.PortConfig)},
		Encoder:  newEncoder(r, cfg.Channels),
		Region:   newRegion(r),
	}
}

// Backend exposes the fake as a capability table.
func (f *Fake) Backend() *hal.Backend {
	b := &hal.Backend{
		Family:  Family,
		System:  f.System,
		Sensor:  f.Sensor,
		Input:   f.Input,
		ISP:     f.ISP,
		Scaler:  f.Scaler,
		Encoder: f.Encoder,
		Region:  f.Region,
	}
	b.AddCloser(f.Encoder)
	return b
}

// Recorder logs calls and injects failures by operation name.
type Recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{fail: make(map[string]error)}
}

// record logs op and returns the injected failure, if any.
func (r *Recorder) record(op string, args ...int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := op
	if len(args) > 0 {
		entry = fmt.Sprintf("%s%v", op, args)
	}
	r.calls = append(r.calls, entry)
	return r.fail[op]
}

// Fail makes every later call of op return err. A nil err clears it.
func (r *Recorder) Fail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

// FailCode injects a native failure code for op.
func (r *Recorder) FailCode(op string, code int32) {
	r.Fail(op, &hal.CallError{Op: op, Code: code})
}

// Count returns how many times op was called.
func (r *Recorder) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == op || (len(c) > len(op) && c[:len(op)] == op && c[len(op)] == '[') {
			n++
		}
	}
	return n
}

// Calls returns a copy of the call log.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Since returns the calls logged after the first n.
func (r *Recorder) Since(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= len(r.calls) {
		return nil
	}
	return append([]string(nil), r.calls[n:]...)
}

// Len returns the number of logged calls.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Reset clears the call log but keeps injected failures.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// System is the fake system capability.
type System struct {
	rec    *Recorder
	fanOut bool
	mu     sync.Mutex
	links  map[hal.Endpoint]hal.Endpoint
}

func (s *System) Version() (string, error) { return "fake-mpp 1.0", s.rec.record("sys.Version") }
func (s *System) Init(hal.SystemConfig) error { return s.rec.record("sys.Init") }
func (s *System) Exit() error { return s.rec.record("sys.Exit") }
func (s *System) FanOut(hal.Endpoint) bool { return s.fanOut }

func (s *System) Bind(src, dst hal.Endpoint, link hal.Link) error {
	if err := s.rec.record("sys.Bind"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links == nil {
		s.links = make(map[hal.Endpoint]hal.Endpoint)
	}
	s.links[dst] = src
	return nil
}

func (s *System) Unbind(src, dst hal.Endpoint) error {
	err := s.rec.record("sys.Unbind")
	s.mu.Lock()
	delete(s.links, dst)
	s.mu.Unlock()
	return err
}

// Links returns the number of hardware links currently established.
func (s *System) Links() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Sensor is the fake sensor capability.
type Sensor struct {
	rec      *Recorder
	profiles []hal.SensorInfo
}

func (s *Sensor) Enable(index int, mode hal.SensorMode) (hal.SensorInfo, error) {
	if err := s.rec.record("sensor.Enable", index); err != nil {
		return hal.SensorInfo{}, err
	}
	for _, p := range s.profiles {
		if p.Covers(mode) {
			p.Fps = mode.Fps
			return p, nil
		}
	}
	return hal.SensorInfo{}, &hal.CallError{Op: "sensor.Enable", Code: -1}
}

func (s *Sensor) Disable(index int) error { return s.rec.record("sensor.Disable", index) }

// Input is the fake video-input capability.
type Input struct{ rec *Recorder }

func (i *Input) EnableDevice(dev int, _ hal.InputConfig) error {
	return i.rec.record("input.EnableDevice", dev)
}
func (i *Input) DisableDevice(dev int) error { return i.rec.record("input.DisableDevice", dev) }
func (i *Input) EnablePort(dev, chn int, _ hal.InputConfig) error {
	return i.rec.record("input.EnablePort", dev, chn)
}
func (i *Input) DisablePort(dev, chn int) error { return i.rec.record("input.DisablePort", dev, chn) }
func (i *Input) Endpoint(dev, chn int) hal.Endpoint {
	return hal.Endpoint{Kind: hal.ModuleInput, Device: dev, Channel: chn, Port: 0}
}

// ISP is the fake image-signal-processor capability.
type ISP struct {
	rec    *Recorder
	inline bool
}

func (p *ISP) Create(dev, chn int, _ hal.ISPParams) error { return p.rec.record("isp.Create", dev, chn) }
func (p *ISP) Destroy(dev, chn int) error { return p.rec.record("isp.Destroy", dev, chn) }
func (p *ISP) EnablePort(dev, chn, port int) error {
	return p.rec.record("isp.EnablePort", dev, chn, port)
}
func (p *ISP) DisablePort(dev, chn, port int) error {
	return p.rec.record("isp.DisablePort", dev, chn, port)
}
func (p *ISP) Endpoint(dev, chn, port int) (hal.Endpoint, bool) {
	if p.inline {
		return hal.Endpoint{}, false
	}
	return hal.Endpoint{Kind: hal.ModuleISP, Device: dev, Channel: chn, Port: port}, true
}
func (p *ISP) LoadConfig(dev, chn int, path string) error {
	return p.rec.record("isp.LoadConfig", dev, chn)
}

// Scaler is the fake scaler capability.
type Scaler struct {
	rec     *Recorder
	ports   int
	mu      sync.Mutex
	configs map[int]hal.PortConfig
	enabled []int
}

func (s *Scaler) Create(dev, chn, rotate int) error { return s.rec.record("scaler.Create", dev, chn) }
func (s *Scaler) Destroy(dev, chn int) error { return s.rec.record("scaler.Destroy", dev, chn) }

func (s *Scaler) ConfigurePort(index int, cfg hal.PortConfig) error {
	if err := s.rec.record("scaler.ConfigurePort", index); err != nil {
		return err
	}
	s.mu.Lock()
	s.configs[index] = cfg
	s.mu.Unlock()
	return nil
}

// PortConfig returns the last configuration written to a port.
func (s *Scaler) PortConfig(index int) (hal.PortConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[index]
	return cfg, ok
}

func (s *Scaler) EnablePort(index int) error {
	if err := s.rec.record("scaler.EnablePort", index); err != nil {
		return err
	}
	s.mu.Lock()
	s.enabled = append(s.enabled, index)
	sort.Ints(s.enabled)
	s.mu.Unlock()
	return nil
}

func (s *Scaler) DisablePort(index int) error {
	err := s.rec.record("scaler.DisablePort", index)
	s.mu.Lock()
	for i, p := range s.enabled {
		if p == index {
			s.enabled = append(s.enabled[:i], s.enabled[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return err
}

// Enabled returns the enabled output ports.
func (s *Scaler) Enabled() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.enabled...)
}

func (s *Scaler) Input() hal.Endpoint {
	return hal.Endpoint{Kind: hal.ModuleScaler, Port: 0}
}

func (s *Scaler) Output(index int) hal.Endpoint {
	return hal.Endpoint{Kind: hal.ModuleScaler, Port: index}
}

func (s *Scaler) Ports() int { return s.ports }
