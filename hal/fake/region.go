package fake

import (
	"sync"

	"ipc-streamer/hal"
)

// Region is the fake overlay capability with two targets.
type Region struct {
	rec      *Recorder
	mu       sync.Mutex
	configs  map[int]hal.RegionConfig
	attached map[int]map[hal.Endpoint]hal.RegionAttach
	targets  []hal.Endpoint
}

func newRegion(rec *Recorder) *Region {
	return &Region{
		rec:      rec,
		configs:  make(map[int]hal.RegionConfig),
		attached: make(map[int]map[hal.Endpoint]hal.RegionAttach),
		targets: []hal.Endpoint{
			{Kind: hal.ModuleScaler, Port: 0},
			{Kind: hal.ModuleScaler, Port: 1},
		},
	}
}

func (r *Region) Init() error   { return r.rec.record("rgn.Init") }
func (r *Region) Deinit() error { return r.rec.record("rgn.Deinit") }

func (r *Region) Config(handle int) (hal.RegionConfig, error) {
	if err := r.rec.record("rgn.Config", handle); err != nil {
		return hal.RegionConfig{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[handle]
	if !ok {
		return hal.RegionConfig{}, hal.ErrNoRegion
	}
	return cfg, nil
}

func (r *Region) Create(handle int, cfg hal.RegionConfig) error {
	if err := r.rec.record("rgn.Create", handle); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[handle] = cfg
	return nil
}

func (r *Region) Destroy(handle int) error {
	if err := r.rec.record("rgn.Destroy", handle); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, handle)
	delete(r.attached, handle)
	return nil
}

func (r *Region) Attachment(handle int, target hal.Endpoint) (hal.RegionAttach, error) {
	if err := r.rec.record("rgn.Attachment", handle); err != nil {
		return hal.RegionAttach{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attached[handle][target]
	if !ok {
		return hal.RegionAttach{}, hal.ErrNotAttached
	}
	return a, nil
}

func (r *Region) Attach(handle int, target hal.Endpoint, attr hal.RegionAttach) error {
	if err := r.rec.record("rgn.Attach", handle); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attached[handle] == nil {
		r.attached[handle] = make(map[hal.Endpoint]hal.RegionAttach)
	}
	r.attached[handle][target] = attr
	return nil
}

func (r *Region) Detach(handle int, target hal.Endpoint) error {
	if err := r.rec.record("rgn.Detach", handle); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attached[handle], target)
	return nil
}

func (r *Region) SetBitmap(handle int, bmp hal.Bitmap) error {
	return r.rec.record("rgn.SetBitmap", handle)
}

func (r *Region) Targets() []hal.Endpoint {
	return append([]hal.Endpoint(nil), r.targets...)
}

// Attached returns the attachment of handle on target, if any.
func (r *Region) Attached(handle int, target hal.Endpoint) (hal.RegionAttach, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attached[handle][target]
	return a, ok
}
