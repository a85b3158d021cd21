package hal

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Backend is the capability table of one hardware family.
type Backend struct {
	Family  string
	System  System
	Sensor  Sensor
	Input   VideoInput
	ISP     ISP
	Scaler  Scaler
	Encoder Encoder
	Region  Region

	mu      sync.Mutex
	closers []io.Closer
	closed  bool
}

// Options is passed to a family factory.
type Options struct {
	// LibraryDirs are searched after the built-in candidate locations.
	LibraryDirs []string
	Logger      *zap.Logger
}

// Factory resolves the capability table of a family.
type Factory func(opts Options) (*Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a family available to Open. It panics on duplicates.
func Register(family string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("hal: Register factory is nil")
	}
	if _, dup := registry[family]; dup {
		panic("hal: Register called twice for family " + family)
	}
	registry[family] = f
}

// Families lists the registered family names.
func Families() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open resolves the capability table of family. On failure every library
// resolved so far has already been released.
func Open(family string, opts Options) (*Backend, error) {
	registryMu.RLock()
	f, ok := registry[family]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	b, err := f(opts)
	if err != nil {
		return nil, err
	}
	if err := b.validate(); err != nil {
		b.Close()
		return nil, err
	}
	opts.Logger.Info("Hardware backend resolved", zap.String("family", family))
	return b, nil
}

// AddCloser registers a resource released by Close.
func (b *Backend) AddCloser(c io.Closer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closers = append(b.closers, c)
}

// Close releases resolved libraries in reverse order. It is idempotent and
// safe on a partially resolved table.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

func (b *Backend) validate() error {
	checks := []struct {
		kind ModuleKind
		ok   bool
	}{
		{ModuleSystem, b.System != nil},
		{ModuleSensor, b.Sensor != nil},
		{ModuleInput, b.Input != nil},
		{ModuleISP, b.ISP != nil},
		{ModuleScaler, b.Scaler != nil},
		{ModuleEncoder, b.Encoder != nil},
		{ModuleRegion, b.Region != nil},
	}
	for _, c := range checks {
		if !c.ok {
			return &UnavailableError{Kind: c.kind, Symbol: b.Family}
		}
	}
	return nil
}
