// Package dl loads vendor shared libraries and resolves their symbols
// into Go function values.
package dl

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ebitengine/purego"

	"ipc-streamer/hal"
)

// Loader is the dynamic-linker surface used by Library.
type Loader interface {
	Open(path string) (uintptr, error)
	Symbol(handle uintptr, name string) (uintptr, error)
	Close(handle uintptr) error
}

type puregoLoader struct{}

func (puregoLoader) Open(path string) (uintptr, error) {
	return purego.Dlopen(path, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
}

func (puregoLoader) Symbol(handle uintptr, name string) (uintptr, error) {
	return purego.Dlsym(handle, name)
}

func (puregoLoader) Close(handle uintptr) error {
	return purego.Dlclose(handle)
}

// DefaultLoader goes through the system dynamic linker.
var DefaultLoader Loader = puregoLoader{}

// registerFunc is swapped in tests so fake addresses are never wrapped.
var registerFunc = purego.RegisterFunc

// Symbol pairs a native symbol name with the Go function pointer it fills.
type Symbol struct {
	Name string
	Fn   any
}

// Library is one loaded shared object.
type Library struct {
	Kind hal.ModuleKind
	Name string
	Path string

	loader Loader
	mu     sync.Mutex
	handle uintptr
}

// Candidates returns the search list for a library name: the bare name,
// the working directory, /usr/lib, then each extra directory.
func Candidates(name string, dirs ...string) []string {
	paths := []string{name, "./" + name, "/usr/lib/" + name}
	for _, d := range dirs {
		paths = append(paths, filepath.Join(d, name))
	}
	return paths
}

// Open loads name from the default candidate list.
func Open(kind hal.ModuleKind, name string, dirs ...string) (*Library, error) {
	return OpenWith(DefaultLoader, kind, name, Candidates(name, dirs...))
}

// OpenWith tries candidates in order; the first successful load wins.
// Exhausting the list yields a single *hal.UnavailableError.
func OpenWith(l Loader, kind hal.ModuleKind, name string, candidates []string) (*Library, error) {
	var errs []error
	for _, path := range candidates {
		h, err := l.Open(path)
		if err == nil {
			return &Library{Kind: kind, Name: name, Path: path, loader: l, handle: h}, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
	}
	return nil, &hal.UnavailableError{Kind: kind, Symbol: name, Err: errors.Join(errs...)}
}

// Lookup resolves a raw symbol address.
func (lib *Library) Lookup(name string) (uintptr, error) {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.handle == 0 {
		return 0, &hal.UnavailableError{Kind: lib.Kind, Symbol: name, Err: errors.New("library closed")}
	}
	addr, err := lib.loader.Symbol(lib.handle, name)
	if err != nil || addr == 0 {
		return 0, &hal.UnavailableError{Kind: lib.Kind, Symbol: name, Err: err}
	}
	return addr, nil
}

// Bind resolves symbol and stores a callable into fptr, which must be a
// pointer to a func variable.
func (lib *Library) Bind(fptr any, symbol string) error {
	addr, err := lib.Lookup(symbol)
	if err != nil {
		return err
	}
	registerFunc(fptr, addr)
	return nil
}

// BindAll binds every symbol and stops at the first one missing.
func (lib *Library) BindAll(symbols []Symbol) error {
	for _, s := range symbols {
		if err := lib.Bind(s.Fn, s.Name); err != nil {
			return err
		}
	}
	return nil
}

// Close unloads the library. Calling it again is a no-op.
func (lib *Library) Close() error {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.handle == 0 {
		return nil
	}
	h := lib.handle
	lib.handle = 0
	return lib.loader.Close(h)
}

// Set is an ordered group of libraries sharing one lifetime.
type Set struct {
	Dirs []string
	libs []*Library
	open func(kind hal.ModuleKind, name string, dirs ...string) (*Library, error)
}

// NewSet returns a Set that searches dirs after the default locations.
func NewSet(dirs ...string) *Set {
	return &Set{Dirs: dirs, open: Open}
}

// NewSetWith is NewSet over a custom Loader.
func NewSetWith(l Loader, dirs ...string) *Set {
	return &Set{Dirs: dirs, open: func(kind hal.ModuleKind, name string, dirs ...string) (*Library, error) {
		return OpenWith(l, kind, name, Candidates(name, dirs...))
	}}
}

// Load opens name and binds symbols into it.
func (s *Set) Load(kind hal.ModuleKind, name string, symbols ...Symbol) (*Library, error) {
	lib, err := s.open(kind, name, s.Dirs...)
	if err != nil {
		return nil, err
	}
	s.libs = append(s.libs, lib)
	if err := lib.BindAll(symbols); err != nil {
		return nil, err
	}
	return lib, nil
}

// Close unloads every library in reverse load order.
func (s *Set) Close() error {
	var first error
	for i := len(s.libs) - 1; i >= 0; i-- {
		if err := s.libs[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	s.libs = nil
	return first
}
