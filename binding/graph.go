// Package binding keeps the bookkeeping of hardware data-flow links.
package binding

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"ipc-streamer/hal"
)

var (
	ErrAlreadyBound  = errors.New("destination already has a source")
	ErrNotBound      = errors.New("binding does not exist")
	ErrFanOut        = errors.New("source cannot feed another destination")
	ErrBackendBind   = errors.New("backend bind failed")
	ErrBackendUnbind = errors.New("backend unbind failed")
)

// BindError wraps a failing backend bind or unbind.
type BindError struct {
	Op  string
	Src hal.Endpoint
	Dst hal.Endpoint
	Err error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("%s %s -> %s: %v", e.Op, e.Src, e.Dst, e.Err)
}

func (e *BindError) Is(target error) bool {
	switch target {
	case ErrBackendBind:
		return e.Op == "bind"
	case ErrBackendUnbind:
		return e.Op == "unbind"
	}
	return false
}

func (e *BindError) Unwrap() error { return e.Err }

// Edge is one established link.
type Edge struct {
	Src  hal.Endpoint
	Dst  hal.Endpoint
	Link hal.Link
}

// Graph records which source feeds each destination. It enforces one
// source per destination and refuses fan-out the system does not support.
type Graph struct {
	sys    hal.System
	logger *zap.Logger

	mu    sync.Mutex
	byDst map[hal.Endpoint]Edge
}

// New returns an empty Graph over sys.
func New(sys hal.System, logger *zap.Logger) *Graph {
	return &Graph{
		sys:    sys,
		logger: logger.Named("binding"),
		byDst:  make(map[hal.Endpoint]Edge),
	}
}

// Bind links src to dst. The graph is unchanged on any failure.
func (g *Graph) Bind(src, dst hal.Endpoint, link hal.Link) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.byDst[dst]; ok {
		return fmt.Errorf("%w: %s is fed by %s", ErrAlreadyBound, dst, cur.Src)
	}
	if g.fanOutLocked(src) > 0 && !g.sys.FanOut(src) {
		return fmt.Errorf("%w: %s", ErrFanOut, src)
	}

	if err := g.sys.Bind(src, dst, link); err != nil {
		return &BindError{Op: "bind", Src: src, Dst: dst, Err: err}
	}
	g.byDst[dst] = Edge{Src: src, Dst: dst, Link: link}

	g.logger.Debug("Bound",
		zap.Stringer("src", src),
		zap.Stringer("dst", dst),
		zap.Int("src_fps", link.SrcFps),
		zap.Int("dst_fps", link.DstFps))
	return nil
}

// Unbind removes the src -> dst link. The backend call is always made for
// an existing edge and the edge is dropped even when that call fails.
func (g *Graph) Unbind(src, dst hal.Endpoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur, ok := g.byDst[dst]
	if !ok || cur.Src != src {
		return fmt.Errorf("%w: %s -> %s", ErrNotBound, src, dst)
	}

	err := g.sys.Unbind(src, dst)
	delete(g.byDst, dst)
	if err != nil {
		g.logger.Warn("Backend unbind failed", zap.Stringer("src", src), zap.Stringer("dst", dst), zap.Error(err))
		return &BindError{Op: "unbind", Src: src, Dst: dst, Err: err}
	}

	g.logger.Debug("Unbound", zap.Stringer("src", src), zap.Stringer("dst", dst))
	return nil
}

// Source returns the endpoint currently feeding dst.
func (g *Graph) Source(dst hal.Endpoint) (hal.Endpoint, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.byDst[dst]
	return e.Src, ok
}

// Edges returns a stable snapshot of every link.
func (g *Graph) Edges() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	edges := make([]Edge, 0, len(g.byDst))
	for _, e := range g.byDst {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].Dst.String() < edges[j].Dst.String()
	})
	return edges
}

// Len returns the number of links.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byDst)
}

func (g *Graph) fanOutLocked(src hal.Endpoint) int {
	n := 0
	for _, e := range g.byDst {
		if e.Src == src {
			n++
		}
	}
	return n
}
