// ABOUTME: Registry of configured upstream agents, ordered by priority.
// ABOUTME: Fans queries out to every upstream concurrently with independent timeouts.

package upstream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/keymux/internal/wire"
)

// Registry holds the fixed set of upstream connections for the process
// lifetime. It is read concurrently by every client session; the only
// mutation is each Conn dialing its own socket, which the Conn serializes
// internally.
type Registry struct {
	conns  []*Conn // ascending priority
	byName map[string]*Conn
	logger *slog.Logger
}

// NewRegistry builds a registry from descriptors. Each upstream gets its
// own Conn with the given per-exchange timeout.
func NewRegistry(descs []Descriptor, timeout time.Duration, logger *slog.Logger) *Registry {
	sorted := make([]Descriptor, len(descs))
	copy(sorted, descs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	r := &Registry{
		byName: make(map[string]*Conn, len(sorted)),
		logger: logger,
	}
	for _, d := range sorted {
		c := NewConn(d, timeout, logger)
		r.conns = append(r.conns, c)
		r.byName[d.Name] = c
	}
	return r
}

// Upstreams returns the connections in ascending priority order.
// The returned slice must not be modified.
func (r *Registry) Upstreams() []*Conn { return r.conns }

// Len returns the number of registered upstreams.
func (r *Registry) Len() int { return len(r.conns) }

// ByName returns the connection for the named upstream.
func (r *Registry) ByName(name string) (*Conn, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Result is the outcome of one upstream exchange during a fan-out query.
// Exactly one of Response and Err is set.
type Result struct {
	Conn     *Conn
	Response *wire.Message
	Err      error
}

// QueryAll issues req against every upstream concurrently, each bounded by
// its own timeout, and returns the results in priority order. A failing or
// slow upstream never blocks or fails the others; its Result carries the
// error instead.
func (r *Registry) QueryAll(ctx context.Context, req *wire.Message) []Result {
	results := make([]Result, len(r.conns))

	var wg sync.WaitGroup
	for i, c := range r.conns {
		wg.Add(1)
		go func(i int, c *Conn) {
			defer wg.Done()
			resp, err := c.RoundTrip(ctx, req)
			results[i] = Result{Conn: c, Response: resp, Err: err}
		}(i, c)
	}
	wg.Wait()

	return results
}

// Close tears down every upstream connection.
func (r *Registry) Close() {
	for _, c := range r.conns {
		_ = c.Close()
	}
}
