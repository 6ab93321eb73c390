// ABOUTME: Represents one upstream agent socket and its lazily-dialed connection.
// ABOUTME: Handles one request/response exchange at a time with deadline-bounded I/O.

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/keymux/internal/wire"
)

// ErrConnect indicates the upstream socket is absent or refused the
// connection. Recoverable: the next exchange redials.
var ErrConnect = errors.New("upstream connect failed")

// ErrTimeout indicates the upstream did not answer within the bound.
// The connection is torn down before this is returned.
var ErrTimeout = errors.New("upstream request timed out")

// ErrResponse indicates the upstream sent something that is not a valid
// agent protocol frame. The connection is torn down before this is returned.
var ErrResponse = errors.New("upstream sent malformed response")

// State describes the connection to one upstream agent.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Descriptor identifies one configured upstream agent. Priority is the
// stable tie-break index: lower values win when two upstreams claim the
// same key.
type Descriptor struct {
	Name       string
	SocketPath string
	Priority   int
}

// Conn owns the live, possibly-absent connection to one upstream agent.
//
// The agent protocol is not multiplexed within a connection, so exchanges
// on the same Conn are serialized by a mutex; two requests are never
// interleaved on one socket. Requests to different upstreams proceed in
// parallel because each upstream has its own Conn.
type Conn struct {
	desc    Descriptor
	timeout time.Duration
	logger  *slog.Logger

	state atomic.Int32

	mu sync.Mutex // serializes dial and exchange; held for at most one timeout
	nc net.Conn
}

// NewConn creates a Conn for the given descriptor. No I/O happens until
// the first exchange.
func NewConn(desc Descriptor, timeout time.Duration, logger *slog.Logger) *Conn {
	return &Conn{
		desc:    desc,
		timeout: timeout,
		logger:  logger.With("upstream", desc.Name),
	}
}

// Descriptor returns the configuration this Conn was built from.
func (c *Conn) Descriptor() Descriptor { return c.desc }

// Name returns the configured upstream name.
func (c *Conn) Name() string { return c.desc.Name }

// State reports the current connection state.
func (c *Conn) State() State { return State(c.state.Load()) }

// RoundTrip sends one message and reads exactly one response, dialing the
// socket first if needed. Any dial failure, I/O failure, timeout, or
// malformed response tears the connection down before returning, so a
// Connected state is never reported for a socket that cannot be used.
//
// ctx is honored while dialing. A started exchange is allowed to run to
// its deadline even if ctx is canceled: aborting mid-frame would leave the
// upstream's framing ambiguous for the next caller.
func (c *Conn) RoundTrip(ctx context.Context, req *wire.Message) (*wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc == nil {
		if err := c.dialLocked(ctx); err != nil {
			return nil, err
		}
	}

	if err := c.nc.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		c.teardownLocked()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, c.desc.SocketPath, err)
	}

	if err := wire.WriteMessage(c.nc, req); err != nil {
		c.teardownLocked()
		return nil, c.classify("write", err)
	}

	resp, err := wire.ReadMessage(c.nc)
	if err != nil {
		c.teardownLocked()
		if errors.Is(err, wire.ErrProtocol) || errors.Is(err, wire.ErrTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrResponse, err)
		}
		return nil, c.classify("read", err)
	}

	return resp, nil
}

// Close tears down the physical connection if one exists.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		c.state.Store(int32(StateDisconnected))
		return nil
	}
	err := c.nc.Close()
	c.nc = nil
	c.state.Store(int32(StateDisconnected))
	return err
}

func (c *Conn) dialLocked(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))

	dialer := net.Dialer{Timeout: c.timeout}
	nc, err := dialer.DialContext(ctx, "unix", c.desc.SocketPath)
	if err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("%w: %s: %v", ErrConnect, c.desc.SocketPath, err)
	}

	c.logger.Debug("connected to upstream agent", "socket", c.desc.SocketPath)
	c.nc = nc
	c.state.Store(int32(StateConnected))
	return nil
}

func (c *Conn) teardownLocked() {
	if c.nc != nil {
		_ = c.nc.Close()
		c.nc = nil
	}
	c.state.Store(int32(StateFailed))
}

// classify maps transport errors to the package's sentinel errors.
func (c *Conn) classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s on %s", ErrTimeout, op, c.desc.SocketPath)
	}
	return fmt.Errorf("%w: %s on %s: %v", ErrConnect, op, c.desc.SocketPath, err)
}
