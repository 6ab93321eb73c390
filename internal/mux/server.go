// ABOUTME: Unix socket listener and per-client session loop for the multiplexer.
// ABOUTME: Accepts agent clients, decodes framed requests, and relays router responses.

package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/keymux/internal/router"
	"github.com/2389/keymux/internal/wire"
)

// DefaultShutdownGrace bounds how long Shutdown waits for open sessions
// before force-closing them.
const DefaultShutdownGrace = 5 * time.Second

// Config holds the dependencies for a Server.
type Config struct {
	// ListenPath is the unix socket path clients connect to.
	ListenPath string

	Router *router.Router
	Logger *slog.Logger

	// ShutdownGrace overrides DefaultShutdownGrace when positive.
	ShutdownGrace time.Duration
}

// Server accepts agent clients on a unix socket and runs one session per
// connection. Sessions share nothing but the router, so a slow client or
// upstream never stalls an unrelated session.
type Server struct {
	listenPath    string
	router        *router.Router
	logger        *slog.Logger
	shutdownGrace time.Duration

	mu       sync.Mutex
	ln       net.Listener
	sessions map[string]net.Conn
	closed   bool

	wg sync.WaitGroup
}

// New creates a Server. The socket is not bound until Run.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	return &Server{
		listenPath:    cfg.ListenPath,
		router:        cfg.Router,
		logger:        logger.With("component", "mux"),
		shutdownGrace: grace,
		sessions:      make(map[string]net.Conn),
	}
}

// Run binds the listening socket and serves clients until ctx is canceled
// or the listener fails. On return the socket file has been removed.
// Binding failure is the one fatal startup condition and is returned as-is.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.bind()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("listening for agent clients", "socket", s.listenPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acceptLoop(ln)
	}()

	gracefulShutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	case err := <-errCh:
		if err != nil {
			s.logger.Error("listener failed", "error", err)
			_ = gracefulShutdown()
			return err
		}
	}

	return gracefulShutdown()
}

// Shutdown stops accepting new clients, waits for open sessions until ctx
// expires, force-closes any stragglers, and removes the socket file.
// Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		open := len(s.sessions)
		for _, conn := range s.sessions {
			_ = conn.Close()
		}
		s.mu.Unlock()
		if open > 0 {
			s.logger.Warn("force-closed lingering sessions", "count", open)
		}
		<-done
	}

	if err := os.Remove(s.listenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing listen socket: %w", err)
	}
	s.logger.Info("listener stopped", "socket", s.listenPath)
	return nil
}

// bind prepares the socket path and starts listening. A stale socket file
// left by a dead process is removed; a socket something still answers on
// is an error, so two multiplexers never fight over one path.
func (s *Server) bind() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.listenPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	if _, err := os.Stat(s.listenPath); err == nil {
		probe, err := net.DialTimeout("unix", s.listenPath, time.Second)
		if err == nil {
			_ = probe.Close()
			return nil, fmt.Errorf("socket %s is already in use", s.listenPath)
		}
		s.logger.Warn("removing stale socket", "socket", s.listenPath)
		if err := os.Remove(s.listenPath); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.listenPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.listenPath, err)
	}

	// Agent sockets carry signing capability; keep them owner-only.
	if err := os.Chmod(s.listenPath, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(s.listenPath)
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}

	return ln, nil
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		id := uuid.New().String()
		s.sessions[id] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.session(id, conn)
		}()
	}
}

// session runs the request/response loop for one client. Responses on a
// connection are strictly ordered because the loop handles one request at
// a time; the protocol has no pipelining.
func (s *Server) session(id string, conn net.Conn) {
	logger := s.logger.With("session", id)
	logger.Debug("client connected")

	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		logger.Debug("client disconnected")
	}()

	// Session context: deliberately not tied to the client connection.
	// If the client vanishes mid-operation, the in-flight upstream
	// exchange runs to completion and the result is discarded when the
	// response write fails.
	ctx := router.WithSession(context.Background(), id)

	for {
		req, err := wire.ReadMessage(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, wire.ErrProtocol), errors.Is(err, wire.ErrTooLarge):
				logger.Warn("closing client after malformed request", "error", err)
			default:
				logger.Debug("client read failed", "error", err)
			}
			return
		}

		resp := s.router.Dispatch(ctx, req)
		if err := wire.WriteMessage(conn, resp); err != nil {
			logger.Debug("client write failed", "error", err)
			return
		}
	}
}
