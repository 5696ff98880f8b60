// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"

	"github.com/tototomate123/tuwunel/lib/config"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Listeners are the TCP addresses and unix sockets to serve on.
	// Required, non-empty.
	Listeners []config.Listener

	// Handler is the HTTP handler for incoming requests. Required.
	Handler http.Handler

	// MaxConnections caps concurrently accepted connections per
	// listener. Zero means no cap.
	MaxConnections int

	// ShutdownTimeout is the maximum time to wait for in-flight
	// requests to complete during graceful shutdown. Defaults to
	// 10 seconds if zero.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Server serves the Matrix API on one or more listeners at once, TCP
// and unix sockets mixed freely. Serve(ctx) blocks until the context
// is cancelled and active requests drain.
type Server struct {
	listeners       []config.Listener
	handler         http.Handler
	logger          *slog.Logger
	maxConnections  int
	shutdownTimeout time.Duration

	// ready is closed after every listener is bound and the server
	// is accepting connections.
	ready chan struct{}

	// addrs are the resolved listen addresses, in listener order.
	// Valid after ready is closed.
	addrs []net.Addr
}

// NewServer creates a server for the configured listeners. Call Serve
// to start accepting connections.
func NewServer(cfg ServerConfig) *Server {
	if len(cfg.Listeners) == 0 {
		panic("router: ServerConfig.Listeners is required")
	}
	if cfg.Handler == nil {
		panic("router: ServerConfig.Handler is required")
	}
	if cfg.Logger == nil {
		panic("router: ServerConfig.Logger is required")
	}

	timeout := cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Server{
		listeners:       cfg.Listeners,
		handler:         cfg.Handler,
		logger:          cfg.Logger,
		maxConnections:  cfg.MaxConnections,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel that is closed once every listener is bound
// and the server is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addrs returns the resolved listen addresses in listener order. Only
// valid after Ready() is closed. With port 0 the resolved address
// carries the actual port.
func (s *Server) Addrs() []net.Addr {
	return s.addrs
}

// Serve binds every listener, signals readiness, and accepts
// connections until ctx is cancelled, then performs graceful
// shutdown: stops accepting and waits up to ShutdownTimeout for
// active requests to complete.
func (s *Server) Serve(ctx context.Context) error {
	// Bind everything before signalling ready so a bad address fails
	// startup instead of surfacing later.
	listeners := make([]net.Listener, 0, len(s.listeners))
	closeAll := func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}
	for _, lc := range s.listeners {
		listener, err := s.bind(lc)
		if err != nil {
			closeAll()
			return err
		}
		if s.maxConnections > 0 {
			listener = netutil.LimitListener(listener, s.maxConnections)
		}
		listeners = append(listeners, listener)
		s.addrs = append(s.addrs, listener.Addr())
	}
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// Sync long-polls hold requests open for up to their client
		// timeout and media transfers run long, so the read and
		// write timeouts are far looser than the header timeout.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       75 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       180 * time.Second,
	}

	serveErr := make(chan error, len(listeners))
	for _, listener := range listeners {
		s.logger.Info("api server listening", "address", listener.Addr().String())
		go func(ln net.Listener) {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("serving on %s: %w", ln.Addr(), err)
			}
		}(listener)
	}

	var failure error
	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
	case failure = <-serveErr:
		s.logger.Error("api listener failed", "error", failure)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
		if failure == nil {
			failure = fmt.Errorf("api server shutdown: %w", err)
		}
	}

	if failure == nil {
		s.logger.Info("api server stopped")
	}
	return failure
}

func (s *Server) bind(lc config.Listener) (net.Listener, error) {
	if lc.UnixSocketPath == "" {
		listener, err := net.Listen("tcp", lc.Address)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", lc.Address, err)
		}
		return listener, nil
	}

	// A socket file left by an unclean shutdown blocks the bind.
	// Remove it, but refuse to unlink anything that is not a socket.
	if info, err := os.Lstat(lc.UnixSocketPath); err == nil {
		if info.Mode()&fs.ModeSocket == 0 {
			return nil, fmt.Errorf("listening on %s: path exists and is not a socket", lc.UnixSocketPath)
		}
		if err := os.Remove(lc.UnixSocketPath); err != nil {
			return nil, fmt.Errorf("removing stale socket %s: %w", lc.UnixSocketPath, err)
		}
	}

	perms := lc.UnixSocketPerms
	if perms == "" {
		perms = "660"
	}
	mode, err := strconv.ParseUint(perms, 8, 32)
	if err != nil {
		return nil, fmt.Errorf("unix socket perms %q: %w", perms, err)
	}

	// Restrict the umask while binding so the socket never exists
	// with looser permissions than requested, then chmod to the
	// exact mode.
	oldMask := unix.Umask(0o177)
	listener, err := net.Listen("unix", lc.UnixSocketPath)
	unix.Umask(oldMask)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", lc.UnixSocketPath, err)
	}
	if err := os.Chmod(lc.UnixSocketPath, fs.FileMode(mode)); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("setting socket permissions on %s: %w", lc.UnixSocketPath, err)
	}
	return listener, nil
}
