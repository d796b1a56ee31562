// Package server owns the listener lifecycle: accepting connections,
// tracking them for a shutdown broadcast, and driving orderly exit on
// SIGINT/SIGTERM. It is grounded on the original server's run_server
// (original_source/server/src/server.c), reworked around
// signal.NotifyContext and golang.org/x/sync/errgroup instead of a raw
// g_server_running flag and detached pthreads.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/felipecs/card45/internal/config"
	"github.com/felipecs/card45/internal/identity"
	"github.com/felipecs/card45/internal/lobby"
	"github.com/felipecs/card45/internal/protocol"
	"github.com/felipecs/card45/internal/session"
	"github.com/felipecs/card45/internal/transport"
)

// Server accepts connections, drives each through a session, and
// coordinates a clean shutdown broadcast across every live connection.
type Server struct {
	cfg      config.Config
	log      zerolog.Logger
	registry *identity.Registry
	lobbies  *lobby.Manager
	eg       *errgroup.Group

	mu    sync.Mutex
	conns map[string]*transport.Conn
}

// New constructs a Server. eg is shared with the caller's lobby.Manager so
// a single Wait() drains the accept loop, every session driver, and every
// in-flight match task.
func New(cfg config.Config, log zerolog.Logger, registry *identity.Registry, lobbies *lobby.Manager, eg *errgroup.Group) *Server {
	return &Server{cfg: cfg, log: log, registry: registry, lobbies: lobbies, eg: eg, conns: make(map[string]*transport.Conn)}
}

// listenConfig enables SO_REUSEADDR the way the original server's
// setsockopt(SO_REUSEADDR) call does, so a restarted server can rebind a
// port still draining TIME_WAIT connections.
var listenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		}); err != nil {
			return err
		}
		return sockErr
	},
}

// Run listens on cfg.Addr(), accepts connections until ctx is cancelled,
// and returns once every tracked goroutine (accept loop, shutdown watcher,
// session drivers, match tasks) has exited. It returns nil on a clean
// ctx-driven shutdown, or a wrapped error if the listener could not be
// established or Accept failed for a reason other than the listener
// closing.
func (s *Server) Run(ctx context.Context) error {
	ln, err := listenConfig.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	s.log.Info().Str("addr", s.cfg.Addr()).Msg("server listening")

	// runCtx is cancelled both by the caller's ctx (SIGINT/SIGTERM) and by
	// acceptLoop itself on a non-transient Accept error, so shutdownWatcher
	// always wakes up and closes the listener instead of blocking forever
	// on a ctx that a local accept failure never cancels.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.eg.Go(func() error { return s.shutdownWatcher(runCtx, ln) })
	s.eg.Go(func() error { return s.acceptLoop(ctx, ln, cancel) })

	err = s.eg.Wait()
	s.log.Info().Msg("server stopped")
	return err
}

func (s *Server) shutdownWatcher(ctx context.Context, ln net.Listener) error {
	<-ctx.Done()
	s.log.Info().Msg("shutdown signal received, broadcasting C45DOWN")
	s.broadcastDown("server shutting down")
	return ln.Close()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, cancel context.CancelFunc) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			cancel()
			return fmt.Errorf("accept: %w", err)
		}

		id := uuid.NewString()
		s.log.Info().Str("conn_id", id).Str("remote", conn.RemoteAddr().String()).Msg("connection accepted")

		tc := transport.New(conn)
		s.addConn(id, tc)
		s.eg.Go(func() error {
			s.runSession(id, tc)
			return nil
		})
	}
}

func (s *Server) runSession(id string, tc *transport.Conn) {
	sess := session.New(tc, s.registry, s.lobbies, func() { s.removeConn(id) }, s.log.With().Str("conn_id", id).Logger())
	sess.Run()
}

func (s *Server) addConn(id string, tc *transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = tc
}

func (s *Server) removeConn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// broadcastDown sends a best-effort C45DOWN to every tracked connection,
// then closes each transport so any session blocked in a deadline-less
// read unwinds immediately instead of waiting for its peer to hang up.
func (s *Server) broadcastDown(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := protocol.EncodeDown(reason)
	for _, tc := range s.conns {
		_ = tc.WriteLine(line)
		_ = tc.Close()
	}
}
