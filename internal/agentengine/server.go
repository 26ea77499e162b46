package agentengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Server accepts exactly one scheduler connection at a time on a TCP
// listener and runs it to completion before accepting the next.
type Server struct {
	Logger     *slog.Logger
	GraceDelay time.Duration

	listener net.Listener
}

// NewServer builds a Server. logger must not be nil.
func NewServer(logger *slog.Logger, graceDelay time.Duration) *Server {
	return &Server{Logger: logger, GraceDelay: graceDelay}
}

// ListenAndServe binds addr and serves connections until ctx is cancelled.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("agentengine: listen %s: %w", addr, err)
	}
	return srv.Serve(ctx, ln)
}

// Serve runs the accept loop against an already-bound listener. Exposed
// separately so tests can bind an ephemeral port.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv.listener = ln
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("agentengine: accept: %w", err)
		}

		srv.Logger.Info("accepted scheduler connection", "remote", conn.RemoteAddr())
		sess := NewSession(conn, srv.Logger, srv.GraceDelay)
		if err := sess.Run(ctx); err != nil {
			srv.Logger.Warn("session ended with error", "err", err)
		}
		_ = conn.Close()
		srv.Logger.Info("connection closed, returning to accept")
	}
}

// Addr returns the listener's address once ListenAndServe/Serve has bound
// it, or nil if not yet bound.
func (srv *Server) Addr() net.Addr {
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}
