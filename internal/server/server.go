package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

type ConnectionHandler interface {
	Handle(ctx context.Context, conn net.Conn)
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// TCPServer accepts connections on one address and hands each of them to the
// handler on its own goroutine.
type TCPServer struct {
	addr   string
	h      ConnectionHandler
	logger *slog.Logger

	mu        sync.Mutex
	ln        net.Listener
	ready     chan struct{}
	readyOnce sync.Once
}

func NewTCPServer(addr string, h ConnectionHandler, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{addr: addr, h: h, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once the listener is bound, or once ListenAndServe gave up.
func (s *TCPServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before the server is listening.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds the configured address and serves it until the
// listener is closed or ctx is done.
func (s *TCPServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.markReady()
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until it is closed or ctx is done. Accept errors other
// than net.ErrClosed are logged and retried with a capped backoff.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.markReady()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	addr := ln.Addr().String()
	s.logger.Info("server: listening", "addr", addr)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			s.logger.Warn("server: accept failed", "addr", addr, "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				_ = ln.Close()
				return nil
			}
			continue
		}
		backoff = 0

		go s.h.Handle(ctx, conn)
	}
}

func (s *TCPServer) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Close stops accepting. Sessions already handed to the handler are not
// waited for.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}
