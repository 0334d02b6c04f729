package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gatehouse/internal/config"
	"gatehouse/internal/router"
)

// DefaultBufferSize is used when neither a BufferPool nor BufferSize is set.
const DefaultBufferSize = config.MinBufferSize

// State is the lifecycle position of a Session. It only moves forward.
type State int32

const (
	StateCreated State = iota
	StateClassifying
	StateConnecting
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateClassifying:
		return "classifying"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	errNoData   = errors.New("proxy: client closed before sending data")
	errEvicted  = errors.New("proxy: session evicted")
	errShutdown = errors.New("proxy: shutting down")
)

type direction string

const (
	clientToUpstream direction = "client->upstream"
	upstreamToClient direction = "upstream->client"
)

// Session proxies one accepted client connection to the upstream chosen for it.
//
// Both relay directions own one buffer each; a direction never issues its
// next read before the write of the previous chunk has returned. The first
// error or EOF on either direction tears the whole session down.
type Session struct {
	id         string
	client     net.Conn
	clientAddr string
	listenPort int
	startedAt  time.Time

	resolver router.Resolver
	dialer   Dialer
	registry *SessionRegistry
	pool     BufferPool
	logger   *slog.Logger
	timeouts config.Timeouts
	dialTO   time.Duration
	proxyV2  bool

	// ctx is cancelled by teardown so an in-flight dial is abandoned.
	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu       sync.Mutex
	upstream net.Conn
	route    router.Route
	routed   bool
	closing  bool

	closeOnce sync.Once
	cause     error

	// bufA carries client->upstream (including the classification read),
	// bufB upstream->client. Each is touched by one goroutine at a time.
	bufA []byte
	bufB []byte

	toUpstream atomic.Int64
	toClient   atomic.Int64
}

func newSession(ctx context.Context, conn net.Conn, opts SessionHandlerOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool := opts.BufferPool
	if pool == nil {
		size := opts.BufferSize
		if size <= 0 {
			size = DefaultBufferSize
		}
		pool = NewSyncPoolBufferPool(size)
	}

	s := &Session{
		id:         uuid.NewString(),
		client:     conn,
		listenPort: opts.ListenPort,
		startedAt:  time.Now(),
		resolver:   opts.Resolver,
		dialer:     opts.Dialer,
		registry:   opts.Sessions,
		pool:       pool,
		logger:     logger,
		timeouts:   opts.Timeouts,
		dialTO:     opts.UpstreamDialTimeout,
		proxyV2:    opts.InjectProxyProtoV2,
	}
	if ra := conn.RemoteAddr(); ra != nil {
		s.clientAddr = ra.String()
	}
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		s.listenPort = la.Port
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Route returns the classification result; ok is false until the session has
// been classified.
func (s *Session) Route() (router.Route, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route, s.routed
}

type SessionInfo struct {
	ID        string    `json:"id"`
	Client    string    `json:"client"`
	Service   string    `json:"service,omitempty"`
	Upstream  string    `json:"upstream,omitempty"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:        s.id,
		Client:    s.clientAddr,
		State:     s.State().String(),
		StartedAt: s.startedAt,
	}
	if r, ok := s.Route(); ok {
		info.Service = r.Service
		info.Upstream = r.Endpoint.Addr()
	}
	return info
}

// Close tears the session down. It is safe to call any number of times from
// any goroutine.
func (s *Session) Close() {
	s.teardown(errEvicted)
}

// Run drives the session through classify, connect and relay and returns once
// both connections are closed and the session has left the registry.
func (s *Session) Run() {
	stop := context.AfterFunc(s.ctx, func() { s.teardown(errShutdown) })
	defer stop()
	defer s.finish()

	s.bufA = s.pool.Get()

	payload, ok := s.classify()
	if !ok {
		return
	}
	up, ok := s.connect(payload)
	if !ok {
		return
	}
	s.relay(up)
}

func (s *Session) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// classify performs the single read whose bytes pick the upstream.
func (s *Session) classify() ([]byte, bool) {
	if !s.advance(StateCreated, StateClassifying) {
		return nil, false
	}
	if s.timeouts.HandshakeTimeout > 0 {
		_ = s.client.SetReadDeadline(time.Now().Add(s.timeouts.HandshakeTimeout))
	}

	var (
		n   int
		err error
	)
	for n == 0 && err == nil {
		n, err = s.client.Read(s.bufA)
	}
	if n == 0 {
		if s.logger.Enabled(s.ctx, slog.LevelDebug) {
			s.logger.Debug("proxy: classification read failed", "sid", s.id, "client", s.clientAddr, "err", err)
		}
		if errors.Is(err, io.EOF) {
			err = errNoData
		}
		s.teardown(err)
		return nil, false
	}
	if s.timeouts.HandshakeTimeout > 0 {
		_ = s.client.SetReadDeadline(time.Time{})
	}

	return s.bufA[:n], true
}

func (s *Session) connect(payload []byte) (net.Conn, bool) {
	if !s.advance(StateClassifying, StateConnecting) {
		return nil, false
	}

	route := s.resolver.Classify(payload, s.listenPort)
	s.mu.Lock()
	s.route = route
	s.routed = true
	s.mu.Unlock()
	s.logger.Info("proxy: routed",
		"sid", s.id,
		"client", s.clientAddr,
		"listen_port", s.listenPort,
		"service", route.Service,
		"upstream", route.Endpoint.Addr(),
		"rule", string(route.Reason),
	)

	dialCtx := s.ctx
	if s.dialTO > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(s.ctx, s.dialTO)
		defer cancel()
	}
	up, err := s.dialer.DialContext(dialCtx, "tcp", route.Endpoint.Addr())
	if err != nil {
		if s.State() < StateClosing {
			s.logger.Warn("proxy: upstream dial failed", "sid", s.id, "client", s.clientAddr, "service", route.Service, "upstream", route.Endpoint.Addr(), "err", err)
		}
		s.teardown(fmt.Errorf("dial %s: %w", route.Endpoint.Addr(), err))
		return nil, false
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = up.Close()
		return nil, false
	}
	s.upstream = up
	s.mu.Unlock()

	if s.proxyV2 {
		if err := s.writeProxyHeader(up); err != nil {
			s.teardown(fmt.Errorf("write proxy header: %w", err))
			return nil, false
		}
	}
	if _, err := up.Write(payload); err != nil {
		s.teardown(fmt.Errorf("%s write: %w", clientToUpstream, err))
		return nil, false
	}
	s.toUpstream.Add(int64(len(payload)))

	if !s.advance(StateConnecting, StateRelaying) {
		return nil, false
	}
	return up, true
}

func (s *Session) writeProxyHeader(up net.Conn) error {
	_, err := up.Write(BuildProxyV2Header(s.client.RemoteAddr(), s.client.LocalAddr()))
	return err
}

func (s *Session) relay(up net.Conn) {
	s.bufB = s.pool.Get()
	s.touch()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pump(clientToUpstream, up, s.client, s.bufA, &s.toUpstream)
	}()
	go func() {
		defer wg.Done()
		s.pump(upstreamToClient, s.client, up, s.bufB, &s.toClient)
	}()
	wg.Wait()
}

// pump copies src to dst one buffer at a time until either side fails.
func (s *Session) pump(dir direction, dst, src net.Conn, buf []byte, counter *atomic.Int64) {
	for s.State() == StateRelaying {
		n, rerr := src.Read(buf)
		if n > 0 {
			if s.State() != StateRelaying {
				return
			}
			s.touch()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				s.teardown(fmt.Errorf("%s write: %w", dir, werr))
				return
			}
			counter.Add(int64(n))
		}
		if rerr != nil {
			s.teardown(fmt.Errorf("%s read: %w", dir, rerr))
			return
		}
	}
}

// touch pushes the idle deadline of both connections forward.
func (s *Session) touch() {
	if s.timeouts.IdleTimeout <= 0 {
		return
	}
	deadline := time.Now().Add(s.timeouts.IdleTimeout)
	_ = s.client.SetReadDeadline(deadline)
	s.mu.Lock()
	up := s.upstream
	s.mu.Unlock()
	if up != nil {
		_ = up.SetReadDeadline(deadline)
	}
}

func (s *Session) teardown(cause error) {
	s.closeOnce.Do(func() {
		for {
			cur := s.state.Load()
			if State(cur) >= StateClosing || s.state.CompareAndSwap(cur, int32(StateClosing)) {
				break
			}
		}
		s.cause = cause
		s.cancel()

		s.mu.Lock()
		s.closing = true
		up := s.upstream
		s.mu.Unlock()

		_ = s.client.Close()
		if up != nil {
			_ = up.Close()
		}
		if s.registry != nil {
			s.registry.Remove(s.id)
		}
	})
}

// finish runs after every goroutine of the session has returned.
func (s *Session) finish() {
	s.teardown(nil)
	for _, b := range [][]byte{s.bufA, s.bufB} {
		if b != nil {
			s.pool.Put(b)
		}
	}
	s.bufA, s.bufB = nil, nil
	s.state.Store(int32(StateClosed))

	route, routed := s.Route()
	s.mu.Lock()
	connected := s.upstream != nil
	s.mu.Unlock()
	if !routed || !connected {
		// Classification and dial failures were already logged.
		return
	}
	attrs := []any{
		"sid", s.id,
		"client", s.clientAddr,
		"service", route.Service,
		"upstream", route.Endpoint.Addr(),
		"duration_ms", time.Since(s.startedAt).Milliseconds(),
		"bytes_to_upstream", s.toUpstream.Load(),
		"bytes_to_client", s.toClient.Load(),
	}
	if isQuietClose(s.cause) {
		if s.logger.Enabled(context.Background(), slog.LevelDebug) {
			s.logger.Debug("proxy: session ended", append(attrs, "reason", causeString(s.cause))...)
		}
		return
	}
	s.logger.Warn("proxy: session ended with error", append(attrs, "err", s.cause)...)
}

// isQuietClose reports whether cause is an ordinary end of a session rather
// than something worth a warning.
func isQuietClose(cause error) bool {
	return cause == nil ||
		errors.Is(cause, io.EOF) ||
		errors.Is(cause, net.ErrClosed) ||
		errors.Is(cause, io.ErrClosedPipe) ||
		errors.Is(cause, errEvicted) ||
		errors.Is(cause, errShutdown)
}

func causeString(cause error) string {
	if cause == nil {
		return "done"
	}
	return cause.Error()
}
