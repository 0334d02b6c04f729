package proxy

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"gatehouse/internal/config"
	"gatehouse/internal/router"
)

type SessionHandlerOptions struct {
	Resolver router.Resolver
	Dialer   Dialer
	Sessions *SessionRegistry
	Logger   *slog.Logger

	// BufferPool supplies the per-direction relay buffers. If nil, a pool of
	// BufferSize (default DefaultBufferSize) buffers is created per handler.
	BufferPool BufferPool
	BufferSize int

	// ListenPort is the port consulted by the port table when the accepted
	// connection does not report a TCP local address.
	ListenPort int

	InjectProxyProtoV2  bool
	UpstreamDialTimeout time.Duration
	Timeouts            config.Timeouts
}

// SessionHandler turns each accepted connection into a registered Session.
type SessionHandler struct {
	opts SessionHandlerOptions
}

func NewSessionHandler(opts SessionHandlerOptions) *SessionHandler {
	if opts.BufferPool == nil {
		size := opts.BufferSize
		if size <= 0 {
			size = DefaultBufferSize
		}
		opts.BufferPool = NewSyncPoolBufferPool(size)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SessionHandler{opts: opts}
}

func (h *SessionHandler) Handle(ctx context.Context, conn net.Conn) {
	if conn == nil {
		return
	}
	if h.opts.Resolver == nil || h.opts.Dialer == nil {
		_ = conn.Close()
		return
	}

	s := newSession(ctx, conn, h.opts)
	if h.opts.Sessions != nil {
		h.opts.Sessions.Add(s)
	}
	h.opts.Logger.Info("proxy: accepted", "sid", s.ID(), "client", s.clientAddr, "listen_port", s.listenPort)
	s.Run()
}

var _ interface {
	Handle(context.Context, net.Conn)
} = (*SessionHandler)(nil)

// BufferPool supplies the relay buffers. A session takes one buffer for the
// classification read, which the client->upstream direction keeps using, and a
// second one for upstream->client once it starts relaying.
type BufferPool interface {
	Get() []byte
	Put([]byte)
}

// SyncPoolBufferPool recycles buffers of one fixed size across sessions. The
// size bounds both the classification read and each relay chunk.
type SyncPoolBufferPool struct {
	size int
	p    sync.Pool
}

func NewSyncPoolBufferPool(size int) *SyncPoolBufferPool {
	bp := &SyncPoolBufferPool{size: size}
	bp.p.New = func() any { return make([]byte, size) }
	return bp
}

func (p *SyncPoolBufferPool) Get() []byte {
	return p.p.Get().([]byte)[:p.size]
}

// Put drops buffers smaller than the pool size so every Get returns a full
// buffer.
func (p *SyncPoolBufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	p.p.Put(b[:p.size])
}
