package proxy

import (
	"context"
	"net"
)

// Dialer opens the upstream connection for a classified session. The session
// passes its own context, which carries the configured dial timeout and is
// cancelled when the session is evicted or the process stops, so an
// implementation only has to honour ctx.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NetDialer dials upstream services directly over the host network.
type NetDialer struct {
	d net.Dialer
}

func NewNetDialer() *NetDialer {
	return &NetDialer{}
}

func (d *NetDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.d.DialContext(ctx, network, address)
}
