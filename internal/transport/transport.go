// Package transport provides the dialers and listeners that carry
// aggregated links. Every transport yields a plain ordered net.Conn;
// link framing and the control handshake ride directly on top of it.
package transport

import (
	"context"
	"net"
	"time"
)

// Transport kind names, reported in link stats and used in config.
const (
	KindTCP    = "tcp"
	KindTLS    = "tls"
	KindWS     = "ws"
	KindKCP    = "kcp"
	KindQUIC   = "quic"
	KindCustom = "custom"
)

// Dialer establishes a single outbound link connection.
type Dialer interface {
	// Kind returns the transport kind name.
	Kind() string
	// Addr returns the remote address this dialer targets.
	Addr() string
	// Dial opens one connection. Each call yields an independent
	// link; the connector redials on link death.
	Dial(ctx context.Context) (net.Conn, error)
}

// Listener accepts inbound link connections.
type Listener interface {
	// Kind returns the transport kind name.
	Kind() string
	// Accept waits for the next connection.
	Accept() (net.Conn, error)
	// Addr returns the bound address.
	Addr() net.Addr
	// Close stops accepting. Pending Accepts fail.
	Close() error
}

// Custom adapts an externally supplied dial function, so connections
// from sources without a built-in transport (serial bridges, in-process
// pipes) can join a session like any other link.
type Custom struct {
	// Name overrides the reported kind; empty means "custom".
	Name string
	// Target is the address reported in link stats.
	Target string
	// DialFn opens one connection per call.
	DialFn func(ctx context.Context) (net.Conn, error)
}

func (d *Custom) Kind() string {
	if d.Name == "" {
		return KindCustom
	}
	return d.Name
}

func (d *Custom) Addr() string { return d.Target }

func (d *Custom) Dial(ctx context.Context) (net.Conn, error) { return d.DialFn(ctx) }

// dialContext is the shared TCP dial helper. Keepalive stays on so a
// silently dropped path surfaces as a write error instead of hanging
// until the peer keepalive gives up.
func dialContext(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: 15 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}
