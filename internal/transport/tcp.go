package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// TCPDialer dials plain TCP links.
type TCPDialer struct {
	Target string
}

func (d *TCPDialer) Kind() string { return KindTCP }
func (d *TCPDialer) Addr() string { return d.Target }

func (d *TCPDialer) Dial(ctx context.Context) (net.Conn, error) {
	conn, err := dialContext(ctx, d.Target)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", d.Target, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// TCPListener accepts plain TCP links.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds a plain TCP listener.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

func (l *TCPListener) Kind() string   { return KindTCP }
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }
func (l *TCPListener) Close() error   { return l.ln.Close() }

func (l *TCPListener) Accept() (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// TLSDialer dials TCP links wrapped in TLS.
type TLSDialer struct {
	Target string
	Config *tls.Config
}

func (d *TLSDialer) Kind() string { return KindTLS }
func (d *TLSDialer) Addr() string { return d.Target }

func (d *TLSDialer) Dial(ctx context.Context) (net.Conn, error) {
	raw, err := dialContext(ctx, d.Target)
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", d.Target, err)
	}
	cfg := d.Config
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		host, _, err := net.SplitHostPort(d.Target)
		if err != nil {
			host = d.Target
		}
		cfg.ServerName = host
	}
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake %s: %w", d.Target, err)
	}
	return conn, nil
}

// TLSListener accepts TLS-wrapped TCP links.
type TLSListener struct {
	ln net.Listener
}

// ListenTLS binds a TLS listener with the given certificate config.
func ListenTLS(addr string, cfg *tls.Config) (*TLSListener, error) {
	if cfg == nil || len(cfg.Certificates) == 0 && cfg.GetCertificate == nil {
		return nil, fmt.Errorf("tls listen %s: no certificate configured", addr)
	}
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("tls listen %s: %w", addr, err)
	}
	return &TLSListener{ln: ln}, nil
}

func (l *TLSListener) Kind() string   { return KindTLS }
func (l *TLSListener) Addr() net.Addr { return l.ln.Addr() }
func (l *TLSListener) Close() error   { return l.ln.Close() }

func (l *TLSListener) Accept() (net.Conn, error) {
	return l.ln.Accept()
}
