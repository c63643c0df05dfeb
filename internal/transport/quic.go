package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const quicALPN = "agglink"

func quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: 10 * time.Second,
		MaxIdleTimeout:       60 * time.Second,
		KeepAlivePeriod:      15 * time.Second,
		MaxIncomingStreams:   16,
	}
}

func quicALPNConfig(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	for _, p := range cfg.NextProtos {
		if p == quicALPN {
			return cfg
		}
	}
	cfg.NextProtos = append(cfg.NextProtos, quicALPN)
	return cfg
}

// QUICDialer dials QUIC links. Each Dial opens a dedicated QUIC
// connection carrying a single bidirectional stream, so the link
// keeps independent congestion state on the path.
type QUICDialer struct {
	Target    string
	TLSConfig *tls.Config
}

func (d *QUICDialer) Kind() string { return KindQUIC }
func (d *QUICDialer) Addr() string { return d.Target }

func (d *QUICDialer) Dial(ctx context.Context) (net.Conn, error) {
	if d.TLSConfig == nil {
		return nil, fmt.Errorf("quic dial %s: tls config required", d.Target)
	}
	tlsConf := quicALPNConfig(d.TLSConfig)
	if tlsConf.ServerName == "" {
		host, _, err := net.SplitHostPort(d.Target)
		if err != nil {
			host = d.Target
		}
		tlsConf.ServerName = host
	}
	conn, err := quic.DialAddr(ctx, d.Target, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", d.Target, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	// The stream does not carry data until the first write; poke the
	// peer so its AcceptStream returns.
	if _, err := stream.Write([]byte{0}); err != nil {
		_ = conn.CloseWithError(0, "open")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &quicStreamConn{conn: conn, stream: stream}, nil
}

// QUICListener accepts QUIC links.
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC binds a QUIC listener.
func ListenQUIC(addr string, tlsCfg *tls.Config) (*QUICListener, error) {
	if tlsCfg == nil {
		return nil, fmt.Errorf("quic listen %s: tls config required", addr)
	}
	ln, err := quic.ListenAddr(addr, quicALPNConfig(tlsCfg), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &QUICListener{ln: ln}, nil
}

func (l *QUICListener) Kind() string   { return KindQUIC }
func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }
func (l *QUICListener) Close() error   { return l.ln.Close() }

func (l *QUICListener) Accept() (net.Conn, error) {
	conn, err := l.ln.Accept(context.Background())
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(context.Background())
	if err != nil {
		_ = conn.CloseWithError(0, "accept")
		return nil, err
	}
	var poke [1]byte
	if _, err := stream.Read(poke[:]); err != nil {
		_ = conn.CloseWithError(0, "accept")
		return nil, err
	}
	return &quicStreamConn{conn: conn, stream: stream}, nil
}

// quicStreamConn presents a QUIC stream as a net.Conn and closes the
// owning connection with the stream.
type quicStreamConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (c *quicStreamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicStreamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicStreamConn) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

func (c *quicStreamConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *quicStreamConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *quicStreamConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicStreamConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicStreamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
