package transport

import (
	"context"
	"net"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// CompressDialer layers lz4 over every connection of the wrapped dialer.
type CompressDialer struct {
	Dialer
}

func (d *CompressDialer) Dial(ctx context.Context) (net.Conn, error) {
	conn, err := d.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return Compress(conn), nil
}

// CompressListener layers lz4 over every accepted connection.
type CompressListener struct {
	Listener
}

func (l *CompressListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return Compress(conn), nil
}

// compressConn wraps a link connection with streaming lz4. Each Write
// flushes a block so frames never sit in the compressor buffer.
type compressConn struct {
	net.Conn
	r  *lz4.Reader
	w  *lz4.Writer
	mu sync.Mutex
}

// Compress layers lz4 over conn. Both sides of a link must agree on
// compression; the choice is advertised per-transport in config.
func Compress(conn net.Conn) net.Conn {
	return &compressConn{
		Conn: conn,
		r:    lz4.NewReader(conn),
		w:    lz4.NewWriter(conn),
	}
}

func (c *compressConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *compressConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := c.w.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

func (c *compressConn) Close() error {
	c.mu.Lock()
	_ = c.w.Close()
	c.mu.Unlock()
	return c.Conn.Close()
}
