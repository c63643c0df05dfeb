// Package tunnel multiplexes TCP forwarding streams over an aggregated
// session. Each stream opens with a big-endian u16 selecting the remote
// port; the serving side owns a port-to-target table and refuses
// selectors it has no entry for.
package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/xtaci/smux"

	"agglink/internal/metrics"
	"agglink/internal/protocol"
)

func muxConfig() *smux.Config {
	cfg := smux.DefaultConfig()
	// Liveness is the session's job; smux keepalives would just burn
	// scheduler capacity.
	cfg.KeepAliveDisabled = true
	cfg.MaxReceiveBuffer = 4 * 1024 * 1024
	return cfg
}

// Server accepts forwarding streams over a session and proxies each to
// the target registered for its port selector.
type Server struct {
	mux     *smux.Session
	targets map[uint16]string
}

// NewServer starts serving streams arriving on sess. targets maps the
// u16 selector to a dial address.
func NewServer(sess net.Conn, targets map[uint16]string) (*Server, error) {
	mux, err := smux.Server(sess, muxConfig())
	if err != nil {
		return nil, fmt.Errorf("tunnel mux: %w", err)
	}
	return &Server{mux: mux, targets: targets}, nil
}

// Serve runs the stream accept loop until the session dies.
func (s *Server) Serve() error {
	for {
		stream, err := s.mux.AcceptStream()
		if err != nil {
			return fmt.Errorf("tunnel accept: %w", err)
		}
		go s.forward(stream)
	}
}

// Close tears down the mux and every live stream.
func (s *Server) Close() error { return s.mux.Close() }

func (s *Server) forward(stream *smux.Stream) {
	metrics.IncStreams()
	defer metrics.DecStreams()
	defer stream.Close()

	var sel [2]byte
	_ = stream.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(stream, sel[:]); err != nil {
		log.Printf("tunnel: stream %d: read selector: %v", stream.ID(), err)
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	port := binary.BigEndian.Uint16(sel[:])

	target, ok := s.targets[port]
	if !ok {
		log.Printf("tunnel: stream %d: no target for port %d", stream.ID(), port)
		return
	}

	conn, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		log.Printf("tunnel: stream %d: dial %s: %v", stream.ID(), target, err)
		metrics.IncErrors()
		return
	}
	defer conn.Close()

	if err := pipe(stream, conn, true); err != nil && !closedErr(err) {
		log.Printf("tunnel: stream %d: %v", stream.ID(), err)
	}
}

// Client opens forwarding streams over a session.
type Client struct {
	mux *smux.Session

	mu        sync.Mutex
	closed    bool
	listeners []net.Listener
}

// NewClient attaches a tunnel client to sess.
func NewClient(sess net.Conn) (*Client, error) {
	mux, err := smux.Client(sess, muxConfig())
	if err != nil {
		return nil, fmt.Errorf("tunnel mux: %w", err)
	}
	return &Client{mux: mux}, nil
}

// Open opens one stream to the remote target registered under port.
func (c *Client) Open(port uint16) (net.Conn, error) {
	stream, err := c.mux.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("tunnel open: %w", err)
	}
	var sel [2]byte
	binary.BigEndian.PutUint16(sel[:], port)
	if _, err := stream.Write(sel[:]); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("tunnel selector: %w", protocol.ErrStreamReset)
	}
	return stream, nil
}

// ListenPort serves one local listener, opening a remote stream for
// every accepted connection. It returns when the listener closes.
func (c *Client) ListenPort(ln net.Listener, port uint16) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	c.listeners = append(c.listeners, ln)
	c.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if c.mux.IsClosed() || closedErr(err) {
				return nil
			}
			return err
		}
		go func() {
			metrics.IncStreams()
			defer metrics.DecStreams()
			defer conn.Close()

			stream, err := c.Open(port)
			if err != nil {
				log.Printf("tunnel: port %d: %v", port, err)
				metrics.IncErrors()
				return
			}
			defer stream.Close()
			if err := pipe(stream, conn, false); err != nil && !closedErr(err) {
				log.Printf("tunnel: port %d: %v", port, err)
			}
		}()
	}
}

// Close shuts the mux and every local listener. Listeners registered
// after Close are closed on arrival.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for _, ln := range c.listeners {
		_ = ln.Close()
	}
	c.listeners = nil
	c.mu.Unlock()
	return c.mux.Close()
}

var pipeBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

type closeWriter interface {
	CloseWrite() error
}

// pipe relays both directions between a mux stream and a plain connection.
// A direction that ends cleanly half-closes its destination instead of
// tearing the whole pair down, so the opposite direction drains in full.
// closeStream is set on the serving side, where the target closing its
// connection delimits the exchange: smux orders the FIN behind buffered
// data, so the peer reads everything before seeing EOF. The dialing side
// leaves the stream open, since its response may still be in flight.
func pipe(stream, conn io.ReadWriteCloser, closeStream bool) error {
	errCh := make(chan error, 2)
	go func() {
		err := copyHalf(conn, stream)
		if err == nil {
			if cw, ok := conn.(closeWriter); ok {
				_ = cw.CloseWrite()
			} else {
				_ = conn.Close()
			}
		} else {
			_ = conn.Close()
			_ = stream.Close()
		}
		errCh <- err
	}()
	go func() {
		err := copyHalf(stream, conn)
		if err == nil {
			if closeStream {
				_ = stream.Close()
			}
		} else {
			_ = conn.Close()
			_ = stream.Close()
		}
		errCh <- err
	}()
	err := <-errCh
	err2 := <-errCh
	_ = stream.Close()
	_ = conn.Close()
	if err == nil {
		err = err2
	}
	return err
}

func copyHalf(dst io.Writer, src io.Reader) error {
	bufp := pipeBufPool.Get().(*[]byte)
	defer pipeBufPool.Put(bufp)
	_, err := io.CopyBuffer(dst, src, *bufp)
	return err
}

func closedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, protocol.ErrStreamReset)
}
