package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// DefaultWSPath is the HTTP path links are exchanged on.
const DefaultWSPath = "/agglink"

// WSDialer dials websocket links. Each Dial performs a fresh HTTP
// upgrade; the resulting connection carries binary messages and is
// exposed as a net.Conn.
type WSDialer struct {
	// URL is the full endpoint, e.g. ws://host:8080/agglink or
	// wss://host:8443/agglink.
	URL string
	// TLSConfig applies to wss endpoints.
	TLSConfig *tls.Config
}

func (d *WSDialer) Kind() string { return KindWS }
func (d *WSDialer) Addr() string { return d.URL }

func (d *WSDialer) Dial(ctx context.Context) (net.Conn, error) {
	opts := &websocket.DialOptions{}
	if d.TLSConfig != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: d.TLSConfig},
		}
	}
	c, _, err := websocket.Dial(ctx, d.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", d.URL, err)
	}
	c.SetReadLimit(-1)
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

// WSListener runs an HTTP server that upgrades requests on a fixed
// path and queues the resulting connections for Accept.
type WSListener struct {
	ln     net.Listener
	srv    *http.Server
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

// ListenWS binds a websocket listener on addr serving the given path.
// A non-nil tlsCfg serves wss.
func ListenWS(addr, path string, tlsCfg *tls.Config) (*WSListener, error) {
	if path == "" {
		path = DefaultWSPath
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ws listen %s: %w", addr, err)
	}
	l := &WSListener{
		ln:     ln,
		conns:  make(chan net.Conn, 16),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.upgrade)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = l.srv.ServeTLS(ln, "", "")
		} else {
			err = l.srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Close()
		}
	}()
	return l, nil
}

func (l *WSListener) upgrade(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Peers connect by address, not browser origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	c.SetReadLimit(-1)
	conn := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	select {
	case l.conns <- conn:
	case <-l.closed:
		_ = conn.Close()
	}
}

func (l *WSListener) Kind() string   { return KindWS }
func (l *WSListener) Addr() net.Addr { return l.ln.Addr() }

func (l *WSListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *WSListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.srv.Shutdown(ctx)
	})
	return nil
}
