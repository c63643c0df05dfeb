package session

import (
	"log"
	"net"
	"sync"

	"agglink/internal/control"
	"agglink/internal/transport"
)

// Acceptor groups inbound link connections into sessions. A hello with
// a zero session token starts a fresh session, which is handed to the
// caller via Accept; a hello carrying a known token joins its link to
// the existing session.
type Acceptor struct {
	opts Options

	mu       sync.Mutex
	sessions map[uint64]*Session

	incoming chan *Session
	closed   chan struct{}
	once     sync.Once
}

// NewAcceptor creates an acceptor. opts applies to every session it
// establishes.
func NewAcceptor(opts Options) *Acceptor {
	return &Acceptor{
		opts:     opts.withDefaults(),
		sessions: make(map[uint64]*Session),
		incoming: make(chan *Session, 4),
		closed:   make(chan struct{}),
	}
}

// Serve runs the accept loop for one listener. It returns when the
// listener or the acceptor closes. Run it once per listening transport.
func (a *Acceptor) Serve(ln transport.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-a.closed:
			default:
				log.Printf("acceptor: %s accept: %v", ln.Kind(), err)
			}
			return
		}
		go a.handle(conn, ln.Kind())
	}
}

// Accept blocks until the next fresh session is established.
func (a *Acceptor) Accept() (*Session, error) {
	select {
	case sess := <-a.incoming:
		return sess, nil
	case <-a.closed:
		return nil, net.ErrClosed
	}
}

// Close stops the acceptor and closes every live session.
func (a *Acceptor) Close() error {
	a.once.Do(func() {
		close(a.closed)
		a.mu.Lock()
		sessions := make([]*Session, 0, len(a.sessions))
		for _, s := range a.sessions {
			sessions = append(sessions, s)
		}
		a.mu.Unlock()
		for _, s := range sessions {
			_ = s.Close()
		}
	})
	return nil
}

// Sessions returns the currently established sessions.
func (a *Acceptor) Sessions() []*Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	return out
}

func (a *Acceptor) handle(conn net.Conn, kind string) {
	env, err := control.ServerHello(conn, a.opts.HandshakeTimeout)
	if err != nil {
		log.Printf("acceptor: %s hello: %v", kind, err)
		_ = conn.Close()
		return
	}

	if env.Session == 0 {
		a.fresh(conn, kind)
		return
	}
	a.join(conn, kind, env.Session)
}

func (a *Acceptor) fresh(conn net.Conn, kind string) {
	id := control.NewSessionID()
	sess := New(id, a.opts)
	linkID := sess.Registry().NextID()

	if err := control.ServerWelcome(conn, id, linkID, a.opts.HandshakeTimeout); err != nil {
		log.Printf("acceptor: welcome: %v", err)
		_ = conn.Close()
		_ = sess.Close()
		return
	}
	if _, err := sess.AdmitLink(linkID, kind, conn, 0); err != nil {
		log.Printf("acceptor: admit: %v", err)
		_ = conn.Close()
		_ = sess.Close()
		return
	}

	a.mu.Lock()
	a.sessions[id] = sess
	a.mu.Unlock()
	go a.reap(sess)

	select {
	case a.incoming <- sess:
	case <-a.closed:
		_ = sess.Close()
	}
}

func (a *Acceptor) join(conn net.Conn, kind string, id uint64) {
	a.mu.Lock()
	sess, ok := a.sessions[id]
	a.mu.Unlock()
	if !ok {
		_ = control.ServerReject(conn, id, control.ReasonMismatch)
		_ = conn.Close()
		return
	}

	if a.opts.MaxLinks > 0 && sess.Registry().Len() >= a.opts.MaxLinks {
		_ = control.ServerReject(conn, id, control.ReasonLinkLimit)
		_ = conn.Close()
		return
	}

	linkID := sess.Registry().NextID()
	if err := control.ServerWelcome(conn, id, linkID, a.opts.HandshakeTimeout); err != nil {
		log.Printf("acceptor: welcome: %v", err)
		_ = conn.Close()
		return
	}
	if _, err := sess.AdmitLink(linkID, kind, conn, 0); err != nil {
		log.Printf("acceptor: admit link %d: %v", linkID, err)
		_ = conn.Close()
	}
}

// reap drops a session from the table once it ends.
func (a *Acceptor) reap(sess *Session) {
	<-sess.Done()
	a.mu.Lock()
	delete(a.sessions, sess.ID())
	a.mu.Unlock()
}
