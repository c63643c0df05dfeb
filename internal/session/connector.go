package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"agglink/internal/control"
	"agglink/internal/link"
	"agglink/internal/protocol"
	"agglink/internal/reconnect"
	"agglink/internal/transport"
)

// Connect establishes an outgoing session over the given dial targets.
// The first target that handshakes successfully fixes the session ID;
// every other target is brought up as an additional link. A maintainer
// goroutine per target redials with backoff whenever its link dies, for
// as long as the context and the session live.
func Connect(ctx context.Context, dialers []transport.Dialer, opts Options) (*Session, error) {
	if len(dialers) == 0 {
		return nil, errors.New("connect: no dial targets")
	}
	opts = opts.withDefaults()

	var (
		sess    *Session
		first   int
		lastErr error
	)
	for i, d := range dialers {
		conn, err := dialOne(ctx, d, opts.HandshakeTimeout)
		if err != nil {
			lastErr = err
			log.Printf("connector: %s %s: %v", d.Kind(), d.Addr(), err)
			continue
		}
		id, linkID, err := control.ClientHandshake(conn, 0, opts.HandshakeTimeout)
		if err != nil {
			_ = conn.Close()
			lastErr = err
			log.Printf("connector: handshake %s %s: %v", d.Kind(), d.Addr(), err)
			if protocol.Fatal(err) {
				return nil, err
			}
			continue
		}
		sess = New(id, opts)
		l, err := sess.AdmitLink(linkID, d.Kind(), conn, 0)
		if err != nil {
			_ = conn.Close()
			_ = sess.Close()
			return nil, err
		}
		first = i
		go maintain(ctx, sess, d, l)
		break
	}
	if sess == nil {
		return nil, fmt.Errorf("connect: all targets failed: %w", lastErr)
	}

	for i, d := range dialers {
		if i == first {
			continue
		}
		go maintain(ctx, sess, d, nil)
	}
	return sess, nil
}

func dialOne(ctx context.Context, d transport.Dialer, timeout time.Duration) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.Dial(dctx)
}

// maintain keeps one link alive for its dial target. cur may carry an
// already established link; redial starts once it dies.
func maintain(ctx context.Context, sess *Session, d transport.Dialer, cur *link.Link) {
	strat := reconnect.NewStrategy()
	strat.Breaker = reconnect.NewBreaker(5, 30*time.Second)

	for {
		if cur != nil {
			select {
			case <-cur.Done():
				log.Printf("connector: link %d (%s %s) down, redialing", cur.ID(), d.Kind(), d.Addr())
				cur = nil
			case <-sess.Done():
				return
			case <-ctx.Done():
				return
			}
		}

		if !strat.ShouldRetry() {
			log.Printf("connector: giving up on %s %s", d.Kind(), d.Addr())
			return
		}
		if err := strat.Wait(ctx); err != nil {
			return
		}
		select {
		case <-sess.Done():
			return
		default:
		}

		l, err := redial(ctx, sess, d)
		if err != nil {
			strat.Breaker.RecordFailure()
			log.Printf("connector: redial %s %s: %v", d.Kind(), d.Addr(), err)
			if protocol.Fatal(err) {
				return
			}
			continue
		}
		strat.Reset()
		cur = l
	}
}

func redial(ctx context.Context, sess *Session, d transport.Dialer) (*link.Link, error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := d.Dial(dctx)
	cancel()
	if err != nil {
		return nil, err
	}
	_, linkID, err := control.ClientHandshake(conn, sess.ID(), 10*time.Second)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	l, err := sess.AdmitLink(linkID, d.Kind(), conn, 0)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return l, nil
}
