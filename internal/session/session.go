// Package session implements one logical aggregated connection: the link
// registry, the aggregation scheduler, the sequencer/reassembler and the
// control channel tasks that keep them accurate.
//
// A Session presents a single ordered byte stream (net.Conn) whose segments
// are striped across any number of heterogeneous links. Links come and go at
// runtime; a single link's death never fails the session while another link
// remains or rejoins within the grace period.
package session

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"agglink/internal/control"
	"agglink/internal/dump"
	"agglink/internal/link"
	"agglink/internal/metrics"
	"agglink/internal/protocol"
)

// controlQueueDepth bounds the per-link outbound control queue. Pings and
// acks are periodic, so dropping under pressure only delays the next one.
const controlQueueDepth = 16

// byeTimeout bounds the farewell write during Close so teardown cannot
// wedge on a saturated transport.
const byeTimeout = time.Second

// State is the session lifecycle state.
type State int32

const (
	Handshaking State = iota
	Established
	Draining // no links remain; rejoin grace period running
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options are the tunable policy parameters of a session. Zero values take
// the defaults below.
type Options struct {
	MaxLinks          int           // link admission cap; 0 = unlimited
	SegmentSize       int           // base data payload size per segment
	WindowSegments    int           // reassembly window bound (segments)
	SendBufferBytes   int           // unacked retain limit; writes block above
	AckThresholdBytes int           // eager ack after this many received bytes
	KeepaliveInterval time.Duration // ping cadence per link
	HandshakeTimeout  time.Duration
	GracePeriod       time.Duration // empty-registry rejoin window
	EWMAAlpha         float64       // latency/throughput smoothing factor
	MinWeight         float64       // scheduling weight floor (bytes/sec)
	Events            *dump.Feed    // optional diagnostic event feed
}

func (o Options) withDefaults() Options {
	if o.SegmentSize <= 0 {
		o.SegmentSize = 16 * 1024
	}
	if o.WindowSegments <= 0 {
		o.WindowSegments = 1024
	}
	if o.SendBufferBytes <= 0 {
		o.SendBufferBytes = 4 * 1024 * 1024
	}
	if o.AckThresholdBytes <= 0 {
		o.AckThresholdBytes = 512 * 1024
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 500 * time.Millisecond
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 30 * time.Second
	}
	if o.EWMAAlpha <= 0 {
		o.EWMAAlpha = 0.2
	}
	if o.MinWeight <= 0 {
		o.MinWeight = 8 * 1024
	}
	return o
}

// Session is one logical aggregated connection.
type Session struct {
	id   uint64
	opts Options

	reg   *link.Registry
	sched *scheduler
	reasm *reassembler

	state atomic.Int32

	graceMu    sync.Mutex
	graceTimer *time.Timer

	ctrlMu sync.Mutex
	ctrl   map[uint32]chan *control.Envelope

	failErr atomic.Value // error
	done    chan struct{}
	once    sync.Once

	wg sync.WaitGroup
}

// New creates a session with the given token. The session starts without
// links; admit them with AdmitLink.
func New(id uint64, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		id:   id,
		opts: opts,
		done: make(chan struct{}),
		ctrl: make(map[uint32]chan *control.Envelope),
	}
	s.reg = link.NewRegistry(opts.MaxLinks, s.onLinkDead)
	s.sched = newScheduler(s.reg, id, opts.SegmentSize, opts.SendBufferBytes, opts.MinWeight, opts.Events)
	s.reasm = newReassembler(opts.WindowSegments)
	s.state.Store(int32(Handshaking))
	metrics.IncSessions()
	return s
}

// ID returns the session token.
func (s *Session) ID() uint64 { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Registry exposes read access to the link set for monitors.
func (s *Session) Registry() *link.Registry { return s.reg }

// Stats returns per-link snapshots.
func (s *Session) Stats() []link.Stats { return s.reg.Stats() }

// Retransmits returns the number of segments requeued after link deaths.
func (s *Session) Retransmits() uint64 {
	s.sched.mu.Lock()
	defer s.sched.mu.Unlock()
	return s.sched.retransmits
}

// Duplicates returns the number of duplicate segments dropped on receive.
func (s *Session) Duplicates() uint64 {
	s.reasm.mu.Lock()
	defer s.reasm.mu.Unlock()
	return s.reasm.duplicates
}

// AdmitLink wraps conn, which already completed the control handshake for
// this session, as a member link and starts its read and keepalive tasks.
func (s *Session) AdmitLink(id uint32, kind string, conn net.Conn, maxPayload int) (*link.Link, error) {
	l := link.New(id, kind, s.id, conn, s.opts.EWMAAlpha, maxPayload)
	if err := s.reg.Add(l); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.cancelGrace()
	if s.State() == Handshaking || s.State() == Draining {
		s.state.Store(int32(Established))
	}
	metrics.IncLinks()
	s.event(dump.LinkAdded, l.ID(), 0, kind)

	ch := make(chan *control.Envelope, controlQueueDepth)
	s.ctrlMu.Lock()
	s.ctrl[id] = ch
	s.ctrlMu.Unlock()

	s.wg.Add(3)
	go s.readLoop(l)
	go s.keepaliveLoop(l)
	go s.controlLoop(l, ch)

	// Wake writers blocked on an empty link set.
	s.sched.kick()
	return l, nil
}

// readLoop is the per-link read task: it feeds data frames to the
// reassembler and control frames to the control handler until the link dies.
func (s *Session) readLoop(l *link.Link) {
	defer s.wg.Done()
	for {
		f, err := l.ReadFrame()
		if err != nil {
			s.reg.MarkDead(l.ID())
			return
		}
		if f.Session != s.id {
			log.Printf("session %016x: link %d: frame for foreign session %016x dropped",
				s.id, l.ID(), f.Session)
			continue
		}
		switch f.Kind {
		case protocol.KindData:
			metrics.AddSegmentsReceived(1)
			metrics.AddTrafficInbound(int64(len(f.Payload)))
			s.event(dump.SegmentReceived, l.ID(), f.Seq, "")
			gap, err := s.reasm.push(f.Seq, f.Payload)
			if err != nil {
				s.fail(err)
				return
			}
			if gap {
				s.event(dump.SequenceGap, l.ID(), f.Seq, "")
			}
			metrics.SetReassemblyDepth(int64(s.reasm.depth()))
			if s.reasm.takeAckDue(uint64(s.opts.AckThresholdBytes)) {
				s.sendAck(l)
			}
		case protocol.KindControl:
			env, err := control.DecodeEnvelope(f.Payload)
			if err != nil {
				log.Printf("session %016x: link %d: %v", s.id, l.ID(), err)
				continue
			}
			s.handleControl(l, env)
		}
	}
}

// handleControl processes one control envelope arriving on l.
func (s *Session) handleControl(l *link.Link, env *control.Envelope) {
	if env.Ack > 0 {
		s.sched.handleAck(env.Ack)
	}
	switch env.Type {
	case control.TypePing:
		// Replied through the link's control task; a blocking write here
		// would wedge the read loop against a peer doing the same.
		s.queueControl(l, &control.Envelope{
			Type:      control.TypePong,
			Session:   s.id,
			Link:      l.ID(),
			Timestamp: env.Timestamp,
			Ack:       s.reasm.ackMark(),
		})
	case control.TypePong:
		if env.Timestamp > 0 {
			rtt := time.Duration(time.Now().UnixNano() - env.Timestamp)
			if rtt > 0 {
				l.ObserveRTT(rtt)
				metrics.SetLinkRTT(rtt)
			}
		}
	case control.TypeAck:
		// Ack field handled above.
	case control.TypeBye:
		// Cooperative removal: the peer is done with this link.
		s.event(dump.LinkRemoved, l.ID(), 0, "bye")
		s.reg.MarkDead(l.ID())
	}
}

// keepaliveLoop is the per-link control task: it pings at a fixed interval,
// counts misses and samples the link throughput average on every tick.
func (s *Session) keepaliveLoop(l *link.Link) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if l.State() == link.Dead {
			s.reg.MarkDead(l.ID())
			return
		}
		l.SampleRate()

		s.queueControl(l, &control.Envelope{
			Type:      control.TypePing,
			Session:   s.id,
			Link:      l.ID(),
			Timestamp: time.Now().UnixNano(),
			Ack:       s.reasm.ackMark(),
		})
		// MissPing counts pings since the last pong; ObserveRTT resets it.
		// Unanswered pings stall the link on the second tick and kill it on
		// the third.
		if l.MissPing() {
			s.reg.MarkDead(l.ID())
			return
		}
	}
}

// controlLoop is the per-link control writer: it drains the link's outbound
// control queue so that read and keepalive tasks never block on a peer's
// backpressure. Write failures feed the link's failure detector.
func (s *Session) controlLoop(l *link.Link, ch <-chan *control.Envelope) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-l.Done():
			return
		case env := <-ch:
			if err := s.writeControl(l, env); err != nil && l.State() == link.Dead {
				s.reg.MarkDead(l.ID())
				return
			}
		}
	}
}

// queueControl hands env to l's control writer. A full queue drops the
// envelope: pings and acks recur, so the next tick resends the state.
func (s *Session) queueControl(l *link.Link, env *control.Envelope) {
	s.ctrlMu.Lock()
	ch, ok := s.ctrl[l.ID()]
	s.ctrlMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
	}
}

// writeControl sends one control envelope through the link's framed writer
// so that send failures feed the link's failure detector.
func (s *Session) writeControl(l *link.Link, env *control.Envelope) error {
	payload, err := control.Encode(env)
	if err != nil {
		return err
	}
	return l.WriteFrame(&protocol.Frame{
		Kind:    protocol.KindControl,
		Session: s.id,
		Payload: payload,
	})
}

// sendAck pushes the current cumulative ack to the peer on l.
func (s *Session) sendAck(l *link.Link) {
	s.queueControl(l, &control.Envelope{
		Type:    control.TypeAck,
		Session: s.id,
		Link:    l.ID(),
		Ack:     s.reasm.ackMark(),
	})
}

// onLinkDead is the registry's removal callback. In-flight segments of the
// dead link are requeued on survivors; an empty link set arms the grace
// timer.
func (s *Session) onLinkDead(l *link.Link, remaining int) {
	metrics.DecLinks()
	s.ctrlMu.Lock()
	delete(s.ctrl, l.ID())
	s.ctrlMu.Unlock()
	s.event(dump.LinkRemoved, l.ID(), 0, l.State().String())
	go s.sched.requeue(l.ID())
	if remaining == 0 && s.State() == Established {
		s.state.Store(int32(Draining))
		s.armGrace()
	}
	s.sched.kick()
}

func (s *Session) armGrace() {
	s.graceMu.Lock()
	defer s.graceMu.Unlock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(s.opts.GracePeriod, func() {
		if s.reg.Len() == 0 {
			s.fail(protocol.ErrSessionExhausted)
		}
	})
}

func (s *Session) cancelGrace() {
	s.graceMu.Lock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.graceMu.Unlock()
}

// fail terminates the session with a fatal error. Reported once; subsequent
// reads and writes return err. The last delivered sequence number is logged
// for manual recovery.
func (s *Session) fail(err error) {
	s.once.Do(func() {
		s.failErr.Store(err)
		s.state.Store(int32(Closed))
		log.Printf("session %016x failed: %v (last delivered seq %d, last sent seq %d)",
			s.id, err, s.reasm.lastDelivered(), s.sched.lastSent())
		s.event(dump.SessionFailed, 0, s.reasm.lastDelivered(), err.Error())
		s.sched.fail(err)
		s.reasm.fail(err)
		s.cancelGrace()
		s.reg.Close()
		metrics.DecSessions()
		close(s.done)
	})
}

// Err returns the fatal session error, if any.
func (s *Session) Err() error {
	if v := s.failErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down: a bye is sent on every link, all tasks are
// cancelled and all pending reads/writes unblock. Idempotent.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.state.Store(int32(Closed))
		for _, l := range s.reg.Links() {
			env := &control.Envelope{Type: control.TypeBye, Session: s.id, Link: l.ID()}
			if payload, err := control.Encode(env); err == nil {
				_ = l.WriteFrameTimeout(&protocol.Frame{
					Kind:    protocol.KindControl,
					Session: s.id,
					Payload: payload,
				}, byeTimeout)
			}
		}
		s.sched.close()
		s.reasm.close()
		s.cancelGrace()
		s.reg.Close()
		metrics.DecSessions()
		close(s.done)
	})
	return nil
}

// Read returns ordered application bytes, suspending until the reassembly
// low-water mark advances.
func (s *Session) Read(p []byte) (int, error) {
	n, err := s.reasm.read(p)
	return n, err
}

// Write stripes p across the member links. It blocks while no Active link
// has spare send capacity.
func (s *Session) Write(p []byte) (int, error) {
	n, err := s.sched.write(p)
	if n > 0 {
		metrics.AddTrafficOutbound(int64(n))
	}
	return n, err
}

func (s *Session) LocalAddr() net.Addr  { return sessionAddr(s.id) }
func (s *Session) RemoteAddr() net.Addr { return sessionAddr(s.id) }

func (s *Session) SetDeadline(t time.Time) error {
	s.reasm.setDeadline(t)
	s.sched.setDeadline(t)
	return nil
}

func (s *Session) SetReadDeadline(t time.Time) error {
	s.reasm.setDeadline(t)
	return nil
}

func (s *Session) SetWriteDeadline(t time.Time) error {
	s.sched.setDeadline(t)
	return nil
}

func (s *Session) event(kind dump.Kind, linkID uint32, seq uint64, detail string) {
	if s.opts.Events != nil {
		s.opts.Events.Emit(dump.Event{
			Kind: kind, Session: s.id, Link: linkID, Seq: seq, Detail: detail,
		})
	}
}

// sessionAddr names a session in net.Addr form.
type sessionAddr uint64

func (a sessionAddr) Network() string { return "agglink" }
func (a sessionAddr) String() string {
	const hex = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hex[a&0xf]
		a >>= 4
	}
	return "session-" + string(b)
}

// errTimeout satisfies net.Error for deadline expiry.
var errTimeout net.Error = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
