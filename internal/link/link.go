// Package link wraps one physical transport connection with the uniform
// capability surface the aggregation core schedules over: framed send and
// receive, liveness tracking and measured latency/throughput.
package link

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"agglink/internal/protocol"
)

// Liveness is the scheduling-relevant link state.
type Liveness int32

const (
	Active Liveness = iota
	Stalled
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Active:
		return "active"
	case Stalled:
		return "stalled"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Stats is a read-only snapshot of one link, consumed by the monitor.
type Stats struct {
	ID            uint32        `json:"id"`
	Kind          string        `json:"kind"`
	Remote        string        `json:"remote"`
	State         string        `json:"state"`
	RTT           time.Duration `json:"rtt_ns"`
	Throughput    float64       `json:"throughput_bps"`
	SentBytes     int64         `json:"sent_bytes"`
	RecvBytes     int64         `json:"recv_bytes"`
	InflightBytes int64         `json:"inflight_bytes"`
	MissedPings   int           `json:"missed_pings"`
}

// Link is one physical connection contributing to a session. Writes are
// serialized internally; reads belong to the session's per-link read task.
type Link struct {
	id      uint32
	kind    string
	session uint64
	conn    net.Conn

	wmu sync.Mutex // serializes frame writes

	state       atomic.Int32
	sentBytes   atomic.Int64
	recvBytes   atomic.Int64
	inflight    atomic.Int64
	sendFails   atomic.Int32
	missedPings atomic.Int32

	mu         sync.Mutex // guards the moving averages below
	rtt        time.Duration
	throughput float64 // bytes/sec
	rateBytes  int64   // bytes sent since the last rate sample
	rateStamp  time.Time

	ewmaAlpha float64

	maxPayload int

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps conn as a session link. maxPayload bounds the data payload per
// frame on this link (its own framing limit); zero means protocol.MaxPayload.
func New(id uint32, kind string, session uint64, conn net.Conn, ewmaAlpha float64, maxPayload int) *Link {
	if ewmaAlpha <= 0 || ewmaAlpha > 1 {
		ewmaAlpha = 0.2
	}
	if maxPayload <= 0 || maxPayload > protocol.MaxPayload {
		maxPayload = protocol.MaxPayload
	}
	return &Link{
		id:         id,
		kind:       kind,
		session:    session,
		conn:       conn,
		ewmaAlpha:  ewmaAlpha,
		maxPayload: maxPayload,
		done:       make(chan struct{}),
		rateStamp:  time.Now(),
	}
}

func (l *Link) ID() uint32      { return l.id }
func (l *Link) Kind() string    { return l.kind }
func (l *Link) Session() uint64 { return l.session }

// MaxPayload returns the per-frame payload cap for this link.
func (l *Link) MaxPayload() int { return l.maxPayload }

// State returns the current liveness state.
func (l *Link) State() Liveness { return Liveness(l.state.Load()) }

// SetState transitions the liveness state. Dead is terminal.
func (l *Link) SetState(s Liveness) {
	for {
		cur := l.state.Load()
		if Liveness(cur) == Dead {
			return
		}
		if l.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// WriteFrame sends one frame on the link. A transport error marks the link
// Stalled; three consecutive failures promote it to Dead. Writing on a link
// already marked Dead fails fast with ErrLinkDead.
func (l *Link) WriteFrame(f *protocol.Frame) error {
	return l.writeFrame(f, 0)
}

// WriteFrameTimeout bounds the write with a deadline, for teardown paths
// that must not wedge on a saturated transport.
func (l *Link) WriteFrameTimeout(f *protocol.Frame, timeout time.Duration) error {
	return l.writeFrame(f, timeout)
}

func (l *Link) writeFrame(f *protocol.Frame, timeout time.Duration) error {
	if l.State() == Dead {
		return protocol.ErrLinkDead
	}
	l.wmu.Lock()
	if timeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := protocol.WriteFrame(l.conn, f)
	if timeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Time{})
	}
	l.wmu.Unlock()
	if err != nil {
		l.SetState(Stalled)
		if l.sendFails.Add(1) >= 3 {
			l.SetState(Dead)
		}
		return err
	}
	l.sendFails.Store(0)
	n := int64(protocol.HeaderSize + len(f.Payload))
	l.sentBytes.Add(n)
	l.mu.Lock()
	l.rateBytes += n
	l.mu.Unlock()
	return nil
}

// ReadFrame reads one frame from the link. Only the owning read task may
// call it.
func (l *Link) ReadFrame() (*protocol.Frame, error) {
	f, err := protocol.ReadFrame(l.conn)
	if err != nil {
		return nil, err
	}
	l.recvBytes.Add(int64(protocol.HeaderSize + len(f.Payload)))
	return f, nil
}

// AddInflight adjusts the unacknowledged byte estimate for this link.
func (l *Link) AddInflight(n int64) { l.inflight.Add(n) }

// Inflight returns the current unacknowledged byte estimate.
func (l *Link) Inflight() int64 { return l.inflight.Load() }

// ObserveRTT folds one keepalive round trip into the latency average and
// clears the missed-ping counter. A link that was Stalled by missed pings
// recovers to Active.
func (l *Link) ObserveRTT(rtt time.Duration) {
	l.missedPings.Store(0)
	l.mu.Lock()
	if l.rtt == 0 {
		l.rtt = rtt
	} else {
		l.rtt = time.Duration(float64(l.rtt)*(1-l.ewmaAlpha) + float64(rtt)*l.ewmaAlpha)
	}
	l.mu.Unlock()
	if l.State() == Stalled {
		l.SetState(Active)
	}
}

// MissPing records one unanswered keepalive. The second miss stalls the
// link, the third kills it. It reports whether the link is now Dead.
func (l *Link) MissPing() bool {
	switch n := l.missedPings.Add(1); {
	case n >= 3:
		l.SetState(Dead)
		return true
	case n >= 2:
		l.SetState(Stalled)
	}
	return false
}

// SampleRate recomputes the throughput moving average. Called periodically
// by the session's keepalive tick.
func (l *Link) SampleRate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(l.rateStamp).Seconds()
	if elapsed <= 0 {
		return
	}
	rate := float64(l.rateBytes) / elapsed
	if l.throughput == 0 {
		l.throughput = rate
	} else {
		l.throughput = l.throughput*(1-l.ewmaAlpha) + rate*l.ewmaAlpha
	}
	l.rateBytes = 0
	l.rateStamp = now
}

// Throughput returns the current throughput estimate in bytes/sec.
func (l *Link) Throughput() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.throughput
}

// RTT returns the latency moving average.
func (l *Link) RTT() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rtt
}

// Stats returns a read-only snapshot.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	rtt, tp := l.rtt, l.throughput
	l.mu.Unlock()
	remote := ""
	if addr := l.conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return Stats{
		ID:            l.id,
		Kind:          l.kind,
		Remote:        remote,
		State:         l.State().String(),
		RTT:           rtt,
		Throughput:    tp,
		SentBytes:     l.sentBytes.Load(),
		RecvBytes:     l.recvBytes.Load(),
		InflightBytes: l.inflight.Load(),
		MissedPings:   int(l.missedPings.Load()),
	}
}

// Done is closed once the link is dead and its transport released.
func (l *Link) Done() <-chan struct{} { return l.done }

// Close marks the link Dead and closes the underlying transport. Idempotent.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.SetState(Dead)
		err = l.conn.Close()
		close(l.done)
	})
	return err
}
