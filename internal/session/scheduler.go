package session

import (
	"math/rand"
	"sync"
	"time"

	"agglink/internal/dump"
	"agglink/internal/link"
	"agglink/internal/metrics"
	"agglink/internal/protocol"
)

// segment is one sequenced chunk of application data. Immutable once created;
// linkID records the link currently carrying it for in-flight accounting and
// requeue on link death. sending is true while a transmit owns the segment,
// so a concurrent requeue leaves it to that transmit's own retry.
type segment struct {
	seq     uint64
	payload []byte
	linkID  uint32
	sending bool
	acked   bool
}

// scheduler is the send-side coordination point. It assigns sequence numbers,
// stripes segments across links by estimated available bandwidth and retains
// sent segments until the peer acknowledges them, so that segments carried by
// a dying link can be retransmitted on a survivor. It is the sole mutator of
// link weights and the send sequence counter.
type scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	reg     *link.Registry
	session uint64

	nextSeq uint64

	retained      []*segment // sent but unacknowledged, ascending seq
	retainedBytes int
	retainLimit   int // writes block above this

	segmentSize int
	minWeight   float64

	retransmits uint64

	events *dump.Feed

	failed error
	closed bool

	deadline time.Time
}

func newScheduler(reg *link.Registry, session uint64, segmentSize, retainLimit int, minWeight float64, events *dump.Feed) *scheduler {
	s := &scheduler{
		reg:         reg,
		session:     session,
		nextSeq:     1,
		segmentSize: segmentSize,
		retainLimit: retainLimit,
		minWeight:   minWeight,
		events:      events,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// write splits p into segments and transmits each on the best available
// link. It blocks while no Active link has spare send capacity.
func (s *scheduler) write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		l, err := s.waitLink()
		if err != nil {
			return written, err
		}

		size := s.segmentSize
		if cap := l.MaxPayload(); size > cap {
			size = cap
		}
		if size > len(p) {
			size = len(p)
		}

		seg := &segment{payload: append([]byte(nil), p[:size]...)}
		s.mu.Lock()
		seg.seq = s.nextSeq
		s.nextSeq++
		s.retained = append(s.retained, seg)
		s.retainedBytes += len(seg.payload)
		s.mu.Unlock()

		if err := s.transmit(seg, l); err != nil {
			return written, err
		}
		written += size
		p = p[size:]
	}
	return written, nil
}

// transmit sends seg on l, falling back to the next-best link on failure.
// The segment stays retained either way.
func (s *scheduler) transmit(seg *segment, l *link.Link) error {
	for {
		f := &protocol.Frame{
			Kind:    protocol.KindData,
			Session: s.session,
			Seq:     seg.seq,
			Payload: seg.payload,
		}
		s.mu.Lock()
		if seg.acked {
			// Acknowledged while waiting for a retransmit slot; the
			// charge released on ack must not be re-added.
			seg.sending = false
			s.mu.Unlock()
			return nil
		}
		seg.linkID = l.ID()
		seg.sending = true
		s.mu.Unlock()
		l.AddInflight(int64(len(seg.payload)))

		if err := l.WriteFrame(f); err == nil {
			s.mu.Lock()
			seg.sending = false
			s.mu.Unlock()
			metrics.AddSegmentsSent(1)
			if s.events != nil {
				s.events.Emit(dump.Event{
					Kind: dump.SegmentSent, Session: s.session, Link: l.ID(), Seq: seg.seq,
				})
			}
			return nil
		}
		// WriteFrame already stalled (or killed) the link; unwind the
		// in-flight charge and reassign transparently. If an ack purged
		// the segment while the write was in flight, the purge released
		// the charge already and the retry is moot.
		s.mu.Lock()
		acked := seg.acked
		seg.linkID = 0
		if acked {
			seg.sending = false
		}
		s.mu.Unlock()
		if acked {
			return nil
		}
		l.AddInflight(-int64(len(seg.payload)))
		if l.State() == link.Dead {
			s.reg.MarkDead(l.ID())
		}
		var err error
		l, err = s.waitLink()
		if err != nil {
			return err
		}
	}
}

// waitLink blocks until an Active link with spare capacity exists, then
// returns a weighted pick.
func (s *scheduler) waitLink() (*link.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.failed != nil {
			return nil, s.failed
		}
		if s.closed {
			return nil, protocol.ErrSessionClosed
		}
		if !s.deadline.IsZero() && !time.Now().Before(s.deadline) {
			return nil, errTimeout
		}
		if s.retainedBytes < s.retainLimit {
			if l := s.pick(); l != nil {
				return l, nil
			}
		}
		s.wait()
	}
}

// pick chooses an Active link with probability proportional to its estimated
// available bandwidth (throughput average minus in-flight bytes). Stalled and
// Dead links get zero weight. Caller holds s.mu.
func (s *scheduler) pick() *link.Link {
	links := s.reg.Links()
	var candidates []*link.Link
	var weights []float64
	total := 0.0
	for _, l := range links {
		if l.State() != link.Active {
			continue
		}
		w := l.Throughput() - float64(l.Inflight())
		if w < s.minWeight {
			// An idle or new link still gets probed.
			w = s.minWeight
		}
		candidates = append(candidates, l)
		weights = append(weights, w)
		total += w
	}
	if len(candidates) == 0 {
		return nil
	}
	r := rand.Float64() * total
	for i, l := range candidates {
		r -= weights[i]
		if r < 0 {
			return l
		}
	}
	return candidates[len(candidates)-1]
}

// handleAck purges retained segments below ack and releases their in-flight
// and buffer charges.
func (s *scheduler) handleAck(ack uint64) {
	s.mu.Lock()
	i := 0
	for ; i < len(s.retained) && s.retained[i].seq < ack; i++ {
		seg := s.retained[i]
		seg.acked = true
		s.retainedBytes -= len(seg.payload)
		if l, ok := s.reg.Get(seg.linkID); ok {
			l.AddInflight(-int64(len(seg.payload)))
		}
	}
	if i > 0 {
		s.retained = append([]*segment(nil), s.retained[i:]...)
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// requeue retransmits every retained segment assigned to the dead link on a
// surviving one. Runs on its own task; write ordering is preserved by the
// receive-side reassembler, and duplicates are dropped there.
func (s *scheduler) requeue(deadID uint32) {
	s.mu.Lock()
	var pending []*segment
	for _, seg := range s.retained {
		// A segment still owned by an in-progress transmit is reassigned
		// by that transmit's retry; claiming it here would send it twice
		// and double-charge a survivor's in-flight counter.
		if seg.linkID == deadID && !seg.sending {
			seg.linkID = 0
			pending = append(pending, seg)
		}
	}
	s.retransmits += uint64(len(pending))
	s.mu.Unlock()
	metrics.AddRetransmits(int64(len(pending)))

	for _, seg := range pending {
		l, err := s.waitLinkNoLimit()
		if err != nil {
			return
		}
		if err := s.transmit(seg, l); err != nil {
			return
		}
	}
}

// waitLinkNoLimit is waitLink without the retain-limit gate: requeued
// segments are already charged against the send buffer.
func (s *scheduler) waitLinkNoLimit() (*link.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.failed != nil {
			return nil, s.failed
		}
		if s.closed {
			return nil, protocol.ErrSessionClosed
		}
		if l := s.pick(); l != nil {
			return l, nil
		}
		s.cond.Wait()
	}
}

// wait blocks on the condition, waking early when a write deadline is set.
// Caller holds s.mu.
func (s *scheduler) wait() {
	if s.deadline.IsZero() {
		s.cond.Wait()
		return
	}
	d := time.Until(s.deadline)
	if d <= 0 {
		return
	}
	t := time.AfterFunc(d, s.cond.Broadcast)
	s.cond.Wait()
	t.Stop()
}

func (s *scheduler) setDeadline(t time.Time) {
	s.mu.Lock()
	s.deadline = t
	s.cond.Broadcast()
	s.mu.Unlock()
}

// kick wakes blocked writers, e.g. after a link joined.
func (s *scheduler) kick() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// lastSent returns the highest assigned sequence number.
func (s *scheduler) lastSent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq - 1
}

func (s *scheduler) fail(err error) {
	s.mu.Lock()
	if s.failed == nil {
		s.failed = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *scheduler) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}
