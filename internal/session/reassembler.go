package session

import (
	"fmt"
	"sync"
	"time"

	"agglink/internal/metrics"
	"agglink/internal/protocol"
)

// reassembler is the receive-side ordering point. It buffers out-of-order
// segments in a bounded window and releases application bytes strictly in
// sequence order, exactly once. It is the sole mutator of the window.
type reassembler struct {
	mu   sync.Mutex
	cond *sync.Cond

	expected uint64            // next sequence number to deliver
	window   map[uint64][]byte // buffered out-of-order segments
	bound    int               // max buffered segments before overflow

	ready     [][]byte // ordered, undelivered payloads
	readOff   int      // consumed bytes of ready[0]
	delivered uint64   // bytes handed to the application

	sinceAck uint64 // delivered bytes since the last ack was pushed

	duplicates uint64

	failed error
	closed bool

	deadline time.Time
}

func newReassembler(bound int) *reassembler {
	r := &reassembler{
		expected: 1,
		window:   make(map[uint64][]byte),
		bound:    bound,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// push accepts one received segment. Duplicates are dropped silently. gap
// reports that the segment had to be buffered out of order. The returned
// error is fatal for the session.
func (r *reassembler) push(seq uint64, payload []byte) (gap bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed != nil || r.closed {
		return false, nil
	}

	switch {
	case seq < r.expected:
		r.duplicates++
		metrics.AddDuplicates(1)
		return false, nil
	case seq == r.expected:
		r.deliver(payload)
		// Drain segments made contiguous by this arrival.
		for {
			next, ok := r.window[r.expected]
			if !ok {
				break
			}
			delete(r.window, r.expected)
			r.deliver(next)
		}
	default:
		if _, dup := r.window[seq]; dup {
			r.duplicates++
			metrics.AddDuplicates(1)
			return false, nil
		}
		if len(r.window) >= r.bound {
			err := fmt.Errorf("%w: %d segments buffered, next undelivered %d",
				protocol.ErrReassemblyOverflow, len(r.window), r.expected)
			r.failed = err
			r.cond.Broadcast()
			return false, err
		}
		r.window[seq] = payload
		return true, nil
	}
	return false, nil
}

// deliver appends payload to the ordered queue. Caller holds r.mu.
func (r *reassembler) deliver(payload []byte) {
	r.expected++
	if len(payload) == 0 {
		return
	}
	r.ready = append(r.ready, payload)
	r.sinceAck += uint64(len(payload))
	r.cond.Broadcast()
}

// read implements the blocking ordered byte stream. It suspends until the
// low-water mark advances, the deadline passes or the session fails.
func (r *reassembler) read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.ready) == 0 {
		if r.failed != nil {
			return 0, r.failed
		}
		if r.closed {
			return 0, protocol.ErrSessionClosed
		}
		if !r.deadline.IsZero() && !time.Now().Before(r.deadline) {
			return 0, errTimeout
		}
		r.wait()
	}
	n := 0
	for n < len(p) && len(r.ready) > 0 {
		c := copy(p[n:], r.ready[0][r.readOff:])
		n += c
		r.readOff += c
		if r.readOff == len(r.ready[0]) {
			r.ready[0] = nil
			r.ready = r.ready[1:]
			r.readOff = 0
		}
	}
	r.delivered += uint64(n)
	return n, nil
}

// wait blocks on the condition, waking early when a read deadline is set.
// Caller holds r.mu.
func (r *reassembler) wait() {
	if r.deadline.IsZero() {
		r.cond.Wait()
		return
	}
	d := time.Until(r.deadline)
	if d <= 0 {
		return
	}
	t := time.AfterFunc(d, r.cond.Broadcast)
	r.cond.Wait()
	t.Stop()
}

func (r *reassembler) setDeadline(t time.Time) {
	r.mu.Lock()
	r.deadline = t
	r.cond.Broadcast()
	r.mu.Unlock()
}

// ackMark returns the cumulative ack value (next expected sequence number).
func (r *reassembler) ackMark() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expected
}

// takeAckDue reports whether enough bytes arrived since the last ack to be
// worth acknowledging eagerly, and resets the counter.
func (r *reassembler) takeAckDue(threshold uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sinceAck < threshold {
		return false
	}
	r.sinceAck = 0
	return true
}

// depth returns the number of buffered out-of-order segments.
func (r *reassembler) depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.window)
}

// lastDelivered returns the highest sequence number delivered in order.
func (r *reassembler) lastDelivered() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expected - 1
}

func (r *reassembler) fail(err error) {
	r.mu.Lock()
	if r.failed == nil {
		r.failed = err
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *reassembler) close() {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
}
