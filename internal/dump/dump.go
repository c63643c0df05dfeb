// Package dump exposes the core's append-only diagnostic event feed. Emitting
// never blocks: when the feed's buffer is full, events are dropped and
// counted, so consumers cannot alter core behavior.
package dump

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names one diagnostic event type.
type Kind string

const (
	LinkAdded       Kind = "link-added"
	LinkRemoved     Kind = "link-removed"
	SegmentSent     Kind = "segment-sent"
	SegmentReceived Kind = "segment-received"
	SequenceGap     Kind = "sequence-gap"
	SessionFailed   Kind = "session-failed"
)

// Event is one feed entry.
type Event struct {
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Session uint64    `json:"session,omitempty"`
	Link    uint32    `json:"link,omitempty"`
	Seq     uint64    `json:"seq,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Feed is a bounded, drop-on-overflow event channel.
type Feed struct {
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
}

// NewFeed creates a feed with the given buffer capacity (default 8192).
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 8192
	}
	return &Feed{ch: make(chan Event, buffer)}
}

// Emit appends ev to the feed, dropping it if the buffer is full.
func (f *Feed) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case f.ch <- ev:
	default:
		f.dropped.Add(1)
	}
}

// Events returns the consumer side of the feed.
func (f *Feed) Events() <-chan Event { return f.ch }

// Dropped returns the number of events lost to backpressure.
func (f *Feed) Dropped() int64 { return f.dropped.Load() }

// Close ends the feed. Emit after Close would panic; callers stop emitting
// first (session teardown precedes feed close).
func (f *Feed) Close() {
	f.once.Do(func() { close(f.ch) })
}

// WriteJSONLines drains the feed into path, one JSON object per line, until
// the feed closes. Intended to run on its own goroutine.
func WriteJSONLines(path string, f *Feed) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("dump: open %s: %v", path, err)
		for range f.Events() {
		}
		return
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	defer w.Flush()
	enc := json.NewEncoder(w)
	for ev := range f.Events() {
		if err := enc.Encode(ev); err != nil {
			log.Printf("dump: write %s: %v", path, err)
			return
		}
	}
}
