// Package reconnect provides the redial policy for aggregated links:
// exponential backoff with jitter, plus a per-target circuit breaker
// that stops hammering an endpoint that keeps failing.
package reconnect

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Strategy tracks backoff state for one dial target.
type Strategy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int // 0 = unlimited
	JitterPercent   float64
	Breaker         *Breaker

	mu       sync.Mutex
	current  time.Duration
	attempts int
}

// NewStrategy returns a strategy with the default redial schedule.
func NewStrategy() *Strategy {
	return &Strategy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		JitterPercent:   0.1,
	}
}

// NextBackoff returns the delay before the next dial attempt and
// advances the schedule.
func (s *Strategy) NextBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == 0 {
		s.current = s.InitialInterval
	}
	if s.Breaker != nil && !s.Breaker.Allow() {
		return s.MaxInterval
	}

	d := s.current
	if s.JitterPercent > 0 {
		d += time.Duration(float64(s.current) * s.JitterPercent * (rand.Float64()*2 - 1))
	}

	s.current *= 2
	if s.current > s.MaxInterval {
		s.current = s.MaxInterval
	}
	s.attempts++
	return d
}

// ShouldRetry reports whether another attempt is allowed.
func (s *Strategy) ShouldRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MaxRetries == 0 || s.attempts < s.MaxRetries
}

// Attempts returns the number of dials since the last Reset.
func (s *Strategy) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Reset restores the schedule after a successful connection.
func (s *Strategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.InitialInterval
	s.attempts = 0
	if s.Breaker != nil {
		s.Breaker.Reset()
	}
}

// Wait sleeps for the next backoff interval or until ctx is done.
func (s *Strategy) Wait(ctx context.Context) error {
	t := time.NewTimer(s.NextBackoff())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker opens after a run of consecutive dial failures and lets a
// probe through once the reset timeout elapses.
type Breaker struct {
	threshold    int
	resetTimeout time.Duration

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       BreakerState
}

// NewBreaker creates a breaker that opens after threshold failures.
func NewBreaker(threshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{threshold: threshold, resetTimeout: resetTimeout}
}

// Allow reports whether a dial attempt should proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.resetTimeout {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}

// RecordFailure counts a failed dial and may open the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.state = BreakerOpen
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}
