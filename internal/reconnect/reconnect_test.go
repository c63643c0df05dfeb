package reconnect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	s := &Strategy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     400 * time.Millisecond,
	}

	assert.Equal(t, 100*time.Millisecond, s.NextBackoff())
	assert.Equal(t, 200*time.Millisecond, s.NextBackoff())
	assert.Equal(t, 400*time.Millisecond, s.NextBackoff())
	// Capped from here on.
	assert.Equal(t, 400*time.Millisecond, s.NextBackoff())
	assert.Equal(t, 4, s.Attempts())
}

func TestBackoffJitterBounded(t *testing.T) {
	s := &Strategy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		JitterPercent:   0.1,
	}
	d := s.NextBackoff()
	assert.GreaterOrEqual(t, d, 90*time.Millisecond)
	assert.LessOrEqual(t, d, 110*time.Millisecond)
}

func TestBackoffReset(t *testing.T) {
	s := &Strategy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
	}
	s.NextBackoff()
	s.NextBackoff()
	s.Reset()
	assert.Equal(t, 0, s.Attempts())
	assert.Equal(t, 100*time.Millisecond, s.NextBackoff())
}

func TestShouldRetryHonorsLimit(t *testing.T) {
	s := &Strategy{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxRetries:      2,
	}
	assert.True(t, s.ShouldRetry())
	s.NextBackoff()
	assert.True(t, s.ShouldRetry())
	s.NextBackoff()
	assert.False(t, s.ShouldRetry())
}

func TestWaitRespectsContext(t *testing.T) {
	s := &Strategy{
		InitialInterval: time.Hour,
		MaxInterval:     time.Hour,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Hour)
	assert.Equal(t, BreakerClosed, b.State())

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	// A failure during the probe reopens immediately.
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerStateStrings(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
}
