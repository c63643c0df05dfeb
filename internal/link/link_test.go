package link

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agglink/internal/protocol"
)

// brokenConn fails every write.
type brokenConn struct {
	net.Conn
}

func (brokenConn) Write(p []byte) (int, error) { return 0, errors.New("wire cut") }

func newBroken() net.Conn {
	c, _ := net.Pipe()
	return brokenConn{Conn: c}
}

func TestWriteFrameFailuresEscalate(t *testing.T) {
	l := New(1, "tcp", 0xA, newBroken(), 0.2, 0)
	f := &protocol.Frame{Kind: protocol.KindData, Session: 0xA, Seq: 1, Payload: []byte("x")}

	require.Error(t, l.WriteFrame(f))
	assert.Equal(t, Stalled, l.State())
	require.Error(t, l.WriteFrame(f))
	assert.Equal(t, Stalled, l.State())
	require.Error(t, l.WriteFrame(f))
	assert.Equal(t, Dead, l.State())
}

func TestWriteFrameOnDeadLinkFailsFast(t *testing.T) {
	c, _ := net.Pipe()
	l := New(1, "tcp", 0xA, c, 0.2, 0)
	require.NoError(t, l.Close())
	require.Equal(t, Dead, l.State())

	f := &protocol.Frame{Kind: protocol.KindData, Session: 0xA, Seq: 1, Payload: []byte("x")}
	assert.ErrorIs(t, l.WriteFrame(f), protocol.ErrLinkDead)
}

func TestWriteFrameSuccessResetsFailureCount(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	l := New(1, "tcp", 0xA, a, 0.2, 0)

	go func() {
		for {
			if _, err := protocol.ReadFrame(b); err != nil {
				return
			}
		}
	}()

	f := &protocol.Frame{Kind: protocol.KindData, Session: 0xA, Seq: 1, Payload: []byte("x")}
	require.NoError(t, l.WriteFrame(f))
	assert.Equal(t, Active, l.State())
	assert.Greater(t, l.Stats().SentBytes, int64(0))
}

func TestMissPingTransitions(t *testing.T) {
	c, _ := net.Pipe()
	l := New(1, "tcp", 0xA, c, 0.2, 0)

	assert.False(t, l.MissPing()) // 1st miss
	assert.Equal(t, Active, l.State())
	assert.False(t, l.MissPing()) // 2nd miss stalls
	assert.Equal(t, Stalled, l.State())
	assert.True(t, l.MissPing()) // 3rd miss kills
	assert.Equal(t, Dead, l.State())
}

func TestObserveRTTRecoversStalledLink(t *testing.T) {
	c, _ := net.Pipe()
	l := New(1, "tcp", 0xA, c, 0.2, 0)

	l.MissPing()
	l.MissPing()
	require.Equal(t, Stalled, l.State())

	l.ObserveRTT(5 * time.Millisecond)
	assert.Equal(t, Active, l.State())
	assert.Equal(t, 5*time.Millisecond, l.RTT())

	// The average moves, it does not jump.
	l.ObserveRTT(15 * time.Millisecond)
	assert.Greater(t, l.RTT(), 5*time.Millisecond)
	assert.Less(t, l.RTT(), 15*time.Millisecond)
}

func TestDeadIsTerminal(t *testing.T) {
	c, _ := net.Pipe()
	l := New(1, "tcp", 0xA, c, 0.2, 0)
	l.SetState(Dead)
	l.SetState(Active)
	assert.Equal(t, Dead, l.State())
}

func TestCloseIdempotent(t *testing.T) {
	c, _ := net.Pipe()
	l := New(1, "tcp", 0xA, c, 0.2, 0)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, Dead, l.State())
	select {
	case <-l.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestMaxPayloadClamped(t *testing.T) {
	c, _ := net.Pipe()
	l := New(1, "tcp", 0xA, c, 0.2, protocol.MaxPayload*2)
	assert.Equal(t, protocol.MaxPayload, l.MaxPayload())
	l2 := New(2, "tcp", 0xA, c, 0.2, 1024)
	assert.Equal(t, 1024, l2.MaxPayload())
}

func TestRegistryCapAndDeath(t *testing.T) {
	var deadID uint32
	var remaining int
	reg := NewRegistry(2, func(l *Link, rem int) {
		deadID = l.ID()
		remaining = rem
	})

	mk := func(id uint32) *Link {
		c, _ := net.Pipe()
		return New(id, "tcp", 0xA, c, 0.2, 0)
	}

	require.NoError(t, reg.Add(mk(reg.NextID())))
	require.NoError(t, reg.Add(mk(reg.NextID())))
	err := reg.Add(mk(reg.NextID()))
	assert.ErrorIs(t, err, protocol.ErrLinkRejected)
	assert.Equal(t, 2, reg.Len())

	reg.MarkDead(1)
	assert.Equal(t, uint32(1), deadID)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, 1, reg.Len())

	// MarkDead on an unknown id is a no-op.
	reg.MarkDead(99)
	assert.Equal(t, 1, reg.Len())

	stats := reg.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "tcp", stats[0].Kind)
}
