package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agglink/internal/protocol"
)

func readAll(t *testing.T, r *reassembler, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		c, err := r.read(buf)
		require.NoError(t, err)
		out = append(out, buf[:c]...)
	}
	return out
}

func TestReassemblerInOrder(t *testing.T) {
	r := newReassembler(8)
	for seq, s := range []string{"a", "b", "c"} {
		gap, err := r.push(uint64(seq+1), []byte(s))
		require.NoError(t, err)
		assert.False(t, gap)
	}
	assert.Equal(t, "abc", string(readAll(t, r, 3)))
	assert.Equal(t, uint64(4), r.ackMark())
	assert.Equal(t, uint64(3), r.lastDelivered())
}

func TestReassemblerReorders(t *testing.T) {
	r := newReassembler(8)

	gap, err := r.push(3, []byte("c"))
	require.NoError(t, err)
	assert.True(t, gap)
	gap, err = r.push(2, []byte("b"))
	require.NoError(t, err)
	assert.True(t, gap)
	assert.Equal(t, 2, r.depth())

	// Seq 1 arrives last and releases everything in order.
	gap, err = r.push(1, []byte("a"))
	require.NoError(t, err)
	assert.False(t, gap)
	assert.Equal(t, 0, r.depth())
	assert.Equal(t, "abc", string(readAll(t, r, 3)))
}

func TestReassemblerDropsDuplicates(t *testing.T) {
	r := newReassembler(8)

	_, err := r.push(1, []byte("a"))
	require.NoError(t, err)
	_, err = r.push(1, []byte("a"))
	require.NoError(t, err)
	_, err = r.push(3, []byte("c"))
	require.NoError(t, err)
	_, err = r.push(3, []byte("zzz"))
	require.NoError(t, err)
	_, err = r.push(2, []byte("b"))
	require.NoError(t, err)

	assert.Equal(t, "abc", string(readAll(t, r, 3)))
	assert.Equal(t, uint64(2), r.duplicates)
}

func TestReassemblerOverflowIsFatal(t *testing.T) {
	r := newReassembler(2)

	_, err := r.push(10, []byte("x"))
	require.NoError(t, err)
	_, err = r.push(11, []byte("y"))
	require.NoError(t, err)
	_, err = r.push(12, []byte("z"))
	assert.ErrorIs(t, err, protocol.ErrReassemblyOverflow)

	// The failure surfaces on read.
	_, err = r.read(make([]byte, 1))
	assert.ErrorIs(t, err, protocol.ErrReassemblyOverflow)
}

func TestReassemblerReadBlocksUntilPush(t *testing.T) {
	r := newReassembler(8)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 8)
		n, err := r.read(buf)
		if err != nil {
			got <- nil
			return
		}
		got <- buf[:n]
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := r.push(1, []byte("wake"))
	require.NoError(t, err)

	select {
	case b := <-got:
		assert.Equal(t, "wake", string(b))
	case <-time.After(time.Second):
		t.Fatal("read did not wake")
	}
}

func TestReassemblerReadDeadline(t *testing.T) {
	r := newReassembler(8)
	r.setDeadline(time.Now().Add(30 * time.Millisecond))

	start := time.Now()
	_, err := r.read(make([]byte, 1))
	require.Error(t, err)
	var nerr interface{ Timeout() bool }
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
	assert.Less(t, time.Since(start), time.Second)

	// Clearing the deadline makes reads block again.
	r.setDeadline(time.Time{})
	_, err = r.push(1, []byte("k"))
	require.NoError(t, err)
	n, err := r.read(make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReassemblerAckDue(t *testing.T) {
	r := newReassembler(8)
	_, err := r.push(1, make([]byte, 600))
	require.NoError(t, err)

	assert.False(t, r.takeAckDue(1024))
	assert.True(t, r.takeAckDue(512))
	// Counter reset by the successful take.
	assert.False(t, r.takeAckDue(512))
}
