package speedtest

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorDeterministic(t *testing.T) {
	a := newGenerator(42)
	b := newGenerator(42)
	bufA := make([]byte, 1000)
	bufB := make([]byte, 1000)
	a.fill(bufA)
	b.fill(bufB)
	assert.True(t, bytes.Equal(bufA, bufB))

	c := newGenerator(43)
	bufC := make([]byte, 1000)
	c.fill(bufC)
	assert.False(t, bytes.Equal(bufA, bufC))
}

func TestGeneratorStreamsAcrossFills(t *testing.T) {
	// Filling in two pieces must equal one big fill when the piece
	// sizes are word aligned.
	a := newGenerator(7)
	one := make([]byte, 64)
	a.fill(one)

	b := newGenerator(7)
	two := make([]byte, 64)
	b.fill(two[:32])
	b.fill(two[32:])
	assert.True(t, bytes.Equal(one, two))
}

func TestRunAndServeBothDirections(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	srvRep := make(chan *Report, 1)
	srvErr := make(chan error, 1)
	go func() {
		rep, err := Serve(server)
		srvRep <- rep
		srvErr <- err
	}()

	rep, err := Run(client, Params{
		Send:      true,
		Recv:      true,
		Limit:     256 * 1024,
		ChunkSize: 16 * 1024,
		Seed:      99,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, <-srvErr)
	peer := <-srvRep

	assert.Equal(t, int64(256*1024), rep.SentBytes)
	assert.Equal(t, int64(256*1024), rep.RecvBytes)
	assert.Equal(t, int64(256*1024), peer.SentBytes)
	assert.Equal(t, int64(256*1024), peer.RecvBytes)
	assert.Zero(t, rep.Mismatches)
	assert.Zero(t, peer.Mismatches)
	assert.Greater(t, rep.SendMbps, 0.0)
	assert.Greater(t, rep.RecvMbps, 0.0)
}

func TestRunSendOnly(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	srvRep := make(chan *Report, 1)
	go func() {
		rep, _ := Serve(server)
		srvRep <- rep
	}()

	rep, err := Run(client, Params{
		Send:  true,
		Limit: 64 * 1024,
		Seed:  5,
	}, nil)
	require.NoError(t, err)
	peer := <-srvRep

	assert.Equal(t, int64(64*1024), rep.SentBytes)
	assert.Zero(t, rep.RecvBytes)
	require.NotNil(t, peer)
	assert.Equal(t, int64(64*1024), peer.RecvBytes)
	assert.Zero(t, peer.SentBytes)
	assert.Zero(t, peer.Mismatches)
}

func TestReceiveDetectsCorruption(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		// Transmit with a different seed than the receiver expects.
		_, _ = transmit(a, 1000, 4096, 8192, time.Time{}, nil)
	}()

	n, bad, err := receive(b, 2000, 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), n)
	assert.Greater(t, bad, int64(0))
}

func TestDurationLimitStopsTransmit(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan int64, 1)
	go func() {
		n, _, _ := receive(b, 77, 4096)
		done <- n
	}()

	start := time.Now()
	sent, err := transmit(a, 77, 4096, 0, time.Now().Add(100*time.Millisecond), nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, sent, <-done)
}

func TestParamsDefaults(t *testing.T) {
	p := Params{}.withDefaults()
	assert.True(t, p.Send)
	assert.True(t, p.Recv)
	assert.Equal(t, DefaultChunk, p.ChunkSize)
	assert.NotZero(t, p.Seed)

	q := Params{Send: true}.withDefaults()
	assert.True(t, q.Send)
	assert.False(t, q.Recv)
}
