package control

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agglink/internal/protocol"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := Encode(&Envelope{Type: TypePing, Session: 5, Link: 2, Ack: 99})
	require.NoError(t, err)
	env, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, TypePing, env.Type)
	assert.Equal(t, protocol.Version, env.Version)
	assert.Equal(t, uint64(5), env.Session)
	assert.Equal(t, uint32(2), env.Link)
	assert.Equal(t, uint64(99), env.Ack)
}

func TestDecodeEnvelopeRejectsMissingType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"version":1}`))
	assert.ErrorContains(t, err, "missing type")
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)
}

func TestHandshakeNewSession(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	const wantSession = uint64(0xABCD)
	const wantLink = uint32(1)

	done := make(chan error, 1)
	go func() {
		env, err := ServerHello(server, time.Second)
		if err != nil {
			done <- err
			return
		}
		if env.Session != 0 {
			done <- assert.AnError
			return
		}
		done <- ServerWelcome(server, wantSession, wantLink, time.Second)
	}()

	session, linkID, err := ClientHandshake(client, 0, time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, wantSession, session)
	assert.Equal(t, wantLink, linkID)
}

func TestHandshakeJoinCarriesToken(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	const token = uint64(0x1234)

	gotSession := make(chan uint64, 1)
	go func() {
		env, err := ServerHello(server, time.Second)
		if err != nil {
			gotSession <- 0
			return
		}
		gotSession <- env.Session
		_ = ServerWelcome(server, env.Session, 3, time.Second)
	}()

	session, linkID, err := ClientHandshake(client, token, time.Second)
	require.NoError(t, err)
	assert.Equal(t, token, <-gotSession)
	assert.Equal(t, token, session)
	assert.Equal(t, uint32(3), linkID)
}

func TestHandshakeRejectReasons(t *testing.T) {
	cases := []struct {
		reason string
		want   error
	}{
		{ReasonMismatch, protocol.ErrHandshakeMismatch},
		{ReasonLinkLimit, protocol.ErrLinkRejected},
		{ReasonIncompatible, protocol.ErrIncompatiblePeer},
	}
	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			go func() {
				if _, err := ServerHello(server, time.Second); err != nil {
					return
				}
				_ = ServerReject(server, 0, tc.reason)
			}()

			_, _, err := ClientHandshake(client, 0, time.Second)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestServerHelloRejectsWrongVersion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// Bypass Encode to forge a stale version.
		_ = protocol.WriteFrame(client, &protocol.Frame{
			Kind:    protocol.KindControl,
			Payload: []byte(`{"type":"hello","version":0}`),
		})
		// Drain the reject reply so the server write completes.
		_, _, _ = ReadEnvelope(client, time.Second)
	}()

	_, err := ServerHello(server, time.Second)
	assert.ErrorIs(t, err, protocol.ErrIncompatiblePeer)
}

func TestNewSessionID(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 64; i++ {
		id := NewSessionID()
		assert.NotZero(t, id)
		assert.False(t, seen[id], "session id repeated")
		seen[id] = true
	}
}
