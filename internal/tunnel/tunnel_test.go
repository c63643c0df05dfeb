package tunnel

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoListener accepts TCP connections and echoes everything back.
func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func tunnelPair(t *testing.T, targets map[uint16]string) (*Client, *Server) {
	t.Helper()
	c1, c2 := net.Pipe()
	srv, err := NewServer(c1, targets)
	require.NoError(t, err)
	go srv.Serve()
	client, err := NewClient(c2)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})
	return client, srv
}

func TestStreamForwardsToTarget(t *testing.T) {
	echo := echoListener(t)
	client, _ := tunnelPair(t, map[uint16]string{8080: echo.Addr().String()})

	stream, err := client.Open(8080)
	require.NoError(t, err)
	defer stream.Close()

	msg := []byte("over the aggregate")
	_, err = stream.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(stream, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestConcurrentStreams(t *testing.T) {
	echo := echoListener(t)
	client, _ := tunnelPair(t, map[uint16]string{9000: echo.Addr().String()})

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func(i int) {
			stream, err := client.Open(9000)
			if err != nil {
				done <- err
				return
			}
			defer stream.Close()
			msg := []byte{byte(i), byte(i + 1), byte(i + 2)}
			if _, err := stream.Write(msg); err != nil {
				done <- err
				return
			}
			got := make([]byte, len(msg))
			stream.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := io.ReadFull(stream, got); err != nil {
				done <- err
				return
			}
			if got[0] != byte(i) {
				done <- io.ErrUnexpectedEOF
				return
			}
			done <- nil
		}(i)
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
}

func TestUnknownPortClosesStream(t *testing.T) {
	client, _ := tunnelPair(t, map[uint16]string{})

	stream, err := client.Open(4242)
	require.NoError(t, err)
	defer stream.Close()

	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = stream.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestListenPortProxiesAcceptedConns(t *testing.T) {
	echo := echoListener(t)
	client, _ := tunnelPair(t, map[uint16]string{7700: echo.Addr().String()})

	local, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go client.ListenPort(local, 7700)

	conn, err := net.Dial("tcp", local.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("via local listener")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

// A request/response exchange where the local client half-closes after
// sending: the full response must still come through.
func TestHalfCloseDeliversFullResponse(t *testing.T) {
	response := make([]byte, 256*1024)
	_, err := rand.Read(response)
	require.NoError(t, err)

	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { target.Close() })
	go func() {
		for {
			conn, err := target.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				req := make([]byte, 4)
				if _, err := io.ReadFull(conn, req); err != nil {
					return
				}
				_, _ = conn.Write(response)
			}()
		}
	}()

	client, _ := tunnelPair(t, map[uint16]string{5500: target.Addr().String()})

	local, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go client.ListenPort(local, 5500)

	conn, err := net.Dial("tcp", local.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("REQ\n"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.True(t, bytes.Equal(response, got))
}

func TestListenPortAfterClose(t *testing.T) {
	client, _ := tunnelPair(t, map[uint16]string{})
	require.NoError(t, client.Close())

	local, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, client.ListenPort(local, 1))

	// A listener registered after Close must not be left open.
	_, err = local.Accept()
	assert.Error(t, err)
}

func TestCloseStopsListeners(t *testing.T) {
	client, srv := tunnelPair(t, map[uint16]string{})

	local, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- client.ListenPort(local, 1) }()

	require.NoError(t, client.Close())
	require.NoError(t, srv.Close())

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenPort did not return after Close")
	}

	_, err = client.Open(1)
	assert.Error(t, err)
}
