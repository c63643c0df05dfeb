package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &Frame{
		Kind:    KindData,
		Session: 0xDEADBEEFCAFE0001,
		Seq:     42,
		Payload: []byte("hello aggregated world"),
	}
	require.NoError(t, WriteFrame(&buf, in))
	assert.Equal(t, HeaderSize+len(in.Payload), buf.Len())

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.Session, out.Session)
	assert.Equal(t, in.Seq, out.Seq)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Kind: KindControl, Session: 7}))
	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, out.Payload)
	assert.Equal(t, uint64(7), out.Session)
}

func TestFrameHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{
		Kind:    KindData,
		Session: 0x0102030405060708,
		Seq:     0x1112131415161718,
		Payload: []byte{0xAA},
	}))
	b := buf.Bytes()
	assert.Equal(t, uint16(0xA66A), binary.BigEndian.Uint16(b[0:2]))
	assert.Equal(t, byte(1), b[2])
	assert.Equal(t, KindData, b[3])
	assert.Equal(t, uint64(0x0102030405060708), binary.BigEndian.Uint64(b[4:12]))
	assert.Equal(t, uint64(0x1112131415161718), binary.BigEndian.Uint64(b[12:20]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(b[20:24]))
	assert.Equal(t, byte(0xAA), b[24])
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Kind: KindData, Payload: []byte("x")}))
	b := buf.Bytes()
	b[0] = 0xFF
	_, err := ReadFrame(bytes.NewReader(b))
	assert.ErrorContains(t, err, "magic")
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Kind: KindData, Payload: []byte("x")}))
	b := buf.Bytes()
	b[2] = 99
	_, err := ReadFrame(bytes.NewReader(b))
	assert.ErrorIs(t, err, ErrIncompatiblePeer)
}

func TestReadFrameRejectsBadKind(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Kind: KindData}))
	b := buf.Bytes()
	b[3] = 7
	_, err := ReadFrame(bytes.NewReader(b))
	assert.ErrorContains(t, err, "kind")
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Kind: KindData}))
	b := buf.Bytes()
	binary.BigEndian.PutUint32(b[20:24], MaxPayload+1)
	_, err := ReadFrame(bytes.NewReader(b))
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	err := WriteFrame(&bytes.Buffer{}, &Frame{
		Kind:    KindData,
		Payload: make([]byte, MaxPayload+1),
	})
	assert.Error(t, err)
}

func TestFatal(t *testing.T) {
	assert.True(t, Fatal(ErrReassemblyOverflow))
	assert.True(t, Fatal(ErrSessionExhausted))
	assert.True(t, Fatal(ErrIncompatiblePeer))
	assert.False(t, Fatal(ErrLinkDead))
	assert.False(t, Fatal(ErrLinkRejected))
	assert.False(t, Fatal(ErrSessionClosed))
	assert.False(t, Fatal(nil))
}
