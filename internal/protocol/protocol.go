// Package protocol defines the wire format shared by every link: a fixed
// 24-byte big-endian frame header carrying the session token and segment
// sequence, followed by the payload. Control frames carry a JSON envelope,
// data frames carry raw segment bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic opens every frame header.
	Magic = 0xA66A
	// Version is the wire protocol revision. Peers with a different
	// version are incompatible.
	Version = 1

	// HeaderSize is magic(2) + version(1) + kind(1) + session(8) +
	// seq(8) + length(4).
	HeaderSize = 24

	// MaxPayload bounds a single frame payload.
	MaxPayload = 256 * 1024
)

// Frame kinds.
const (
	KindControl byte = 0
	KindData    byte = 1
)

// Sentinel errors of the aggregation protocol.
var (
	ErrHandshakeMismatch  = errors.New("handshake mismatch")
	ErrIncompatiblePeer   = errors.New("incompatible peer version")
	ErrLinkRejected       = errors.New("link rejected")
	ErrLinkDead           = errors.New("link dead")
	ErrReassemblyOverflow = errors.New("reassembly window overflow")
	ErrSessionExhausted   = errors.New("session exhausted: no links remain")
	ErrSessionClosed      = errors.New("session closed")
	ErrStreamReset        = errors.New("stream reset")
)

// Fatal reports whether err terminates the whole session rather than a
// single link or stream.
func Fatal(err error) bool {
	return errors.Is(err, ErrReassemblyOverflow) ||
		errors.Is(err, ErrSessionExhausted) ||
		errors.Is(err, ErrIncompatiblePeer)
}

// Frame is one wire frame. Seq is meaningful for data frames only.
type Frame struct {
	Kind    byte
	Session uint64
	Seq     uint64
	Payload []byte
}

// EncodeHeader writes the frame header for f into b, which must hold at
// least HeaderSize bytes.
func EncodeHeader(b []byte, f *Frame) {
	binary.BigEndian.PutUint16(b[0:2], Magic)
	b[2] = Version
	b[3] = f.Kind
	binary.BigEndian.PutUint64(b[4:12], f.Session)
	binary.BigEndian.PutUint64(b[12:20], f.Seq)
	binary.BigEndian.PutUint32(b[20:24], uint32(len(f.Payload)))
}

// WriteFrame sends f on w as a single write, so concurrent writers
// serialized above this call never interleave header and payload.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("payload %d exceeds limit %d", len(f.Payload), MaxPayload)
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	EncodeHeader(buf, f)
	copy(buf[HeaderSize:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads and validates one frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if m := binary.BigEndian.Uint16(hdr[0:2]); m != Magic {
		return nil, fmt.Errorf("bad frame magic %#04x", m)
	}
	if v := hdr[2]; v != Version {
		return nil, fmt.Errorf("%w: frame version %d", ErrIncompatiblePeer, v)
	}
	kind := hdr[3]
	if kind != KindControl && kind != KindData {
		return nil, fmt.Errorf("bad frame kind %d", kind)
	}
	length := binary.BigEndian.Uint32(hdr[20:24])
	if length > MaxPayload {
		return nil, fmt.Errorf("frame length %d exceeds limit %d", length, MaxPayload)
	}
	f := &Frame{
		Kind:    kind,
		Session: binary.BigEndian.Uint64(hdr[4:12]),
		Seq:     binary.BigEndian.Uint64(hdr[12:20]),
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}
