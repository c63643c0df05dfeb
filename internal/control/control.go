// Package control implements the in-band control channel carried inside every
// link: session handshake, keepalive pings and cooperative link teardown.
package control

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"agglink/internal/protocol"
)

const (
	TypeHello   = "hello"
	TypeWelcome = "welcome"
	TypeReject  = "reject"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeAck     = "ack"
	TypeBye     = "bye"
)

// Reject reasons carried in the Reason field.
const (
	ReasonMismatch     = "session-mismatch"
	ReasonLinkLimit    = "link-limit"
	ReasonIncompatible = "incompatible-version"
)

// Envelope is the JSON payload of a control frame.
type Envelope struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Session   uint64 `json:"session,omitempty"`
	Link      uint32 `json:"link,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix nanos, echoed by pong
	Ack       uint64 `json:"ack,omitempty"`       // next data seq expected from the peer
}

// LinkState is the control channel state machine for one link.
type LinkState int

const (
	Connecting LinkState = iota
	Handshaking
	Ready
	Closing
	Closed
)

func (s LinkState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Encode marshals env, stamping the protocol version.
func Encode(env *Envelope) ([]byte, error) {
	env.Version = protocol.Version
	return json.Marshal(env)
}

// WriteEnvelope sends env as a control frame on w.
func WriteEnvelope(w io.Writer, session uint64, env *Envelope) error {
	payload, err := Encode(env)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(w, &protocol.Frame{
		Kind:    protocol.KindControl,
		Session: session,
		Payload: payload,
	})
}

// DecodeEnvelope parses a control frame payload.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("control envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("control envelope: missing type")
	}
	return &env, nil
}

// ReadEnvelope reads one frame from conn and decodes it as a control
// envelope. Data frames are a protocol violation during handshake.
func ReadEnvelope(conn net.Conn, d time.Duration) (*Envelope, uint64, error) {
	if d > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(d))
		defer conn.SetReadDeadline(time.Time{})
	}
	f, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, 0, err
	}
	if f.Kind != protocol.KindControl {
		return nil, 0, fmt.Errorf("expected control frame, got kind %d", f.Kind)
	}
	env, err := DecodeEnvelope(f.Payload)
	if err != nil {
		return nil, 0, err
	}
	return env, f.Session, nil
}

// ClientHandshake runs the dialing side of the link handshake. session is
// zero when establishing a new session and the existing token when joining.
// It returns the session token and the link id assigned by the peer.
func ClientHandshake(conn net.Conn, session uint64, timeout time.Duration) (uint64, uint32, error) {
	hello := &Envelope{Type: TypeHello, Session: session}
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := WriteEnvelope(conn, session, hello)
	_ = conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return 0, 0, fmt.Errorf("send hello: %w", err)
	}

	env, _, err := ReadEnvelope(conn, timeout)
	if err != nil {
		return 0, 0, fmt.Errorf("read handshake reply: %w", err)
	}
	switch env.Type {
	case TypeWelcome:
		if env.Version != protocol.Version {
			return 0, 0, fmt.Errorf("%w: peer version %d", protocol.ErrIncompatiblePeer, env.Version)
		}
		return env.Session, env.Link, nil
	case TypeReject:
		switch env.Reason {
		case ReasonMismatch:
			return 0, 0, protocol.ErrHandshakeMismatch
		case ReasonLinkLimit:
			return 0, 0, protocol.ErrLinkRejected
		case ReasonIncompatible:
			return 0, 0, protocol.ErrIncompatiblePeer
		default:
			return 0, 0, fmt.Errorf("handshake rejected: %s", env.Reason)
		}
	default:
		return 0, 0, fmt.Errorf("unexpected handshake reply %q", env.Type)
	}
}

// ServerHello reads the hello of an incoming link. The returned envelope
// carries a zero session for a fresh session request.
func ServerHello(conn net.Conn, timeout time.Duration) (*Envelope, error) {
	env, _, err := ReadEnvelope(conn, timeout)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if env.Type != TypeHello {
		return nil, fmt.Errorf("expected hello, got %q", env.Type)
	}
	if env.Version != protocol.Version {
		// Tell the peer before giving up so it can surface the right error.
		_ = WriteEnvelope(conn, env.Session, &Envelope{Type: TypeReject, Reason: ReasonIncompatible})
		return nil, fmt.Errorf("%w: peer version %d", protocol.ErrIncompatiblePeer, env.Version)
	}
	return env, nil
}

// ServerWelcome completes the accepting side of the handshake.
func ServerWelcome(conn net.Conn, session uint64, link uint32, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return WriteEnvelope(conn, session, &Envelope{Type: TypeWelcome, Session: session, Link: link})
}

// ServerReject refuses an incoming link with the given reason.
func ServerReject(conn net.Conn, session uint64, reason string) error {
	return WriteEnvelope(conn, session, &Envelope{Type: TypeReject, Session: session, Reason: reason})
}

// NewSessionID generates a random non-zero session token.
func NewSessionID() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			// crypto/rand does not fail on supported platforms; fall back to
			// the clock rather than panic.
			return uint64(time.Now().UnixNano()) | 1
		}
		if id := binary.BigEndian.Uint64(b[:]); id != 0 {
			return id
		}
	}
}
