// Package wire defines the binary frame protocol multiplexing many logical
// streams over one tunnel connection. Frames ride as individual WebSocket
// binary messages; control payloads are JSON, body payloads raw bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is checked during the Auth handshake. Mismatched clients
// are rejected outright rather than attempting partial compatibility.
const ProtocolVersion = 2

// Frame types.
const (
	TypeAuth        uint8 = 1 // client -> server, once, stream 0
	TypeAuthAck     uint8 = 2 // server -> client, once, stream 0
	TypeOpenStream  uint8 = 3 // request meta (server->client) or response meta (client->server)
	TypeData        uint8 = 4 // body chunk, sequenced per stream per direction
	TypeEndStream   uint8 = 5 // half-close one direction; Seq = next unsent data seq
	TypeCloseStream uint8 = 6 // abort with a reason, both directions
	TypeHeartbeat   uint8 = 7 // keepalive, stream 0, echoed by the receiver
	TypeFlowUpdate  uint8 = 8 // credit grant in bytes, per stream
)

// MaxPayload bounds a single frame's payload so one stream's bulk data
// cannot head-of-line block its siblings on the shared connection.
const MaxPayload = 64 * 1024

// headerLen is type(1) + flags(1) + stream id(4) + seq(4) + length(4).
const headerLen = 14

// ControlStream is the reserved stream id for connection-level frames.
const ControlStream uint32 = 0

var (
	ErrShortFrame    = errors.New("wire: frame shorter than header")
	ErrFrameTooLarge = errors.New("wire: payload exceeds maximum frame size")
	ErrLengthMismatch = errors.New("wire: declared payload length mismatch")
)

// Frame is one unit on the tunnel connection.
type Frame struct {
	Type     uint8
	Flags    uint8
	StreamID uint32
	Seq      uint32
	Payload  []byte
}

// Encode serializes the frame into a fresh buffer.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	b := make([]byte, headerLen+len(f.Payload))
	b[0] = f.Type
	b[1] = f.Flags
	binary.BigEndian.PutUint32(b[2:6], f.StreamID)
	binary.BigEndian.PutUint32(b[6:10], f.Seq)
	binary.BigEndian.PutUint32(b[10:14], uint32(len(f.Payload)))
	copy(b[headerLen:], f.Payload)
	return b, nil
}

// Decode parses a frame from one WebSocket message. The payload slice
// aliases b; callers that retain it across reads must copy.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerLen {
		return Frame{}, ErrShortFrame
	}
	length := binary.BigEndian.Uint32(b[10:14])
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if int(length) != len(b)-headerLen {
		return Frame{}, ErrLengthMismatch
	}
	return Frame{
		Type:     b[0],
		Flags:    b[1],
		StreamID: binary.BigEndian.Uint32(b[2:6]),
		Seq:      binary.BigEndian.Uint32(b[6:10]),
		Payload:  b[headerLen:],
	}, nil
}

// EncodeCredit builds a FlowUpdate payload granting n additional bytes.
func EncodeCredit(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// DecodeCredit parses a FlowUpdate payload.
func DecodeCredit(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, errors.New("wire: malformed flow update payload")
	}
	return binary.BigEndian.Uint32(b), nil
}
