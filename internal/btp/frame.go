// Package btp implements the Bilateral Transfer Protocol framing and
// per-peer session state machine used to carry ILP packets over a
// WebSocket duplex channel.
package btp

import (
	"fmt"

	"github.com/ilp-connector/connector/internal/oer"
)

// MessageType is the first byte of every BTP frame.
type MessageType uint8

const (
	TypeAuth           MessageType = 1
	TypeAuthAck        MessageType = 2
	TypeMessageRequest  MessageType = 3
	TypeMessageResponse MessageType = 4
	TypePing           MessageType = 5
	TypePong           MessageType = 6
	TypeError          MessageType = 7
	TypeDisconnect     MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case TypeAuth:
		return "AUTH"
	case TypeAuthAck:
		return "AUTH_ACK"
	case TypeMessageRequest:
		return "MESSAGE"
	case TypeMessageResponse:
		return "RESPONSE"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeError:
		return "ERROR"
	case TypeDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// ErrShortFrame is returned when a buffer is too small to contain a frame.
var ErrShortFrame = fmt.Errorf("btp: frame too short")

// Frame is a single BTP wire message: a type byte, a correlation id, and
// an opaque payload (an ILP packet for MESSAGE/RESPONSE frames, a
// credential blob for AUTH, empty for PING/PONG/DISCONNECT).
type Frame struct {
	Type      MessageType
	RequestID uint32
	Payload   []byte
}

// Marshal serializes the frame to a single binary WebSocket message.
func (f Frame) Marshal() []byte {
	out := make([]byte, 0, 5+len(f.Payload)+9)
	out = append(out, byte(f.Type))
	out = append(out, oer.WriteUint32(f.RequestID)...)
	out = append(out, oer.WriteVarOctetString(f.Payload)...)
	return out
}

// Unmarshal decodes a single binary WebSocket message into a Frame. The
// returned Payload aliases buf (zero-copy), matching the OER codec's
// convention.
func Unmarshal(buf []byte) (Frame, error) {
	if len(buf) < 5 {
		return Frame{}, ErrShortFrame
	}
	msgType := MessageType(buf[0])
	reqID, n, err := oer.ReadUint32(buf, 1)
	if err != nil {
		return Frame{}, fmt.Errorf("btp: request id: %w", err)
	}
	payload, _, err := oer.ReadVarOctetString(buf, 1+n)
	if err != nil {
		return Frame{}, fmt.Errorf("btp: payload: %w", err)
	}
	return Frame{Type: msgType, RequestID: reqID, Payload: payload}, nil
}
