// Package ilp implements the Prepare/Fulfill/Reject packet model: value
// types, canonical OER serialization, and the execution-condition
// integrity check. Parsing and serialization are pure functions; nothing
// here performs I/O or enforces the packet state machine (that lives in
// the handler package).
package ilp

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilp-connector/connector/internal/oer"
)

// PacketType is the first byte of every serialized ILP packet.
type PacketType uint8

const (
	TypePrepare PacketType = 12
	TypeFulfill PacketType = 13
	TypeReject  PacketType = 14
)

const (
	maxDataLen    = 32767
	maxMessageLen = 8192
	conditionLen  = 32
	fulfillLen    = 32
)

// ErrParse is returned for any malformed-wire-format condition. Callers
// at the session boundary treat ErrParse as cause to close the session,
// per spec §7 — it is never propagated upstream as a Reject.
var ErrParse = errors.New("ilp: parse error")

// Packet is the common interface satisfied by Prepare, Fulfill, and Reject.
type Packet interface {
	Type() PacketType
	Serialize() []byte
}

// Prepare is an ILP Prepare packet.
type Prepare struct {
	Amount              uint64
	ExpiresAt           time.Time
	ExecutionCondition  [32]byte
	Destination         Address
	Data                []byte
}

func (p Prepare) Type() PacketType { return TypePrepare }

// Fulfill is an ILP Fulfill packet.
type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

func (f Fulfill) Type() PacketType { return TypeFulfill }

// Reject is an ILP Reject packet.
type Reject struct {
	Code        ErrorCode
	TriggeredBy Address
	Message     string
	Data        []byte
}

func (r Reject) Type() PacketType { return TypeReject }

// Serialize encodes a Prepare packet: type byte followed by a
// varoctet-wrapped body of amount, expiry, condition, destination, data.
func (p Prepare) Serialize() []byte {
	body := make([]byte, 0, 8+8+conditionLen+len(p.Destination.String())+len(p.Data)+16)
	body = append(body, oer.WriteUint64(p.Amount)...)
	body = append(body, oer.WriteUint64(uint64(p.ExpiresAt.UnixNano()))...)
	body = append(body, p.ExecutionCondition[:]...)
	body = append(body, oer.WriteVarOctetString([]byte(p.Destination.String()))...)
	body = append(body, oer.WriteVarOctetString(p.Data)...)

	out := make([]byte, 0, len(body)+9)
	out = append(out, byte(TypePrepare))
	out = append(out, oer.WriteVarOctetString(body)...)
	return out
}

func (f Fulfill) Serialize() []byte {
	body := make([]byte, 0, fulfillLen+len(f.Data)+8)
	body = append(body, f.Fulfillment[:]...)
	body = append(body, oer.WriteVarOctetString(f.Data)...)

	out := make([]byte, 0, len(body)+9)
	out = append(out, byte(TypeFulfill))
	out = append(out, oer.WriteVarOctetString(body)...)
	return out
}

func (r Reject) Serialize() []byte {
	body := make([]byte, 0, 3+len(r.TriggeredBy.String())+len(r.Message)+len(r.Data)+24)
	body = append(body, []byte(r.Code)...)
	body = append(body, oer.WriteVarOctetString([]byte(r.TriggeredBy.String()))...)
	body = append(body, oer.WriteVarOctetString([]byte(r.Message))...)
	body = append(body, oer.WriteVarOctetString(r.Data)...)

	out := make([]byte, 0, len(body)+9)
	out = append(out, byte(TypeReject))
	out = append(out, oer.WriteVarOctetString(body)...)
	return out
}

// Parse decodes a complete wire-format ILP packet.
func Parse(buf []byte) (Packet, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: empty buffer", ErrParse)
	}

	body, _, err := oer.ReadVarOctetString(buf, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrParse, err)
	}

	switch PacketType(buf[0]) {
	case TypePrepare:
		return parsePrepare(body)
	case TypeFulfill:
		return parseFulfill(body)
	case TypeReject:
		return parseReject(body)
	default:
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrParse, buf[0])
	}
}

func parsePrepare(body []byte) (Prepare, error) {
	var p Prepare
	off := 0

	amount, n, err := oer.ReadUint64(body, off)
	if err != nil {
		return p, fmt.Errorf("%w: amount: %v", ErrParse, err)
	}
	off += n

	expiresRaw, n, err := oer.ReadUint64(body, off)
	if err != nil {
		return p, fmt.Errorf("%w: expiresAt: %v", ErrParse, err)
	}
	off += n

	if off+conditionLen > len(body) {
		return p, fmt.Errorf("%w: condition: %v", ErrParse, oer.ErrBufferUnderflow)
	}
	var condition [32]byte
	copy(condition[:], body[off:off+conditionLen])
	off += conditionLen

	destRaw, n, err := oer.ReadVarOctetString(body, off)
	if err != nil {
		return p, fmt.Errorf("%w: destination: %v", ErrParse, err)
	}
	off += n

	dest, err := ParseAddress(string(destRaw))
	if err != nil {
		return p, fmt.Errorf("%w: destination: %v", ErrParse, err)
	}

	data, n, err := oer.ReadVarOctetString(body, off)
	if err != nil {
		return p, fmt.Errorf("%w: data: %v", ErrParse, err)
	}
	if len(data) > maxDataLen {
		return p, fmt.Errorf("%w: data exceeds %d bytes", ErrParse, maxDataLen)
	}

	return Prepare{
		Amount:             amount,
		ExpiresAt:          time.Unix(0, int64(expiresRaw)).UTC(),
		ExecutionCondition: condition,
		Destination:        dest,
		Data:               data,
	}, nil
}

func parseFulfill(body []byte) (Fulfill, error) {
	var f Fulfill
	if len(body) < fulfillLen {
		return f, fmt.Errorf("%w: fulfillment: %v", ErrParse, oer.ErrBufferUnderflow)
	}
	copy(f.Fulfillment[:], body[:fulfillLen])

	data, _, err := oer.ReadVarOctetString(body, fulfillLen)
	if err != nil {
		return f, fmt.Errorf("%w: data: %v", ErrParse, err)
	}
	if len(data) > maxDataLen {
		return f, fmt.Errorf("%w: data exceeds %d bytes", ErrParse, maxDataLen)
	}
	f.Data = data
	return f, nil
}

func parseReject(body []byte) (Reject, error) {
	var r Reject
	if len(body) < 3 {
		return r, fmt.Errorf("%w: code: %v", ErrParse, oer.ErrBufferUnderflow)
	}
	r.Code = ErrorCode(body[:3])
	off := 3

	triggeredRaw, n, err := oer.ReadVarOctetString(body, off)
	if err != nil {
		return r, fmt.Errorf("%w: triggeredBy: %v", ErrParse, err)
	}
	off += n
	if len(triggeredRaw) > 0 {
		addr, err := ParseAddress(string(triggeredRaw))
		if err != nil {
			return r, fmt.Errorf("%w: triggeredBy: %v", ErrParse, err)
		}
		r.TriggeredBy = addr
	}

	msgRaw, n, err := oer.ReadVarOctetString(body, off)
	if err != nil {
		return r, fmt.Errorf("%w: message: %v", ErrParse, err)
	}
	if len(msgRaw) > maxMessageLen {
		return r, fmt.Errorf("%w: message exceeds %d bytes", ErrParse, maxMessageLen)
	}
	off += n
	r.Message = string(msgRaw)

	data, _, err := oer.ReadVarOctetString(body, off)
	if err != nil {
		return r, fmt.Errorf("%w: data: %v", ErrParse, err)
	}
	if len(data) > maxDataLen {
		return r, fmt.Errorf("%w: data exceeds %d bytes", ErrParse, maxDataLen)
	}
	r.Data = data
	return r, nil
}
