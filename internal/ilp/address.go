package ilp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAddress is returned when a candidate ILP address fails
// validation.
var ErrInvalidAddress = errors.New("ilp: invalid address")

// allocationSchemes are the first-segment prefixes the core recognizes.
// Matches the ILP address allocation scheme registry.
var allocationSchemes = map[string]bool{
	"g":       true,
	"test":    true,
	"test1":   true,
	"test2":   true,
	"test3":   true,
	"private": true,
	"example": true,
	"peer":    true,
	"self":    true,
	"local":   true,
}

const maxAddressLength = 1023

// Address is an immutable, validated ILP address.
type Address struct {
	value    string
	segments []string
}

// ParseAddress validates and constructs an Address from a raw string.
func ParseAddress(raw string) (Address, error) {
	if raw == "" || len(raw) > maxAddressLength {
		return Address{}, fmt.Errorf("%w: length", ErrInvalidAddress)
	}

	segments := strings.Split(raw, ".")
	if len(segments) < 2 {
		return Address{}, fmt.Errorf("%w: needs at least scheme + one segment", ErrInvalidAddress)
	}

	if !allocationSchemes[segments[0]] {
		return Address{}, fmt.Errorf("%w: unknown allocation scheme %q", ErrInvalidAddress, segments[0])
	}

	for _, seg := range segments {
		if !validSegment(seg) {
			return Address{}, fmt.Errorf("%w: invalid segment %q", ErrInvalidAddress, seg)
		}
	}

	return Address{value: raw, segments: segments}, nil
}

func validSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '~' || r == '-':
		default:
			return false
		}
	}
	return true
}

// String returns the canonical dotted representation.
func (a Address) String() string { return a.value }

// Segments returns the dot-separated segments.
func (a Address) Segments() []string { return a.segments }

// IsZero reports whether this Address was never populated via ParseAddress.
func (a Address) IsZero() bool { return a.value == "" }

// HasPrefix reports whether prefix is a segment-aligned prefix of a
// (including a itself).
func (a Address) HasPrefix(prefix Address) bool {
	if len(prefix.segments) > len(a.segments) {
		return false
	}
	for i, seg := range prefix.segments {
		if a.segments[i] != seg {
			return false
		}
	}
	return true
}
