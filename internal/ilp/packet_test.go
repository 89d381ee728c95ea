package ilp

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, raw string) Address {
	t.Helper()
	a, err := ParseAddress(raw)
	require.NoError(t, err)
	return a
}

func TestPrepareRoundTrip(t *testing.T) {
	cond := sha256.Sum256([]byte("preimage"))
	p := Prepare{
		Amount:             1000,
		ExpiresAt:          time.Unix(1700000000, 0).UTC(),
		ExecutionCondition: cond,
		Destination:        mustAddr(t, "g.bob.alice"),
		Data:               []byte("hello"),
	}

	wire := p.Serialize()
	parsed, err := Parse(wire)
	require.NoError(t, err)

	again := parsed.(Prepare).Serialize()
	require.Equal(t, wire, again, "round-trip must be byte-identical")

	pp := parsed.(Prepare)
	require.Equal(t, p.Amount, pp.Amount)
	require.Equal(t, p.ExpiresAt.Unix(), pp.ExpiresAt.Unix())
	require.Equal(t, p.ExecutionCondition, pp.ExecutionCondition)
	require.Equal(t, p.Destination.String(), pp.Destination.String())
	require.Equal(t, p.Data, pp.Data)
}

func TestFulfillRoundTrip(t *testing.T) {
	var fulfillment [32]byte
	copy(fulfillment[:], []byte("0123456789abcdef0123456789abcde"))
	f := Fulfill{Fulfillment: fulfillment, Data: []byte("resp")}

	wire := f.Serialize()
	parsed, err := Parse(wire)
	require.NoError(t, err)
	require.Equal(t, wire, parsed.(Fulfill).Serialize())
}

func TestRejectRoundTrip(t *testing.T) {
	r := Reject{
		Code:        F02UnreachableDestination,
		TriggeredBy: mustAddr(t, "g.connector"),
		Message:     "no route",
		Data:        nil,
	}

	wire := r.Serialize()
	parsed, err := Parse(wire)
	require.NoError(t, err)
	require.Equal(t, wire, parsed.(Reject).Serialize())

	pr := parsed.(Reject)
	require.Equal(t, r.Code, pr.Code)
	require.Equal(t, r.Message, pr.Message)
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte{99, 0})
	require.ErrorIs(t, err, ErrParse)
}

func TestParseTruncatedBuffer(t *testing.T) {
	_, err := Parse([]byte{byte(TypePrepare)})
	require.ErrorIs(t, err, ErrParse)
}

func TestCheckCondition(t *testing.T) {
	var fulfillment [32]byte
	copy(fulfillment[:], []byte("X"))
	condition := sha256.Sum256(fulfillment[:])

	require.True(t, CheckCondition(fulfillment, condition))

	var wrong [32]byte
	copy(wrong[:], []byte("Y"))
	require.False(t, CheckCondition(wrong, condition))
}

func TestAddressPrefixMatching(t *testing.T) {
	a := mustAddr(t, "g.bob.alice.sub")
	prefix := mustAddr(t, "g.bob.alice")
	require.True(t, a.HasPrefix(prefix))

	notPrefix := mustAddr(t, "g.bobby")
	require.False(t, a.HasPrefix(notPrefix))
}

func TestAddressValidation(t *testing.T) {
	_, err := ParseAddress("nope")
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = ParseAddress("g.has a space")
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = ParseAddress("g.valid-seg_ment~1")
	require.NoError(t, err)
}
