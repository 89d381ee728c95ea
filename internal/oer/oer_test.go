package oer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVarUintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 255, 256, 65535, 1 << 32, 1<<63 - 1}
	for _, v := range cases {
		encoded := WriteVarUint(v)
		decoded, n, err := ReadVarUint(encoded, 0)
		require.NoError(t, err)
		require.Equal(t, len(encoded), n)
		require.Equal(t, v, decoded)
	}
}

func TestVarUintSingleByteForSmallValues(t *testing.T) {
	require.Equal(t, []byte{0x05}, WriteVarUint(5))
	require.Equal(t, []byte{0x81, 0x80}, WriteVarUint(128))
}

func TestReadVarUintInvalidLengthOfLength(t *testing.T) {
	buf := []byte{0x80 | 9} // length-of-length 9 > 8
	_, _, err := ReadVarUint(buf, 0)
	require.ErrorIs(t, err, ErrInvalidLength)
}

func TestReadVarUintBufferUnderflow(t *testing.T) {
	buf := []byte{0x82, 0x01} // claims 2 value bytes, only 1 present
	_, _, err := ReadVarUint(buf, 0)
	require.ErrorIs(t, err, ErrBufferUnderflow)
}

func TestVarOctetStringRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 300)
	encoded := WriteVarOctetString(data)
	decoded, n, err := ReadVarOctetString(encoded, 0)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.True(t, bytes.Equal(data, decoded))
}

func TestVarOctetStringIsZeroCopy(t *testing.T) {
	buf := append([]byte{0x03}, []byte("abc")...)
	decoded, _, err := ReadVarOctetString(buf, 0)
	require.NoError(t, err)
	buf[1] = 'X'
	require.Equal(t, byte('X'), decoded[0], "decoded slice must alias the input buffer")
}

func TestVarOctetStringUnderflow(t *testing.T) {
	buf := []byte{0x05, 'a', 'b'}
	_, _, err := ReadVarOctetString(buf, 0)
	require.ErrorIs(t, err, ErrBufferUnderflow)
}

func TestFixedWidthRoundTrip(t *testing.T) {
	u32 := WriteUint32(0xDEADBEEF)
	v, n, err := ReadUint32(u32, 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, uint32(0xDEADBEEF), v)

	u64 := WriteUint64(0x0102030405060708)
	v64, n, err := ReadUint64(u64, 0)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, uint64(0x0102030405060708), v64)
}
