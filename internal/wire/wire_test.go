package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := &Frame{
		CorrelationID: 42,
		PartitionID:   7,
		MessageType:   101,
		Flags:         FlagEvent,
		Body:          []byte("payload"),
	}
	encoded := Encode(f)

	r := NewReader(0)
	r.Feed(encoded)
	got, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, f.CorrelationID, got.CorrelationID)
	require.Equal(t, f.PartitionID, got.PartitionID)
	require.Equal(t, f.MessageType, got.MessageType)
	require.Equal(t, f.Flags, got.Flags)
	require.Equal(t, f.Body, got.Body)
	require.True(t, got.IsEvent())
}

func TestNextReturnsFalseOnPartialFrame(t *testing.T) {
	f := &Frame{CorrelationID: 1, MessageType: 2, Body: []byte("abc")}
	encoded := Encode(f)

	r := NewReader(0)
	r.Feed(encoded[:len(encoded)-2])
	got, ok, err := r.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, got)
}

func TestReadAllDrainsMultipleFrames(t *testing.T) {
	a := Encode(&Frame{CorrelationID: 1, Body: []byte("a")})
	b := Encode(&Frame{CorrelationID: 2, Body: []byte("b")})

	r := NewReader(0)
	r.Feed(append(a, b...))

	var got []int64
	require.NoError(t, r.ReadAll(func(f *Frame) {
		got = append(got, f.CorrelationID)
	}))
	require.Equal(t, []int64{1, 2}, got)
}

func TestNextRejectsFrameShorterThanHeader(t *testing.T) {
	buf := make([]byte, 4)
	buf[3] = 2 // declares a 2-byte body, shorter than the fixed header

	r := NewReader(0)
	r.Feed(buf)
	_, _, err := r.Next()
	require.Error(t, err)
}

func TestReadPreambleAcceptsExactMatch(t *testing.T) {
	buf := bytes.NewReader(Preamble[:])
	require.NoError(t, ReadPreamble(buf))
}

func TestReadPreambleRejectsMismatch(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x00, 0x00})
	require.Error(t, ReadPreamble(buf))
}

func TestFeedGrowsBufferAcrossMultipleWrites(t *testing.T) {
	r := NewReader(4)
	f := &Frame{CorrelationID: 99, Body: bytes.Repeat([]byte("x"), 1000)}
	encoded := Encode(f)

	for i := 0; i < len(encoded); i += 7 {
		end := i + 7
		if end > len(encoded) {
			end = len(encoded)
		}
		r.Feed(encoded[i:end])
	}

	got, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, f.Body, got.Body)
}
