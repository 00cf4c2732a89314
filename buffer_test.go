package revent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferWriteReadRoundTrip(t *testing.T) {
	b := NewBuffer()
	n := b.Write([]byte("hello world"))
	require.Equal(t, 11, n)
	require.Equal(t, 11, b.Len())

	dst := make([]byte, 5)
	got := b.Read(dst)
	require.Equal(t, 5, got)
	require.Equal(t, "hello", string(dst))
}

func TestBufferDrainCollectRoundTrip(t *testing.T) {
	b := NewBuffer()
	payload := []byte("hello world. ")
	b.Write(payload)

	out := b.DrainCollect(len(payload))
	require.Equal(t, payload, out)
	require.True(t, b.Empty())
}

func TestBufferDrainBeyondLenClears(t *testing.T) {
	b := NewBuffer()
	b.Write([]byte("abc"))
	b.Drain(100)
	require.True(t, b.Empty())
	require.Equal(t, 0, b.Len())
}

func TestBufferClearIsIdempotent(t *testing.T) {
	b := NewBuffer()
	b.Write([]byte("abc"))
	b.Clear()
	b.Clear()
	require.True(t, b.Empty())
}

func TestBufferReadOnEmptyReturnsZero(t *testing.T) {
	b := NewBuffer()
	dst := make([]byte, 10)
	require.Equal(t, 0, b.Read(dst))
}

func TestBufferGrowsAcrossManyWrites(t *testing.T) {
	b := NewBuffer()
	chunk := make([]byte, 100)
	for i := 0; i < 1000; i++ {
		b.Write(chunk)
	}
	require.Equal(t, 100000, b.Len())
}

func TestBufferPartialDrainPreservesTail(t *testing.T) {
	b := NewBuffer()
	b.Write([]byte("0123456789"))
	b.Drain(4)
	require.Equal(t, "456789", string(b.Bytes()))
}
