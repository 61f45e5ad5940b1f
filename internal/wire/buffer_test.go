package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutBufferWriteEntryRoundTrip(t *testing.T) {
	out := NewOutBuffer(4096)
	wrote, err := out.WriteEntry(func(dst *bytes.Buffer) {
		dst.WriteString("hello")
	})
	require.NoError(t, err)
	require.True(t, wrote)

	got := out.Take()
	require.Equal(t, []byte{0, 5, 'h', 'e', 'l', 'l', 'o'}, got)
	require.Equal(t, 0, out.Len())
}

func TestOutBufferDecliningEntryLeavesBufferUnchanged(t *testing.T) {
	out := NewOutBuffer(4096)
	out.WriteHeartbeat()
	before := out.Len()

	wrote, err := out.WriteEntry(func(dst *bytes.Buffer) {})
	require.NoError(t, err)
	require.False(t, wrote)
	require.Equal(t, before, out.Len())
}

func TestOutBufferEntryTooLarge(t *testing.T) {
	out := NewOutBuffer(1 << 20)
	oversized := make([]byte, MaxEntrySize+1)

	wrote, err := out.WriteEntry(func(dst *bytes.Buffer) {
		dst.Write(oversized)
	})
	require.ErrorIs(t, err, ErrEntryTooLarge)
	require.False(t, wrote)
	require.Equal(t, 0, out.Len())
}

func TestOutBufferMaxFrameSizeAccepted(t *testing.T) {
	out := NewOutBuffer(1 << 20)
	exact := make([]byte, MaxEntrySize)

	wrote, err := out.WriteEntry(func(dst *bytes.Buffer) {
		dst.Write(exact)
	})
	require.NoError(t, err)
	require.True(t, wrote)
}

func TestInBufferAppendPeekAdvance(t *testing.T) {
	in := NewInBuffer(64, 16)
	in.Append([]byte{0, 3, 'a', 'b', 'c'})
	require.Equal(t, 5, in.Remaining())

	lengthPrefix := in.Peek(2)
	require.Equal(t, []byte{0, 3}, lengthPrefix)
	in.Advance(2)

	payload := in.Peek(3)
	require.Equal(t, []byte("abc"), payload)
	in.Advance(3)
	require.Equal(t, 0, in.Remaining())
}

func TestInBufferCompactsAfterConsumption(t *testing.T) {
	in := NewInBuffer(8, 4)
	in.Append([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	in.Advance(9)
	require.Equal(t, 0, in.Remaining())

	// 3 free tail bytes <= maxEntrySize 4, so this Append compacts first.
	in.Append([]byte{10, 11, 12})
	require.Equal(t, 0, in.start)
	require.Equal(t, 3, in.Remaining())
	require.Equal(t, []byte{10, 11, 12}, in.Peek(3))
}

func TestInBufferSurvivesReadLargerThanNominalCapacity(t *testing.T) {
	in := NewInBuffer(4, 4)
	big := bytes.Repeat([]byte{0xAB}, 64)
	in.Append(big)
	require.Equal(t, 64, in.Remaining())
	require.Equal(t, big, in.Peek(64))
}
