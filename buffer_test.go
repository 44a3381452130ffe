package fraisewire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadBufferWriteAdvanceConsume(t *testing.T) {
	b := newReadBuffer(16)
	slot := b.WriteSlot(5)
	copy(slot, "hello")
	b.Advance(5)

	require.Equal(t, "hello", string(b.Unread()))
	b.Consume(3)
	require.Equal(t, "lo", string(b.Unread()))
}

func TestReadBufferGrowsWithoutLosingData(t *testing.T) {
	b := newReadBuffer(4)
	slot := b.WriteSlot(4)
	copy(slot, "abcd")
	b.Advance(4)

	slot = b.WriteSlot(100)
	copy(slot, "efgh")
	b.Advance(4)

	require.Equal(t, "abcdefgh", string(b.Unread()))
}

func TestReadBufferCompactShiftsUndecodedTail(t *testing.T) {
	b := newReadBuffer(16)
	slot := b.WriteSlot(10)
	copy(slot, "0123456789")
	b.Advance(10)
	b.Consume(7)

	b.Compact()
	require.Equal(t, "789", string(b.Unread()))
	require.Equal(t, 0, b.start)
}

func TestReadBufferCompactNoOpWhenAlreadyAtFront(t *testing.T) {
	b := newReadBuffer(16)
	slot := b.WriteSlot(4)
	copy(slot, "abcd")
	b.Advance(4)
	b.Compact()
	require.Equal(t, "abcd", string(b.Unread()))
}

func TestReadBufferGrowKeepsCapacityWhenSufficient(t *testing.T) {
	b := newReadBuffer(4096)
	before := cap(b.data)
	b.Grow(10)
	require.Equal(t, before, cap(b.data), "expected no growth when capacity already sufficient")
}
