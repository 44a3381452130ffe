package fraisewire

// readBuffer is a growable byte buffer used to accumulate bytes read off the
// transport and decode messages from it. It never moves bytes in place while
// previously decoded slices (e.g. DataRow column data) may still be
// referenced — see Compact for the one safe point to reclaim space.
//
// data[:start] has been decoded and handed out as message slices.
// data[start:end] is the undecoded tail.
type readBuffer struct {
	data  []byte
	start int
	end   int
}

func newReadBuffer(initialCap int) *readBuffer {
	if initialCap <= 0 {
		initialCap = 4096
	}
	return &readBuffer{data: make([]byte, initialCap)}
}

// Unread returns the undecoded tail.
func (b *readBuffer) Unread() []byte {
	return b.data[b.start:b.end]
}

// Grow ensures at least n more bytes of spare capacity exist after end,
// growing the backing array if necessary. It never shifts existing bytes —
// only Compact does that, and only when the caller has proven it's safe.
func (b *readBuffer) Grow(n int) {
	if cap(b.data)-b.end >= n {
		return
	}
	needed := b.end - b.start + n
	newCap := cap(b.data) * 2
	if newCap < needed {
		newCap = needed
	}
	if newCap < 4096 {
		newCap = 4096
	}
	fresh := make([]byte, newCap)
	copy(fresh, b.data[b.start:b.end])
	b.data = fresh
	b.end -= b.start
	b.start = 0
}

// WriteSlot returns a slice with n bytes of spare capacity appended after
// end, for a transport read to fill. The caller must call Advance(n) with
// however many bytes were actually written.
func (b *readBuffer) WriteSlot(n int) []byte {
	b.Grow(n)
	return b.data[b.end : b.end+n]
}

// Advance records that n bytes were written into the slot returned by the
// most recent WriteSlot call.
func (b *readBuffer) Advance(n int) {
	b.end += n
}

// Consume marks n bytes of the undecoded tail as decoded.
func (b *readBuffer) Consume(n int) {
	b.start += n
}

// Compact reclaims the decoded prefix by shifting the undecoded tail to the
// front of the backing array. Callers must only call this when no slice
// previously returned from decode (e.g. a DataRow column) is still
// referenced — see codec.go / conn.go for the discipline (compaction happens
// only right after a chunk flush, once every outstanding row has already
// been parsed into a JSON value).
func (b *readBuffer) Compact() {
	if b.start == 0 {
		return
	}
	n := copy(b.data, b.data[b.start:b.end])
	b.start = 0
	b.end = n
}
