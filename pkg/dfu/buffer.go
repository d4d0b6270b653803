package dfu

// StreamBuffer is a bounded FIFO ring of bytes with pause and resume
// watermarks. It is not safe for concurrent use.
type StreamBuffer struct {
	data []byte
	head int
	n    int

	high int
	low  int
}

// NewStreamBuffer creates a buffer of the given capacity. high and low are
// the pause and resume watermarks.
func NewStreamBuffer(capacity, high, low int) *StreamBuffer {
	return &StreamBuffer{
		data: make([]byte, capacity),
		high: high,
		low:  low,
	}
}

// Push appends p. It stores nothing and returns false if p does not fit.
func (b *StreamBuffer) Push(p []byte) bool {
	if len(p) > b.Free() {
		return false
	}
	tail := (b.head + b.n) % len(b.data)
	k := copy(b.data[tail:], p)
	copy(b.data, p[k:])
	b.n += len(p)
	return true
}

// Pop removes and returns up to max bytes from the head.
func (b *StreamBuffer) Pop(max int) []byte {
	if max > b.n {
		max = b.n
	}
	if max <= 0 {
		return nil
	}
	out := make([]byte, max)
	k := copy(out, b.data[b.head:])
	copy(out[k:], b.data)
	b.head = (b.head + max) % len(b.data)
	b.n -= max
	if b.n == 0 {
		b.head = 0
	}
	return out
}

// Reset drops all buffered bytes.
func (b *StreamBuffer) Reset() {
	b.head = 0
	b.n = 0
}

func (b *StreamBuffer) Len() int    { return b.n }
func (b *StreamBuffer) Cap() int    { return len(b.data) }
func (b *StreamBuffer) Free() int   { return len(b.data) - b.n }
func (b *StreamBuffer) Empty() bool { return b.n == 0 }

// AboveHigh reports whether the occupancy reached the pause watermark.
func (b *StreamBuffer) AboveHigh() bool { return b.n >= b.high }

// BelowLow reports whether the occupancy drained to the resume watermark.
func (b *StreamBuffer) BelowLow() bool { return b.n <= b.low }
