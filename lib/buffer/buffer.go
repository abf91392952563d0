package buffer

import (
	"encoding/binary"
	"math"
)

// Buffer is a growable byte slice. The zero value is ready to use.
type Buffer struct {
	data []byte
}

// NewBuffer creates a buffer with the given capacity
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Reset truncates the buffer, keeping its capacity
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// Len returns the number of bytes written
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the capacity of the underlying slice
func (b *Buffer) Cap() int { return cap(b.data) }

// Bytes returns the written bytes. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Grow ensures room for n more bytes without another allocation
func (b *Buffer) Grow(n int) {
	if len(b.data)+n <= cap(b.data) {
		return
	}
	newCap := cap(b.data) * 2
	if newCap < len(b.data)+n {
		newCap = len(b.data) + n
	}
	data := make([]byte, len(b.data), newCap)
	copy(data, b.data)
	b.data = data
}

// Resize sets the length to n, growing the capacity when needed. Existing
// bytes up to min(old length, n) are kept. Used to make room for a response
// whose declared length is known.
func (b *Buffer) Resize(n int) []byte {
	if n > cap(b.data) {
		b.Grow(n - len(b.data))
	}
	b.data = b.data[:n]
	return b.data
}

// --------------------------------------------------------------------------
// Append Methods
// --------------------------------------------------------------------------

func (b *Buffer) WriteUint8(v uint8) {
	b.data = append(b.data, v)
}

func (b *Buffer) WriteUint16(v uint16) {
	b.data = binary.BigEndian.AppendUint16(b.data, v)
}

func (b *Buffer) WriteUint32(v uint32) {
	b.data = binary.BigEndian.AppendUint32(b.data, v)
}

func (b *Buffer) WriteUint64(v uint64) {
	b.data = binary.BigEndian.AppendUint64(b.data, v)
}

func (b *Buffer) WriteInt64(v int64) {
	b.WriteUint64(uint64(v))
}

func (b *Buffer) WriteFloat64(v float64) {
	b.WriteUint64(math.Float64bits(v))
}

func (b *Buffer) WriteBytes(p []byte) {
	b.data = append(b.data, p...)
}

func (b *Buffer) WriteString(s string) {
	b.data = append(b.data, s...)
}

// WriteZeros appends n zero bytes and returns the offset of the first one
func (b *Buffer) WriteZeros(n int) int {
	off := len(b.data)
	b.Grow(n)
	b.data = b.data[:off+n]
	clear(b.data[off:])
	return off
}

// --------------------------------------------------------------------------
// Back-patching
// --------------------------------------------------------------------------

func (b *Buffer) PutUint8At(off int, v uint8) {
	b.data[off] = v
}

func (b *Buffer) PutUint16At(off int, v uint16) {
	binary.BigEndian.PutUint16(b.data[off:], v)
}

func (b *Buffer) PutUint32At(off int, v uint32) {
	binary.BigEndian.PutUint32(b.data[off:], v)
}

func (b *Buffer) PutUint64At(off int, v uint64) {
	binary.BigEndian.PutUint64(b.data[off:], v)
}
