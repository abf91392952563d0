package buffer

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortBuffer is recorded by a Cursor when a read runs past the end
var ErrShortBuffer = errors.New("buffer: read past end of data")

// Cursor reads big-endian values from a byte slice with bounds checks.
type Cursor struct {
	data []byte
	pos  int
	err  error
}

// NewCursor creates a cursor positioned at the start of data
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data}
}

// Reset points the cursor at new data
func (c *Cursor) Reset(data []byte) {
	c.data = data
	c.pos = 0
	c.err = nil
}

// Err returns the first error encountered
func (c *Cursor) Err() error { return c.err }

// Pos returns the current offset
func (c *Cursor) Pos() int { return c.pos }

// Len returns the total length of the data
func (c *Cursor) Len() int { return len(c.data) }

// Remaining returns the number of unread bytes
func (c *Cursor) Remaining() int { return len(c.data) - c.pos }

// take returns the next n bytes or nil after recording ErrShortBuffer
func (c *Cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || n > len(c.data)-c.pos {
		c.err = ErrShortBuffer
		c.pos = len(c.data)
		return nil
	}
	p := c.data[c.pos : c.pos+n]
	c.pos += n
	return p
}

func (c *Cursor) Uint8() uint8 {
	p := c.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (c *Cursor) Uint16() uint16 {
	p := c.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (c *Cursor) Uint32() uint32 {
	p := c.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (c *Cursor) Uint64() uint64 {
	p := c.take(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

func (c *Cursor) Int64() int64 {
	return int64(c.Uint64())
}

func (c *Cursor) Float64() float64 {
	return math.Float64frombits(c.Uint64())
}

// Bytes returns the next n bytes. The slice aliases the underlying data.
func (c *Cursor) Bytes(n int) []byte {
	return c.take(n)
}

// CopyBytes returns a copy of the next n bytes
func (c *Cursor) CopyBytes(n int) []byte {
	p := c.take(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

// String returns the next n bytes as a string
func (c *Cursor) String(n int) string {
	return string(c.take(n))
}

// Skip advances by n bytes
func (c *Cursor) Skip(n int) {
	c.take(n)
}

// Peek returns the byte at offset pos+off without advancing
func (c *Cursor) Peek(off int) (uint8, bool) {
	i := c.pos + off
	if c.err != nil || i < 0 || i >= len(c.data) {
		return 0, false
	}
	return c.data[i], true
}

// Sub returns a cursor over the next n bytes and advances past them. Errors
// inside the sub cursor do not affect the parent.
func (c *Cursor) Sub(n int) *Cursor {
	p := c.take(n)
	if p == nil {
		return &Cursor{err: ErrShortBuffer}
	}
	return &Cursor{data: p}
}
