package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAppendAndPatch(t *testing.T) {
	b := NewBuffer(4)
	off := b.WriteZeros(4)
	b.WriteUint8(1)
	b.WriteUint16(0x0203)
	b.WriteUint64(0x0405060708090a0b)
	b.WriteString("xy")
	b.PutUint32At(off, uint32(b.Len()))

	require.Equal(t, 17, b.Len())
	assert.Equal(t, []byte{0, 0, 0, 17, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 'x', 'y'}, b.Bytes())

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.GreaterOrEqual(t, b.Cap(), 17)
}

func TestBufferResizeKeepsPrefix(t *testing.T) {
	var b Buffer
	b.WriteBytes([]byte{1, 2, 3})
	p := b.Resize(1000)
	require.Len(t, p, 1000)
	assert.Equal(t, []byte{1, 2, 3}, p[:3])
}

func TestCursorReads(t *testing.T) {
	c := NewCursor([]byte{1, 0, 2, 0, 0, 0, 3, 'a', 'b', 'c'})
	assert.Equal(t, uint8(1), c.Uint8())
	assert.Equal(t, uint16(2), c.Uint16())
	assert.Equal(t, uint32(3), c.Uint32())
	v, ok := c.Peek(0)
	assert.True(t, ok)
	assert.Equal(t, uint8('a'), v)
	assert.Equal(t, "abc", c.String(3))
	assert.Equal(t, 0, c.Remaining())
	assert.NoError(t, c.Err())
}

func TestCursorShortReadIsSticky(t *testing.T) {
	c := NewCursor([]byte{1, 2})
	assert.Equal(t, uint32(0), c.Uint32())
	assert.ErrorIs(t, c.Err(), ErrShortBuffer)
	// later reads keep failing even if they would fit
	assert.Equal(t, uint8(0), c.Uint8())
	assert.Nil(t, c.Bytes(-1))
	assert.ErrorIs(t, c.Err(), ErrShortBuffer)
}

func TestCursorSub(t *testing.T) {
	c := NewCursor([]byte{0, 5, 9, 9})
	sub := c.Sub(2)
	assert.Equal(t, uint16(5), sub.Uint16())
	sub.Uint8()
	assert.Error(t, sub.Err())
	assert.NoError(t, c.Err())
	assert.Equal(t, 2, c.Remaining())

	bad := c.Sub(10)
	assert.Error(t, bad.Err())
	assert.Error(t, c.Err())
}

func TestPoolReuse(t *testing.T) {
	p := NewPool(100, 4096, 2)
	require.Equal(t, 128, p.Min)

	b := p.Get(200)
	assert.GreaterOrEqual(t, b.Cap(), 256)
	p.Put(b)
	assert.Equal(t, 1, p.Idle())

	again := p.Get(256)
	assert.Same(t, b, again)
	assert.Equal(t, 0, again.Len())
	assert.Equal(t, 1, p.Allocated())
}

func TestPoolOversizeNotKept(t *testing.T) {
	p := NewPool(64, 1024, 4)
	big := p.Get(5000)
	assert.GreaterOrEqual(t, big.Cap(), 5000)
	p.Put(big)
	assert.Equal(t, 0, p.Idle())
}

func TestPoolTierLimit(t *testing.T) {
	p := NewPool(64, 1024, 1)
	a, b := p.Get(64), p.Get(64)
	p.Put(a)
	p.Put(b)
	assert.Equal(t, 1, p.Idle())
}

func TestPoolGrownBufferFiledUnderCoveredTier(t *testing.T) {
	p := NewPool(64, 4096, 4)
	b := p.Get(64)
	b.Resize(700)
	p.Put(b)

	// capacity >= 512 so the 512 tier can hand it out
	got := p.Get(512)
	assert.Same(t, b, got)
}

func TestPoolDefaultSizeFollowsHistogram(t *testing.T) {
	p := NewPool(64, 1<<20, 4)
	for i := 0; i < 10; i++ {
		p.Observe(3000)
	}
	b := p.Get(0)
	assert.GreaterOrEqual(t, b.Cap(), 3000)
}
