package buffer

import (
	"math/bits"

	"github.com/ValentinKolb/aeroloop/lib/util"
)

// Pool is a per-event-loop buffer pool with power-of-two tiers between Min
// and Max. Buffers larger than Max are allocated on demand and dropped on Put.
//
// Not thread-safe: each event loop owns its own Pool.
type Pool struct {
	Min int
	Max int

	tiers     [][]*Buffer
	perTier   int
	sizes     *util.SizeHistogram
	allocated int
}

// NewPool creates a pool. The sizes are rounded up to powers of two.
// perTier bounds the number of idle buffers kept per tier.
func NewPool(minSize, maxSize, perTier int) *Pool {
	minSize = roundPow2(max(minSize, 64))
	maxSize = roundPow2(max(maxSize, minSize))
	if perTier <= 0 {
		perTier = 64
	}

	p := &Pool{
		Min:     minSize,
		Max:     maxSize,
		perTier: perTier,
		sizes:   util.NewSizeHistogram(),
	}
	p.tiers = make([][]*Buffer, tierIndex(maxSize, minSize)+1)
	return p
}

// Get returns an empty buffer with capacity of at least size. If size is zero
// the pool picks the size that fits 90% of the requests it has seen.
func (p *Pool) Get(size int) *Buffer {
	if size <= 0 {
		size = p.sizes.GetPercentileEstimate(90)
	} else {
		p.sizes.AddSample(size)
	}
	if size < p.Min {
		size = p.Min
	}
	if size > p.Max {
		p.allocated++
		return NewBuffer(size)
	}

	size = roundPow2(size)
	idx := tierIndex(size, p.Min)
	tier := p.tiers[idx]
	if n := len(tier); n > 0 {
		b := tier[n-1]
		tier[n-1] = nil
		p.tiers[idx] = tier[:n-1]
		b.Reset()
		return b
	}
	p.allocated++
	return NewBuffer(size)
}

// Put returns a buffer to its tier. Buffers outside [Min, Max] or beyond the
// idle limit of their tier are dropped.
func (p *Pool) Put(b *Buffer) {
	if b == nil {
		return
	}
	c := b.Cap()
	if c < p.Min || c > p.Max {
		return
	}
	// a grown buffer is filed under the largest tier it fully covers
	idx := tierIndex(1<<(bits.Len(uint(c))-1), p.Min)
	if len(p.tiers[idx]) >= p.perTier {
		return
	}
	b.Reset()
	p.tiers[idx] = append(p.tiers[idx], b)
}

// Observe records the size of a response that was read into a pooled buffer
func (p *Pool) Observe(size int) {
	p.sizes.AddSample(size)
}

// Sizes returns the histogram of requested and observed sizes
func (p *Pool) Sizes() *util.SizeHistogram {
	return p.sizes
}

// Idle returns the number of buffers currently held by the pool
func (p *Pool) Idle() int {
	n := 0
	for _, t := range p.tiers {
		n += len(t)
	}
	return n
}

// Allocated returns the number of buffers the pool had to allocate
func (p *Pool) Allocated() int {
	return p.allocated
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func tierIndex(size, min int) int {
	return bits.Len(uint(size)) - bits.Len(uint(min))
}

func roundPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
