package util

import (
	"math"
	"sort"
	"sync/atomic"
)

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// sizeBoundaries are the upper bounds of the histogram buckets, from 512B to
// 128MiB (the largest accepted proto payload). A final bucket counts
// everything above.
var sizeBoundaries = []int{
	512, 1 << 10, 2 << 10, 4 << 10, 8 << 10, 16 << 10, 32 << 10, 64 << 10,
	128 << 10, 256 << 10, 512 << 10, 1 << 20, 4 << 20, 16 << 20, 64 << 20, 128 << 20,
}

// SizeHistogram tracks the distribution of message sizes with exponential
// buckets. The owning event loop adds samples, while metrics and tools may
// read concurrently, so all counters are atomic.
type SizeHistogram struct {
	buckets [17]atomic.Int64
	count   atomic.Int64
	sum     atomic.Int64
	max     atomic.Int64
}

// NewSizeHistogram creates an empty histogram
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{}
}

// AddSample adds a size sample to the histogram
func (h *SizeHistogram) AddSample(size int) {
	h.buckets[bucketFor(size)].Add(1)
	h.count.Add(1)
	h.sum.Add(int64(size))
	for {
		cur := h.max.Load()
		if int64(size) <= cur || h.max.CompareAndSwap(cur, int64(size)) {
			return
		}
	}
}

func bucketFor(size int) int {
	// boundaries are sorted, first bucket whose bound fits wins
	return sort.SearchInts(sizeBoundaries, size)
}

// GetCount returns the total number of samples
func (h *SizeHistogram) GetCount() int64 {
	return h.count.Load()
}

// AverageSize returns the average size across all samples
func (h *SizeHistogram) AverageSize() int {
	c := h.count.Load()
	if c == 0 {
		return 0
	}
	return int(h.sum.Load() / c)
}

// MaxSize returns the largest sample seen
func (h *SizeHistogram) MaxSize() int {
	return int(h.max.Load())
}

// GetPercentileEstimate returns the upper bound of the bucket holding the
// given percentile (0-100). Upper bounds are used so a buffer sized by this
// estimate holds at least that share of messages.
func (h *SizeHistogram) GetPercentileEstimate(percentile int) int {
	c := h.count.Load()
	if c == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(c) * float64(percentile) / 100.0))
	var cumulative int64
	for i := range h.buckets {
		cumulative += h.buckets[i].Load()
		if cumulative >= target {
			if i < len(sizeBoundaries) {
				return sizeBoundaries[i]
			}
			return h.MaxSize()
		}
	}
	return h.MaxSize()
}

// SizeDistribution returns the bucket boundaries and the percentage of
// samples in each bucket (one more percentage than boundaries)
func (h *SizeHistogram) SizeDistribution() ([]int, []float64) {
	percentages := make([]float64, len(h.buckets))
	c := h.count.Load()
	if c == 0 {
		return sizeBoundaries, percentages
	}
	for i := range h.buckets {
		percentages[i] = float64(h.buckets[i].Load()) * 100.0 / float64(c)
	}
	return sizeBoundaries, percentages
}

// Reset clears all histogram data
func (h *SizeHistogram) Reset() {
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
	h.count.Store(0)
	h.sum.Store(0)
	h.max.Store(0)
}
