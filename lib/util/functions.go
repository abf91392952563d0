package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// Random Ids
// --------------------------------------------------------------------------

// GenerateSeed creates a random seed from crypto/rand
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// fall back to the clock, only if the entropy source fails
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// XorShift is a xorshift64* generator. The zero value is not usable, use
// NewXorShift. Not safe for concurrent use.
type XorShift struct {
	state uint64
}

// NewXorShift seeds a generator with GenerateSeed
func NewXorShift() *XorShift {
	s := GenerateSeed()
	if s == 0 {
		s = 0x9E3779B97F4A7C15
	}
	return &XorShift{state: s}
}

// Uint64 returns the next value
func (x *XorShift) Uint64() uint64 {
	x.state ^= x.state >> 12
	x.state ^= x.state << 25
	x.state ^= x.state >> 27
	return x.state * 2685821657736338717
}

// NonZeroInt64 returns the next value that is neither zero nor negative
// when read as int64. Used for transaction and task ids, where 0 means unset.
func (x *XorShift) NonZeroInt64() int64 {
	for {
		if v := int64(x.Uint64() >> 1); v != 0 {
			return v
		}
	}
}
