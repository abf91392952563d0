package timer

import (
	"time"
)

const nilSlot int32 = -1

// Handle references a scheduled timeout. The zero Handle is never active.
type Handle struct {
	slot int32 // slot index plus one, zero means none
	gen  uint32
}

// IsZero reports whether h references nothing
func (h Handle) IsZero() bool {
	return h.slot == 0
}

type entry struct {
	deadline int64 // nanoseconds relative to wheel start
	rounds   int64 // full revolutions left before the entry is due
	bucket   int32
	prev     int32
	next     int32
	gen      uint32
	active   bool
	fn       func()
}

// Wheel is a hashed wheel timer with a fixed tick duration.
type Wheel struct {
	tick    int64
	mask    int64
	start   time.Time
	ticks   int64 // number of ticks processed so far
	buckets []int32
	entries []entry
	free    []int32
	size    int
	due     []int32 // scratch for entries fired by one tick
}

// New creates a wheel with the given tick and bucket count. The bucket count is
// rounded up to a power of two. now is the wheel start.
func New(tick time.Duration, buckets int, now time.Time) *Wheel {
	if tick <= 0 {
		tick = time.Millisecond
	}
	n := 1
	for n < buckets {
		n <<= 1
	}

	w := &Wheel{
		tick:    int64(tick),
		mask:    int64(n - 1),
		start:   now,
		buckets: make([]int32, n),
	}
	for i := range w.buckets {
		w.buckets[i] = nilSlot
	}
	return w
}

// --------------------------------------------------------------------------
// Interface Methods
// --------------------------------------------------------------------------

// Add schedules fn to run once the deadline has passed. Deadlines in the past
// fire on the next Tick.
func (w *Wheel) Add(deadline time.Time, fn func()) Handle {
	rel := int64(deadline.Sub(w.start))
	if rel < 0 {
		rel = 0
	}

	calculated := rel / w.tick
	if calculated < w.ticks {
		calculated = w.ticks
	}

	slot := w.alloc()
	e := &w.entries[slot]
	e.deadline = rel
	e.rounds = (calculated - w.ticks) / int64(len(w.buckets))
	e.bucket = int32(calculated & w.mask)
	e.active = true
	e.fn = fn

	w.link(slot)
	w.size++
	return Handle{slot: slot + 1, gen: e.gen}
}

// Cancel unschedules the entry referenced by h. It returns false if the entry
// already fired, was cancelled, or h is zero.
func (w *Wheel) Cancel(h Handle) bool {
	slot, ok := w.resolve(h)
	if !ok {
		return false
	}
	w.unlink(slot)
	w.release(slot)
	return true
}

// Restore moves the entry referenced by h to a new deadline and returns the
// handle of the rescheduled entry. If h is not active Restore returns a zero
// Handle.
func (w *Wheel) Restore(h Handle, deadline time.Time) Handle {
	slot, ok := w.resolve(h)
	if !ok {
		return Handle{}
	}
	fn := w.entries[slot].fn
	w.Cancel(h)
	return w.Add(deadline, fn)
}

// Active reports whether h references a pending entry
func (w *Wheel) Active(h Handle) bool {
	_, ok := w.resolve(h)
	return ok
}

// Deadline returns the deadline of a pending entry
func (w *Wheel) Deadline(h Handle) (time.Time, bool) {
	slot, ok := w.resolve(h)
	if !ok {
		return time.Time{}, false
	}
	return w.start.Add(time.Duration(w.entries[slot].deadline)), true
}

// Len returns the number of pending entries
func (w *Wheel) Len() int {
	return w.size
}

// TickDuration returns the tick length of the wheel
func (w *Wheel) TickDuration() time.Duration {
	return time.Duration(w.tick)
}

// Tick processes every tick that has fully elapsed at now. A bucket of tick t
// is processed once now reaches the end of t, so entries never fire before
// their deadline. Callbacks run after all due entries of a bucket have been
// unlinked and may add or cancel entries freely.
func (w *Wheel) Tick(now time.Time) int {
	elapsed := int64(now.Sub(w.start))
	fired := 0

	for (w.ticks+1)*w.tick <= elapsed {
		bucket := int32(w.ticks & w.mask)
		w.ticks++
		fired += w.expire(bucket)
	}
	return fired
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (w *Wheel) expire(bucket int32) int {
	w.due = w.due[:0]
	for slot := w.buckets[bucket]; slot != nilSlot; {
		e := &w.entries[slot]
		next := e.next
		if e.rounds <= 0 {
			w.unlink(slot)
			w.due = append(w.due, slot)
		} else {
			e.rounds--
		}
		slot = next
	}

	if len(w.due) == 0 {
		return 0
	}

	// copy the callbacks out before releasing, a callback may reuse a slot
	fns := make([]func(), len(w.due))
	for i, slot := range w.due {
		fns[i] = w.entries[slot].fn
		w.release(slot)
	}
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

func (w *Wheel) resolve(h Handle) (int32, bool) {
	if h.slot <= 0 || int(h.slot) > len(w.entries) {
		return 0, false
	}
	slot := h.slot - 1
	e := &w.entries[slot]
	if !e.active || e.gen != h.gen {
		return 0, false
	}
	return slot, true
}

func (w *Wheel) alloc() int32 {
	if n := len(w.free); n > 0 {
		slot := w.free[n-1]
		w.free = w.free[:n-1]
		return slot
	}
	w.entries = append(w.entries, entry{prev: nilSlot, next: nilSlot})
	return int32(len(w.entries) - 1)
}

func (w *Wheel) release(slot int32) {
	e := &w.entries[slot]
	e.active = false
	e.fn = nil
	e.gen++
	e.prev, e.next = nilSlot, nilSlot
	w.free = append(w.free, slot)
	w.size--
}

func (w *Wheel) link(slot int32) {
	e := &w.entries[slot]
	head := w.buckets[e.bucket]
	e.prev = nilSlot
	e.next = head
	if head != nilSlot {
		w.entries[head].prev = slot
	}
	w.buckets[e.bucket] = slot
}

func (w *Wheel) unlink(slot int32) {
	e := &w.entries[slot]
	if e.prev != nilSlot {
		w.entries[e.prev].next = e.next
	} else {
		w.buckets[e.bucket] = e.next
	}
	if e.next != nilSlot {
		w.entries[e.next].prev = e.prev
	}
	e.prev, e.next = nilSlot, nilSlot
}
