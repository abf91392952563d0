// Package timer provides a hashed wheel timer for per-command timeouts.
//
// The wheel is a ring of power-of-two buckets. Each bucket is a doubly linked
// list of entries, but the links are slot indices into a slab of entries
// rather than pointers, and freed slots are recycled through a free list.
// Scheduling and cancelling are O(1); each Tick only visits the buckets whose
// tick has elapsed.
//
// Key Components:
//   - Wheel: the timer itself, created per event loop
//   - Handle: an opaque reference to a scheduled entry. Handles carry a
//     generation so that a handle kept after its entry fired or was cancelled
//     can never cancel an unrelated entry that reuses the same slot.
//
// A Wheel is not safe for concurrent use. It is owned by one event loop
// goroutine, which is also the goroutine that runs the fired callbacks.
package timer
