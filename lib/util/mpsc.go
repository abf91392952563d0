package util

import (
	"runtime"
	"sync/atomic"
)

// Features and Guarantees of LockFreeMPSC:
//
//   - Lock-Free: atomic operations for high throughput and low latency even under high contention
//   - Unbounded Size: the queue can grow to any size as needed, limited only by available memory
//   - Thread-Safe writes: any number of goroutines may Push() concurrently
//   - Single Consumer: exactly one goroutine (the event loop) calls Pop() or Drain()
//   - Wakeup hook: every successful Push() invokes the optional notify function so a
//     consumer blocked in a poller can be woken up
//   - FIFO per producer: items pushed by the same goroutine are popped in push order

// node represents a single element in the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue.
// Implementation uses a linked list of nodes with a sentinel head. Producers
// append at the tail with CAS, the consumer advances the head without atomics
// other than plain loads and stores.
type LockFreeMPSC[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	size   atomic.Int64
	closed atomic.Bool
	notify func()
}

// NewLockFreeMPSC creates a new queue. notify may be nil; otherwise it is
// called after every successful Push and must not block.
func NewLockFreeMPSC[T any](notify func()) *LockFreeMPSC[T] {
	sentinel := &node[T]{}

	q := &LockFreeMPSC[T]{notify: notify}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	return q
}

// Push adds an item to the queue.
// Returns true if the item was added, or false if the queue is closed or the value is nil.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// a failed CAS here means another producer already advanced the tail
				q.tail.CompareAndSwap(tailNode, newNode)
				q.size.Add(1)
				if q.notify != nil {
					q.notify()
				}
				return true
			}
		} else {
			// help a producer that appended but has not moved the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		/*
		 Exponential backoff under contention:
		  - spin with Gosched for the first retries
		  - afterwards yield once per retry
		*/
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// Pop removes the oldest item. It returns false when the queue is empty.
//
// Must only be called by the single consumer.
func (q *LockFreeMPSC[T]) Pop() (*T, bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return nil, false
	}

	value := next.value
	// the popped node becomes the new sentinel
	q.head.Store(next)
	next.value = nil
	q.size.Add(-1)
	return value, true
}

// Drain pops every item currently visible to the consumer and passes it to fn.
// Items pushed while Drain runs may or may not be included. Returns the
// number of items handed to fn.
//
// Must only be called by the single consumer.
func (q *LockFreeMPSC[T]) Drain(fn func(*T)) int {
	n := 0
	for {
		v, ok := q.Pop()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}

// Close closes the queue, preventing further writes.
// Items already in the queue can still be popped.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	if q.notify != nil {
		q.notify()
	}
}

// IsClosed returns true if the queue is closed.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the approximate number of items in the queue.
func (q *LockFreeMPSC[T]) Len() int {
	// size is bumped after the link is published, so it can briefly trail
	if n := q.size.Load(); n > 0 {
		return int(n)
	}
	return 0
}
