// Package util provides small building blocks shared by the event loop,
// the command layer and the command line tools.
//
// The package contains:
//   - mpsc: a lock-free Multi-Producer Single-Consumer (MPSC) queue used to hand
//     commands from arbitrary goroutines to an event loop goroutine
//   - taskheap: a keyed min-heap of scheduled tasks (retry sleeps, delayed work)
//     that supports cancellation by id
//   - statistics: a lock-free SizeHistogram that tracks response sizes to
//     size pooled buffers
//   - functions: seed generation and a xorshift generator for transaction and
//     task ids
//
// None of the single-consumer types in this package are safe for concurrent
// consumers. Producers of the MPSC queue may run on any goroutine.
package util
