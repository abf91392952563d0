// Package buffer provides the byte handling used by the wire codec and the
// command state machine.
//
// Key Components:
//   - Buffer: a growable byte slice with big-endian append helpers and
//     back-patching for length prefixes. Commands encode requests into it and
//     read responses into it.
//   - Cursor: a bounds-checked reader over a byte slice. Reads past the end
//     do not panic; they record ErrShortBuffer in a sticky error and return
//     zero values, so a parser can read a whole header and check Err once.
//   - Pool: a per-event-loop pool of Buffers in power-of-two tiers. Pools are
//     owned by one goroutine and are not synchronized. The pool records the
//     sizes it is asked for in a util.SizeHistogram so new buffers start at the
//     size most responses need.
package buffer
