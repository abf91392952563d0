package async

import "sync/atomic"

// State is the phase of a command
type State uint8

const (
	StateInit State = iota
	StateConnect
	StateAuthWrite
	StateAuthReadHeader
	StateAuthReadBody
	StateCommandWrite
	StateCommandReadHeader
	StateCommandReadBody
	StateRetry
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnect:
		return "CONNECT"
	case StateAuthWrite:
		return "AUTH_WRITE"
	case StateAuthReadHeader:
		return "AUTH_READ_HEADER"
	case StateAuthReadBody:
		return "AUTH_READ_BODY"
	case StateCommandWrite:
		return "COMMAND_WRITE"
	case StateCommandReadHeader:
		return "COMMAND_READ_HEADER"
	case StateCommandReadBody:
		return "COMMAND_READ_BODY"
	case StateRetry:
		return "RETRY"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// reading reports whether the state reads a response
func (s State) reading() bool {
	return s == StateCommandReadHeader || s == StateCommandReadBody
}

// Cell is a single assignment completion cell. The first Set wins, every
// later Set reports false, so a timer and an I/O event racing to finish a
// command cannot both act. The value is published with the set flag, so
// any goroutine may read it.
type Cell[T any] struct {
	value atomic.Pointer[T]
}

// Set stores v if the cell is empty and reports whether it did
func (c *Cell[T]) Set(v T) bool {
	return c.value.CompareAndSwap(nil, &v)
}

// IsSet reports whether the cell holds a value
func (c *Cell[T]) IsSet() bool { return c.value.Load() != nil }

// Get returns the value, the zero value while the cell is empty
func (c *Cell[T]) Get() T {
	if p := c.value.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}
