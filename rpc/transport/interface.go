package transport

import (
	"errors"
	"net"
	"time"
)

var (
	// ErrWouldBlock is returned by non-blocking reads and writes that cannot
	// make progress and by FinishConnect while the connect is in flight
	ErrWouldBlock = errors.New("transport: operation would block")

	// ErrClosed is returned on use of a closed connection or selector
	ErrClosed = errors.New("transport: closed")
)

// Interest is the set of readiness events a registration listens for
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// IConn is a non-blocking duplex byte stream to one node. A connection is
// owned by exactly one party at a time: the node pool while idle, a command
// while checked out, or a recovery task while draining.
type IConn interface {
	// Read reads up to len(p) bytes. It returns ErrWouldBlock when no data is
	// available and io.EOF when the peer closed the stream.
	Read(p []byte) (int, error)
	// Write writes as much of p as possible. It returns the bytes accepted
	// and ErrWouldBlock when nothing could be written.
	Write(p []byte) (int, error)
	// FinishConnect completes a non-blocking connect once the connection is
	// writable. It returns ErrWouldBlock while the connect is still in
	// progress and nil once connected.
	FinishConnect() error

	// ID is unique per process
	ID() uint64
	RemoteAddr() string

	// UpdateLastUsed marks the connection as used at now
	UpdateLastUsed(now time.Time)
	// IsValid reports whether an idle connection may be reused: it is open,
	// was used within maxIdle (zero disables the check) and has no unread
	// bytes or pending end of stream.
	IsValid(maxIdle time.Duration, now time.Time) bool

	Close() error
	IsClosed() bool
}

// --------------------------------------------------------------------------
// Selector
// --------------------------------------------------------------------------

// Handler receives readiness events. It is called on the goroutine that
// runs Poll.
type Handler interface {
	OnReady(readable, writable bool)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(readable, writable bool)

func (f HandlerFunc) OnReady(readable, writable bool) { f(readable, writable) }

// ISelector multiplexes readiness events of many connections. Everything
// except Wakeup must be called from the goroutine that polls.
type ISelector interface {
	// Register starts delivering events of the given interest to h
	Register(conn IConn, interest Interest, h Handler) error
	// Modify changes the interest of a registered connection
	Modify(conn IConn, interest Interest) error
	// Unregister stops event delivery. Unknown connections are ignored.
	Unregister(conn IConn) error
	// Poll waits up to timeout for events and dispatches them. A negative
	// timeout waits until an event or a Wakeup.
	Poll(timeout time.Duration) (int, error)
	// Wakeup interrupts a blocked Poll. Safe to call from any goroutine.
	Wakeup()
	Close() error
}

// --------------------------------------------------------------------------
// Driver
// --------------------------------------------------------------------------

// IDriver creates selectors and connections of one I/O model
type IDriver interface {
	// Name of the driver, e.g. "epoll" or "pump"
	Name() string
	// NewSelector creates a selector for one event loop
	NewSelector() (ISelector, error)
	// Dial starts a non-blocking connect. Completion is signalled by write
	// readiness and confirmed with FinishConnect.
	Dial(address string) (IConn, error)
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// ServerHandleFunc serves one accepted connection until it returns
type ServerHandleFunc func(conn net.Conn)

// IServerTransport accepts connections for the test server
type IServerTransport interface {
	// Serve accepts connections until Close is called
	Serve(handler ServerHandleFunc) error
	// Addr is the address the transport listens on
	Addr() net.Addr
	// Close stops accepting, closes all connections and waits for their handlers
	Close() error
}
