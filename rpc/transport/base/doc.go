// Package base provides the transport drivers the event loops run on and the
// plain connection server used by the test server, independent of the
// network type (TCP, Unix sockets).
//
// Key Components:
//
//   - IConnector: interface for network specific operations (dial, listen,
//     socket options). The tcp and unix packages implement it. Connectors that
//     also implement IRawConnector can drive raw sockets for epoll.
//
//   - epoll driver (linux): raw non-blocking sockets registered level
//     triggered with epoll. Connects return EINPROGRESS and complete on write
//     readiness, checked with SO_ERROR. Wakeup writes to an eventfd that is
//     part of the epoll set.
//
//   - pump driver (portable): wraps net.Conn with one reader and one writer
//     goroutine per connection. Received bytes and pending writes live in
//     bounded buffers, the goroutines wake the owning selector through a
//     buffered channel and the selector derives level triggered readiness
//     from the buffer state.
//
//   - serverTransport: accepts connections and serves each one on a
//     dedicated goroutine, closing all of them on Close.
//
// Thread Safety:
//
//	Selectors are used by exactly one goroutine, except Wakeup which may be
//	called from any goroutine. Connections are used by their current owner.
package base
