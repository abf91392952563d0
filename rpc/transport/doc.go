// Package transport defines the non-blocking connection and readiness
// multiplexing contract the event loops run on.
//
// The package focuses on:
//   - A non-blocking connection abstraction with explicit would-block results
//   - A selector that dispatches readiness events to handlers on the polling
//     goroutine
//   - Drivers that create selectors and connections for one I/O model
//
// Key Components:
//
//   - IConn: a duplex byte stream to one node (write until would block, read
//     until would block or limit, validity check, close)
//
//   - ISelector: per event loop readiness multiplexer with a thread-safe Wakeup
//
//   - IDriver: factory for selectors and non-blocking dials. The base package
//     provides an epoll driver on linux and a portable pump driver built on
//     net.Conn; the tcp and unix packages provide the connectors that resolve
//     addresses and apply socket options for both.
package transport
