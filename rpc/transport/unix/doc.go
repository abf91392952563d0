// Package unix implements the Unix domain socket connector of the transport
// layer, for clients and test servers running on the same machine.
//
// The connector dials and listens with the net package for the pump driver
// and resolves raw socket addresses for the epoll driver. The listener
// removes a stale socket file before binding.
package unix
