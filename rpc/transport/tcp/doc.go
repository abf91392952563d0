// Package tcp implements the TCP connector of the transport layer. The
// connector dials and listens with the net package for the pump driver and
// the test server and resolves raw socket addresses for the epoll driver.
//
// Both paths apply the same socket options from common.SocketConfig:
// TCP_NODELAY, send and receive buffer sizes, keep-alive and linger.
package tcp
