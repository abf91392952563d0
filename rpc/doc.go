// Package rpc holds the network layers of the client and the test server.
//
// The package is organized into several subpackages:
//
//   - common: configuration structures and logger setup shared by client,
//     server and the command line.
//
//   - proto: the binary wire protocol. Message, batch and admin encoding,
//     frame reading and zlib compression.
//
//   - transport: non-blocking connections, epoll and pump drivers and the
//     tcp and unix connectors.
//
//   - client: the asynchronous client API on top of lib/async and lib/txn.
//
//   - server: a single node test server with fault injection.
package rpc
