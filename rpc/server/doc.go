// Package server implements a single node test server that speaks the
// wire protocol of the client. It stores records in an lstore and owns
// every partition of the one namespace it serves.
//
// The server answers:
//
//   - single record reads, writes, deletes, touches and operates
//   - batch requests, one row per key, in groups followed by a LAST row
//   - partition scans and range queries with resume digests and record limits
//   - transaction monitor updates, read verification and roll forward/back
//   - login and authenticate admin messages when a user is configured
//
// Faults make the server misbehave on purpose so client recovery can be
// tested against a real socket:
//
//	s, _ := server.NewServer(common.NewServerConfig(), tcp.NewConnector())
//	go s.Serve()
//	s.Faults().DropNext(1)                    // read one request, then close
//	s.Faults().FailNext(model.Timeout, 2)     // answer two requests with TIMEOUT
//	s.Faults().SetChunking(7, time.Millisecond)
//	s.Faults().SetUnavailable(1, 17, 18)      // partitions 17 and 18 once
//
// Each connection is served on its own goroutine, requests on one
// connection are answered in order.
package server
