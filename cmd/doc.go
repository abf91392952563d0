// Package cmd implements the command-line interface of aeroloop.
//
// The package is organized into several subpackages:
//
//   - serve: starts the wire compatible in-memory test server
//   - kv: record operations (put, get, del, exists, touch, incr, batch, scan, stats)
//   - bench: throughput and latency benchmark driven by the async client
//   - util: shared flags, configuration and table output (internal use)
//
// Flags can also be set through AEROLOOP_<FLAG> environment variables or a
// .env file. See aeroloop -help for a list of all commands.
package cmd
