// Package store holds the records of the wire compatible test server.
//
// IStore is keyed by namespace and digest, like the server it stands in
// for. Writes go through Compute, which runs a read-modify-write under the
// lock of the record's shard: generation checks, existence policies and
// transaction locks are all decided inside that function.
//
// Entries keep the fields the client core observes: generation, void time,
// a record version for transaction verify and the provisional state of a
// transaction write (the owning transaction id).
//
// Implementations:
//
//   - Local Store (lstore): xxhash selected shards of xsync maps.
package store
