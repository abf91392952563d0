// Package model defines the data types shared by every layer of the client
// core: keys and their digests, bins and records, operations, batch records,
// policies, transaction state and the error taxonomy.
//
// Key digests are computed with the aerospike client library so that a key
// routes to the same partition it would on a real cluster. Result codes are
// the aerospike result codes; the package only adds a few client side codes
// and the classification of codes into error kinds.
//
// The package focuses on:
//   - Keys: namespace, set, user key, 20 byte digest and partition id
//   - Records: bins, generation, expiration
//   - Operations: the wire op codes used by single record and batch commands
//   - BatchRecord: the per row outcome of a batch, with in-doubt tracking
//   - Policies: timeouts, retry budget, consistency mode, batch concurrency.
//     Defaults are struct tags applied with creasty/defaults.
//   - Txn: the read and write sets of a multi-record transaction
//   - Error: the error kinds (network, backoff, server timeout, protocol,
//     application, client timeout, queue full) with node, iteration and
//     in-doubt enrichment
package model
