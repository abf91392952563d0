// Package lstore is the in-memory IStore of the test server.
//
// Records are spread over a fixed number of shards picked by the xxhash of
// namespace and digest. Each shard is an xsync map, so Compute serializes
// writers of the same record only. Expired records are invisible to reads
// and removed by the next write of the same key or by Sweep.
package lstore
