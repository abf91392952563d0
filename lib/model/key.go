package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/aerospike/aerospike-client-go/v8"
)

const (
	// PartitionCount is the number of partitions per namespace
	PartitionCount = 4096

	// DigestSize is the size of a key digest in bytes
	DigestSize = 20
)

// Key identifies a record. The digest is what the server uses; namespace and
// set are sent alongside it, the user key only when SendKey is set.
type Key struct {
	Namespace string
	SetName   string
	UserKey   any
	Digest    [DigestSize]byte
}

// NewKey creates a key and computes its digest from set name and user key.
// Supported user key types are integers, strings and byte slices.
func NewKey(namespace, setName string, userKey any) (*Key, error) {
	k, err := aerospike.NewKey(namespace, setName, userKey)
	if err != nil {
		return nil, fmt.Errorf("invalid key %v: %w", userKey, err)
	}

	key := &Key{
		Namespace: namespace,
		SetName:   setName,
		UserKey:   userKey,
	}
	copy(key.Digest[:], k.Digest())
	return key, nil
}

// NewKeyWithDigest creates a key from a known digest, e.g. one returned by a scan
func NewKeyWithDigest(namespace, setName string, digest []byte) (*Key, error) {
	if len(digest) != DigestSize {
		return nil, fmt.Errorf("invalid digest length %d", len(digest))
	}
	key := &Key{Namespace: namespace, SetName: setName}
	copy(key.Digest[:], digest)
	return key, nil
}

// PartitionID returns the partition the key belongs to
func (k *Key) PartitionID() int {
	return PartitionIDForDigest(k.Digest[:])
}

// PartitionIDForDigest maps a digest to its partition: the first four digest
// bytes read little-endian, masked to the partition count
func PartitionIDForDigest(digest []byte) int {
	return int(binary.LittleEndian.Uint32(digest[0:4]) & (PartitionCount - 1))
}

// Equals compares namespace and digest
func (k *Key) Equals(other *Key) bool {
	return other != nil && k.Namespace == other.Namespace && k.Digest == other.Digest
}

func (k *Key) String() string {
	if k.UserKey != nil {
		return fmt.Sprintf("%s:%s:%v:%s", k.Namespace, k.SetName, k.UserKey, hex.EncodeToString(k.Digest[:]))
	}
	return fmt.Sprintf("%s:%s::%s", k.Namespace, k.SetName, hex.EncodeToString(k.Digest[:]))
}
