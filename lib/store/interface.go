package store

import (
	"time"

	"github.com/ValentinKolb/aeroloop/lib/model"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Entry is a stored record
type Entry struct {
	Namespace  string
	Set        string
	Digest     [model.DigestSize]byte
	UserKey    any
	Bins       model.BinMap
	Generation uint32
	// VoidTime is the absolute expiry, zero never expires
	VoidTime time.Time
	// Version changes on every write, transactions verify their reads with it
	Version uint64

	// Txn is the id of the transaction holding a provisional write, zero
	// when the record is committed
	Txn int64
}

// Expired reports whether the entry is past its void time at now
func (e *Entry) Expired(now time.Time) bool {
	return !e.VoidTime.IsZero() && !now.Before(e.VoidTime)
}

// TTL returns the remaining lifetime in seconds, zero for never
func (e *Entry) TTL(now time.Time) uint32 {
	if e.VoidTime.IsZero() {
		return 0
	}
	d := e.VoidTime.Sub(now)
	if d <= 0 {
		return 0
	}
	return uint32(d.Round(time.Second) / time.Second)
}

// Clone returns a copy that shares no bins with e
func (e *Entry) Clone() *Entry {
	c := *e
	c.Bins = make(model.BinMap, len(e.Bins))
	for k, v := range e.Bins {
		c.Bins[k] = v
	}
	return &c
}

// ComputeFunc derives the new state of a record from the current one. old
// is nil when the record does not exist or expired. Returning nil deletes
// the record. A returned entry with a zero Version gets a new version.
type ComputeFunc func(old *Entry) (*Entry, error)

// IStore is the record store of the test server. All methods are safe for
// concurrent use.
type IStore interface {
	// Get returns a copy of the live record
	Get(namespace string, digest [model.DigestSize]byte) (*Entry, bool)
	// Compute atomically replaces the record with the result of fn and
	// returns a copy of the new state. The error of fn is returned and the
	// record is left unchanged.
	Compute(namespace string, digest [model.DigestSize]byte, fn ComputeFunc) (*Entry, error)
	// Scan calls fn for the live records of namespace (and set, when not
	// empty) in the given partitions, ordered by partition and digest.
	// Records at or before after[pid] are skipped. fn returning false stops.
	Scan(namespace, set string, partitions []int, after map[int][]byte, fn func(*Entry) bool)
	// Len returns the number of stored records including expired ones
	Len() int
	// Stats returns metadata about the store
	Stats() Stats
}

// Stats describes the content of a store
type Stats struct {
	Shards  int
	Records int
	Expired int
	Locked  int
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error carries the result code a failed compute answers with
type Error struct {
	Code model.ResultCode
	Msg  string
}

func (e *Error) Error() string {
	return model.ResultCodeString(e.Code) + ": " + e.Msg
}

// NewError creates a store error with the given result code
func NewError(code model.ResultCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}
