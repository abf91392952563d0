package model

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// TxnState is the lifecycle state of a transaction
type TxnState uint8

const (
	TxnOpen TxnState = iota
	TxnVerified
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnOpen:
		return "open"
	case TxnVerified:
		return "verified"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MonitorSetName is the set of transaction monitor records
const MonitorSetName = "<ERO~MRT"

var (
	txnIDsMu sync.Mutex
	txnIDs   = util.NewXorShift()
)

func nextTxnID() int64 {
	txnIDsMu.Lock()
	defer txnIDsMu.Unlock()
	return txnIDs.NonZeroInt64()
}

type txnEntry[V any] struct {
	key   *Key
	value V
}

// Txn tracks the reads and writes of a multi-record transaction. Commands
// on any event loop update it, so the sets are concurrent maps keyed by digest.
type Txn struct {
	id     int64
	reads  *xsync.MapOf[[DigestSize]byte, txnEntry[uint64]]
	writes *xsync.MapOf[[DigestSize]byte, txnEntry[struct{}]]

	mu        sync.Mutex
	namespace string
	state     TxnState
	timeout   time.Duration

	deadline     atomic.Uint32
	writeInDoubt atomic.Bool
	inDoubt      atomic.Bool
}

// NewTxn creates an open transaction with a random non-zero id
func NewTxn() *Txn {
	return &Txn{
		id:     nextTxnID(),
		reads:  xsync.NewMapOf[[DigestSize]byte, txnEntry[uint64]](),
		writes: xsync.NewMapOf[[DigestSize]byte, txnEntry[struct{}]](),
		state:  TxnOpen,
	}
}

// ID returns the transaction id
func (t *Txn) ID() int64 { return t.id }

// State returns the current state
func (t *Txn) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState moves the transaction to a new state
func (t *Txn) SetState(s TxnState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Timeout is the server side lifetime of the transaction, zero uses the server default
func (t *Txn) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

// SetTimeout sets the server side lifetime rounded down to seconds
func (t *Txn) SetTimeout(d time.Duration) {
	t.mu.Lock()
	t.timeout = d.Truncate(time.Second)
	t.mu.Unlock()
}

// Namespace returns the namespace of the transaction, empty until the first command
func (t *Txn) Namespace() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.namespace
}

// SetNamespace binds the transaction to a namespace. All commands of a
// transaction must use the same namespace.
func (t *Txn) SetNamespace(ns string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.namespace == "" {
		t.namespace = ns
		return nil
	}
	if t.namespace != ns {
		return NewError(KindApplication, CommonError,
			"namespace must be the same for all commands in the transaction: orig %s new %s", t.namespace, ns)
	}
	return nil
}

// VerifyCommand fails if the transaction was already committed or aborted
func (t *Txn) VerifyCommand() error {
	if s := t.State(); s != TxnOpen {
		return NewError(KindApplication, CommonError, "transaction is %s, no more commands are allowed", s)
	}
	return nil
}

// Prepare checks state and namespace of every key before a command runs
func (t *Txn) Prepare(keys ...*Key) error {
	if err := t.VerifyCommand(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := t.SetNamespace(k.Namespace); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Read and write sets
// --------------------------------------------------------------------------

// OnRead records the version of a record read inside the transaction
func (t *Txn) OnRead(key *Key, version uint64, hasVersion bool) {
	if hasVersion {
		t.reads.Store(key.Digest, txnEntry[uint64]{key: key, value: version})
	}
}

// GetReadVersion returns the version of a record read in the transaction
func (t *Txn) GetReadVersion(key *Key) (uint64, bool) {
	e, ok := t.reads.Load(key.Digest)
	return e.value, ok
}

// OnWrite records the outcome of a write. A returned version means the
// record is only read-locked, otherwise a successful write joins the write set.
func (t *Txn) OnWrite(key *Key, version uint64, hasVersion bool, code ResultCode) {
	if hasVersion {
		t.reads.Store(key.Digest, txnEntry[uint64]{key: key, value: version})
	} else if code == OK {
		t.reads.Delete(key.Digest)
		t.writes.Store(key.Digest, txnEntry[struct{}]{key: key})
	}
}

// OnWriteInDoubt adds a key whose write outcome is unknown to the write set
func (t *Txn) OnWriteInDoubt(key *Key) {
	t.writeInDoubt.Store(true)
	t.reads.Delete(key.Digest)
	t.writes.Store(key.Digest, txnEntry[struct{}]{key: key})
}

// WriteExistsForKey reports whether the key is in the write set
func (t *Txn) WriteExistsForKey(key *Key) bool {
	_, ok := t.writes.Load(key.Digest)
	return ok
}

// Reads returns the read set
func (t *Txn) Reads() ([]*Key, []uint64) {
	keys := make([]*Key, 0, t.reads.Size())
	versions := make([]uint64, 0, t.reads.Size())
	t.reads.Range(func(_ [DigestSize]byte, e txnEntry[uint64]) bool {
		keys = append(keys, e.key)
		versions = append(versions, e.value)
		return true
	})
	return keys, versions
}

// Writes returns the write set
func (t *Txn) Writes() []*Key {
	keys := make([]*Key, 0, t.writes.Size())
	t.writes.Range(func(_ [DigestSize]byte, e txnEntry[struct{}]) bool {
		keys = append(keys, e.key)
		return true
	})
	return keys
}

// ReadsCount returns the size of the read set
func (t *Txn) ReadsCount() int { return t.reads.Size() }

// WritesCount returns the size of the write set
func (t *Txn) WritesCount() int { return t.writes.Size() }

// --------------------------------------------------------------------------
// Monitor
// --------------------------------------------------------------------------

// Deadline is the server assigned deadline, zero until the monitor record exists
func (t *Txn) Deadline() uint32 { return t.deadline.Load() }

// SetDeadline stores the deadline returned by the monitor
func (t *Txn) SetDeadline(d uint32) { t.deadline.Store(d) }

// MonitorExists reports whether the monitor record was created
func (t *Txn) MonitorExists() bool { return t.deadline.Load() != 0 }

// CloseMonitor reports whether the monitor record may be deleted. A write in
// doubt keeps the monitor so the server can finish the roll on its own.
func (t *Txn) CloseMonitor() bool {
	return t.deadline.Load() != 0 && !t.writeInDoubt.Load()
}

// InDoubt reports whether the commit outcome is unknown
func (t *Txn) InDoubt() bool { return t.inDoubt.Load() }

// SetInDoubt sets the commit in-doubt flag
func (t *Txn) SetInDoubt(v bool) { t.inDoubt.Store(v) }

// MonitorKey returns the key of the monitor record
func (t *Txn) MonitorKey() (*Key, error) {
	ns := t.Namespace()
	if ns == "" {
		return nil, fmt.Errorf("transaction %d has no namespace", t.id)
	}
	return NewKey(ns, MonitorSetName, t.id)
}

// Clear resets namespace, deadline and both sets after the monitor was closed
func (t *Txn) Clear() {
	t.mu.Lock()
	t.namespace = ""
	t.mu.Unlock()
	t.deadline.Store(0)
	t.reads.Clear()
	t.writes.Clear()
}
