package model

import (
	"time"

	"github.com/creasty/defaults"
)

// ReadModeSC controls strong consistency reads
type ReadModeSC uint8

const (
	ReadModeSCSession ReadModeSC = iota
	ReadModeSCLinearize
	ReadModeSCAllowReplica
	ReadModeSCAllowUnavailable
)

// Replica selects which replica serves a command in AP mode
type Replica uint8

const (
	// ReplicaMaster always uses the master
	ReplicaMaster Replica = iota
	// ReplicaSequence walks the replica list on retry
	ReplicaSequence
)

// GenerationPolicy controls generation checks on writes
type GenerationPolicy uint8

const (
	GenerationNone GenerationPolicy = iota
	GenerationExpectEqual
)

// RecordExistsAction controls writes to existing or missing records
type RecordExistsAction uint8

const (
	RecordUpdate RecordExistsAction = iota
	RecordUpdateOnly
	RecordReplace
	RecordCreateOnly
)

// BasePolicy holds the settings shared by every command
type BasePolicy struct {
	// TotalTimeout bounds the whole command including retries. Zero disables it.
	TotalTimeout time.Duration `default:"1s"`
	// SocketTimeout bounds each attempt while no bytes move. Zero disables it.
	SocketTimeout time.Duration `default:"30s"`
	// ConnectTimeout bounds connection establishment. Zero uses SocketTimeout.
	ConnectTimeout time.Duration `default:"0s"`
	// TimeoutDelay is how long a timed out connection may keep draining the
	// in-flight response before it is closed. Zero closes immediately.
	TimeoutDelay time.Duration `default:"0s"`
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int `default:"2"`
	// SleepBetweenRetries is scheduled on the event loop, never slept
	SleepBetweenRetries time.Duration `default:"0s"`

	ReadModeSC ReadModeSC `default:"0"`
	Replica    Replica    `default:"1"`

	// Compress requests larger than 128 bytes and ask for compressed responses
	Compress bool `default:"false"`
	// FailOnFilteredOut turns FILTERED_OUT into an error
	FailOnFilteredOut bool `default:"false"`
	// SendKey sends the user key with writes
	SendKey bool `default:"false"`

	// Txn attaches the command to a multi-record transaction
	Txn *Txn `json:"-" default:"-"`
}

// NewPolicy returns a base policy with defaults applied
func NewPolicy() *BasePolicy {
	p := &BasePolicy{}
	mustSetDefaults(p)
	return p
}

// Base returns the policy itself, so every policy type exposes its base
func (p *BasePolicy) Base() *BasePolicy { return p }

// Deadline of a command started at now, zero when no total timeout applies
func (p *BasePolicy) Deadline(now time.Time) time.Time {
	if p.TotalTimeout <= 0 {
		return time.Time{}
	}
	return now.Add(p.TotalTimeout)
}

// WritePolicy adds write specific settings
type WritePolicy struct {
	BasePolicy

	RecordExistsAction RecordExistsAction `default:"0"`
	GenerationPolicy   GenerationPolicy   `default:"0"`
	Generation         uint32             `default:"0"`
	// Expiration in seconds, zero uses the namespace default
	Expiration    uint32 `default:"0"`
	DurableDelete bool   `default:"false"`
	// RespondPerEachOp returns one result per op of an operate command
	RespondPerEachOp bool `default:"false"`
}

// NewWritePolicy returns a write policy with defaults applied. Writes are
// not retried by default.
func NewWritePolicy() *WritePolicy {
	p := &WritePolicy{}
	mustSetDefaults(p)
	p.MaxRetries = 0
	return p
}

// BatchPolicy adds batch executor settings
type BatchPolicy struct {
	BasePolicy

	// MaxConcurrentNodes bounds the sub-commands in flight, zero runs all at once
	MaxConcurrentNodes int `default:"0"`
	// AllowInline lets the server handle rows in its service thread
	AllowInline bool `default:"true"`
	// RespondAllKeys keeps processing rows after a row level error
	RespondAllKeys bool `default:"true"`
}

// NewBatchPolicy returns a batch policy with defaults applied
func NewBatchPolicy() *BatchPolicy {
	p := &BatchPolicy{}
	mustSetDefaults(p)
	return p
}

// ScanPolicy adds scan and query settings
type ScanPolicy struct {
	BasePolicy

	// MaxRecords bounds the number of records returned, zero means all
	MaxRecords int64 `default:"0"`
	// MaxConcurrentNodes bounds the nodes scanned at once, zero scans all
	MaxConcurrentNodes int `default:"0"`
	// IncludeBinData false returns metadata only
	IncludeBinData bool `default:"true"`
}

// NewScanPolicy returns a scan policy with defaults applied. Scans do not
// have a total timeout and retry partitions up to five rounds.
func NewScanPolicy() *ScanPolicy {
	p := &ScanPolicy{}
	mustSetDefaults(p)
	p.TotalTimeout = 0
	p.MaxRetries = 5
	return p
}

// QueryPolicy uses the scan settings
type QueryPolicy = ScanPolicy

// NewQueryPolicy returns a query policy with defaults applied
func NewQueryPolicy() *QueryPolicy { return NewScanPolicy() }

// NewTxnVerifyPolicy returns the batch policy of the verify step
func NewTxnVerifyPolicy() *BatchPolicy {
	p := NewBatchPolicy()
	p.ReadModeSC = ReadModeSCLinearize
	p.Replica = ReplicaMaster
	p.MaxRetries = 5
	p.TotalTimeout = 10 * time.Second
	p.SleepBetweenRetries = time.Second
	return p
}

// NewTxnRollPolicy returns the batch policy of the roll and close steps
func NewTxnRollPolicy() *BatchPolicy {
	p := NewBatchPolicy()
	p.Replica = ReplicaMaster
	p.MaxRetries = 5
	p.TotalTimeout = 10 * time.Second
	p.SleepBetweenRetries = time.Second
	return p
}

func mustSetDefaults(p any) {
	if err := defaults.Set(p); err != nil {
		// only malformed tags fail, which is a programming error
		panic(err)
	}
}
