package async

import (
	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/cluster"
	"github.com/ValentinKolb/aeroloop/lib/model"
)

// Kind tags the operation a command runs
type Kind uint8

const (
	KindRead Kind = iota
	KindReadHeader
	KindExists
	KindWrite
	KindDelete
	KindTouch
	KindOperate
	KindBatchRead
	KindBatchOperate
	KindScan
	KindQuery
	KindTxnVerify
	KindTxnMarkRollForward
	KindTxnRoll
	KindTxnClose
	KindTxnAddKeys
)

// KindBatchExists is the former exists-only batch, a header-only BatchRead
//
// Deprecated: use KindBatchRead with header-only rows.
const KindBatchExists = KindBatchRead

var kindNames = [...]string{
	KindRead:               "read",
	KindReadHeader:         "read_header",
	KindExists:             "exists",
	KindWrite:              "write",
	KindDelete:             "delete",
	KindTouch:              "touch",
	KindOperate:            "operate",
	KindBatchRead:          "batch_read",
	KindBatchOperate:       "batch_operate",
	KindScan:               "scan",
	KindQuery:              "query",
	KindTxnVerify:          "txn_verify",
	KindTxnMarkRollForward: "txn_mark_roll_forward",
	KindTxnRoll:            "txn_roll",
	KindTxnClose:           "txn_close",
	KindTxnAddKeys:         "txn_add_keys",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ParseStatus is the outcome of parsing one response message
type ParseStatus uint8

const (
	// ParseMore waits for the next message of a multi-record stream
	ParseMore ParseStatus = iota
	// ParseDone ends the response, the connection is clean
	ParseDone
	// ParseStopped ends the response before its end marker, the rest of
	// the stream is discarded with the connection
	ParseStopped
)

// Op is the strategy a Command runs. Every method is called on the loop
// goroutine of the command.
type Op interface {
	Kind() Kind
	// IsWrite reports whether the op may modify records, which makes
	// failures after send in doubt
	IsWrite() bool
	// Multi reports a multi-record stream response
	Multi() bool

	// Node picks the target of the next attempt
	Node(cl cluster.ICluster) (cluster.INode, error)
	// Encode appends the complete request message to b
	Encode(b *buffer.Buffer, policy *model.BasePolicy) error
	// Parse handles one response message payload. Single record ops
	// always return ParseDone or an error.
	Parse(c *buffer.Cursor, node cluster.INode) (ParseStatus, error)

	// PrepareRetry readies the next attempt. It returns false when the op
	// handed its work to new commands, the command then ends without
	// calling OnSuccess or OnFailure.
	PrepareRetry(timeout bool) bool

	OnSuccess()
	OnFailure(err *model.Error)
}
