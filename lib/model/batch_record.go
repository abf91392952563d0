package model

// BatchRecord is the accumulated outcome of one row of a batch or of a
// transaction verify/roll step.
//
// ResultCode starts as NO_RESPONSE. A row the server answered has its code
// set. A write row that was sent to a node whose sub-command failed without
// an answer for that row is InDoubt.
type BatchRecord struct {
	Key *Key

	// Ops to run for this row. nil on a read row means read all bins,
	// BinNames restricts the read to the given bins.
	Ops      []*Operation
	BinNames []string
	// HeaderOnly reads metadata only (exists and header reads)
	HeaderOnly bool

	Record     *Record
	ResultCode ResultCode
	HasWrite   bool
	InDoubt    bool
	Err        error
}

// NewBatchRead creates a read row
func NewBatchRead(key *Key, binNames ...string) *BatchRecord {
	return &BatchRecord{Key: key, BinNames: binNames, ResultCode: NoResponse}
}

// NewBatchExists creates a header-only read row
func NewBatchExists(key *Key) *BatchRecord {
	return &BatchRecord{Key: key, HeaderOnly: true, ResultCode: NoResponse}
}

// NewBatchOperate creates a row running ops
func NewBatchOperate(key *Key, ops ...*Operation) *BatchRecord {
	return &BatchRecord{Key: key, Ops: ops, HasWrite: HasWrite(ops), ResultCode: NoResponse}
}

// NewBatchDelete creates a delete row
func NewBatchDelete(key *Key) *BatchRecord {
	return NewBatchOperate(key, DeleteOp())
}

// NewSimpleBatchRecord creates a row with no ops, used by transaction verify and roll
func NewSimpleBatchRecord(key *Key, hasWrite bool) *BatchRecord {
	return &BatchRecord{Key: key, HasWrite: hasWrite, ResultCode: NoResponse}
}

// SetRecord stores a successful row result
func (br *BatchRecord) SetRecord(rec *Record) {
	br.Record = rec
	br.ResultCode = OK
	br.Err = nil
	br.InDoubt = false
}

// SetResult stores a row result code without a record
func (br *BatchRecord) SetResult(code ResultCode, inDoubt bool) {
	br.ResultCode = code
	br.InDoubt = inDoubt
}

// SetError stores a row failure
func (br *BatchRecord) SetError(code ResultCode, err error, inDoubt bool) {
	br.ResultCode = code
	br.Err = err
	br.InDoubt = inDoubt
}

// Answered reports whether the row has a definitive result
func (br *BatchRecord) Answered() bool {
	return br.ResultCode != NoResponse
}

// PrepareRetry clears the outcome of an unanswered row before it is resent
func (br *BatchRecord) PrepareRetry() {
	if !br.Answered() {
		br.Record = nil
		br.Err = nil
	}
}
