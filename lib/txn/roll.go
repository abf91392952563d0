package txn

import (
	"fmt"

	"github.com/ValentinKolb/aeroloop/lib/async"
	"github.com/ValentinKolb/aeroloop/lib/cluster"
	"github.com/ValentinKolb/aeroloop/lib/eventloop"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("txn")

// CommitStatus is the outcome of a commit. Every status but CommitFailed
// means the commit took effect.
type CommitStatus uint8

const (
	CommitOK CommitStatus = iota
	CommitAlreadyCommitted
	// CommitRollForwardAbandoned means the commit stands but some writes
	// were not rolled forward by the client. The server finishes them.
	CommitRollForwardAbandoned
	// CommitCloseAbandoned means the monitor record was not deleted. The
	// server removes it once the transaction expires.
	CommitCloseAbandoned
	// CommitFailed comes with a non-nil error. Unless the error is in doubt
	// the writes were not applied.
	CommitFailed
)

func (s CommitStatus) String() string {
	switch s {
	case CommitOK:
		return "OK"
	case CommitAlreadyCommitted:
		return "ALREADY_COMMITTED"
	case CommitRollForwardAbandoned:
		return "ROLL_FORWARD_ABANDONED"
	case CommitCloseAbandoned:
		return "CLOSE_ABANDONED"
	case CommitFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// AbortStatus is the outcome of an abort
type AbortStatus uint8

const (
	AbortOK AbortStatus = iota
	AbortAlreadyAborted
	AbortRollBackAbandoned
	AbortCloseAbandoned
	// AbortFailed comes with a non-nil error. Nothing was rolled back.
	AbortFailed
)

func (s AbortStatus) String() string {
	switch s {
	case AbortOK:
		return "OK"
	case AbortAlreadyAborted:
		return "ALREADY_ABORTED"
	case AbortRollBackAbandoned:
		return "ROLL_BACK_ABANDONED"
	case AbortCloseAbandoned:
		return "CLOSE_ABANDONED"
	case AbortFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// TxnError is a failed commit. It carries the rows of the verify and roll
// steps that ran so the caller can see which records caused it.
type TxnError struct {
	Err           *model.Error
	VerifyRecords []*model.BatchRecord
	RollRecords   []*model.BatchRecord
	InDoubt       bool
}

func (e *TxnError) Error() string {
	return fmt.Sprintf("transaction commit failed: %v", e.Err)
}

func (e *TxnError) Unwrap() error { return e.Err }

// CommitListener receives the commit outcome. err is a *TxnError.
type CommitListener func(status CommitStatus, err error)

// AbortListener receives the abort outcome
type AbortListener func(status AbortStatus, err error)

// Roll runs the commit or abort steps of one transaction. Every step runs
// on the loop of the Roll.
type Roll struct {
	loop         *eventloop.Loop
	cluster      cluster.ICluster
	txn          *model.Txn
	verifyPolicy *model.BatchPolicy
	rollPolicy   *model.BatchPolicy

	verifyRecords []*model.BatchRecord
	rollRecords   []*model.BatchRecord
}

// NewRoll creates a Roll. Nil policies use NewTxnVerifyPolicy and
// NewTxnRollPolicy.
func NewRoll(loop *eventloop.Loop, cl cluster.ICluster, txn *model.Txn, verifyPolicy, rollPolicy *model.BatchPolicy) *Roll {
	if verifyPolicy == nil {
		verifyPolicy = model.NewTxnVerifyPolicy()
	}
	if rollPolicy == nil {
		rollPolicy = model.NewTxnRollPolicy()
	}
	return &Roll{
		loop:         loop,
		cluster:      cl,
		txn:          txn,
		verifyPolicy: verifyPolicy,
		rollPolicy:   rollPolicy,
	}
}

// Commit verifies the reads and applies the writes of the transaction
func (r *Roll) Commit(l CommitListener) {
	switch r.txn.State() {
	case model.TxnOpen:
		r.verify(l)
	case model.TxnVerified:
		r.markRollForward(l)
	case model.TxnCommitted:
		l(CommitAlreadyCommitted, nil)
	case model.TxnAborted:
		l(CommitFailed, &TxnError{Err: model.NewError(model.KindApplication, model.MRTAborted, "transaction already aborted")})
	}
}

// Abort reverts the writes of the transaction
func (r *Roll) Abort(l AbortListener) {
	switch r.txn.State() {
	case model.TxnOpen, model.TxnVerified:
		r.txn.SetState(model.TxnAborted)
		r.rollBack(func(rollErr *model.Error) {
			if rollErr != nil {
				Logger.Warningf("txn %d: roll back abandoned: %v", r.txn.ID(), rollErr)
				r.done()
				l(AbortRollBackAbandoned, nil)
				return
			}
			r.close(func(closeErr *model.Error) {
				r.done()
				if closeErr != nil {
					l(AbortCloseAbandoned, nil)
					return
				}
				l(AbortOK, nil)
			})
		})
	case model.TxnCommitted:
		l(AbortFailed, model.NewError(model.KindApplication, model.MRTCommitted, "transaction already committed"))
	case model.TxnAborted:
		l(AbortAlreadyAborted, nil)
	}
}

// VerifyRecords returns the rows of the last verify step
func (r *Roll) VerifyRecords() []*model.BatchRecord { return r.verifyRecords }

// RollRecords returns the rows of the last roll step
func (r *Roll) RollRecords() []*model.BatchRecord { return r.rollRecords }

// --------------------------------------------------------------------------
// Commit steps
// --------------------------------------------------------------------------

func (r *Roll) verify(l CommitListener) {
	keys, versions := r.txn.Reads()
	if len(keys) == 0 {
		r.txn.SetState(model.TxnVerified)
		r.markRollForward(l)
		return
	}

	r.verifyRecords = simpleRecords(keys, false)
	exec := async.NewBatchExecutor(r.loop, r.cluster, r.verifyPolicy, r.verifyRecords, async.VerifyRows(versions),
		func(_ []*model.BatchRecord, err *model.Error) {
			if err == nil {
				r.txn.SetState(model.TxnVerified)
				r.markRollForward(l)
				return
			}

			Logger.Infof("txn %d: verify failed, aborting: %v", r.txn.ID(), err)
			r.txn.SetState(model.TxnAborted)
			r.rollBack(func(rollErr *model.Error) {
				msg := "transaction verify failed, transaction aborted"
				if rollErr != nil {
					msg = "transaction verify failed, transaction abort failed"
					r.done()
					l(CommitFailed, r.commitError(model.TxnFailed, msg, err, false))
					return
				}
				r.close(func(*model.Error) {
					r.done()
					l(CommitFailed, r.commitError(model.TxnFailed, msg, err, false))
				})
			})
		})
	exec.Execute()
}

func (r *Roll) markRollForward(l CommitListener) {
	if !r.txn.MonitorExists() {
		// nothing was written
		r.txn.SetState(model.TxnCommitted)
		r.closeOnCommit(l)
		return
	}

	mk, err := r.txn.MonitorKey()
	if err != nil {
		l(CommitFailed, r.commitError(model.TxnFailed, "mark roll forward abandoned", model.AsError(err), false))
		return
	}
	wp := async.MonitorPolicy(&r.rollPolicy.BasePolicy, r.txn)
	op := async.NewTxnMarkRollForward(r.txn, mk, wp, func(_ async.Result, err *model.Error) {
		if err != nil {
			inDoubt := err.InDoubt || err.Kind == model.KindClientTimeout
			if inDoubt {
				r.txn.SetInDoubt(true)
			}
			if err.Code == model.MRTAborted {
				r.txn.SetState(model.TxnAborted)
			}
			l(CommitFailed, r.commitError(model.TxnFailed, "mark roll forward abandoned", err, inDoubt))
			return
		}
		r.txn.SetState(model.TxnCommitted)
		r.txn.SetInDoubt(false)
		r.rollForward(l)
	})
	async.NewCommand(r.loop, r.cluster, &wp.BasePolicy, op).Execute()
}

func (r *Roll) rollForward(l CommitListener) {
	keys := r.txn.Writes()
	if len(keys) == 0 {
		r.closeOnCommit(l)
		return
	}
	r.rollRecords = simpleRecords(keys, true)
	exec := async.NewBatchExecutor(r.loop, r.cluster, r.rollPolicy, r.rollRecords, async.RollRows(r.txn, true),
		func(_ []*model.BatchRecord, err *model.Error) {
			if err != nil {
				Logger.Warningf("txn %d: roll forward abandoned: %v", r.txn.ID(), err)
				r.done()
				l(CommitRollForwardAbandoned, nil)
				return
			}
			r.closeOnCommit(l)
		})
	exec.Execute()
}

func (r *Roll) closeOnCommit(l CommitListener) {
	r.close(func(err *model.Error) {
		r.done()
		if err != nil {
			l(CommitCloseAbandoned, nil)
			return
		}
		l(CommitOK, nil)
	})
}

// --------------------------------------------------------------------------
// Shared steps
// --------------------------------------------------------------------------

func (r *Roll) rollBack(next func(*model.Error)) {
	keys := r.txn.Writes()
	if len(keys) == 0 {
		next(nil)
		return
	}
	r.rollRecords = simpleRecords(keys, true)
	exec := async.NewBatchExecutor(r.loop, r.cluster, r.rollPolicy, r.rollRecords, async.RollRows(r.txn, false),
		func(_ []*model.BatchRecord, err *model.Error) { next(err) })
	exec.Execute()
}

// close deletes the monitor record unless a write in doubt needs it
func (r *Roll) close(next func(*model.Error)) {
	if !r.txn.CloseMonitor() {
		next(nil)
		return
	}
	mk, err := r.txn.MonitorKey()
	if err != nil {
		next(model.AsError(err))
		return
	}
	wp := async.MonitorPolicy(&r.rollPolicy.BasePolicy, r.txn)
	op := async.NewTxnClose(r.txn, mk, wp, func(_ async.Result, err *model.Error) {
		if err != nil {
			Logger.Warningf("txn %d: close abandoned: %v", r.txn.ID(), err)
		}
		next(err)
	})
	async.NewCommand(r.loop, r.cluster, &wp.BasePolicy, op).Execute()
}

// done forgets the read and write sets once no step needs them anymore
func (r *Roll) done() {
	r.txn.Clear()
}

func (r *Roll) commitError(code model.ResultCode, msg string, cause *model.Error, inDoubt bool) *TxnError {
	err := model.NewError(model.KindApplication, code, "%s", msg)
	if cause != nil {
		err.Cause = cause
	}
	err.InDoubt = inDoubt
	return &TxnError{
		Err:           err,
		VerifyRecords: r.verifyRecords,
		RollRecords:   r.rollRecords,
		InDoubt:       inDoubt,
	}
}

func simpleRecords(keys []*model.Key, hasWrite bool) []*model.BatchRecord {
	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		records[i] = model.NewSimpleBatchRecord(k, hasWrite)
	}
	return records
}
