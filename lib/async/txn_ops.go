package async

import (
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
)

// Monitor record bins
const (
	MonitorBinID      = "id"
	MonitorBinDigests = "keyds"
	MonitorBinForward = "fwd"
)

// MonitorPolicy derives the write policy of monitor commands from the policy
// of the command that needs them. The expiration carries the transaction
// timeout, which the server only honours when it creates the monitor.
func MonitorPolicy(policy *model.BasePolicy, txn *model.Txn) *model.WritePolicy {
	wp := model.NewWritePolicy()
	wp.SocketTimeout = policy.SocketTimeout
	wp.TotalTimeout = policy.TotalTimeout
	wp.TimeoutDelay = policy.TimeoutDelay
	wp.MaxRetries = policy.MaxRetries
	wp.SleepBetweenRetries = policy.SleepBetweenRetries
	wp.Compress = policy.Compress
	wp.RespondPerEachOp = true
	wp.Expiration = uint32(txn.Timeout().Seconds())
	return wp
}

func newMonitorOp(kind Kind, txn *model.Txn, key *model.Key, wp *model.WritePolicy, info2 uint8, ops []*model.Operation, l Listener) *SingleOp {
	op := newSingle(kind, key, &wp.BasePolicy, true, l)
	op.write = wp
	op.monitor = txn
	op.info2 = info2
	op.ops = ops
	return op
}

// NewTxnAddKeys appends the digests of keys to the monitor record of txn,
// creating it on first use. The response carries the monitor deadline.
func NewTxnAddKeys(txn *model.Txn, monitorKey *model.Key, wp *model.WritePolicy, keys []*model.Key, l Listener) *SingleOp {
	digests := make([]byte, 0, len(keys)*model.DigestSize)
	for _, k := range keys {
		digests = append(digests, k.Digest[:]...)
	}
	var ops []*model.Operation
	if !txn.MonitorExists() {
		ops = append(ops, model.PutOp(model.NewBin(MonitorBinID, txn.ID())))
	}
	ops = append(ops, model.AppendOp(model.NewBin(MonitorBinDigests, digests)))
	return newMonitorOp(KindTxnAddKeys, txn, monitorKey, wp, proto.Info2Write, ops, l)
}

// NewTxnMarkRollForward marks the monitor so an interrupted commit is
// finished by the server
func NewTxnMarkRollForward(txn *model.Txn, monitorKey *model.Key, wp *model.WritePolicy, l Listener) *SingleOp {
	ops := []*model.Operation{model.PutOp(model.NewBin(MonitorBinForward, true))}
	return newMonitorOp(KindTxnMarkRollForward, txn, monitorKey, wp, proto.Info2Write, ops, l)
}

// NewTxnClose deletes the monitor record
func NewTxnClose(txn *model.Txn, monitorKey *model.Key, wp *model.WritePolicy, l Listener) *SingleOp {
	info2 := proto.Info2Write | proto.Info2Delete | proto.Info2DurableDelete
	return newMonitorOp(KindTxnClose, txn, monitorKey, wp, info2, nil, l)
}

// --------------------------------------------------------------------------
// Verify and roll rows
// --------------------------------------------------------------------------

// verifyRows checks that every record read by a transaction still has the
// version the read returned
type verifyRows struct {
	versions []uint64
}

// VerifyRows encodes read-verify rows. versions[i] belongs to row i.
func VerifyRows(versions []uint64) RowCodec { return &verifyRows{versions: versions} }

func (v *verifyRows) Kind() Kind { return KindTxnVerify }

func (v *verifyRows) EncodeRow(bw *proto.BatchWriter, index int, rec *model.BatchRecord, policy *model.BatchPolicy) error {
	info1, info3 := readAttrs(&policy.BasePolicy, nil, true)
	row := bw.Row(proto.BatchRowHeader{
		Index: index,
		Key:   rec.Key,
		Info1: info1,
		Info3: info3,
		Info4: proto.Info4MRTVerifyRead,
	})
	row.FieldRecordVersion(v.versions[index])
	row.EndRow()
	return nil
}

func (v *verifyRows) OnRow(rec *model.BatchRecord, h proto.MsgHeader, _ proto.Fields, bins model.BinMap, _ string, _ *model.BatchPolicy) bool {
	code := model.ResultCode(h.ResultCode)
	if code == model.OK {
		rec.SetResult(code, false)
		return false
	}
	rec.SetError(code, resultError(code, bins), false)
	return true
}

// rollRows applies or reverts the provisional writes of a transaction
type rollRows struct {
	txn   *model.Txn
	info4 uint8
}

// RollRows encodes roll forward rows when forward is set, else roll back rows
func RollRows(txn *model.Txn, forward bool) RowCodec {
	r := &rollRows{txn: txn, info4: proto.Info4MRTRollBack}
	if forward {
		r.info4 = proto.Info4MRTRollForward
	}
	return r
}

func (r *rollRows) Kind() Kind { return KindTxnRoll }

func (r *rollRows) EncodeRow(bw *proto.BatchWriter, index int, rec *model.BatchRecord, _ *model.BatchPolicy) error {
	row := bw.Row(proto.BatchRowHeader{
		Index: index,
		Key:   rec.Key,
		Info2: proto.Info2Write | proto.Info2DurableDelete,
		Info4: r.info4,
	})
	row.FieldMRTID(r.txn.ID())
	row.EndRow()
	return nil
}

func (r *rollRows) OnRow(rec *model.BatchRecord, h proto.MsgHeader, _ proto.Fields, bins model.BinMap, _ string, _ *model.BatchPolicy) bool {
	code := model.ResultCode(h.ResultCode)
	if code == model.OK {
		rec.SetResult(code, false)
		return false
	}
	rec.SetError(code, resultError(code, bins), false)
	return true
}
