package async

import (
	"sync/atomic"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/cluster"
	"github.com/ValentinKolb/aeroloop/lib/eventloop"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
)

// BatchListener receives the rows of a batch once every sub-command ended.
// err is nil only if every sub-command succeeded and no row failed; the
// rows carry their results either way.
type BatchListener func(records []*model.BatchRecord, err *model.Error)

// RowCodec encodes the rows of one batch family and stores their answers
type RowCodec interface {
	Kind() Kind
	// EncodeRow appends the request row of records[index]
	EncodeRow(bw *proto.BatchWriter, index int, rec *model.BatchRecord, policy *model.BatchPolicy) error
	// OnRow stores the answer of a row. It returns true for a row level error.
	OnRow(rec *model.BatchRecord, h proto.MsgHeader, fields proto.Fields, bins model.BinMap, node string, policy *model.BatchPolicy) bool
}

// BatchExecutor splits rows by node, runs one sub-command per node and
// reports a single outcome. Completion is counted, so the order in which
// sub-commands finish does not matter.
type BatchExecutor struct {
	loop     *eventloop.Loop
	cluster  cluster.ICluster
	policy   *model.BatchPolicy
	records  []*model.BatchRecord
	codec    RowCodec
	listener BatchListener

	// StopOnNotFound ends a node's stream at its first row with a nonzero
	// result code. The stream counts as success; rows after it keep
	// NoResponse.
	StopOnNotFound bool

	expected  atomic.Int32
	completed atomic.Int32
	failed    atomic.Pointer[subFailure]
	rowError  atomic.Bool

	fan fanout

	outcome Cell[*model.Error]
}

// NewBatchExecutor creates an executor over records
func NewBatchExecutor(loop *eventloop.Loop, cl cluster.ICluster, policy *model.BatchPolicy, records []*model.BatchRecord, codec RowCodec, l BatchListener) *BatchExecutor {
	return &BatchExecutor{
		loop:     loop,
		cluster:  cl,
		policy:   policy,
		records:  records,
		codec:    codec,
		listener: l,
		fan:      fanout{limit: policy.MaxConcurrentNodes},
	}
}

// NewBatchRead creates an executor for read and exists rows
func NewBatchRead(loop *eventloop.Loop, cl cluster.ICluster, policy *model.BatchPolicy, records []*model.BatchRecord, l BatchListener) *BatchExecutor {
	return NewBatchExecutor(loop, cl, policy, records, RecordRows(KindBatchRead), l)
}

// NewLegacyBatchExists creates the former exists-only batch. Its streams
// stop at the first key that was not found.
//
// Deprecated: use NewBatchRead with header-only rows.
func NewLegacyBatchExists(loop *eventloop.Loop, cl cluster.ICluster, policy *model.BatchPolicy, keys []*model.Key, l BatchListener) *BatchExecutor {
	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		records[i] = model.NewBatchExists(k)
	}
	e := NewBatchExecutor(loop, cl, policy, records, RecordRows(KindBatchExists), l)
	e.StopOnNotFound = true
	return e
}

// NewBatchOperate creates an executor for rows mixing reads and writes
func NewBatchOperate(loop *eventloop.Loop, cl cluster.ICluster, policy *model.BatchPolicy, records []*model.BatchRecord, l BatchListener) *BatchExecutor {
	return NewBatchExecutor(loop, cl, policy, records, RecordRows(KindBatchOperate), l)
}

// Execute starts the batch on its loop. Safe from any goroutine.
func (e *BatchExecutor) Execute() {
	if err := e.loop.Execute(e.start); err != nil {
		e.finish(model.AsError(err))
	}
}

// Records returns the rows, complete once the listener ran
func (e *BatchExecutor) Records() []*model.BatchRecord { return e.records }

// Done reports whether the listener ran
func (e *BatchExecutor) Done() bool { return e.outcome.IsSet() }

func (e *BatchExecutor) start() {
	if len(e.records) == 0 {
		e.finish(nil)
		return
	}
	groups, err := cluster.GenerateBatchNodes(e.cluster, e.records, nil, &e.policy.BasePolicy, cluster.Sequence{})
	if err != nil {
		e.finish(model.AsError(err))
		return
	}
	Logger.Debugf("batch of %d rows: %s", len(e.records), cluster.FormatBatchNodes(groups))

	e.expected.Store(int32(len(groups)))
	cmds := make([]*Command, len(groups))
	for i, g := range groups {
		cmds[i] = e.newSub(g, cluster.Sequence{})
	}
	e.fan.add(cmds...)
}

func (e *BatchExecutor) newSub(g *cluster.BatchNode, seq cluster.Sequence) *Command {
	op := &batchOp{exec: e, node: g.Node, offsets: g.Offsets, seq: seq}
	for _, off := range g.Offsets {
		if e.records[off].HasWrite {
			op.isWrite = true
			break
		}
	}
	op.cmd = NewCommand(e.loop, e.cluster, &e.policy.BasePolicy, op)
	return op.cmd
}

// split replaces the sub-command of parent with one per group. The new
// sub-commands continue the retry budget and replica sequence of parent.
func (e *BatchExecutor) split(parent *batchOp, groups []*cluster.BatchNode) {
	Logger.Debugf("batch sub-command for %s split into %s", parent.node.Name(), cluster.FormatBatchNodes(groups))
	e.expected.Add(int32(len(groups)))
	cmds := make([]*Command, len(groups))
	for i, g := range groups {
		cmds[i] = e.newSub(g, parent.seq)
		cmds[i].Inherit(parent.cmd)
	}
	e.fan.pending = append(e.fan.pending, cmds...)
	e.subDone(nil, 0)
}

// subFailure is a failed sub-command ranked by the lowest row it covered
type subFailure struct {
	err  *model.Error
	rank int
}

// subDone counts a finished sub-command. Of several failures the one
// covering the lowest row wins, whatever order they completed in.
func (e *BatchExecutor) subDone(err *model.Error, rank int) {
	if err != nil {
		f := &subFailure{err: err, rank: rank}
		for {
			cur := e.failed.Load()
			if cur != nil && cur.rank <= rank {
				break
			}
			if e.failed.CompareAndSwap(cur, f) {
				break
			}
		}
	}
	if e.completed.Add(1) == e.expected.Load() {
		var agg *model.Error
		if f := e.failed.Load(); f != nil {
			agg = f.err
		}
		e.finish(agg)
		return
	}
	e.fan.done()
}

func (e *BatchExecutor) finish(err *model.Error) {
	if err == nil && e.rowError.Load() {
		err = model.NewError(model.KindApplication, model.BatchFailed, "one or more batch rows failed")
	}
	if !e.outcome.Set(err) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("batch: recovered panic in listener: %v", r)
		}
	}()
	if e.listener != nil {
		e.listener(e.records, err)
	}
}

// --------------------------------------------------------------------------
// Sub-command
// --------------------------------------------------------------------------

// batchOp is the op of one node's sub-command
type batchOp struct {
	exec    *BatchExecutor
	cmd     *Command
	node    cluster.INode
	offsets []int
	seq     cluster.Sequence
	isWrite bool
}

func (b *batchOp) Kind() Kind    { return b.exec.codec.Kind() }
func (b *batchOp) IsWrite() bool { return b.isWrite }
func (b *batchOp) Multi() bool   { return true }

func (b *batchOp) Node(cluster.ICluster) (cluster.INode, error) {
	if !b.node.IsActive() {
		return nil, model.NewError(model.KindNetwork, model.ServerNotAvailable, "node %s is not active", b.node.Name())
	}
	return b.node, nil
}

func (b *batchOp) Encode(buf *buffer.Buffer, policy *model.BasePolicy) error {
	e := b.exec
	m := proto.Begin(buf, proto.MsgHeader{Info1: proto.Info1Batch})
	var flags uint8
	if e.policy.AllowInline {
		flags |= proto.BatchFlagAllowInline
	}
	if e.policy.RespondAllKeys {
		flags |= proto.BatchFlagRespondAllKeys
	}
	bw := m.BeginBatch(flags)
	for _, off := range b.offsets {
		if err := e.codec.EncodeRow(bw, off, e.records[off], e.policy); err != nil {
			return model.NewError(model.KindApplication, model.SerializeError, "batch row %d: %v", off, err)
		}
	}
	bw.End()
	m.End()
	return nil
}

func (b *batchOp) Parse(c *buffer.Cursor, node cluster.INode) (ParseStatus, error) {
	e := b.exec
	for c.Remaining() > 0 {
		h, err := proto.ParseMsgHeader(c)
		if err != nil {
			return ParseStopped, model.NewProtocolError("%v", err)
		}
		code := model.ResultCode(h.ResultCode)
		if h.IsLast() {
			if code != model.OK {
				return ParseDone, resultError(code, nil)
			}
			return ParseDone, nil
		}

		fields, err := proto.ParseFields(c, int(h.FieldCount))
		if err != nil {
			return ParseStopped, model.NewProtocolError("%v", err)
		}
		var bins model.BinMap
		if h.OpCount > 0 {
			if bins, err = proto.ParseOps(c, int(h.OpCount)); err != nil {
				return ParseStopped, model.NewProtocolError("%v", err)
			}
		}

		idx := h.BatchIndex()
		if idx < 0 || idx >= len(e.records) {
			return ParseStopped, model.NewProtocolError("batch index %d out of range", idx)
		}
		if code != model.OK && e.StopOnNotFound {
			e.records[idx].SetResult(code, false)
			return ParseStopped, nil
		}
		if e.codec.OnRow(e.records[idx], h, fields, bins, node.Name(), e.policy) {
			e.rowError.Store(true)
		}
	}
	return ParseMore, nil
}

// PrepareRetry keeps the retry on this node when the unanswered rows still
// map to it, otherwise the rows are redistributed to new sub-commands
func (b *batchOp) PrepareRetry(timeout bool) bool {
	e := b.exec
	if b.isWrite {
		b.seq.AdvanceWrite(timeout)
	} else {
		b.seq.AdvanceRead(timeout, e.policy.ReadModeSC)
	}

	offsets := make([]int, 0, len(b.offsets))
	for _, off := range b.offsets {
		rec := e.records[off]
		if !rec.Answered() {
			rec.PrepareRetry()
			offsets = append(offsets, off)
		}
	}
	if len(offsets) == 0 {
		e.split(b, nil)
		return false
	}

	groups, err := cluster.GenerateBatchNodes(e.cluster, e.records, offsets, &e.policy.BasePolicy, b.seq)
	if err != nil {
		Logger.Warningf("batch retry on %s: regroup failed, retrying in place: %v", b.node.Name(), err)
		b.offsets = offsets
		return true
	}
	if cluster.SameSingleNode(groups, b.node) {
		b.offsets = offsets
		return true
	}
	e.split(b, groups)
	return false
}

func (b *batchOp) OnSuccess() {
	b.exec.subDone(nil, 0)
}

// rank is the lowest row offset of the sub-command
func (b *batchOp) rank() int {
	lowest := len(b.exec.records)
	for _, off := range b.offsets {
		lowest = min(lowest, off)
	}
	return lowest
}

// OnFailure marks the rows the node never answered. Write rows of a
// sub-command that failed in doubt are in doubt themselves.
func (b *batchOp) OnFailure(err *model.Error) {
	e := b.exec
	txn := e.policy.Txn
	for _, off := range b.offsets {
		rec := e.records[off]
		if rec.Answered() {
			continue
		}
		inDoubt := err.InDoubt && rec.HasWrite
		rec.SetError(err.Code, err, inDoubt)
		if inDoubt && txn != nil {
			txn.OnWriteInDoubt(rec.Key)
		}
	}
	e.subDone(err, b.rank())
}

// --------------------------------------------------------------------------
// Record rows
// --------------------------------------------------------------------------

type recordRows Kind

// RecordRows encodes read, exists and operate rows
func RecordRows(kind Kind) RowCodec { return recordRows(kind) }

func (r recordRows) Kind() Kind { return Kind(r) }

func (r recordRows) EncodeRow(bw *proto.BatchWriter, index int, rec *model.BatchRecord, policy *model.BatchPolicy) error {
	h := proto.BatchRowHeader{Index: index, Key: rec.Key}
	if len(rec.Ops) > 0 {
		h.Info1, h.Info2 = operateAttrs(rec.Ops, true)
	} else {
		h.Info1, h.Info3 = readAttrs(&policy.BasePolicy, rec.BinNames, rec.HeaderOnly)
	}

	row := bw.Row(h)
	writeTxnFields(&row.Writer, policy.Txn, rec.Key, rec.HasWrite)
	for _, name := range rec.BinNames {
		if err := row.ReadBinOp(name); err != nil {
			return err
		}
	}
	for _, op := range rec.Ops {
		if err := row.Op(op); err != nil {
			return err
		}
	}
	row.EndRow()
	return nil
}

func (r recordRows) OnRow(rec *model.BatchRecord, h proto.MsgHeader, fields proto.Fields, bins model.BinMap, node string, policy *model.BatchPolicy) bool {
	code := model.ResultCode(h.ResultCode)
	if txn := policy.Txn; txn != nil {
		if rec.HasWrite {
			txn.OnWrite(rec.Key, fields.Version, fields.HasVersion, code)
		} else if code == model.OK {
			txn.OnRead(rec.Key, fields.Version, fields.HasVersion)
		}
	}

	switch code {
	case model.OK:
		rec.SetRecord(&model.Record{
			Key:        rec.Key,
			Bins:       bins,
			Generation: h.Generation,
			Expiration: h.Expiration,
			Node:       node,
		})
		return false
	case model.KeyNotFound:
		if !rec.HasWrite {
			rec.SetResult(code, false)
			return false
		}
	case model.FilteredOut:
		if !policy.FailOnFilteredOut {
			rec.SetResult(code, false)
			return false
		}
	}
	rec.SetError(code, resultError(code, bins), false)
	return true
}
