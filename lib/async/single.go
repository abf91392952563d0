package async

import (
	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/cluster"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
)

// Result is the outcome of a single record command
type Result struct {
	// Record is set by reads and operates that found the record
	Record *model.Record
	// Found reports whether the record existed (exists, delete, reads)
	Found bool
}

// Listener receives the outcome of a single record command on the loop
// goroutine. err is nil on success.
type Listener func(res Result, err *model.Error)

// SingleOp runs a command against one key
type SingleOp struct {
	kind      Kind
	key       *model.Key
	policy    *model.BasePolicy
	write     *model.WritePolicy
	ops       []*model.Operation
	binNames  []string
	isWrite   bool
	partition *cluster.Partition

	// monitor ops address the transaction monitor record with raw key
	// fields and read back the monitor deadline
	monitor *model.Txn
	info2   uint8

	result   Result
	listener Listener
}

func newSingle(kind Kind, key *model.Key, policy *model.BasePolicy, isWrite bool, l Listener) *SingleOp {
	return &SingleOp{
		kind:      kind,
		key:       key,
		policy:    policy,
		isWrite:   isWrite,
		partition: cluster.NewPartition(key, policy, isWrite),
		listener:  l,
	}
}

// NewRead reads the given bins, all bins when none are named
func NewRead(key *model.Key, policy *model.BasePolicy, binNames []string, l Listener) *SingleOp {
	op := newSingle(KindRead, key, policy, false, l)
	op.binNames = binNames
	return op
}

// NewReadHeader reads generation and expiration only
func NewReadHeader(key *model.Key, policy *model.BasePolicy, l Listener) *SingleOp {
	return newSingle(KindReadHeader, key, policy, false, l)
}

// NewExists checks whether a record exists
func NewExists(key *model.Key, policy *model.BasePolicy, l Listener) *SingleOp {
	return newSingle(KindExists, key, policy, false, l)
}

// NewWrite writes bins
func NewWrite(key *model.Key, policy *model.WritePolicy, bins []*model.Bin, l Listener) *SingleOp {
	op := newSingle(KindWrite, key, &policy.BasePolicy, true, l)
	op.write = policy
	op.ops = model.BinsToOps(bins)
	return op
}

// NewDelete deletes a record. Found reports whether it existed.
func NewDelete(key *model.Key, policy *model.WritePolicy, l Listener) *SingleOp {
	op := newSingle(KindDelete, key, &policy.BasePolicy, true, l)
	op.write = policy
	return op
}

// NewTouch resets the expiration of a record
func NewTouch(key *model.Key, policy *model.WritePolicy, l Listener) *SingleOp {
	op := newSingle(KindTouch, key, &policy.BasePolicy, true, l)
	op.write = policy
	op.ops = []*model.Operation{model.TouchOp()}
	return op
}

// NewOperate runs read and write ops on one record in order
func NewOperate(key *model.Key, policy *model.WritePolicy, ops []*model.Operation, l Listener) *SingleOp {
	op := newSingle(KindOperate, key, &policy.BasePolicy, model.HasWrite(ops), l)
	op.write = policy
	op.ops = ops
	return op
}

// --------------------------------------------------------------------------
// Interface Methods (docu see Op)
// --------------------------------------------------------------------------

func (s *SingleOp) Kind() Kind    { return s.kind }
func (s *SingleOp) IsWrite() bool { return s.isWrite }
func (s *SingleOp) Multi() bool   { return false }

// Key returns the key the op addresses
func (s *SingleOp) Key() *model.Key { return s.key }

func (s *SingleOp) Node(cl cluster.ICluster) (cluster.INode, error) {
	return cl.Resolve(s.partition)
}

func (s *SingleOp) PrepareRetry(timeout bool) bool {
	s.partition.PrepareRetry(timeout)
	return true
}

func (s *SingleOp) Encode(b *buffer.Buffer, policy *model.BasePolicy) error {
	var h proto.MsgHeader
	var txn *model.Txn
	if s.monitor == nil {
		txn = policy.Txn
	}

	switch s.kind {
	case KindRead:
		h.Info1, h.Info3 = readAttrs(policy, s.binNames, false)
	case KindReadHeader, KindExists:
		h.Info1, h.Info3 = readAttrs(policy, nil, true)
	case KindDelete:
		h.Info2, h.Info3, h.Generation = writeAttrs(s.write)
		h.Info2 |= proto.Info2Delete
	case KindTxnClose, KindTxnMarkRollForward, KindTxnAddKeys:
		h.Info2 = s.info2
		h.Expiration = s.write.Expiration
		if s.write.RespondPerEachOp {
			h.Info2 |= proto.Info2RespondAllOps
		}
	default:
		var info1, info2 uint8
		info1, info2 = operateAttrs(s.ops, s.write.RespondPerEachOp)
		wInfo2, wInfo3, gen := writeAttrs(s.write)
		h.Info1 = info1
		if info2 != 0 {
			h.Info2 = info2 | wInfo2
			h.Info3 = wInfo3
			h.Generation = gen
			h.Expiration = s.write.Expiration
		}
	}

	m := proto.Begin(b, h)
	sendKey := policy.SendKey && s.isWrite && s.monitor == nil
	if err := m.FieldsForKey(s.key, sendKey); err != nil {
		return model.NewError(model.KindApplication, model.SerializeError, "key: %v", err)
	}
	writeTxnFields(&m.Writer, txn, s.key, s.isWrite)

	for _, name := range s.binNames {
		if err := m.ReadBinOp(name); err != nil {
			return model.NewError(model.KindApplication, model.SerializeError, "%v", err)
		}
	}
	for _, op := range s.ops {
		if err := m.Op(op); err != nil {
			return model.NewError(model.KindApplication, model.SerializeError, "%v", err)
		}
	}
	m.End()
	return nil
}

func (s *SingleOp) Parse(c *buffer.Cursor, node cluster.INode) (ParseStatus, error) {
	h, err := proto.ParseMsgHeader(c)
	if err != nil {
		return ParseStopped, model.NewProtocolError("%v", err)
	}
	fields, err := proto.ParseFields(c, int(h.FieldCount))
	if err != nil {
		return ParseStopped, model.NewProtocolError("%v", err)
	}
	code := model.ResultCode(h.ResultCode)

	var bins model.BinMap
	if h.OpCount > 0 {
		if bins, err = proto.ParseOps(c, int(h.OpCount)); err != nil {
			return ParseStopped, model.NewProtocolError("%v", err)
		}
	}

	if s.monitor != nil {
		if fields.HasDeadline {
			s.monitor.SetDeadline(fields.Deadline)
		}
	} else if txn := s.policy.Txn; txn != nil {
		if s.isWrite {
			txn.OnWrite(s.key, fields.Version, fields.HasVersion, code)
		} else if code == model.OK {
			txn.OnRead(s.key, fields.Version, fields.HasVersion)
		}
	}

	switch code {
	case model.OK:
		s.result.Found = true
		if s.kind != KindExists && s.kind != KindDelete && s.kind != KindTouch && s.kind != KindWrite {
			s.result.Record = &model.Record{
				Key:        s.key,
				Bins:       bins,
				Generation: h.Generation,
				Expiration: h.Expiration,
				Node:       node.Name(),
			}
		}
		return ParseDone, nil

	case model.KeyNotFound:
		switch s.kind {
		case KindRead, KindReadHeader, KindExists, KindDelete, KindTxnClose:
			return ParseDone, nil
		}

	case model.MRTCommitted:
		// a retried mark that already went through
		if s.kind == KindTxnMarkRollForward {
			return ParseDone, nil
		}

	case model.FilteredOut:
		if !s.policy.FailOnFilteredOut {
			return ParseDone, nil
		}
	}
	return ParseDone, resultError(code, bins)
}

func (s *SingleOp) OnSuccess() {
	if s.listener != nil {
		s.listener(s.result, nil)
	}
}

func (s *SingleOp) OnFailure(err *model.Error) {
	if err.InDoubt && s.monitor == nil && s.policy.Txn != nil {
		s.policy.Txn.OnWriteInDoubt(s.key)
	}
	if s.listener != nil {
		s.listener(Result{}, err)
	}
}
