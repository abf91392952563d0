package async

import (
	"time"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/cluster"
	"github.com/ValentinKolb/aeroloop/lib/eventloop"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/lib/util"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
)

// Statement selects the records of a scan or query
type Statement struct {
	Namespace string
	SetName   string
	// BinNames limits the returned bins, empty returns all
	BinNames []string
	// Partitions limits the scan to these partition ids, empty scans all
	Partitions []int
	// Filter restricts a query to records whose integer bin is in range
	Filter *RangeFilter
}

// RangeFilter matches records with Begin <= bin <= End
type RangeFilter struct {
	Bin   string
	Begin int64
	End   int64
}

// RecordListener receives each record of a scan. Returning false ends the
// scan successfully.
type RecordListener func(rec *model.Record) bool

// ScanListener receives the end of a scan
type ScanListener func(err *model.Error)

// partitionStatus tracks one partition across rounds
type partitionStatus struct {
	id     int
	digest []byte
	done   bool
	retry  bool
	seq    cluster.Sequence
}

// ScanExecutor runs a scan or query in rounds. Each round sends one
// sub-command per node owning unfinished partitions. Partitions a node
// reports unavailable, or whose node failed, are retried in the next round
// resuming after the last digest received.
type ScanExecutor struct {
	loop     *eventloop.Loop
	cluster  cluster.ICluster
	policy   *model.ScanPolicy
	stmt     *Statement
	kind     Kind
	onRecord RecordListener
	listener ScanListener

	// StopOnNotFound ends the scan successfully at the first record row
	// with a nonzero result code instead of failing it
	StopOnNotFound bool

	parts    []*partitionStatus
	byID     map[int]*partitionStatus
	deadline time.Time

	// loop goroutine only
	round     int
	taskID    uint64
	expected  int
	completed int
	delivered int64
	stopped   bool
	failed    *model.Error
	lastErr   *model.Error
	fan       fanout

	outcome Cell[*model.Error]
}

// NewScan creates a scan over the partitions of stmt
func NewScan(loop *eventloop.Loop, cl cluster.ICluster, policy *model.ScanPolicy, stmt *Statement, onRecord RecordListener, l ScanListener) *ScanExecutor {
	return newScanExecutor(KindScan, loop, cl, policy, stmt, onRecord, l)
}

// NewQuery creates a query. It runs like a scan and applies the filter of
// stmt on the server.
func NewQuery(loop *eventloop.Loop, cl cluster.ICluster, policy *model.QueryPolicy, stmt *Statement, onRecord RecordListener, l ScanListener) *ScanExecutor {
	return newScanExecutor(KindQuery, loop, cl, policy, stmt, onRecord, l)
}

func newScanExecutor(kind Kind, loop *eventloop.Loop, cl cluster.ICluster, policy *model.ScanPolicy, stmt *Statement, onRecord RecordListener, l ScanListener) *ScanExecutor {
	ids := stmt.Partitions
	if len(ids) == 0 {
		ids = make([]int, model.PartitionCount)
		for i := range ids {
			ids[i] = i
		}
	}
	e := &ScanExecutor{
		loop:     loop,
		cluster:  cl,
		policy:   policy,
		stmt:     stmt,
		kind:     kind,
		onRecord: onRecord,
		listener: l,
		byID:     make(map[int]*partitionStatus, len(ids)),
		fan:      fanout{limit: policy.MaxConcurrentNodes},
	}
	for _, id := range ids {
		if _, dup := e.byID[id]; dup || id < 0 || id >= model.PartitionCount {
			continue
		}
		p := &partitionStatus{id: id}
		e.parts = append(e.parts, p)
		e.byID[id] = p
	}
	return e
}

// Execute starts the scan on its loop. Safe from any goroutine.
func (e *ScanExecutor) Execute() {
	if err := e.loop.Execute(e.start); err != nil {
		e.finish(model.AsError(err))
	}
}

// Done reports whether the listener ran
func (e *ScanExecutor) Done() bool { return e.outcome.IsSet() }

// Rounds returns the number of rounds started so far
func (e *ScanExecutor) Rounds() int { return e.round }

func (e *ScanExecutor) start() {
	if len(e.parts) == 0 {
		e.finish(model.NewError(model.KindApplication, model.ParameterError, "no valid partitions to scan"))
		return
	}
	e.deadline = e.policy.Deadline(time.Now())
	e.startRound()
}

func (e *ScanExecutor) startRound() {
	e.round++
	e.taskID = util.GenerateSeed()
	e.completed = 0

	type group struct {
		node  cluster.INode
		parts []*partitionStatus
	}
	var groups []*group
	index := map[string]*group{}
	open := 0
	for _, p := range e.parts {
		if p.done {
			continue
		}
		open++
		p.retry = false
		node, err := e.cluster.Resolve(&cluster.Partition{
			Namespace:  e.stmt.Namespace,
			ID:         p.id,
			Replica:    e.policy.Replica,
			ReadModeSC: e.policy.ReadModeSC,
			Sequence:   p.seq,
		})
		if err != nil {
			e.lastErr = model.AsError(err)
			p.retry = true
			p.seq.AdvanceRead(false, e.policy.ReadModeSC)
			continue
		}
		g, ok := index[node.Name()]
		if !ok {
			g = &group{node: node}
			index[node.Name()] = g
			groups = append(groups, g)
		}
		g.parts = append(g.parts, p)
	}

	Logger.Debugf("%s round %d: %d open partitions on %d nodes", e.kind, e.round, open, len(groups))
	e.expected = len(groups)
	if len(groups) == 0 {
		e.roundDone()
		return
	}

	sub := *e.policy
	sub.MaxRetries = 0
	if !e.deadline.IsZero() {
		sub.TotalTimeout = time.Until(e.deadline)
		if sub.TotalTimeout <= 0 {
			e.finish(model.NewClientTimeoutError(true))
			return
		}
	}

	remaining := int64(0)
	if e.policy.MaxRecords > 0 {
		remaining = e.policy.MaxRecords - e.delivered
	}
	cmds := make([]*Command, len(groups))
	for i, g := range groups {
		op := &scanOp{exec: e, node: g.node, parts: g.parts, policy: &sub, taskID: e.taskID}
		if remaining > 0 {
			op.maxRecords = max(remaining*int64(len(g.parts))/int64(open), 1)
		}
		cmds[i] = NewCommand(e.loop, e.cluster, &sub.BasePolicy, op)
	}
	e.fan.add(cmds...)
}

func (e *ScanExecutor) subDone(err *model.Error) {
	if err != nil && e.failed == nil {
		e.failed = err
	}
	e.completed++
	if e.completed == e.expected {
		e.roundDone()
		return
	}
	e.fan.done()
}

func (e *ScanExecutor) roundDone() {
	e.fan.running = 0
	switch {
	case e.failed != nil:
		e.finish(e.failed)
		return
	case e.stopped || e.allDone():
		e.finish(nil)
		return
	case e.round > e.policy.MaxRetries:
		err := model.NewError(model.KindApplication, model.MaxRetriesExceeded,
			"%s: %d partitions unfinished after %d rounds", e.kind, e.openCount(), e.round)
		if e.lastErr != nil {
			err.Cause = e.lastErr
		}
		e.finish(err)
		return
	case !e.deadline.IsZero() && !time.Now().Before(e.deadline):
		e.finish(model.NewClientTimeoutError(true))
		return
	}

	if d := e.policy.SleepBetweenRetries; d > 0 {
		e.loop.Schedule(d, e.startRound)
		return
	}
	e.startRound()
}

func (e *ScanExecutor) allDone() bool {
	return e.openCount() == 0
}

func (e *ScanExecutor) openCount() int {
	n := 0
	for _, p := range e.parts {
		if !p.done {
			n++
		}
	}
	return n
}

func (e *ScanExecutor) finish(err *model.Error) {
	if !e.outcome.Set(err) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("%s: recovered panic in listener: %v", e.kind, r)
		}
	}()
	if e.listener != nil {
		e.listener(err)
	}
}

// deliver hands a record to the caller and reports whether the scan goes on
func (e *ScanExecutor) deliver(rec *model.Record) bool {
	if e.stopped {
		return false
	}
	e.delivered++
	if e.onRecord != nil && !e.onRecord(rec) {
		e.stopped = true
		return false
	}
	if e.policy.MaxRecords > 0 && e.delivered >= e.policy.MaxRecords {
		e.stopped = true
		return false
	}
	return true
}

// --------------------------------------------------------------------------
// Sub-command
// --------------------------------------------------------------------------

// scanOp scans the partitions one node owns
type scanOp struct {
	exec       *ScanExecutor
	node       cluster.INode
	parts      []*partitionStatus
	policy     *model.ScanPolicy
	taskID     uint64
	maxRecords int64
}

func (s *scanOp) Kind() Kind    { return s.exec.kind }
func (s *scanOp) IsWrite() bool { return false }
func (s *scanOp) Multi() bool   { return true }

func (s *scanOp) Node(cluster.ICluster) (cluster.INode, error) {
	if !s.node.IsActive() {
		return nil, model.NewError(model.KindNetwork, model.ServerNotAvailable, "node %s is not active", s.node.Name())
	}
	return s.node, nil
}

// PrepareRetry is never reached with MaxRetries zero. Partition retries
// happen in the next round.
func (s *scanOp) PrepareRetry(bool) bool { return true }

func (s *scanOp) Encode(b *buffer.Buffer, policy *model.BasePolicy) error {
	stmt := s.exec.stmt
	info1, info3 := readAttrs(policy, stmt.BinNames, !s.policy.IncludeBinData)
	m := proto.Begin(b, proto.MsgHeader{Info1: info1, Info3: info3})

	m.FieldString(proto.FieldNamespace, stmt.Namespace)
	if stmt.SetName != "" {
		m.FieldString(proto.FieldSet, stmt.SetName)
	}

	var pids []int
	var digests []byte
	for _, p := range s.parts {
		if p.digest != nil {
			digests = append(digests, p.digest...)
		} else {
			pids = append(pids, p.id)
		}
	}
	if len(pids) > 0 {
		m.FieldPartitions(pids)
	}
	if len(digests) > 0 {
		m.Field(proto.FieldDigestArray, digests)
	}
	m.FieldUint64(proto.FieldTaskID, s.taskID)
	if s.maxRecords > 0 {
		m.FieldUint64(proto.FieldMaxRecords, uint64(s.maxRecords))
	}
	if f := stmt.Filter; f != nil && s.exec.kind == KindQuery {
		off := m.BeginField(proto.FieldIndexRange)
		b.WriteUint8(uint8(len(f.Bin)))
		b.WriteString(f.Bin)
		b.WriteUint64(uint64(f.Begin))
		b.WriteUint64(uint64(f.End))
		m.EndField(off)
	}

	for _, name := range stmt.BinNames {
		if err := m.ReadBinOp(name); err != nil {
			return model.NewError(model.KindApplication, model.SerializeError, "%v", err)
		}
	}
	m.End()
	return nil
}

func (s *scanOp) Parse(c *buffer.Cursor, node cluster.INode) (ParseStatus, error) {
	e := s.exec
	for c.Remaining() > 0 {
		h, err := proto.ParseMsgHeader(c)
		if err != nil {
			return ParseStopped, model.NewProtocolError("%v", err)
		}
		code := model.ResultCode(h.ResultCode)
		if h.IsLast() {
			if code != model.OK && code != model.KeyNotFound {
				return ParseDone, resultError(code, nil)
			}
			return ParseDone, nil
		}

		if h.IsPartitionDone() {
			if err := proto.SkipFields(c, int(h.FieldCount)); err != nil {
				return ParseStopped, model.NewProtocolError("%v", err)
			}
			// the generation carries the partition id
			if p, ok := e.byID[int(h.Generation)]; ok && code != model.OK {
				Logger.Debugf("%s: partition %d unavailable on %s: %s", e.kind, p.id, node.Name(), code)
				p.retry = true
				p.seq.AdvanceRead(false, e.policy.ReadModeSC)
			}
			continue
		}
		if code != model.OK {
			if e.StopOnNotFound {
				e.stopped = true
				return ParseStopped, nil
			}
			return ParseStopped, resultError(code, nil)
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
		key, err := model.NewKeyWithDigest(fields.Namespace, fields.Set, fields.Digest)
		if err != nil {
			return ParseStopped, model.NewProtocolError("scan row: %v", err)
		}
		key.UserKey = fields.UserKey

		if p, ok := e.byID[key.PartitionID()]; ok {
			p.digest = fields.Digest
		}
		if !e.deliver(&model.Record{
			Key:        key,
			Bins:       bins,
			Generation: h.Generation,
			Expiration: h.Expiration,
			Node:       node.Name(),
		}) {
			return ParseStopped, nil
		}
	}
	return ParseMore, nil
}

// OnSuccess completes every partition of the node that was not reported
// unavailable
func (s *scanOp) OnSuccess() {
	if !s.exec.stopped {
		for _, p := range s.parts {
			if !p.retry {
				p.done = true
			}
		}
	}
	s.exec.subDone(nil)
}

// OnFailure retries the partitions of the node next round when the failure
// is transient, otherwise the scan fails
func (s *scanOp) OnFailure(err *model.Error) {
	e := s.exec
	e.lastErr = err
	if err.Retryable() || err.Kind == model.KindClientTimeout {
		for _, p := range s.parts {
			p.retry = true
			p.seq.AdvanceRead(err.Kind == model.KindClientTimeout, e.policy.ReadModeSC)
		}
		e.subDone(nil)
		return
	}
	e.subDone(err)
}
