package async

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/cluster"
	"github.com/ValentinKolb/aeroloop/lib/eventloop"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/transport/base"
	"github.com/ValentinKolb/aeroloop/rpc/transport/tcp"
	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idleLoop is a loop that is never run, tests drive it from their own goroutine
func idleLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	var config common.EventLoopConfig
	require.NoError(t, defaults.Set(&config))
	var socket common.SocketConfig
	require.NoError(t, defaults.Set(&socket))
	l, err := eventloop.New(0, config, base.NewPumpDriver(tcp.NewConnector(), socket))
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

// countingOp counts its terminal callbacks
type countingOp struct {
	write     bool
	successes int
	failures  []*model.Error
}

func (o *countingOp) Kind() Kind    { return KindWrite }
func (o *countingOp) IsWrite() bool { return o.write }
func (o *countingOp) Multi() bool   { return false }
func (o *countingOp) Node(cluster.ICluster) (cluster.INode, error) {
	return nil, model.NewError(model.KindNetwork, model.ServerNotAvailable, "no node")
}
func (o *countingOp) Encode(*buffer.Buffer, *model.BasePolicy) error { return nil }
func (o *countingOp) Parse(*buffer.Cursor, cluster.INode) (ParseStatus, error) {
	return ParseDone, nil
}
func (o *countingOp) PrepareRetry(bool) bool     { return true }
func (o *countingOp) OnSuccess()                 { o.successes++ }
func (o *countingOp) OnFailure(err *model.Error) { o.failures = append(o.failures, err) }

func TestCompletesAtMostOnce(t *testing.T) {
	l := idleLoop(t)
	policy := model.NewPolicy()
	policy.MaxRetries = 0
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 100; round++ {
		op := &countingOp{write: true}
		c := NewCommand(l, nil, policy, op)
		events := []struct {
			name string
			fire func()
		}{
			{"success", c.succeed},
			{"network", func() { c.fail(model.NewNetworkError(errors.New("reset"))) }},
			{"timeout", c.onTimeout},
			{"reject", func() { c.Reject(eventloop.ErrQueueFull) }},
		}
		rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })
		for _, e := range events {
			e.fire()
		}

		require.Equal(t, 1, op.successes+len(op.failures), "round %d order %s first", round, events[0].name)
		if events[0].name == "success" {
			assert.Equal(t, StateComplete, c.State())
			assert.Nil(t, c.Err())
		} else {
			assert.Equal(t, StateFailed, c.State())
			assert.NotNil(t, c.Err())
		}
	}
}

func TestBatchOutcomeIndependentOfOrder(t *testing.T) {
	keys := make([]*model.Key, 6)
	for i := range keys {
		keys[i] = testKey(t, i)
	}
	netErr := model.NewNetworkError(errors.New("reset")).Enrich("node-2", 1, true, nil)

	type snapshot struct {
		codes   []model.ResultCode
		inDoubt []bool
		err     model.ResultCode
		kind    model.ErrorKind
	}
	run := func(order []int) snapshot {
		records := make([]*model.BatchRecord, len(keys))
		for i, k := range keys {
			records[i] = model.NewBatchOperate(k, model.PutOp(model.NewBin("v", int64(i))))
		}
		var got *model.Error
		calls := 0
		exec := NewBatchExecutor(nil, nil, model.NewBatchPolicy(), records, RecordRows(KindBatchOperate),
			func(_ []*model.BatchRecord, err *model.Error) {
				calls++
				got = err
			})
		exec.expected.Store(3)
		subs := []*batchOp{
			{exec: exec, offsets: []int{0, 1}},
			{exec: exec, offsets: []int{2, 3}},
			{exec: exec, offsets: []int{4, 5}},
		}
		actions := []func(){
			func() {
				records[0].SetRecord(&model.Record{Key: keys[0]})
				records[1].SetRecord(&model.Record{Key: keys[1]})
				subs[0].OnSuccess()
			},
			func() {
				records[2].SetRecord(&model.Record{Key: keys[2]})
				records[3].SetError(model.KeyExists, model.NewResultCodeError(model.KeyExists), false)
				exec.rowError.Store(true)
				subs[1].OnSuccess()
			},
			func() {
				records[4].SetRecord(&model.Record{Key: keys[4]})
				subs[2].OnFailure(netErr)
			},
		}
		for _, i := range order {
			actions[i]()
		}
		require.Equal(t, 1, calls)
		require.NotNil(t, got)

		s := snapshot{err: got.Code, kind: got.Kind}
		for _, rec := range records {
			s.codes = append(s.codes, rec.ResultCode)
			s.inDoubt = append(s.inDoubt, rec.InDoubt)
		}
		return s
	}

	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	want := run(orders[0])
	assert.Equal(t, model.KindNetwork, want.kind)
	assert.Equal(t, []bool{false, false, false, false, false, true}, want.inDoubt)
	for _, order := range orders[1:] {
		assert.Equal(t, want, run(order), "order %v", order)
	}
}

func TestBatchAggregateErrorIsLowestRow(t *testing.T) {
	keys := make([]*model.Key, 6)
	for i := range keys {
		keys[i] = testKey(t, i)
	}
	errs := []*model.Error{
		model.NewNetworkError(errors.New("reset")).Enrich("node-0", 1, false, nil),
		model.NewResultCodeError(model.Timeout).Enrich("node-1", 1, false, nil),
		model.NewNetworkError(errors.New("refused")).Enrich("node-2", 1, false, nil),
	}

	run := func(order []int) *model.Error {
		records := make([]*model.BatchRecord, len(keys))
		for i, k := range keys {
			records[i] = model.NewBatchRead(k)
		}
		var got *model.Error
		exec := NewBatchExecutor(nil, nil, model.NewBatchPolicy(), records, RecordRows(KindBatchRead),
			func(_ []*model.BatchRecord, err *model.Error) { got = err })
		exec.expected.Store(3)
		// the sub-command of node-1 covers the lowest row
		subs := []*batchOp{
			{exec: exec, offsets: []int{2, 3}},
			{exec: exec, offsets: []int{5, 0}},
			{exec: exec, offsets: []int{1, 4}},
		}
		for _, i := range order {
			subs[i].OnFailure(errs[i])
		}
		require.NotNil(t, got)
		return got
	}

	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, order := range orders {
		got := run(order)
		assert.Equal(t, model.Timeout, got.Code, "order %v", order)
		assert.Equal(t, "node-1", got.Node, "order %v", order)
	}
}

func TestCellPublishesFirstValue(t *testing.T) {
	var c Cell[*model.Error]
	won := make(chan *model.Error, 8)
	var wg sync.WaitGroup
	for i := 0; i < cap(won); i++ {
		e := model.NewError(model.KindApplication, model.CommonError, "attempt %d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Set(e) {
				won <- e
			}
			if c.IsSet() {
				require.NotNil(t, c.Get())
			}
		}()
	}
	wg.Wait()
	close(won)
	require.Len(t, won, 1)
	assert.Same(t, <-won, c.Get())
	assert.False(t, c.Set(nil))

	var empty Cell[*model.Error]
	assert.Nil(t, empty.Get())
	assert.True(t, empty.Set(nil))
	assert.True(t, empty.IsSet())
	assert.Nil(t, empty.Get())
	assert.False(t, empty.Set(model.NewError(model.KindApplication, model.CommonError, "late")))
}
