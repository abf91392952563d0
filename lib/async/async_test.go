package async

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/cluster"
	"github.com/ValentinKolb/aeroloop/lib/eventloop"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/lib/store"
	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/server"
	"github.com/ValentinKolb/aeroloop/rpc/transport/base"
	"github.com/ValentinKolb/aeroloop/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Harness
// --------------------------------------------------------------------------

type harness struct {
	servers []*server.Server
	cluster *cluster.StaticCluster
	loops   *eventloop.EventLoops
	loop    *eventloop.Loop
}

type harnessOpts struct {
	nodes  int
	client func(*common.ClientConfig)
	server func(*common.ServerConfig)
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.nodes == 0 {
		o.nodes = 1
	}

	h := &harness{}
	var hosts []string
	for i := 0; i < o.nodes; i++ {
		config := common.NewServerConfig()
		config.Endpoint = "127.0.0.1:0"
		if o.server != nil {
			o.server(&config)
		}
		s, err := server.NewServer(config, tcp.NewConnector())
		require.NoError(t, err)
		go s.Serve()
		t.Cleanup(func() { s.Close() })
		h.servers = append(h.servers, s)
		hosts = append(hosts, s.Addr().String())
	}

	config := common.NewClientConfig(hosts...)
	if o.client != nil {
		o.client(&config)
	}
	driver := base.NewPumpDriver(tcp.NewConnector(), config.Socket)

	cl, err := cluster.NewStaticCluster(config, tcp.NewConnector(), driver)
	require.NoError(t, err)
	loops, err := eventloop.NewEventLoops(config.EventLoop, driver)
	require.NoError(t, err)
	t.Cleanup(func() {
		loops.Close()
		cl.Close()
	})

	h.cluster = cl
	h.loops = loops
	h.loop = loops.Get(0)
	return h
}

// onLoop runs fn on the loop goroutine and waits for it
func (h *harness) onLoop(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, h.loop.Execute(func() {
		fn()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not run the function")
	}
}

// seed stores a record directly on node i
func (h *harness) seed(t *testing.T, i int, k *model.Key, bins model.BinMap) {
	t.Helper()
	_, err := h.servers[i].Store().Compute(k.Namespace, k.Digest, func(*store.Entry) (*store.Entry, error) {
		return &store.Entry{Namespace: k.Namespace, Set: k.SetName, Digest: k.Digest, Bins: bins}, nil
	})
	require.NoError(t, err)
}

type outcome struct {
	res Result
	err *model.Error
}

// run executes op and waits for its listener
func (h *harness) run(t *testing.T, policy *model.BasePolicy, build func(Listener) Op) (*Command, outcome) {
	t.Helper()
	ch := make(chan outcome, 1)
	cmd := NewCommand(h.loop, h.cluster, policy, build(func(res Result, err *model.Error) {
		ch <- outcome{res, err}
	}))
	cmd.Execute()
	select {
	case o := <-ch:
		return cmd, o
	case <-time.After(5 * time.Second):
		t.Fatal("command did not complete")
		return nil, outcome{}
	}
}

func (h *harness) put(t *testing.T, wp *model.WritePolicy, k *model.Key, bins ...*model.Bin) (*Command, outcome) {
	return h.run(t, &wp.BasePolicy, func(l Listener) Op { return NewWrite(k, wp, bins, l) })
}

func (h *harness) get(t *testing.T, p *model.BasePolicy, k *model.Key) (*Command, outcome) {
	return h.run(t, p, func(l Listener) Op { return NewRead(k, p, nil, l) })
}

func (h *harness) batch(t *testing.T, policy *model.BatchPolicy, records []*model.BatchRecord) *model.Error {
	t.Helper()
	ch := make(chan *model.Error, 1)
	NewBatchExecutor(h.loop, h.cluster, policy, records, RecordRows(KindBatchOperate), func(_ []*model.BatchRecord, err *model.Error) {
		ch <- err
	}).Execute()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not complete")
		return nil
	}
}

func testKey(t *testing.T, userKey any) *model.Key {
	t.Helper()
	k, err := model.NewKey("test", "demo", userKey)
	require.NoError(t, err)
	return k
}

// keysOnNodes returns keys whose master is node pid%2 under the default
// two node ownership, n0 for node 0 and n1 for node 1
func keysOnNodes(t *testing.T, n0, n1 int) []*model.Key {
	t.Helper()
	var keys []*model.Key
	c0, c1 := 0, 0
	for i := 0; c0 < n0 || c1 < n1; i++ {
		k := testKey(t, fmt.Sprintf("key-%d", i))
		if k.PartitionID()%2 == 0 && c0 < n0 {
			c0++
			keys = append(keys, k)
		} else if k.PartitionID()%2 == 1 && c1 < n1 {
			c1++
			keys = append(keys, k)
		}
	}
	return keys
}

func (h *harness) counter(name string) uint64 {
	return h.loop.Metrics().GetOrCreateCounter(name).Get()
}

// --------------------------------------------------------------------------
// Single record commands
// --------------------------------------------------------------------------

func TestPutGetRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "alice")

	_, o := h.put(t, model.NewWritePolicy(), k, model.NewBin("name", "Alice"), model.NewBin("age", 31))
	require.Nil(t, o.err)

	cmd, o := h.get(t, model.NewPolicy(), k)
	require.Nil(t, o.err)
	require.True(t, o.res.Found)
	assert.Equal(t, "Alice", o.res.Record.Bins["name"])
	assert.EqualValues(t, 31, o.res.Record.Bins["age"])
	assert.Equal(t, "node-0", o.res.Record.Node)
	assert.Equal(t, StateComplete, cmd.State())
	assert.Equal(t, 1, cmd.Iteration())
	assert.True(t, cmd.Done())
}

func TestReadMissingRecord(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "nobody")

	_, o := h.get(t, model.NewPolicy(), k)
	require.Nil(t, o.err)
	assert.False(t, o.res.Found)
	assert.Nil(t, o.res.Record)

	p := model.NewPolicy()
	_, o = h.run(t, p, func(l Listener) Op { return NewExists(k, p, l) })
	require.Nil(t, o.err)
	assert.False(t, o.res.Found)
}

func TestOperateDeleteTouch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "counter")
	wp := model.NewWritePolicy()
	wp.RespondPerEachOp = true

	_, o := h.run(t, &wp.BasePolicy, func(l Listener) Op {
		return NewOperate(k, wp, []*model.Operation{
			model.AddOp(model.NewBin("n", 5)),
			model.AddOp(model.NewBin("n", 2)),
			model.GetBinOp("n"),
		}, l)
	})
	require.Nil(t, o.err)
	assert.EqualValues(t, 7, o.res.Record.Bins["n"])

	_, o = h.run(t, &wp.BasePolicy, func(l Listener) Op { return NewTouch(k, wp, l) })
	require.Nil(t, o.err)

	_, o = h.run(t, &wp.BasePolicy, func(l Listener) Op { return NewDelete(k, wp, l) })
	require.Nil(t, o.err)
	assert.True(t, o.res.Found)

	_, o = h.run(t, &wp.BasePolicy, func(l Listener) Op { return NewDelete(k, wp, l) })
	require.Nil(t, o.err)
	assert.False(t, o.res.Found)

	_, o = h.run(t, &wp.BasePolicy, func(l Listener) Op { return NewTouch(k, wp, l) })
	require.NotNil(t, o.err)
	assert.Equal(t, model.KeyNotFound, o.err.Code)
}

func TestReadHeader(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "header")
	_, o := h.put(t, model.NewWritePolicy(), k, model.NewBin("a", "x"))
	require.Nil(t, o.err)

	p := model.NewPolicy()
	_, o = h.run(t, p, func(l Listener) Op { return NewReadHeader(k, p, l) })
	require.Nil(t, o.err)
	require.NotNil(t, o.res.Record)
	assert.EqualValues(t, 1, o.res.Record.Generation)
	assert.Empty(t, o.res.Record.Bins)
}

// --------------------------------------------------------------------------
// Retries and failures
// --------------------------------------------------------------------------

func TestWriteRetriesAfterDroppedConnections(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "retry")
	h.servers[0].Faults().DropNext(2)

	wp := model.NewWritePolicy()
	wp.MaxRetries = 2
	cmd, o := h.put(t, wp, k, model.NewBin("v", "ok"))
	require.Nil(t, o.err)
	assert.Equal(t, 3, cmd.Iteration())
	assert.Equal(t, 3, cmd.Sent())
	assert.EqualValues(t, 2, h.servers[0].Requests("dropped"))

	h.onLoop(t, func() {
		assert.Equal(t, 0, h.loop.Wheel().Len())
	})
	assert.EqualValues(t, 2, h.counter(`aeroloop_command_retries_total{kind="write",loop="0"}`))
}

func TestRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "exhausted")
	h.servers[0].Faults().DropNext(10)

	wp := model.NewWritePolicy()
	wp.MaxRetries = 2
	cmd, o := h.put(t, wp, k, model.NewBin("v", 1))
	require.NotNil(t, o.err)
	assert.Equal(t, model.KindNetwork, o.err.Kind)
	assert.Equal(t, 3, o.err.Iteration)
	assert.True(t, o.err.InDoubt)
	assert.Equal(t, "node-0", o.err.Node)
	require.NotNil(t, o.err.Policy)
	assert.Equal(t, 2, o.err.Policy.MaxRetries)
	assert.Equal(t, StateFailed, cmd.State())

	p := model.NewPolicy()
	p.MaxRetries = 1
	_, o = h.get(t, p, k)
	require.NotNil(t, o.err)
	assert.Equal(t, 2, o.err.Iteration)
	assert.False(t, o.err.InDoubt)
}

func TestApplicationErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "exists")
	_, o := h.put(t, model.NewWritePolicy(), k, model.NewBin("v", 1))
	require.Nil(t, o.err)

	wp := model.NewWritePolicy()
	wp.MaxRetries = 3
	wp.RecordExistsAction = model.RecordCreateOnly
	before := h.servers[0].Requests("single")
	_, o = h.put(t, wp, k, model.NewBin("v", 2))
	require.NotNil(t, o.err)
	assert.Equal(t, model.KeyExists, o.err.Code)
	assert.Equal(t, model.KindApplication, o.err.Kind)
	assert.Equal(t, 1, o.err.Iteration)
	assert.False(t, o.err.InDoubt)
	assert.Equal(t, before+1, h.servers[0].Requests("single"))
}

func TestErrorRateRejectionIsNotCounted(t *testing.T) {
	h := newHarness(t, harnessOpts{client: func(c *common.ClientConfig) {
		c.MaxErrorRate = 1
		c.ErrorRateWindow = time.Minute
	}})
	node := h.cluster.Node(0)
	node.IncrErrorCount()
	node.IncrErrorCount()
	require.True(t, node.ErrorRateExceeded())

	p := model.NewPolicy()
	p.MaxRetries = 2
	cmd, o := h.get(t, p, testKey(t, "limited"))
	require.NotNil(t, o.err)
	assert.Equal(t, model.MaxErrorRate, o.err.Code)
	assert.Equal(t, model.KindBackoff, o.err.Kind)
	assert.Equal(t, 3, cmd.Iteration())
	assert.EqualValues(t, 2, node.Stats().Errors)
}

func TestServerBackoffIsRetried(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "busy")
	h.servers[0].Faults().FailNext(model.DeviceOverload, 1)

	cmd, o := h.get(t, model.NewPolicy(), k)
	require.Nil(t, o.err)
	assert.Equal(t, 2, cmd.Iteration())
}

func TestSleepPastDeadlineIsSkipped(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "sleepy")
	h.servers[0].Faults().DropNext(1)

	p := model.NewPolicy()
	p.TotalTimeout = 500 * time.Millisecond
	p.SleepBetweenRetries = 10 * time.Second
	start := time.Now()
	cmd, o := h.get(t, p, k)
	require.Nil(t, o.err)
	assert.Equal(t, 2, cmd.Iteration())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestScheduledRetrySleep(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "scheduled")
	h.servers[0].Faults().DropNext(1)

	p := model.NewPolicy()
	p.TotalTimeout = 0
	p.SleepBetweenRetries = 50 * time.Millisecond
	start := time.Now()
	cmd, o := h.get(t, p, k)
	require.Nil(t, o.err)
	assert.Equal(t, 2, cmd.Iteration())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	h.onLoop(t, func() {
		assert.Equal(t, 0, h.loop.PendingTasks())
	})
}

func TestInDoubtRules(t *testing.T) {
	network := model.NewNetworkError(fmt.Errorf("reset"))
	app := model.NewResultCodeError(model.KeyExists)
	backoff := model.NewError(model.KindBackoff, model.DeviceOverload, "overload")
	timeout := model.NewClientTimeoutError(false)

	cases := []struct {
		name  string
		write bool
		sent  int
		err   *model.Error
		want  bool
	}{
		{"read never in doubt", false, 3, network, false},
		{"write not sent", true, 0, network, false},
		{"write sent once network", true, 1, network, true},
		{"write sent once timeout", true, 1, timeout, true},
		{"write sent once application", true, 1, app, false},
		{"write sent once backoff", true, 1, backoff, false},
		{"write sent twice application", true, 2, app, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Command{op: &SingleOp{isWrite: tc.write}, sent: tc.sent}
			assert.Equal(t, tc.want, c.inDoubt(tc.err))
		})
	}
}

// --------------------------------------------------------------------------
// Timeouts and connection recovery
// --------------------------------------------------------------------------

func TestSocketTimeout(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "slow")
	h.servers[0].Faults().SetDelay(300 * time.Millisecond)

	p := model.NewPolicy()
	p.SocketTimeout = 50 * time.Millisecond
	p.TotalTimeout = 0
	p.MaxRetries = 1
	start := time.Now()
	cmd, o := h.get(t, p, k)
	require.NotNil(t, o.err)
	assert.Equal(t, model.KindClientTimeout, o.err.Kind)
	assert.Equal(t, 2, cmd.Iteration())
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestTotalTimeoutBoundsRetries(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "total")
	h.servers[0].Faults().SetDelay(500 * time.Millisecond)

	p := model.NewPolicy()
	p.SocketTimeout = 40 * time.Millisecond
	p.TotalTimeout = 150 * time.Millisecond
	p.MaxRetries = 100
	start := time.Now()
	cmd, o := h.get(t, p, k)
	require.NotNil(t, o.err)
	assert.Equal(t, model.KindClientTimeout, o.err.Kind)
	assert.Less(t, cmd.Iteration(), 100)
	assert.Less(t, time.Since(start), 450*time.Millisecond)
}

func TestDrainReturnsConnection(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "drain")
	_, o := h.put(t, model.NewWritePolicy(), k, model.NewBin("v", strings.Repeat("x", 64)))
	require.Nil(t, o.err)

	h.servers[0].Faults().SetDelay(200 * time.Millisecond)
	p := model.NewPolicy()
	p.SocketTimeout = 50 * time.Millisecond
	p.TotalTimeout = 100 * time.Millisecond
	p.TimeoutDelay = 2 * time.Second
	p.MaxRetries = 0
	_, o = h.get(t, p, k)
	require.NotNil(t, o.err)
	assert.Equal(t, model.KindClientTimeout, o.err.Kind)

	assert.Eventually(t, func() bool {
		return h.counter(`aeroloop_connection_recovery_total{result="returned",loop="0"}`) == 1
	}, 3*time.Second, 10*time.Millisecond)

	h.servers[0].Faults().Reset()
	_, o = h.get(t, model.NewPolicy(), k)
	require.Nil(t, o.err)
	assert.True(t, o.res.Found)
}

func TestDrainClosesAfterTimeoutDelay(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "drain-closed")
	h.servers[0].Faults().SetDelay(time.Second)

	p := model.NewPolicy()
	p.SocketTimeout = 30 * time.Millisecond
	p.TotalTimeout = 60 * time.Millisecond
	p.TimeoutDelay = 100 * time.Millisecond
	p.MaxRetries = 0
	_, o := h.get(t, p, k)
	require.NotNil(t, o.err)

	assert.Eventually(t, func() bool {
		return h.counter(`aeroloop_connection_recovery_total{result="closed",loop="0"}`) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.counter(`aeroloop_connection_recovery_total{result="returned",loop="0"}`))
	stats := h.cluster.Node(0).Stats()
	assert.EqualValues(t, 0, stats.OpenConnections)
	assert.EqualValues(t, 0, stats.IdleConnections)
}

func TestDrainFromMiddleOfBody(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "drain-body")
	_, o := h.put(t, model.NewWritePolicy(), k, model.NewBin("v", strings.Repeat("x", 100)))
	require.Nil(t, o.err)
	node := h.cluster.Node(0)

	// the header and a few body bytes arrive, then the response stalls
	h.servers[0].Faults().SetChunking(12, 80*time.Millisecond)
	p := model.NewPolicy()
	p.SocketTimeout = 30 * time.Millisecond
	p.TotalTimeout = 0
	p.TimeoutDelay = 5 * time.Second
	p.MaxRetries = 0
	_, o = h.get(t, p, k)
	require.NotNil(t, o.err)
	assert.Equal(t, model.KindClientTimeout, o.err.Kind)

	assert.Eventually(t, func() bool {
		return h.counter(`aeroloop_connection_recovery_total{result="returned",loop="0"}`) == 1
	}, 4*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.counter(`aeroloop_connection_recovery_total{result="closed",loop="0"}`))
	assert.EqualValues(t, 1, node.Stats().OpenConnections)
	assert.EqualValues(t, 1, node.Stats().IdleConnections)

	// the drained connection is reused and holds no stale bytes
	h.servers[0].Faults().Reset()
	_, o = h.get(t, model.NewPolicy(), k)
	require.Nil(t, o.err)
	assert.Equal(t, strings.Repeat("x", 100), o.res.Record.Bins["v"])
	assert.EqualValues(t, 1, node.Stats().OpenConnections)
}

func seededReads(t *testing.T, h *harness, prefix string, n int) []*model.Key {
	t.Helper()
	keys := make([]*model.Key, n)
	for i := range keys {
		keys[i] = testKey(t, fmt.Sprintf("%s-%d", prefix, i))
		h.seed(t, 0, keys[i], model.BinMap{"v": int64(i)})
	}
	return keys
}

func readRows(keys []*model.Key) []*model.BatchRecord {
	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		records[i] = model.NewBatchRead(k)
	}
	return records
}

func TestDrainWalksGroupsToLast(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	keys := seededReads(t, h, "groups", 6)
	node := h.cluster.Node(0)

	faults := h.servers[0].Faults()
	faults.SetRowsPerGroup(2)
	faults.SetZeroLengthGroups(true)
	faults.SetDelay(150 * time.Millisecond)

	policy := model.NewBatchPolicy()
	policy.SocketTimeout = 40 * time.Millisecond
	policy.TotalTimeout = 80 * time.Millisecond
	policy.TimeoutDelay = 2 * time.Second
	policy.MaxRetries = 0
	err := h.batch(t, policy, readRows(keys))
	require.NotNil(t, err)
	assert.Equal(t, model.KindClientTimeout, err.Kind)

	assert.Eventually(t, func() bool {
		return h.counter(`aeroloop_connection_recovery_total{result="returned",loop="0"}`) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.counter(`aeroloop_connection_recovery_total{result="closed",loop="0"}`))
	assert.EqualValues(t, 1, node.Stats().IdleConnections)

	faults.Reset()
	records := readRows(keys)
	require.Nil(t, h.batch(t, model.NewBatchPolicy(), records))
	for i, rec := range records {
		require.Equal(t, model.OK, rec.ResultCode, "row %d", i)
		assert.EqualValues(t, i, rec.Record.Bins["v"])
	}
	assert.EqualValues(t, 1, node.Stats().OpenConnections)
}

func TestCompressedStreamIsClosed(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	keys := seededReads(t, h, "packed", 6)
	node := h.cluster.Node(0)

	faults := h.servers[0].Faults()
	faults.SetCompress(true)
	faults.SetRowsPerGroup(2)

	policy := model.NewBatchPolicy()
	policy.SocketTimeout = 40 * time.Millisecond
	policy.TotalTimeout = 0
	policy.TimeoutDelay = 2 * time.Second
	policy.MaxRetries = 0

	// timeout inside the body of a compressed group
	faults.SetChunking(12, 100*time.Millisecond)
	err := h.batch(t, policy, readRows(keys))
	require.NotNil(t, err)
	assert.Equal(t, model.KindClientTimeout, err.Kind)
	assert.EqualValues(t, 1, h.counter(`aeroloop_connection_recovery_total{result="closed",loop="0"}`))
	assert.EqualValues(t, 0, node.Stats().OpenConnections)

	// timeout before the first compressed group arrived
	faults.SetChunking(0, 0)
	faults.SetDelay(150 * time.Millisecond)
	err = h.batch(t, policy, readRows(keys))
	require.NotNil(t, err)
	assert.Eventually(t, func() bool {
		return h.counter(`aeroloop_connection_recovery_total{result="closed",loop="0"}`) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.counter(`aeroloop_connection_recovery_total{result="returned",loop="0"}`))
	assert.EqualValues(t, 0, node.Stats().OpenConnections)
	assert.EqualValues(t, 0, node.Stats().IdleConnections)
}

// --------------------------------------------------------------------------
// Admission
// --------------------------------------------------------------------------

func TestDelayQueueFull(t *testing.T) {
	h := newHarness(t, harnessOpts{client: func(c *common.ClientConfig) {
		c.EventLoop.MaxCommandsInProcess = 1
		c.EventLoop.MaxCommandsInQueue = 1
	}})
	h.servers[0].Faults().SetDelay(100 * time.Millisecond)

	p := model.NewPolicy()
	ch := make(chan outcome, 3)
	for i := 0; i < 3; i++ {
		k := testKey(t, i)
		NewCommand(h.loop, h.cluster, p, NewRead(k, p, nil, func(res Result, err *model.Error) {
			ch <- outcome{res, err}
		})).Execute()
	}

	var ok, full int
	for i := 0; i < 3; i++ {
		select {
		case o := <-ch:
			if o.err == nil {
				ok++
			} else if o.err.Kind == model.KindQueueFull {
				full++
			}
		case <-time.After(3 * time.Second):
			t.Fatal("commands did not complete")
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, full)
	assert.Equal(t, 0, h.loop.InProcess())
	assert.Equal(t, 0, h.loop.Queued())
}

func TestQueuedCommandTimesOut(t *testing.T) {
	h := newHarness(t, harnessOpts{client: func(c *common.ClientConfig) {
		c.EventLoop.MaxCommandsInProcess = 1
	}})
	h.servers[0].Faults().SetDelay(300 * time.Millisecond)

	slow := model.NewPolicy()
	slow.TotalTimeout = 0
	first := make(chan *model.Error, 1)
	NewCommand(h.loop, h.cluster, slow, NewRead(testKey(t, "a"), slow, nil, func(_ Result, err *model.Error) {
		first <- err
	})).Execute()

	p := model.NewPolicy()
	p.TotalTimeout = 50 * time.Millisecond
	_, o := h.get(t, p, testKey(t, "b"))
	require.NotNil(t, o.err)
	assert.Equal(t, model.KindClientTimeout, o.err.Kind)
	assert.Equal(t, 0, o.err.Iteration)

	assert.Nil(t, <-first)
}

// --------------------------------------------------------------------------
// Wire features
// --------------------------------------------------------------------------

func TestCompressedRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "big")
	value := strings.Repeat("compress me ", 200)

	wp := model.NewWritePolicy()
	wp.Compress = true
	_, o := h.put(t, wp, k, model.NewBin("text", value))
	require.Nil(t, o.err)

	p := model.NewPolicy()
	p.Compress = true
	_, o = h.get(t, p, k)
	require.Nil(t, o.err)
	assert.Equal(t, value, o.res.Record.Bins["text"])

	h.servers[0].Faults().SetCompress(true)
	_, o = h.get(t, model.NewPolicy(), k)
	require.Nil(t, o.err)
	assert.Equal(t, value, o.res.Record.Bins["text"])
}

func TestChunkedResponse(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "chunks")
	value := strings.Repeat("y", 3000)
	_, o := h.put(t, model.NewWritePolicy(), k, model.NewBin("v", value))
	require.Nil(t, o.err)

	h.servers[0].Faults().SetChunking(7, time.Millisecond)
	p := model.NewPolicy()
	p.SocketTimeout = time.Second
	p.TotalTimeout = 5 * time.Second
	_, o = h.get(t, p, k)
	require.Nil(t, o.err)
	assert.Equal(t, value, o.res.Record.Bins["v"])
}

func TestLargeRecordBeyondPooledBuffers(t *testing.T) {
	h := newHarness(t, harnessOpts{client: func(c *common.ClientConfig) {
		c.EventLoop.MaxBufferSize = 64 * 1024
	}})
	k := testKey(t, "huge")
	value := make([]byte, 256*1024)
	for i := range value {
		value[i] = byte(i)
	}

	wp := model.NewWritePolicy()
	wp.TotalTimeout = 5 * time.Second
	_, o := h.put(t, wp, k, model.NewBin("blob", value))
	require.Nil(t, o.err)

	p := model.NewPolicy()
	p.TotalTimeout = 5 * time.Second
	_, o = h.get(t, p, k)
	require.Nil(t, o.err)
	assert.Equal(t, value, o.res.Record.Bins["blob"])
}

func TestAuthenticatesFreshConnections(t *testing.T) {
	h := newHarness(t, harnessOpts{
		server: func(c *common.ServerConfig) { c.User, c.Password = "admin", "secret" },
		client: func(c *common.ClientConfig) { c.User, c.Password = "admin", "secret" },
	})
	k := testKey(t, "secure")
	_, o := h.put(t, model.NewWritePolicy(), k, model.NewBin("v", 1))
	require.Nil(t, o.err)
	assert.NotNil(t, h.cluster.Node(0).SessionToken())

	// a revoked token fails on the next fresh connection and is refreshed
	h.servers[0].RevokeSessions()
	h.onLoop(t, func() {
		h.cluster.CloseIdleConnections(h.loop.Index(), time.Now().Add(time.Hour))
	})
	p := model.NewPolicy()
	p.MaxRetries = 0
	_, o = h.get(t, p, k)
	require.NotNil(t, o.err)
	assert.Equal(t, model.NotAuthenticated, o.err.Code)

	assert.Eventually(t, func() bool {
		_, o := h.get(t, p, k)
		return o.err == nil && o.res.Found
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRejectedWithoutLogin(t *testing.T) {
	h := newHarness(t, harnessOpts{
		server: func(c *common.ServerConfig) { c.User, c.Password = "admin", "secret" },
	})
	_, o := h.get(t, model.NewPolicy(), testKey(t, "anon"))
	require.NotNil(t, o.err)
	assert.Equal(t, model.NotAuthenticated, o.err.Code)
}

func TestUDFFailure(t *testing.T) {
	f := ParseUDFFailure("mymod.lua:42: attempt to index nil")
	assert.Equal(t, "mymod.lua", f.File)
	assert.Equal(t, 42, f.Line)
	assert.Equal(t, "attempt to index nil", f.Message)

	f = ParseUDFFailure("something broke: badly")
	assert.Empty(t, f.File)
	assert.Equal(t, "something broke: badly", f.Message)

	err := resultError(model.UDFBadResponse, model.BinMap{"FAILURE": "mymod.lua:7: boom"})
	assert.Equal(t, model.UDFBadResponse, err.Code)
	assert.Contains(t, err.Message, "mymod.lua:7: boom")
	var udf *UDFFailure
	require.ErrorAs(t, err, &udf)
	assert.Equal(t, 7, udf.Line)

	err = resultError(model.KeyExists, nil)
	assert.Nil(t, err.Cause)
}

// --------------------------------------------------------------------------
// Batch
// --------------------------------------------------------------------------

func TestBatchReadAcrossNodes(t *testing.T) {
	h := newHarness(t, harnessOpts{nodes: 2})
	keys := keysOnNodes(t, 3, 3)
	for i, k := range keys {
		h.seed(t, k.PartitionID()%2, k, model.BinMap{"i": int64(i)})
	}
	missing := testKey(t, "missing")
	records := make([]*model.BatchRecord, 0, len(keys)+1)
	for _, k := range keys {
		records = append(records, model.NewBatchRead(k))
	}
	records = append(records, model.NewBatchExists(missing))

	h.servers[0].Faults().SetZeroLengthGroups(true)
	h.servers[1].Faults().SetRowsPerGroup(1)
	require.Nil(t, h.batch(t, model.NewBatchPolicy(), records))

	for i, rec := range records[:len(keys)] {
		require.Equal(t, model.OK, rec.ResultCode, "row %d", i)
		assert.EqualValues(t, i, rec.Record.Bins["i"])
		assert.Equal(t, fmt.Sprintf("node-%d", rec.Key.PartitionID()%2), rec.Record.Node)
	}
	assert.Equal(t, model.KeyNotFound, records[len(keys)].ResultCode)
	assert.EqualValues(t, 1, h.servers[0].Requests("batch"))
	assert.EqualValues(t, 1, h.servers[1].Requests("batch"))
}

func TestBatchWriteFailureMarksRowsInDoubt(t *testing.T) {
	h := newHarness(t, harnessOpts{nodes: 2})
	keys := keysOnNodes(t, 6, 4)
	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		records[i] = model.NewBatchOperate(k, model.PutOp(model.NewBin("v", int64(i))))
	}
	h.servers[1].Faults().DropNext(1)

	policy := model.NewBatchPolicy()
	policy.MaxRetries = 0
	err := h.batch(t, policy, records)
	require.NotNil(t, err)
	assert.Equal(t, model.KindNetwork, err.Kind)

	ok, inDoubt := 0, 0
	for _, rec := range records {
		switch {
		case rec.ResultCode == model.OK:
			ok++
			assert.Equal(t, 0, rec.Key.PartitionID()%2)
		case rec.InDoubt:
			inDoubt++
			assert.Equal(t, 1, rec.Key.PartitionID()%2)
			assert.Error(t, rec.Err)
		}
	}
	assert.Equal(t, 6, ok)
	assert.Equal(t, 4, inDoubt)
}

func TestBatchRetryRedistributes(t *testing.T) {
	h := newHarness(t, harnessOpts{nodes: 2})
	keys := keysOnNodes(t, 2, 3)
	for _, k := range keys {
		h.seed(t, 0, k, model.BinMap{"v": "replica"})
		h.seed(t, 1, k, model.BinMap{"v": "master"})
	}
	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		records[i] = model.NewBatchRead(k)
	}

	// node 1 backs off once, the retry walks to the next replica
	h.servers[1].Faults().FailNext(model.DeviceOverload, 1)
	require.Nil(t, h.batch(t, model.NewBatchPolicy(), records))

	for _, rec := range records {
		require.Equal(t, model.OK, rec.ResultCode)
		assert.Equal(t, "node-0", rec.Record.Node)
	}
	assert.EqualValues(t, 2, h.servers[0].Requests("batch"))
	assert.EqualValues(t, 1, h.servers[1].Requests("batch"))
}

func TestBatchRetryAfterOwnershipChange(t *testing.T) {
	h := newHarness(t, harnessOpts{nodes: 2})
	keys := keysOnNodes(t, 0, 3)
	for _, k := range keys {
		h.seed(t, 0, k, model.BinMap{"v": "new owner"})
	}
	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		records[i] = model.NewBatchRead(k)
	}
	h.servers[1].Faults().SetDelay(100 * time.Millisecond)
	h.servers[1].Faults().FailNext(model.Timeout, 1)

	policy := model.NewBatchPolicy()
	policy.Replica = model.ReplicaMaster
	go func() {
		for h.servers[1].Requests("batch") == 0 {
			time.Sleep(time.Millisecond)
		}
		assert.NoError(t, h.cluster.SetOwnership(cluster.NewOwnership(1, 1)))
	}()
	require.Nil(t, h.batch(t, policy, records))
	for _, rec := range records {
		require.Equal(t, model.OK, rec.ResultCode)
		assert.Equal(t, "node-0", rec.Record.Node)
		assert.Equal(t, "new owner", rec.Record.Bins["v"])
	}
}

func TestLegacyBatchExistsStopsAtMissingKey(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	keys := make([]*model.Key, 5)
	for i := range keys {
		keys[i] = testKey(t, fmt.Sprintf("legacy-%d", i))
		if i != 2 {
			h.seed(t, 0, keys[i], model.BinMap{"v": int64(i)})
		}
	}

	ch := make(chan *model.Error, 1)
	exec := NewLegacyBatchExists(h.loop, h.cluster, model.NewBatchPolicy(), keys, func(_ []*model.BatchRecord, err *model.Error) {
		ch <- err
	})
	assert.True(t, exec.StopOnNotFound)
	exec.Execute()
	require.Nil(t, <-ch)

	codes := make([]model.ResultCode, len(keys))
	for i, rec := range exec.Records() {
		codes[i] = rec.ResultCode
	}
	assert.Equal(t, []model.ResultCode{model.OK, model.OK, model.KeyNotFound, model.NoResponse, model.NoResponse}, codes)
	// the rest of the stream went away with the connection
	assert.EqualValues(t, 0, h.cluster.Node(0).Stats().OpenConnections)

	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		records[i] = model.NewBatchExists(k)
	}
	require.Nil(t, h.batch(t, model.NewBatchPolicy(), records))
	for i, rec := range records {
		want := model.OK
		if i == 2 {
			want = model.KeyNotFound
		}
		assert.Equal(t, want, rec.ResultCode, "row %d", i)
	}
	assert.EqualValues(t, 1, h.cluster.Node(0).Stats().IdleConnections)
}

func TestEmptyBatch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	assert.Nil(t, h.batch(t, model.NewBatchPolicy(), nil))
}

// --------------------------------------------------------------------------
// Scan and query
// --------------------------------------------------------------------------

func (h *harness) scan(t *testing.T, e func(RecordListener, ScanListener) *ScanExecutor) ([]*model.Record, *ScanExecutor, *model.Error) {
	t.Helper()
	var recs []*model.Record
	ch := make(chan *model.Error, 1)
	exec := e(func(rec *model.Record) bool {
		recs = append(recs, rec)
		return true
	}, func(err *model.Error) { ch <- err })
	exec.Execute()
	select {
	case err := <-ch:
		return recs, exec, err
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not complete")
		return nil, nil, nil
	}
}

func TestScanAllRecords(t *testing.T) {
	h := newHarness(t, harnessOpts{nodes: 2})
	keys := keysOnNodes(t, 5, 5)
	for i, k := range keys {
		h.seed(t, k.PartitionID()%2, k, model.BinMap{"i": int64(i)})
	}

	stmt := &Statement{Namespace: "test", SetName: "demo"}
	recs, exec, err := h.scan(t, func(r RecordListener, l ScanListener) *ScanExecutor {
		return NewScan(h.loop, h.cluster, model.NewScanPolicy(), stmt, r, l)
	})
	require.Nil(t, err)
	assert.Len(t, recs, len(keys))
	assert.Equal(t, 1, exec.Rounds())
	assert.True(t, exec.Done())
}

func TestScanRetriesUnavailablePartition(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	keys := keysOnNodes(t, 4, 0)
	var pids []int
	for _, k := range keys {
		h.seed(t, 0, k, model.BinMap{"v": 1})
		pids = append(pids, k.PartitionID())
	}
	h.servers[0].Faults().SetUnavailable(1, pids[0])

	stmt := &Statement{Namespace: "test", SetName: "demo", Partitions: pids}
	recs, exec, err := h.scan(t, func(r RecordListener, l ScanListener) *ScanExecutor {
		return NewScan(h.loop, h.cluster, model.NewScanPolicy(), stmt, r, l)
	})
	require.Nil(t, err)
	assert.Len(t, recs, len(keys))
	assert.Equal(t, 2, exec.Rounds())
}

func TestScanGivesUpAfterMaxRounds(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	k := testKey(t, "stuck")
	h.seed(t, 0, k, model.BinMap{"v": 1})
	h.servers[0].Faults().SetUnavailable(100, k.PartitionID())

	policy := model.NewScanPolicy()
	policy.MaxRetries = 2
	stmt := &Statement{Namespace: "test", Partitions: []int{k.PartitionID()}}
	_, exec, err := h.scan(t, func(r RecordListener, l ScanListener) *ScanExecutor {
		return NewScan(h.loop, h.cluster, policy, stmt, r, l)
	})
	require.NotNil(t, err)
	assert.Equal(t, model.MaxRetriesExceeded, err.Code)
	assert.Equal(t, 3, exec.Rounds())
}

func TestScanMaxRecordsAndStop(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	for i := 0; i < 20; i++ {
		k := testKey(t, i)
		h.seed(t, 0, k, model.BinMap{"v": int64(i)})
	}

	policy := model.NewScanPolicy()
	policy.MaxRecords = 5
	stmt := &Statement{Namespace: "test", SetName: "demo"}
	recs, _, err := h.scan(t, func(r RecordListener, l ScanListener) *ScanExecutor {
		return NewScan(h.loop, h.cluster, policy, stmt, r, l)
	})
	require.Nil(t, err)
	assert.LessOrEqual(t, len(recs), 5)
	assert.NotEmpty(t, recs)

	var seen int
	ch := make(chan *model.Error, 1)
	NewScan(h.loop, h.cluster, model.NewScanPolicy(), stmt, func(*model.Record) bool {
		seen++
		return seen < 3
	}, func(err *model.Error) { ch <- err }).Execute()
	require.Nil(t, <-ch)
	assert.Equal(t, 3, seen)
}

func TestScanStopOnNotFound(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	seededReads(t, h, "stop", 10)
	h.servers[0].Faults().SetRowResult(model.KeyNotFound, 3)
	stmt := &Statement{Namespace: "test", SetName: "demo"}

	recs, _, err := h.scan(t, func(r RecordListener, l ScanListener) *ScanExecutor {
		e := NewScan(h.loop, h.cluster, model.NewScanPolicy(), stmt, r, l)
		e.StopOnNotFound = true
		return e
	})
	require.Nil(t, err)
	assert.Len(t, recs, 3)
	assert.EqualValues(t, 0, h.cluster.Node(0).Stats().OpenConnections)

	// without the option the row fails the scan
	_, _, err = h.scan(t, func(r RecordListener, l ScanListener) *ScanExecutor {
		return NewScan(h.loop, h.cluster, model.NewScanPolicy(), stmt, r, l)
	})
	require.NotNil(t, err)
	assert.Equal(t, model.KeyNotFound, err.Code)
}

func TestQueryRangeFilter(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	for i := 0; i < 10; i++ {
		k := testKey(t, fmt.Sprintf("q-%d", i))
		h.seed(t, 0, k, model.BinMap{"age": int64(i * 10), "name": fmt.Sprintf("n%d", i)})
	}

	stmt := &Statement{
		Namespace: "test",
		SetName:   "demo",
		BinNames:  []string{"age"},
		Filter:    &RangeFilter{Bin: "age", Begin: 20, End: 50},
	}
	recs, _, err := h.scan(t, func(r RecordListener, l ScanListener) *ScanExecutor {
		return NewQuery(h.loop, h.cluster, model.NewQueryPolicy(), stmt, r, l)
	})
	require.Nil(t, err)
	require.Len(t, recs, 4)
	for _, rec := range recs {
		age := rec.Bins["age"].(int64)
		assert.GreaterOrEqual(t, age, int64(20))
		assert.LessOrEqual(t, age, int64(50))
		assert.NotContains(t, rec.Bins, "name")
	}
}

func TestScanInvalidPartitions(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	stmt := &Statement{Namespace: "test", Partitions: []int{-1, model.PartitionCount}}
	_, _, err := h.scan(t, func(r RecordListener, l ScanListener) *ScanExecutor {
		return NewScan(h.loop, h.cluster, model.NewScanPolicy(), stmt, r, l)
	})
	require.NotNil(t, err)
	assert.Equal(t, model.ParameterError, err.Code)
}
