package client

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/lib/txn"
	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/server"
	"github.com/ValentinKolb/aeroloop/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, nodes int) (*Client, []*server.Server) {
	t.Helper()
	var servers []*server.Server
	var hosts []string
	for i := 0; i < nodes; i++ {
		sc := common.NewServerConfig()
		sc.Endpoint = "127.0.0.1:0"
		srv, err := server.NewServer(sc, tcp.NewConnector())
		require.NoError(t, err)
		go srv.Serve()
		t.Cleanup(func() { srv.Close() })
		servers = append(servers, srv)
		hosts = append(hosts, srv.Addr().String())
	}

	config := common.NewClientConfig(hosts...)
	config.EventLoop.Loops = 2
	c, err := NewClient(config)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, servers
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func testKey(t *testing.T, userKey any) *model.Key {
	t.Helper()
	k, err := model.NewKey("test", "users", userKey)
	require.NoError(t, err)
	return k
}

func TestRecordLifecycle(t *testing.T) {
	c, _ := newTestClient(t, 1)
	k := testKey(t, "alice")

	_, err := c.PutFuture(nil, k, model.NewBin("name", "alice"), model.NewBin("age", 42)).Get(ctx(t))
	require.NoError(t, err)

	rec, err := c.GetFuture(nil, k).Get(ctx(t))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.Bins["name"])
	assert.EqualValues(t, 42, rec.Bins["age"])

	rec, err = c.GetFuture(nil, k, "age").Get(ctx(t))
	require.NoError(t, err)
	assert.NotContains(t, rec.Bins, "name")

	header, err := c.GetHeaderFuture(nil, k).Get(ctx(t))
	require.NoError(t, err)
	require.NotNil(t, header)
	assert.Empty(t, header.Bins)
	assert.EqualValues(t, 1, header.Generation)

	rec, err = c.OperateFuture(nil, k, model.AddOp(model.NewBin("age", 1)), model.GetBinOp("age")).Get(ctx(t))
	require.NoError(t, err)
	assert.EqualValues(t, 43, rec.Bins["age"])

	_, err = c.TouchFuture(nil, k).Get(ctx(t))
	require.NoError(t, err)

	exists, err := c.ExistsFuture(nil, k).Get(ctx(t))
	require.NoError(t, err)
	assert.True(t, exists)

	existed, err := c.DeleteFuture(nil, k).Get(ctx(t))
	require.NoError(t, err)
	assert.True(t, existed)

	exists, err = c.ExistsFuture(nil, k).Get(ctx(t))
	require.NoError(t, err)
	assert.False(t, exists)

	rec, err = c.GetFuture(nil, k).Get(ctx(t))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestListenerAPI(t *testing.T) {
	c, _ := newTestClient(t, 1)
	k := testKey(t, "listener")

	done := make(chan error, 1)
	c.Put(nil, k, func(err error) { done <- err }, model.NewBin("v", "x"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("put listener not called")
	}

	recs := make(chan *model.Record, 1)
	c.Get(nil, k, func(rec *model.Record, err error) {
		assert.NoError(t, err)
		recs <- rec
	})
	select {
	case rec := <-recs:
		assert.Equal(t, "x", rec.Bins["v"])
	case <-time.After(5 * time.Second):
		t.Fatal("get listener not called")
	}
}

func TestBatchAcrossNodes(t *testing.T) {
	c, servers := newTestClient(t, 2)
	keys := make([]*model.Key, 20)
	for i := range keys {
		keys[i] = testKey(t, i)
	}

	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		records[i] = model.NewBatchOperate(k, model.PutOp(model.NewBin("n", i)))
	}
	_, err := c.BatchOperateFuture(nil, records).Get(ctx(t))
	require.NoError(t, err)
	for _, rec := range records {
		assert.Equal(t, model.OK, rec.ResultCode)
	}
	assert.Equal(t, len(keys), servers[0].Store().Len()+servers[1].Store().Len())

	missing := testKey(t, "missing")
	got, err := c.BatchGetFuture(nil, append(keys, missing)).Get(ctx(t))
	require.Error(t, err)
	var me *model.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, model.BatchFailed, me.Code)
	for i := range keys {
		require.Equal(t, model.OK, got[i].ResultCode, "row %d", i)
		assert.EqualValues(t, i, got[i].Record.Bins["n"])
	}
	assert.Equal(t, model.KeyNotFound, got[len(keys)].ResultCode)

	exists, err := c.BatchExistsFuture(nil, []*model.Key{keys[0], missing, keys[1]}).Get(ctx(t))
	require.Error(t, err)
	assert.Equal(t, []bool{true, false, true}, exists)
}

func TestScanAndQuery(t *testing.T) {
	c, _ := newTestClient(t, 2)
	for i := 0; i < 30; i++ {
		_, err := c.PutFuture(nil, testKey(t, i), model.NewBin("n", i)).Get(ctx(t))
		require.NoError(t, err)
	}

	all, err := c.ScanFuture(nil, &Statement{Namespace: "test", SetName: "users"}).Get(ctx(t))
	require.NoError(t, err)
	assert.Len(t, all, 30)

	some, err := c.QueryFuture(nil, &Statement{
		Namespace: "test",
		SetName:   "users",
		Filter:    &RangeFilter{Bin: "n", Begin: 10, End: 19},
	}).Get(ctx(t))
	require.NoError(t, err)
	assert.Len(t, some, 10)
	for _, rec := range some {
		n, ok := rec.Bins["n"].(int64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, n, int64(10))
		assert.LessOrEqual(t, n, int64(19))
	}
}

func TestTxnCommitAndAbort(t *testing.T) {
	c, _ := newTestClient(t, 1)
	a, b := testKey(t, "a"), testKey(t, "b")

	tx := c.NewTxn()
	wp := model.NewWritePolicy()
	wp.Txn = tx
	_, err := c.PutFuture(wp, a, model.NewBin("v", 1)).Get(ctx(t))
	require.NoError(t, err)

	status, err := c.CommitFuture(tx).Get(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, txn.CommitOK, status)

	rec, err := c.GetFuture(nil, a).Get(ctx(t))
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Bins["v"])

	// commands after commit are refused before they reach a loop
	_, err = c.PutFuture(wp, b, model.NewBin("v", 2)).Get(ctx(t))
	require.Error(t, err)

	tx2 := c.NewTxn()
	wp.Txn = tx2
	_, err = c.PutFuture(wp, b, model.NewBin("v", 2)).Get(ctx(t))
	require.NoError(t, err)
	abort, err := c.AbortFuture(tx2).Get(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, txn.AbortOK, abort)

	rec, err = c.GetFuture(nil, b).Get(ctx(t))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestTxnNamespaceMismatch(t *testing.T) {
	c, _ := newTestClient(t, 1)
	tx := c.NewTxn()
	p := model.NewPolicy()
	p.Txn = tx

	_, err := c.GetFuture(p, testKey(t, "first")).Get(ctx(t))
	require.NoError(t, err)

	other, err := model.NewKey("other", "users", "second")
	require.NoError(t, err)
	_, err = c.GetFuture(p, other).Get(ctx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "namespace must be the same")
}

func TestStatsAndMetrics(t *testing.T) {
	c, _ := newTestClient(t, 2)
	for i := 0; i < 10; i++ {
		_, err := c.PutFuture(nil, testKey(t, i), model.NewBin("n", i)).Get(ctx(t))
		require.NoError(t, err)
	}

	stats := c.Stats()
	require.Len(t, stats, 2)
	for i, s := range stats {
		assert.Equal(t, fmt.Sprintf("node-%d", i), s.Name)
		assert.True(t, s.Active)
	}

	var buf bytes.Buffer
	c.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), "aeroloop_command_duration_seconds")
}

func TestClosedClient(t *testing.T) {
	c, _ := newTestClient(t, 1)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.GetFuture(nil, testKey(t, "late")).Get(ctx(t))
	require.Error(t, err)

	status, err := c.CommitFuture(model.NewTxn()).Get(ctx(t))
	require.Error(t, err)
	assert.Equal(t, txn.CommitFailed, status)

	abort, err := c.AbortFuture(model.NewTxn()).Get(ctx(t))
	require.Error(t, err)
	assert.Equal(t, txn.AbortFailed, abort)
}

func TestUnknownTransport(t *testing.T) {
	config := common.NewClientConfig("127.0.0.1:1")
	config.Transport = "carrier-pigeon"
	_, err := NewClient(config)
	require.Error(t, err)
}
