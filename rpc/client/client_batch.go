package client

import (
	"github.com/ValentinKolb/aeroloop/lib/async"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/lib/txn"
)

type (
	// Statement selects the records of a scan or query
	Statement = async.Statement
	// RangeFilter restricts a query to an integer bin range
	RangeFilter = async.RangeFilter
)

type (
	// BatchListener receives the rows of a batch. Each row carries its own
	// result code. err is set when a sub-command failed or a row failed.
	BatchListener func(records []*model.BatchRecord, err error)
	// BatchExistsListener receives one flag per key
	BatchExistsListener func(exists []bool, err error)
	// ScanRecordListener receives each record of a scan on the loop
	// goroutine. Returning false ends the scan.
	ScanRecordListener func(rec *model.Record) bool
	// ScanDoneListener receives the end of a scan
	ScanDoneListener func(err error)
)

// --------------------------------------------------------------------------
// Batch
// --------------------------------------------------------------------------

// BatchGet reads many keys at once, one sub-command per node
func (c *Client) BatchGet(policy *model.BatchPolicy, keys []*model.Key, l BatchListener, binNames ...string) {
	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		records[i] = model.NewBatchRead(k, binNames...)
	}
	c.batchRead(orBatchPolicy(policy), records, l)
}

// BatchGetFuture is BatchGet returning a Future
func (c *Client) BatchGetFuture(policy *model.BatchPolicy, keys []*model.Key, binNames ...string) *Future[[]*model.BatchRecord] {
	f := newFuture[[]*model.BatchRecord]()
	c.BatchGet(policy, keys, f.complete, binNames...)
	return f
}

// BatchExists checks many keys at once
func (c *Client) BatchExists(policy *model.BatchPolicy, keys []*model.Key, l BatchExistsListener) {
	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		records[i] = model.NewBatchExists(k)
	}
	c.batchRead(orBatchPolicy(policy), records, func(records []*model.BatchRecord, err error) {
		exists := make([]bool, len(records))
		for i, rec := range records {
			exists[i] = rec.ResultCode == model.OK
		}
		l(exists, err)
	})
}

// BatchExistsFuture is BatchExists returning a Future
func (c *Client) BatchExistsFuture(policy *model.BatchPolicy, keys []*model.Key) *Future[[]bool] {
	f := newFuture[[]bool]()
	c.BatchExists(policy, keys, f.complete)
	return f
}

// BatchOperate runs the ops of every row. Rows may mix reads and writes.
func (c *Client) BatchOperate(policy *model.BatchPolicy, records []*model.BatchRecord, l BatchListener) {
	policy = orBatchPolicy(policy)
	keys := make([]*model.Key, len(records))
	var writes []*model.Key
	for i, rec := range records {
		keys[i] = rec.Key
		if rec.HasWrite {
			writes = append(writes, rec.Key)
		}
	}
	if err := prepareTxn(&policy.BasePolicy, keys...); err != nil {
		l(records, err)
		return
	}

	loop := c.loops.Next()
	listener := func(records []*model.BatchRecord, err *model.Error) { l(records, asError(err)) }
	if len(writes) == 0 {
		async.NewBatchOperate(loop, c.cluster, policy, records, listener).Execute()
		return
	}
	txn.AddKeys(loop, c.cluster, &policy.BasePolicy, writes, func() {
		async.NewBatchOperate(loop, c.cluster, policy, records, listener).Execute()
	}, func(err *model.Error) { l(records, asError(err)) })
}

// BatchOperateFuture is BatchOperate returning a Future
func (c *Client) BatchOperateFuture(policy *model.BatchPolicy, records []*model.BatchRecord) *Future[[]*model.BatchRecord] {
	f := newFuture[[]*model.BatchRecord]()
	c.BatchOperate(policy, records, f.complete)
	return f
}

func (c *Client) batchRead(policy *model.BatchPolicy, records []*model.BatchRecord, l BatchListener) {
	keys := make([]*model.Key, len(records))
	for i, rec := range records {
		keys[i] = rec.Key
	}
	if err := prepareTxn(&policy.BasePolicy, keys...); err != nil {
		l(records, err)
		return
	}
	async.NewBatchRead(c.loops.Next(), c.cluster, policy, records, func(records []*model.BatchRecord, err *model.Error) {
		l(records, asError(err))
	}).Execute()
}

// --------------------------------------------------------------------------
// Scan and query
// --------------------------------------------------------------------------

// Scan streams every record of stmt.Namespace and stmt.SetName to onRecord
func (c *Client) Scan(policy *model.ScanPolicy, stmt *Statement, onRecord ScanRecordListener, l ScanDoneListener) {
	policy = orScanPolicy(policy)
	exec := async.NewScan(c.loops.Next(), c.cluster, policy, stmt, async.RecordListener(onRecord), func(err *model.Error) {
		l(asError(err))
	})
	exec.Execute()
}

// ScanFuture collects all records of a scan
func (c *Client) ScanFuture(policy *model.ScanPolicy, stmt *Statement) *Future[[]*model.Record] {
	f := newFuture[[]*model.Record]()
	var records []*model.Record
	c.Scan(policy, stmt, func(rec *model.Record) bool {
		records = append(records, rec)
		return true
	}, func(err error) { f.complete(records, err) })
	return f
}

// Query is Scan restricted by stmt.Filter
func (c *Client) Query(policy *model.QueryPolicy, stmt *Statement, onRecord ScanRecordListener, l ScanDoneListener) {
	policy = orScanPolicy(policy)
	exec := async.NewQuery(c.loops.Next(), c.cluster, policy, stmt, async.RecordListener(onRecord), func(err *model.Error) {
		l(asError(err))
	})
	exec.Execute()
}

// QueryFuture collects all records of a query
func (c *Client) QueryFuture(policy *model.QueryPolicy, stmt *Statement) *Future[[]*model.Record] {
	f := newFuture[[]*model.Record]()
	var records []*model.Record
	c.Query(policy, stmt, func(rec *model.Record) bool {
		records = append(records, rec)
		return true
	}, func(err error) { f.complete(records, err) })
	return f
}
