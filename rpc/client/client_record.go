package client

import (
	"github.com/ValentinKolb/aeroloop/lib/async"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/lib/txn"
)

// Listeners run on the event loop goroutine of the command and must not
// block. A command rejected before it reaches a loop reports on the calling
// goroutine.
type (
	// RecordListener receives a read record, nil when the record does not exist
	RecordListener func(rec *model.Record, err error)
	// ExistsListener receives whether the record exists
	ExistsListener func(exists bool, err error)
	// WriteListener receives the outcome of a write
	WriteListener func(err error)
	// DeleteListener receives whether the record existed before the delete
	DeleteListener func(existed bool, err error)
)

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Get reads the named bins of key, all bins when none are named
func (c *Client) Get(policy *model.BasePolicy, key *model.Key, l RecordListener, binNames ...string) {
	policy = orPolicy(policy)
	if err := prepareTxn(policy, key); err != nil {
		l(nil, err)
		return
	}
	op := async.NewRead(key, policy, binNames, func(res async.Result, err *model.Error) {
		l(res.Record, asError(err))
	})
	async.NewCommand(c.loops.Next(), c.cluster, policy, op).Execute()
}

// GetFuture is Get returning a Future
func (c *Client) GetFuture(policy *model.BasePolicy, key *model.Key, binNames ...string) *Future[*model.Record] {
	f := newFuture[*model.Record]()
	c.Get(policy, key, f.complete, binNames...)
	return f
}

// GetHeader reads generation and expiration of key without bins
func (c *Client) GetHeader(policy *model.BasePolicy, key *model.Key, l RecordListener) {
	policy = orPolicy(policy)
	if err := prepareTxn(policy, key); err != nil {
		l(nil, err)
		return
	}
	op := async.NewReadHeader(key, policy, func(res async.Result, err *model.Error) {
		l(res.Record, asError(err))
	})
	async.NewCommand(c.loops.Next(), c.cluster, policy, op).Execute()
}

// GetHeaderFuture is GetHeader returning a Future
func (c *Client) GetHeaderFuture(policy *model.BasePolicy, key *model.Key) *Future[*model.Record] {
	f := newFuture[*model.Record]()
	c.GetHeader(policy, key, f.complete)
	return f
}

// Exists checks whether key exists
func (c *Client) Exists(policy *model.BasePolicy, key *model.Key, l ExistsListener) {
	policy = orPolicy(policy)
	if err := prepareTxn(policy, key); err != nil {
		l(false, err)
		return
	}
	op := async.NewExists(key, policy, func(res async.Result, err *model.Error) {
		l(res.Found, asError(err))
	})
	async.NewCommand(c.loops.Next(), c.cluster, policy, op).Execute()
}

// ExistsFuture is Exists returning a Future
func (c *Client) ExistsFuture(policy *model.BasePolicy, key *model.Key) *Future[bool] {
	f := newFuture[bool]()
	c.Exists(policy, key, f.complete)
	return f
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// Put writes bins to key
func (c *Client) Put(policy *model.WritePolicy, key *model.Key, l WriteListener, bins ...*model.Bin) {
	policy = orWritePolicy(policy)
	op := async.NewWrite(key, policy, bins, func(_ async.Result, err *model.Error) {
		l(asError(err))
	})
	c.write(policy, key, op, func(err *model.Error) { l(asError(err)) })
}

// PutFuture is Put returning a Future
func (c *Client) PutFuture(policy *model.WritePolicy, key *model.Key, bins ...*model.Bin) *Future[struct{}] {
	f := newFuture[struct{}]()
	c.Put(policy, key, func(err error) { f.complete(struct{}{}, err) }, bins...)
	return f
}

// Delete removes key
func (c *Client) Delete(policy *model.WritePolicy, key *model.Key, l DeleteListener) {
	policy = orWritePolicy(policy)
	op := async.NewDelete(key, policy, func(res async.Result, err *model.Error) {
		l(res.Found, asError(err))
	})
	c.write(policy, key, op, func(err *model.Error) { l(false, asError(err)) })
}

// DeleteFuture is Delete returning a Future
func (c *Client) DeleteFuture(policy *model.WritePolicy, key *model.Key) *Future[bool] {
	f := newFuture[bool]()
	c.Delete(policy, key, f.complete)
	return f
}

// Touch resets the expiration of key
func (c *Client) Touch(policy *model.WritePolicy, key *model.Key, l WriteListener) {
	policy = orWritePolicy(policy)
	op := async.NewTouch(key, policy, func(_ async.Result, err *model.Error) {
		l(asError(err))
	})
	c.write(policy, key, op, func(err *model.Error) { l(asError(err)) })
}

// TouchFuture is Touch returning a Future
func (c *Client) TouchFuture(policy *model.WritePolicy, key *model.Key) *Future[struct{}] {
	f := newFuture[struct{}]()
	c.Touch(policy, key, func(err error) { f.complete(struct{}{}, err) })
	return f
}

// Operate runs ops on key in order. The record holds the results of the
// read ops.
func (c *Client) Operate(policy *model.WritePolicy, key *model.Key, l RecordListener, ops ...*model.Operation) {
	policy = orWritePolicy(policy)
	op := async.NewOperate(key, policy, ops, func(res async.Result, err *model.Error) {
		l(res.Record, asError(err))
	})
	if !model.HasWrite(ops) {
		if err := prepareTxn(&policy.BasePolicy, key); err != nil {
			l(nil, err)
			return
		}
		async.NewCommand(c.loops.Next(), c.cluster, &policy.BasePolicy, op).Execute()
		return
	}
	c.write(policy, key, op, func(err *model.Error) { l(nil, asError(err)) })
}

// OperateFuture is Operate returning a Future
func (c *Client) OperateFuture(policy *model.WritePolicy, key *model.Key, ops ...*model.Operation) *Future[*model.Record] {
	f := newFuture[*model.Record]()
	c.Operate(policy, key, f.complete, ops...)
	return f
}

// write registers key with the transaction monitor when policy carries a
// transaction, then runs op
func (c *Client) write(policy *model.WritePolicy, key *model.Key, op async.Op, fail func(*model.Error)) {
	loop := c.loops.Next()
	txn.AddKeys(loop, c.cluster, &policy.BasePolicy, []*model.Key{key}, func() {
		async.NewCommand(loop, c.cluster, &policy.BasePolicy, op).Execute()
	}, fail)
}
