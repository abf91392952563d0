package txn

import (
	"github.com/ValentinKolb/aeroloop/lib/async"
	"github.com/ValentinKolb/aeroloop/lib/cluster"
	"github.com/ValentinKolb/aeroloop/lib/eventloop"
	"github.com/ValentinKolb/aeroloop/lib/model"
)

// AddKeys registers the keys a command of the transaction in policy is
// about to write with the monitor record, then calls next. Keys already in
// the write set are skipped. Commands outside a transaction and read-only
// commands go straight to next. fail receives the monitor error instead.
func AddKeys(loop *eventloop.Loop, cl cluster.ICluster, policy *model.BasePolicy, keys []*model.Key, next func(), fail func(*model.Error)) {
	t := policy.Txn
	if t == nil {
		next()
		return
	}
	if err := t.Prepare(keys...); err != nil {
		fail(model.AsError(err))
		return
	}

	var missing []*model.Key
	for _, k := range keys {
		if !t.WriteExistsForKey(k) {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		next()
		return
	}

	mk, err := t.MonitorKey()
	if err != nil {
		fail(model.AsError(err))
		return
	}
	wp := async.MonitorPolicy(policy, t)
	op := async.NewTxnAddKeys(t, mk, wp, missing, func(_ async.Result, err *model.Error) {
		if err != nil {
			fail(err)
			return
		}
		next()
	})
	async.NewCommand(loop, cl, &wp.BasePolicy, op).Execute()
}
