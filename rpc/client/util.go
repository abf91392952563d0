package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/transport/base"
	"github.com/ValentinKolb/aeroloop/rpc/transport/tcp"
	"github.com/ValentinKolb/aeroloop/rpc/transport/unix"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("client")
)

// NewConnector returns the connector for a transport name ("tcp" or "unix")
func NewConnector(name string) (base.IConnector, error) {
	switch name {
	case "tcp", "":
		return tcp.NewConnector(), nil
	case "unix":
		return unix.NewConnector(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q: must be tcp or unix", name)
	}
}

// --------------------------------------------------------------------------
// Future
// --------------------------------------------------------------------------

// Future is the result of a command that completes on an event loop
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// complete is called exactly once by the listener of the command
func (f *Future[T]) complete(v T, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Done is closed once the result is available
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Get waits for the result or for ctx to end
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// asError keeps a nil *model.Error from turning into a non-nil error
func asError(err *model.Error) error {
	if err == nil {
		return nil
	}
	return err
}

func orPolicy(p *model.BasePolicy) *model.BasePolicy {
	if p == nil {
		return model.NewPolicy()
	}
	return p
}

func orWritePolicy(p *model.WritePolicy) *model.WritePolicy {
	if p == nil {
		return model.NewWritePolicy()
	}
	return p
}

func orBatchPolicy(p *model.BatchPolicy) *model.BatchPolicy {
	if p == nil {
		return model.NewBatchPolicy()
	}
	return p
}

func orScanPolicy(p *model.ScanPolicy) *model.ScanPolicy {
	if p == nil {
		return model.NewScanPolicy()
	}
	return p
}

// prepareTxn checks that a read may join the transaction of policy. Writes
// are checked by txn.AddKeys.
func prepareTxn(policy *model.BasePolicy, keys ...*model.Key) *model.Error {
	if policy.Txn == nil {
		return nil
	}
	if err := policy.Txn.Prepare(keys...); err != nil {
		return model.AsError(err)
	}
	return nil
}
