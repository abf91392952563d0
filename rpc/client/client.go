package client

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/cluster"
	"github.com/ValentinKolb/aeroloop/lib/eventloop"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/lib/txn"
	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/transport/base"
)

// Client is the asynchronous database client. Every command runs on one of
// its event loops and reports through a listener or a Future. All methods
// are safe for concurrent use.
type Client struct {
	config  common.ClientConfig
	cluster *cluster.StaticCluster
	loops   *eventloop.EventLoops

	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewClient connects to the configured hosts and starts the event loops
//
// Usage:
//
//	c, err := client.NewClient(common.NewClientConfig("127.0.0.1:3000"))
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	rec, err := c.GetFuture(nil, key).Get(ctx)
func NewClient(config common.ClientConfig) (*Client, error) {
	connector, err := NewConnector(config.Transport)
	if err != nil {
		return nil, err
	}
	driver, err := base.NewDriver(config.EventLoop.Driver, connector, config.Socket)
	if err != nil {
		return nil, err
	}

	cl, err := cluster.NewStaticCluster(config, connector, driver)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	loops, err := eventloop.NewEventLoops(config.EventLoop, driver)
	if err != nil {
		cl.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		config:  config,
		cluster: cl,
		loops:   loops,
		stop:    make(chan struct{}),
	}
	if config.MaxIdle > 0 {
		c.wg.Add(1)
		go c.reapIdle(max(config.MaxIdle/2, time.Second))
	}

	Logger.Infof("created client")
	Logger.Debugf("%s", config.String())
	return c, nil
}

// Close stops the event loops and closes every connection. Commands still
// running fail with eventloop.ErrLoopClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)
	c.wg.Wait()
	err := c.loops.Close()
	c.cluster.Close()
	return err
}

// Cluster returns the node view of the client
func (c *Client) Cluster() *cluster.StaticCluster { return c.cluster }

// Loops returns the event loops of the client
func (c *Client) Loops() *eventloop.EventLoops { return c.loops }

// Stats returns the health counters of all nodes
func (c *Client) Stats() []cluster.NodeStats { return c.cluster.Stats() }

// WritePrometheus writes the event loop and command metrics
func (c *Client) WritePrometheus(w io.Writer) { c.loops.WritePrometheus(w) }

// NewTxn creates a transaction. Pass it to commands through the Txn field of
// their policy and finish it with Commit or Abort.
func (c *Client) NewTxn() *model.Txn { return model.NewTxn() }

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// Commit verifies the reads and applies the writes of tx
func (c *Client) Commit(tx *model.Txn, l txn.CommitListener) {
	loop := c.loops.Next()
	if err := loop.Execute(func() {
		txn.NewRoll(loop, c.cluster, tx, nil, nil).Commit(l)
	}); err != nil {
		l(txn.CommitFailed, &txn.TxnError{Err: model.AsError(err)})
	}
}

// CommitFuture is Commit returning a Future
func (c *Client) CommitFuture(tx *model.Txn) *Future[txn.CommitStatus] {
	f := newFuture[txn.CommitStatus]()
	c.Commit(tx, f.complete)
	return f
}

// Abort reverts the writes of tx
func (c *Client) Abort(tx *model.Txn, l txn.AbortListener) {
	loop := c.loops.Next()
	if err := loop.Execute(func() {
		txn.NewRoll(loop, c.cluster, tx, nil, nil).Abort(l)
	}); err != nil {
		l(txn.AbortFailed, err)
	}
}

// AbortFuture is Abort returning a Future
func (c *Client) AbortFuture(tx *model.Txn) *Future[txn.AbortStatus] {
	f := newFuture[txn.AbortStatus]()
	c.Abort(tx, f.complete)
	return f
}

// --------------------------------------------------------------------------
// Connection maintenance
// --------------------------------------------------------------------------

// reapIdle closes pooled connections that exceeded MaxIdle. Pools belong to
// their loop, so the sweep runs on each loop.
func (c *Client) reapIdle(every time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			for i := 0; i < c.loops.Len(); i++ {
				loop := c.loops.Get(i)
				_ = loop.Execute(func() {
					if n := c.cluster.CloseIdleConnections(loop.Index(), time.Now()); n > 0 {
						Logger.Debugf("loop %d: closed %d idle connections", loop.Index(), n)
					}
				})
			}
		}
	}
}
