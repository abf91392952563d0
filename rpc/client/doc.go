// Package client is the caller facing API of the asynchronous database client.
//
// A Client owns a static cluster view and a group of event loops. Every
// command is handed to one loop round robin and completes there, either by
// calling the listener passed to the method or by completing the Future
// returned by its ...Future variant.
//
// Policies are passed as pointers. A nil policy uses the defaults of the
// model package (model.NewPolicy, model.NewWritePolicy, model.NewBatchPolicy,
// model.NewScanPolicy).
//
// Usage Example:
//
//	config := common.NewClientConfig("127.0.0.1:3000")
//	c, err := client.NewClient(config)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	key, _ := model.NewKey("test", "users", "alice")
//	if _, err := c.PutFuture(nil, key, model.NewBin("age", 42)).Get(ctx); err != nil {
//		return err
//	}
//	rec, err := c.GetFuture(nil, key).Get(ctx)
//
// Transactions:
//
//	tx := c.NewTxn()
//	wp := model.NewWritePolicy()
//	wp.Txn = tx
//	c.Put(wp, key, func(err error) { ... }, model.NewBin("age", 43))
//	status, err := c.CommitFuture(tx).Get(ctx)
//
// Listeners run on the loop goroutine and must not block. Use the Future
// variants to wait from ordinary goroutines.
package client
