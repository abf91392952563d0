/*
Package txn commits and aborts multi-record transactions.

A transaction records the versions of the records it read and the keys it
wrote. Before the first write of a key the key is added to the monitor
record of the transaction (AddKeys), so the server can finish an
interrupted commit on its own.

Commit:

	verify reads -> mark roll forward -> roll forward writes -> close monitor

A failed verify aborts the transaction. Abort:

	roll back writes -> close monitor

Once a commit reached roll forward it is committed: later failures only
decide whether the server has to clean up (ROLL_FORWARD_ABANDONED,
CLOSE_ABANDONED).
*/
package txn
