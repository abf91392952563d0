/*
Package async implements the non-blocking command state machine.

A Command runs one Op on one event loop. Every transition happens on the
loop goroutine in reaction to a socket readiness event, a timer wheel
expiry or a scheduled task:

	INIT -> CONNECT -> AUTH_WRITE -> AUTH_READ_HEADER -> AUTH_READ_BODY
	     -> COMMAND_WRITE -> COMMAND_READ_HEADER <-> COMMAND_READ_BODY
	     -> COMPLETE | FAILED
	     -> RETRY -> INIT

A command holds a single wheel entry at a time. Its deadline is the earlier
of the phase timeout and the total deadline, and it is pushed back on every
read or write progress. A socket timeout retries while tries remain; the
total deadline always ends the command.

The outcome is a set-once Cell. Whatever fires first (response, socket
error, timeout, loop shutdown) completes the command; everything later is
ignored.

Ops:

  - SingleOp: read, read header, exists, write, delete, touch, operate and
    the transaction monitor commands
  - batchOp: one node's part of a BatchExecutor
  - scanOp: one node's part of a scan or query round (ScanExecutor)

Batch sub-commands retry in place as long as their unanswered rows map to
the same node. Otherwise they end quietly and hand new sub-commands to the
executor, which counts them in before the parent is counted out.

A socket timeout while the response is in flight either closes the
connection or, with TimeoutDelay set, hands it to a drain that discards the
rest of the response and returns the connection to the pool.
*/
package async
