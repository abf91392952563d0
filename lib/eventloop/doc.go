/*
Package eventloop implements the single goroutine reactors that run every
command transition.

A Loop owns one selector, one timer wheel, one task heap for delayed work
and one buffer pool. Other goroutines hand work to a loop through a lock
free MPSC queue whose push wakes the selector. The loop drains that queue
once per iteration before it polls, so new work and ready sockets are
interleaved fairly.

Iteration:

	drain inbound queue -> poll selector -> tick wheel -> run due tasks

Admission: with MaxCommandsInProcess set, at most that many commands hold a
slot at once. Further commands wait in a FIFO delay queue of at most
MaxCommandsInQueue entries (zero for unbounded); a command arriving at a
full delay queue is rejected with a QueueFull error. Every slot release
starts the oldest delayed commands first.

Everything except Execute, Submit, Close and the metrics is loop goroutine
only. Code already running on the loop calls Admit and Schedule directly.

EventLoops is a group of loops with round robin assignment.
*/
package eventloop
