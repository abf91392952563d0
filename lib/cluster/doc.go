/*
Package cluster provides the routing layer the command core runs against.

The core never discovers nodes or refreshes partition maps. It asks an
ICluster for the node that currently serves a Partition and asks that INode
for a connection of the calling event loop. A Partition carries the retry
sequences: every retry advances them according to the command kind, so a
resolver that walks the replica list picks an alternate replica on the next
attempt.

	Partition{ID, SequenceAP, SequenceSC}
	       |
	       | Resolve
	       v
	   INode --- per loop idle stack ---> transport.IConn

GenerateBatchNodes groups the rows of a batch by node for one round. It is
called again for the unanswered rows of a failed sub-command, because the
ownership of the partitions may have moved in the meantime.

StaticCluster is a fixed node list with a swappable ownership table. It is
enough to run the core end to end against the test server and to simulate
a topology change in tests. Every node keeps go-metrics counters of its
errors and timeouts and an error window that rejects commands once
MaxErrorRate is exceeded.
*/
package cluster
