package cluster

import (
	"time"

	"github.com/ValentinKolb/aeroloop/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("cluster")

// INode is one cluster member as seen by the command core. The connection
// methods that take a loop index are only called from that loop's goroutine.
type INode interface {
	Name() string
	Address() string

	// CheckoutConnection pops a reusable idle connection of the loop's pool.
	// Connections that are no longer valid are closed on the way.
	CheckoutConnection(loop int, now time.Time) (transport.IConn, bool)
	// OpenConnection starts a non-blocking connect. It fails with a
	// NoConnectionsAvailable error when the node is at its connection limit.
	OpenConnection(loop int) (transport.IConn, error)
	// CheckinConnection returns a clean connection to the loop's pool
	CheckinConnection(loop int, conn transport.IConn, now time.Time)
	// CloseConnection discards a connection that may hold stale bytes
	CloseConnection(loop int, conn transport.IConn)

	// SessionToken is nil when the node does not require authentication
	SessionToken() []byte
	User() string
	// SignalSessionRefresh asks for a new session token after the server
	// rejected the current one. It never blocks.
	SignalSessionRefresh()

	IncrErrorCount()
	IncrTimeoutCount()
	// ErrorRateExceeded reports whether the node rejects new commands
	ErrorRateExceeded() bool
	IsActive() bool
}

// ICluster resolves partitions to nodes
type ICluster interface {
	// Resolve returns the node serving the partition at its current sequence
	Resolve(p *Partition) (INode, error)
	Nodes() []INode
	GetNode(name string) (INode, bool)
	Close() error
}
