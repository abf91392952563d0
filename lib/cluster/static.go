package cluster

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
	"github.com/ValentinKolb/aeroloop/rpc/transport/base"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rcrowley/go-metrics"
)

// ErrClusterClosed is returned by Resolve after Close
var ErrClusterClosed = errors.New("cluster: closed")

// --------------------------------------------------------------------------
// Ownership table
// --------------------------------------------------------------------------

// Ownership maps every partition to its replica list, master first. Values
// are indices into the node list of the cluster.
type Ownership struct {
	replicas [model.PartitionCount][]int
}

// NewOwnership spreads the partitions round robin over nodes with the given
// replication factor
func NewOwnership(nodes, replicationFactor int) *Ownership {
	o := &Ownership{}
	if nodes == 0 {
		return o
	}
	if replicationFactor > nodes {
		replicationFactor = nodes
	}
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	for pid := range o.replicas {
		r := make([]int, replicationFactor)
		for i := range r {
			r[i] = (pid + i) % nodes
		}
		o.replicas[pid] = r
	}
	return o
}

// Clone returns a deep copy that can be modified and swapped in
func (o *Ownership) Clone() *Ownership {
	c := &Ownership{}
	for pid, r := range o.replicas {
		c.replicas[pid] = append([]int(nil), r...)
	}
	return c
}

// Assign sets the replica list of a partition
func (o *Ownership) Assign(pid int, nodes ...int) {
	o.replicas[pid] = append([]int(nil), nodes...)
}

// Replicas returns the replica list of a partition
func (o *Ownership) Replicas(pid int) []int {
	return o.replicas[pid]
}

// --------------------------------------------------------------------------
// Static cluster
// --------------------------------------------------------------------------

// StaticCluster is a fixed set of nodes with a swappable ownership table.
// Node names are "node-<index>" in host order.
type StaticCluster struct {
	config    common.ClientConfig
	driver    transport.IDriver
	connector base.IConnector
	registry  metrics.Registry

	nodes     []*StaticNode
	byName    *xsync.MapOf[string, *StaticNode]
	ownership atomic.Pointer[Ownership]
	sc        *xsync.MapOf[string, bool]
	closed    atomic.Bool
}

// NewStaticCluster creates a node per configured host. All partitions are
// owned round robin with a replication factor of two. When a user is
// configured every node logs in before the cluster is returned.
func NewStaticCluster(config common.ClientConfig, connector base.IConnector, driver transport.IDriver) (*StaticCluster, error) {
	if len(config.Hosts) == 0 {
		return nil, fmt.Errorf("cluster: no hosts configured")
	}
	loops := config.EventLoop.Loops
	if loops < 1 {
		loops = 1
	}

	c := &StaticCluster{
		config:    config,
		driver:    driver,
		connector: connector,
		registry:  metrics.NewRegistry(),
		byName:    xsync.NewMapOf[string, *StaticNode](),
		sc:        xsync.NewMapOf[string, bool](),
	}
	for i, host := range config.Hosts {
		n := newStaticNode(fmt.Sprintf("node-%d", i), host, loops, c)
		c.nodes = append(c.nodes, n)
		c.byName.Store(n.name, n)
	}
	c.ownership.Store(NewOwnership(len(c.nodes), 2))

	if config.User != "" {
		for _, n := range c.nodes {
			if err := n.Login(); err != nil {
				c.Close()
				return nil, err
			}
		}
	}

	Logger.Infof("static cluster with %d nodes using %s driver", len(c.nodes), driver.Name())
	return c, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ICluster)
// --------------------------------------------------------------------------

func (c *StaticCluster) Resolve(p *Partition) (INode, error) {
	if c.closed.Load() {
		return nil, ErrClusterClosed
	}
	if p.ID < 0 || p.ID >= model.PartitionCount {
		return nil, model.NewError(model.KindApplication, model.ParameterError, "invalid partition %d", p.ID)
	}

	replicas := c.ownership.Load().replicas[p.ID]
	if len(replicas) == 0 {
		return nil, model.NewError(model.KindNetwork, model.ServerNotAvailable, "no node owns partition %s", p)
	}

	seq, replica := p.SequenceAP, p.Replica
	if c.IsStrongConsistency(p.Namespace) {
		seq = p.SequenceSC
		// session and linearize reads are served by the master only
		if p.IsWrite || p.ReadModeSC == model.ReadModeSCSession || p.ReadModeSC == model.ReadModeSCLinearize {
			replica = model.ReplicaMaster
		}
	}

	if replica == model.ReplicaMaster {
		n := c.nodes[replicas[0]]
		if !n.IsActive() {
			return nil, model.NewError(model.KindNetwork, model.ServerNotAvailable,
				"master %s of partition %s is not active", n.name, p)
		}
		return n, nil
	}

	for i := range replicas {
		n := c.nodes[replicas[(seq+i)%len(replicas)]]
		if n.IsActive() {
			return n, nil
		}
	}
	return nil, model.NewError(model.KindNetwork, model.ServerNotAvailable, "no active replica for partition %s", p)
}

func (c *StaticCluster) Nodes() []INode {
	nodes := make([]INode, len(c.nodes))
	for i, n := range c.nodes {
		nodes[i] = n
	}
	return nodes
}

func (c *StaticCluster) GetNode(name string) (INode, bool) {
	n, ok := c.byName.Load(name)
	if !ok {
		return nil, false
	}
	return n, true
}

func (c *StaticCluster) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, n := range c.nodes {
		n.close()
	}
	c.registry.UnregisterAll()
	return nil
}

// --------------------------------------------------------------------------
// Topology management
// --------------------------------------------------------------------------

// Node returns the node at index i
func (c *StaticCluster) Node(i int) *StaticNode {
	return c.nodes[i]
}

// Ownership returns the current ownership table. It must not be modified,
// use Clone and SetOwnership instead.
func (c *StaticCluster) Ownership() *Ownership {
	return c.ownership.Load()
}

// SetOwnership swaps the ownership table. Commands in flight keep their
// node, retries and new batch rounds resolve against the new table.
func (c *StaticCluster) SetOwnership(o *Ownership) error {
	for pid, r := range o.replicas {
		for _, idx := range r {
			if idx < 0 || idx >= len(c.nodes) {
				return fmt.Errorf("partition %d: node index %d out of range", pid, idx)
			}
		}
	}
	c.ownership.Store(o)
	return nil
}

// SetStrongConsistency switches a namespace between AP and SC replica selection
func (c *StaticCluster) SetStrongConsistency(namespace string, enabled bool) {
	c.sc.Store(namespace, enabled)
}

// IsStrongConsistency reports whether a namespace uses SC replica selection
func (c *StaticCluster) IsStrongConsistency(namespace string) bool {
	v, _ := c.sc.Load(namespace)
	return v
}

// CloseIdleConnections evicts idle connections of one loop on every node.
// It must run on that loop.
func (c *StaticCluster) CloseIdleConnections(loop int, now time.Time) int {
	closed := 0
	for _, n := range c.nodes {
		closed += n.CloseIdleConnections(loop, now)
	}
	return closed
}

// Stats returns the health counters of all nodes
func (c *StaticCluster) Stats() []NodeStats {
	stats := make([]NodeStats, len(c.nodes))
	for i, n := range c.nodes {
		stats[i] = n.Stats()
	}
	return stats
}

// Registry exposes the go-metrics registry of the node counters
func (c *StaticCluster) Registry() metrics.Registry {
	return c.registry
}
