package cluster

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
	"github.com/ValentinKolb/aeroloop/rpc/transport/base"
	"github.com/rcrowley/go-metrics"
)

// loginTimeout bounds the blocking login round trip
const loginTimeout = 5 * time.Second

// StaticNode is a node of a StaticCluster
type StaticNode struct {
	name    string
	address string

	driver    transport.IDriver
	connector base.IConnector

	user     string
	password string
	token    atomic.Pointer[[]byte]
	expiry   atomic.Int64
	login    atomic.Bool

	// pools holds the idle connections per event loop, each touched only
	// by its loop
	pools    [][]transport.IConn
	maxIdle  time.Duration
	maxConns int64
	maxPool  int
	open     atomic.Int64
	idle     atomic.Int64

	maxErrorRate int64
	window       time.Duration
	windowStart  atomic.Int64
	windowCount  atomic.Int64

	errors    metrics.Counter
	timeouts  metrics.Counter
	errorRate metrics.Meter

	active atomic.Bool
}

// NodeStats is a snapshot of the health counters of a node
type NodeStats struct {
	Name            string
	Address         string
	Active          bool
	OpenConnections int64
	IdleConnections int64
	Errors          int64
	Timeouts        int64
	ErrorRate1      float64
}

func newStaticNode(name, address string, loops int, c *StaticCluster) *StaticNode {
	n := &StaticNode{
		name:         name,
		address:      address,
		driver:       c.driver,
		connector:    c.connector,
		user:         c.config.User,
		password:     c.config.Password,
		pools:        make([][]transport.IConn, loops),
		maxIdle:      c.config.MaxIdle,
		maxConns:     int64(c.config.MaxConnsPerNode),
		maxErrorRate: int64(c.config.MaxErrorRate),
		window:       c.config.ErrorRateWindow,
		errors:       metrics.GetOrRegisterCounter("node."+name+".errors", c.registry),
		timeouts:     metrics.GetOrRegisterCounter("node."+name+".timeouts", c.registry),
		errorRate:    metrics.GetOrRegisterMeter("node."+name+".error_rate", c.registry),
	}
	// idle connections are spread over the loops
	n.maxPool = c.config.MaxConnsPerNode
	if loops > 1 && n.maxPool > 0 {
		n.maxPool = (n.maxPool + loops - 1) / loops
	}
	n.windowStart.Store(time.Now().UnixNano())
	n.active.Store(true)
	return n
}

// --------------------------------------------------------------------------
// Interface Methods (docu see INode)
// --------------------------------------------------------------------------

func (n *StaticNode) Name() string    { return n.name }
func (n *StaticNode) Address() string { return n.address }
func (n *StaticNode) User() string    { return n.user }

func (n *StaticNode) CheckoutConnection(loop int, now time.Time) (transport.IConn, bool) {
	pool := n.pools[loop]
	for len(pool) > 0 {
		conn := pool[len(pool)-1]
		pool[len(pool)-1] = nil
		pool = pool[:len(pool)-1]
		n.idle.Add(-1)

		if conn.IsValid(n.maxIdle, now) {
			n.pools[loop] = pool
			return conn, true
		}
		Logger.Debugf("node %s: dropping invalid idle connection %d", n.name, conn.ID())
		n.discard(conn)
	}
	n.pools[loop] = pool
	return nil, false
}

func (n *StaticNode) OpenConnection(loop int) (transport.IConn, error) {
	if !n.active.Load() {
		return nil, model.NewError(model.KindNetwork, model.ServerNotAvailable, "node %s is not active", n.name)
	}
	if n.maxConns > 0 && n.open.Add(1) > n.maxConns {
		n.open.Add(-1)
		return nil, model.NewError(model.KindNetwork, model.NoConnectionsAvailable,
			"node %s reached %d connections", n.name, n.maxConns)
	} else if n.maxConns <= 0 {
		n.open.Add(1)
	}

	conn, err := n.driver.Dial(n.address)
	if err != nil {
		n.open.Add(-1)
		return nil, model.NewNetworkError(fmt.Errorf("dial %s: %w", n.address, err))
	}
	Logger.Debugf("node %s: loop %d opened connection %d", n.name, loop, conn.ID())
	return conn, nil
}

func (n *StaticNode) CheckinConnection(loop int, conn transport.IConn, now time.Time) {
	if !n.active.Load() || (n.maxPool > 0 && len(n.pools[loop]) >= n.maxPool) {
		n.discard(conn)
		return
	}
	conn.UpdateLastUsed(now)
	n.pools[loop] = append(n.pools[loop], conn)
	n.idle.Add(1)
}

func (n *StaticNode) CloseConnection(_ int, conn transport.IConn) {
	n.discard(conn)
}

func (n *StaticNode) SessionToken() []byte {
	if n.user == "" {
		return nil
	}
	if t := n.token.Load(); t != nil {
		return *t
	}
	return nil
}

func (n *StaticNode) SignalSessionRefresh() {
	if n.user == "" || !n.login.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer n.login.Store(false)
		if err := n.Login(); err != nil {
			Logger.Warningf("node %s: session refresh failed: %v", n.name, err)
		}
	}()
}

func (n *StaticNode) IncrErrorCount() {
	n.errors.Inc(1)
	n.errorRate.Mark(1)
	n.windowCount.Add(1)
}

func (n *StaticNode) IncrTimeoutCount() {
	n.timeouts.Inc(1)
}

func (n *StaticNode) ErrorRateExceeded() bool {
	if n.maxErrorRate <= 0 {
		return false
	}
	now := time.Now().UnixNano()
	start := n.windowStart.Load()
	if now-start >= int64(n.window) && n.windowStart.CompareAndSwap(start, now) {
		n.windowCount.Store(0)
	}
	return n.windowCount.Load() > n.maxErrorRate
}

func (n *StaticNode) IsActive() bool {
	return n.active.Load()
}

// --------------------------------------------------------------------------
// Node management
// --------------------------------------------------------------------------

// SetActive marks the node as reachable or not
func (n *StaticNode) SetActive(active bool) {
	n.active.Store(active)
}

// Login performs a blocking login round trip and stores the session token.
// A server without security clears the token.
func (n *StaticNode) Login() error {
	conn, err := n.connector.Connect(n.address, loginTimeout)
	if err != nil {
		return fmt.Errorf("login to %s: %w", n.address, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(loginTimeout))

	msg, err := loginRoundTrip(conn, n.user, n.password)
	if err != nil {
		return fmt.Errorf("login to %s: %w", n.address, err)
	}

	switch msg.ResultCode {
	case model.OK:
		token := msg.Fields[proto.AdminFieldSessionToken]
		n.token.Store(&token)
		if ttl := msg.SessionTTL(); ttl > 0 {
			n.expiry.Store(time.Now().Add(time.Duration(ttl) * time.Second).UnixNano())
		}
		Logger.Infof("node %s: logged in as %s", n.name, n.user)
		return nil
	case model.SecurityNotEnabled:
		n.token.Store(nil)
		return nil
	default:
		return model.NewResultCodeError(msg.ResultCode)
	}
}

// SessionExpiry is the time the current session token expires, zero if unknown
func (n *StaticNode) SessionExpiry() time.Time {
	if v := n.expiry.Load(); v > 0 {
		return time.Unix(0, v)
	}
	return time.Time{}
}

// CloseIdleConnections closes idle connections of the loop that exceeded
// the max idle time and returns how many were closed
func (n *StaticNode) CloseIdleConnections(loop int, now time.Time) int {
	pool := n.pools[loop]
	kept := pool[:0]
	closed := 0
	for _, conn := range pool {
		if conn.IsValid(n.maxIdle, now) {
			kept = append(kept, conn)
			continue
		}
		n.idle.Add(-1)
		n.discard(conn)
		closed++
	}
	for i := len(kept); i < len(pool); i++ {
		pool[i] = nil
	}
	n.pools[loop] = kept
	return closed
}

// Stats returns a snapshot of the node counters
func (n *StaticNode) Stats() NodeStats {
	return NodeStats{
		Name:            n.name,
		Address:         n.address,
		Active:          n.active.Load(),
		OpenConnections: n.open.Load(),
		IdleConnections: n.idle.Load(),
		Errors:          n.errors.Count(),
		Timeouts:        n.timeouts.Count(),
		ErrorRate1:      n.errorRate.Rate1(),
	}
}

func (n *StaticNode) close() {
	n.active.Store(false)
	for loop, pool := range n.pools {
		for _, conn := range pool {
			n.discard(conn)
		}
		n.idle.Add(-int64(len(pool)))
		n.pools[loop] = nil
	}
	n.errorRate.Stop()
}

func (n *StaticNode) discard(conn transport.IConn) {
	if conn.IsClosed() {
		return
	}
	_ = conn.Close()
	n.open.Add(-1)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func loginRoundTrip(conn net.Conn, user, password string) (proto.AdminMessage, error) {
	var b buffer.Buffer
	proto.WriteLogin(&b, user, password)
	if _, err := conn.Write(b.Bytes()); err != nil {
		return proto.AdminMessage{}, err
	}

	h, payload, _, err := proto.ReadFrame(conn, nil)
	if err != nil {
		return proto.AdminMessage{}, err
	}
	if h.Type != proto.TypeAdmin {
		return proto.AdminMessage{}, fmt.Errorf("unexpected login response type %d", h.Type)
	}
	return proto.ParseAdminMessage(payload)
}
