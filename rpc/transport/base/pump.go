package base

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
)

const (
	// pumpChunk is the read size of the reader goroutine
	pumpChunk = 64 * 1024
	// pumpInLimit and pumpOutLimit bound the bytes buffered per direction
	pumpInLimit  = 256 * 1024
	pumpOutLimit = 256 * 1024
	// pumpConnectTimeout caps the blocking dial of the connect goroutine,
	// the command's own connect timer closes the connection earlier
	pumpConnectTimeout = 30 * time.Second
)

var connIDs atomic.Uint64

// --------------------------------------------------------------------------
// Driver
// --------------------------------------------------------------------------

// pumpDriver emulates non-blocking sockets on top of net.Conn. Each
// connection owns a reader and a writer goroutine that move bytes between
// the socket and in-memory buffers and wake the selector the connection is
// registered with.
type pumpDriver struct {
	connector IConnector
	config    common.SocketConfig
}

// NewPumpDriver creates a portable driver for the connector
func NewPumpDriver(connector IConnector, config common.SocketConfig) transport.IDriver {
	return &pumpDriver{connector: connector, config: config}
}

func (d *pumpDriver) Name() string { return DriverPump }

func (d *pumpDriver) NewSelector() (transport.ISelector, error) {
	s := &pumpSelector{
		regs: make(map[uint64]*pumpReg),
		wake: make(chan struct{}, 1),
	}
	notify := s.Wakeup
	s.notify = &notify
	return s, nil
}

func (d *pumpDriver) Dial(address string) (transport.IConn, error) {
	c := &pumpConn{
		id:       connIDs.Add(1),
		endpoint: address,
	}
	c.cond = sync.NewCond(&c.mu)
	c.UpdateLastUsed(time.Now())

	go func() {
		conn, err := d.connector.Connect(address, pumpConnectTimeout)
		if err == nil {
			if err = d.connector.UpgradeConnection(conn, d.config); err != nil {
				_ = conn.Close()
			}
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			c.connErr = fmt.Errorf("connect %s: %w", address, err)
		} else {
			c.conn = conn
			c.connected = true
		}
		c.mu.Unlock()

		if err == nil {
			go c.readLoop()
			go c.writeLoop()
		}
		c.wake()
	}()

	return c, nil
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

type pumpConn struct {
	id       uint64
	endpoint string
	lastUsed atomic.Int64
	notify   atomic.Pointer[func()]

	mu        sync.Mutex
	cond      *sync.Cond // signals buffer space and pending output
	conn      net.Conn
	connected bool
	connErr   error
	closed    bool
	in        []byte // received and not yet read
	readErr   error  // sticky end of stream or socket error
	out       []byte // accepted and not yet flushed
	spare     []byte
	writeErr  error
}

func (c *pumpConn) readLoop() {
	buf := make([]byte, pumpChunk)
	for {
		c.mu.Lock()
		for len(c.in) >= pumpInLimit && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		n, err := c.conn.Read(buf)

		c.mu.Lock()
		if n > 0 {
			c.in = append(c.in, buf[:n]...)
		}
		if err != nil && c.readErr == nil {
			c.readErr = err
		}
		c.mu.Unlock()
		c.wake()

		if err != nil {
			return
		}
	}
}

func (c *pumpConn) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.out) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		data := c.out
		c.out = c.spare[:0]
		c.mu.Unlock()

		_, err := c.conn.Write(data)

		c.mu.Lock()
		if err != nil && c.writeErr == nil {
			c.writeErr = err
		}
		c.spare = data[:0]
		c.mu.Unlock()
		c.wake()

		if err != nil {
			return
		}
	}
}

// readiness reports the current level triggered state
func (c *pumpConn) readiness() (readable, writable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, false
	}
	if c.connErr != nil {
		return true, true
	}
	if !c.connected {
		return false, false
	}
	readable = len(c.in) > 0 || c.readErr != nil || c.writeErr != nil
	writable = len(c.out) < pumpOutLimit || c.writeErr != nil
	return readable, writable
}

func (c *pumpConn) wake() {
	if f := c.notify.Load(); f != nil {
		(*f)()
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConn)
// --------------------------------------------------------------------------

func (c *pumpConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, transport.ErrClosed
	}
	if c.connErr != nil {
		return 0, c.connErr
	}
	if len(c.in) > 0 {
		n := copy(p, c.in)
		c.in = c.in[:copy(c.in, c.in[n:])]
		c.cond.Broadcast()
		return n, nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return 0, transport.ErrWouldBlock
}

func (c *pumpConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return 0, transport.ErrClosed
	case c.connErr != nil:
		return 0, c.connErr
	case c.writeErr != nil:
		return 0, c.writeErr
	case !c.connected:
		return 0, transport.ErrWouldBlock
	}

	n := min(len(p), pumpOutLimit-len(c.out))
	if n <= 0 {
		return 0, transport.ErrWouldBlock
	}
	c.out = append(c.out, p[:n]...)
	c.cond.Broadcast()
	return n, nil
}

func (c *pumpConn) FinishConnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return transport.ErrClosed
	case c.connErr != nil:
		return c.connErr
	case !c.connected:
		return transport.ErrWouldBlock
	}
	return nil
}

func (c *pumpConn) ID() uint64 { return c.id }

func (c *pumpConn) RemoteAddr() string { return c.endpoint }

func (c *pumpConn) UpdateLastUsed(now time.Time) {
	c.lastUsed.Store(now.UnixNano())
}

func (c *pumpConn) IsValid(maxIdle time.Duration, now time.Time) bool {
	if maxIdle > 0 && now.UnixNano()-c.lastUsed.Load() > int64(maxIdle) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed && len(c.in) == 0 && c.readErr == nil && c.writeErr == nil
}

func (c *pumpConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.cond.Broadcast()
	c.mu.Unlock()

	c.notify.Store(nil)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *pumpConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// --------------------------------------------------------------------------
// Selector
// --------------------------------------------------------------------------

type pumpReg struct {
	conn     *pumpConn
	interest transport.Interest
	handler  transport.Handler
}

// pumpSelector polls the level triggered state of all registered
// connections. The connection goroutines only touch the wake channel.
type pumpSelector struct {
	regs   map[uint64]*pumpReg
	wake   chan struct{}
	notify *func()
	closed atomic.Bool
}

func (s *pumpSelector) Register(conn transport.IConn, interest transport.Interest, h transport.Handler) error {
	pc, ok := conn.(*pumpConn)
	if !ok {
		return fmt.Errorf("pump selector: unsupported connection type %T", conn)
	}
	if s.closed.Load() {
		return transport.ErrClosed
	}
	s.regs[pc.id] = &pumpReg{conn: pc, interest: interest, handler: h}
	pc.notify.Store(s.notify)
	return nil
}

func (s *pumpSelector) Modify(conn transport.IConn, interest transport.Interest) error {
	reg, ok := s.regs[conn.ID()]
	if !ok {
		return fmt.Errorf("pump selector: connection %d not registered", conn.ID())
	}
	reg.interest = interest
	return nil
}

func (s *pumpSelector) Unregister(conn transport.IConn) error {
	reg, ok := s.regs[conn.ID()]
	if !ok {
		return nil
	}
	delete(s.regs, conn.ID())
	reg.conn.notify.CompareAndSwap(s.notify, nil)
	return nil
}

func (s *pumpSelector) Poll(timeout time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, transport.ErrClosed
	}
	if n := s.dispatch(); n > 0 || timeout == 0 {
		return n, nil
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}
	select {
	case <-s.wake:
	case <-timerC:
	}
	return s.dispatch(), nil
}

func (s *pumpSelector) dispatch() int {
	n := 0
	for _, reg := range s.regs {
		r, w := reg.conn.readiness()
		r = r && reg.interest&transport.InterestRead != 0
		w = w && reg.interest&transport.InterestWrite != 0
		if r || w {
			n++
			reg.handler.OnReady(r, w)
		}
	}
	return n
}

func (s *pumpSelector) Wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *pumpSelector) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, reg := range s.regs {
		reg.conn.notify.CompareAndSwap(s.notify, nil)
	}
	s.regs = nil
	return nil
}
