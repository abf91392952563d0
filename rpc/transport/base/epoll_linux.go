//go:build linux

package base

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
	"golang.org/x/sys/unix"
)

const (
	epollInitialEvents = 128
	epollMaxEvents     = 4096
)

// IRawConnector is implemented by connectors that can drive raw non-blocking
// sockets for the epoll driver
type IRawConnector interface {
	// Sockaddr resolves the endpoint to a socket domain and address
	Sockaddr(endpoint string) (int, unix.Sockaddr, error)

	// UpgradeSocket applies the socket options before connecting
	UpgradeSocket(fd int, config common.SocketConfig) error
}

// --------------------------------------------------------------------------
// Driver
// --------------------------------------------------------------------------

type epollDriver struct {
	name   string
	raw    IRawConnector
	config common.SocketConfig
}

func newEpollDriver(connector IConnector, config common.SocketConfig) (transport.IDriver, error) {
	raw, ok := connector.(IRawConnector)
	if !ok {
		return nil, fmt.Errorf("connector %s does not support raw sockets", connector.GetName())
	}
	return &epollDriver{name: connector.GetName(), raw: raw, config: config}, nil
}

func (d *epollDriver) Name() string { return DriverEpoll }

func (d *epollDriver) NewSelector() (transport.ISelector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		_ = unix.Close(efd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl eventfd: %w", err)
	}

	return &epollSelector{
		epfd:   epfd,
		efd:    efd,
		regs:   make(map[int32]*epollReg),
		events: make([]unix.EpollEvent, epollInitialEvents),
	}, nil
}

func (d *epollDriver) Dial(address string) (transport.IConn, error) {
	domain, sa, err := d.raw.Sockaddr(address)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := d.raw.UpgradeSocket(fd, d.config); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to upgrade %s socket: %w", d.name, err)
	}

	connecting := false
	switch err := unix.Connect(fd, sa); {
	case err == nil:
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		connecting = true
	default:
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	c := &epollConn{
		fd:         fd,
		id:         connIDs.Add(1),
		endpoint:   address,
		connecting: connecting,
	}
	c.UpdateLastUsed(time.Now())
	return c, nil
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// epollConn is a raw non-blocking socket. It is only used by its current
// owner, so only the fields read by IsValid are atomic.
type epollConn struct {
	fd         int
	id         uint64
	endpoint   string
	connecting bool
	closed     atomic.Bool
	lastUsed   atomic.Int64
}

func (c *epollConn) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, transport.ErrClosed
	}
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, transport.ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *epollConn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, transport.ErrClosed
	}
	for {
		n, err := unix.SendmsgN(c.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, transport.ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (c *epollConn) FinishConnect() error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if !c.connecting {
		return nil
	}

	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
	if n, err := unix.Poll(fds, 0); err != nil && !errors.Is(err, unix.EINTR) {
		return err
	} else if n == 0 {
		return transport.ErrWouldBlock
	}

	soErr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return fmt.Errorf("connect %s: %w", c.endpoint, unix.Errno(soErr))
	}
	c.connecting = false
	return nil
}

func (c *epollConn) ID() uint64 { return c.id }

func (c *epollConn) RemoteAddr() string { return c.endpoint }

func (c *epollConn) UpdateLastUsed(now time.Time) {
	c.lastUsed.Store(now.UnixNano())
}

func (c *epollConn) IsValid(maxIdle time.Duration, now time.Time) bool {
	if c.closed.Load() || c.connecting {
		return false
	}
	if maxIdle > 0 && now.UnixNano()-c.lastUsed.Load() > int64(maxIdle) {
		return false
	}

	// an idle connection must have neither stray bytes nor a pending end of stream
	var b [1]byte
	_, _, err := unix.Recvfrom(c.fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	return errors.Is(err, unix.EAGAIN)
}

func (c *epollConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(c.fd)
}

func (c *epollConn) IsClosed() bool { return c.closed.Load() }

// --------------------------------------------------------------------------
// Selector
// --------------------------------------------------------------------------

type epollReg struct {
	conn     *epollConn
	interest transport.Interest
	handler  transport.Handler
}

// epollSelector is a level triggered epoll instance with an eventfd for
// wakeups
type epollSelector struct {
	epfd   int
	efd    int
	regs   map[int32]*epollReg
	events []unix.EpollEvent
	closed atomic.Bool
}

func epollEvents(interest transport.Interest) uint32 {
	var ev uint32
	if interest&transport.InterestRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&transport.InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (s *epollSelector) Register(conn transport.IConn, interest transport.Interest, h transport.Handler) error {
	ec, ok := conn.(*epollConn)
	if !ok {
		return fmt.Errorf("epoll selector: unsupported connection type %T", conn)
	}
	if s.closed.Load() {
		return transport.ErrClosed
	}

	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(ec.fd)}
	err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, ec.fd, &ev)
	if errors.Is(err, unix.EEXIST) {
		err = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, ec.fd, &ev)
	}
	if err != nil {
		return fmt.Errorf("epoll_ctl add: %w", err)
	}
	s.regs[int32(ec.fd)] = &epollReg{conn: ec, interest: interest, handler: h}
	return nil
}

func (s *epollSelector) Modify(conn transport.IConn, interest transport.Interest) error {
	ec, ok := conn.(*epollConn)
	if !ok {
		return fmt.Errorf("epoll selector: unsupported connection type %T", conn)
	}
	reg, ok := s.regs[int32(ec.fd)]
	if !ok || reg.conn != ec {
		return fmt.Errorf("epoll selector: connection %d not registered", ec.id)
	}
	if reg.interest == interest {
		return nil
	}

	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(ec.fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, ec.fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod: %w", err)
	}
	reg.interest = interest
	return nil
}

func (s *epollSelector) Unregister(conn transport.IConn) error {
	ec, ok := conn.(*epollConn)
	if !ok {
		return nil
	}
	reg, ok := s.regs[int32(ec.fd)]
	if !ok || reg.conn != ec {
		return nil
	}
	delete(s.regs, int32(ec.fd))
	if ec.closed.Load() {
		// closing the fd already removed it from the epoll set
		return nil
	}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, ec.fd, nil); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("epoll_ctl del: %w", err)
	}
	return nil
}

func (s *epollSelector) Poll(timeout time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, transport.ErrClosed
	}

	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(s.epfd, s.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		ev := s.events[i]
		if int(ev.Fd) == s.efd {
			var b [8]byte
			_, _ = unix.Read(s.efd, b[:])
			continue
		}

		// an earlier handler of this batch may have unregistered the fd
		reg, ok := s.regs[ev.Fd]
		if !ok {
			continue
		}

		failed := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
		readable := (ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 || failed) && reg.interest&transport.InterestRead != 0
		writable := (ev.Events&unix.EPOLLOUT != 0 || failed) && reg.interest&transport.InterestWrite != 0
		if readable || writable {
			dispatched++
			reg.handler.OnReady(readable, writable)
		}
	}

	if n == len(s.events) && len(s.events) < epollMaxEvents {
		s.events = make([]unix.EpollEvent, len(s.events)*2)
	}
	return dispatched, nil
}

func (s *epollSelector) Wakeup() {
	if s.closed.Load() {
		return
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(s.efd, b[:])
}

func (s *epollSelector) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.regs = nil
	err := unix.Close(s.efd)
	if cerr := unix.Close(s.epfd); err == nil {
		err = cerr
	}
	return err
}
