//go:build linux

package tcp

import (
	"fmt"
	"net"

	"github.com/ValentinKolb/aeroloop/rpc/common"
	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IRawConnector)
// --------------------------------------------------------------------------

func (c *connector) Sockaddr(endpoint string) (int, unix.Sockaddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", endpoint)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to resolve %s: %w", endpoint, err)
	}

	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	}
	if addr.IP == nil {
		// empty host: connect to the local system
		return unix.AF_INET, &unix.SockaddrInet4{Port: addr.Port, Addr: [4]byte{127, 0, 0, 1}}, nil
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa, nil
}

// UpgradeSocket applies the same options as UpgradeConnection on a raw socket
func (c *connector) UpgradeSocket(fd int, config common.SocketConfig) error {
	noDelay := 0
	if config.TCPNoDelay {
		noDelay = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, noDelay); err != nil {
		return err
	}

	if config.WriteBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, config.WriteBufferSize); err != nil {
			return err
		}
	}
	if config.ReadBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, config.ReadBufferSize); err != nil {
			return err
		}
	}

	if config.TCPKeepAliveSec > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return err
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, config.TCPKeepAliveSec); err != nil {
			return err
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, config.TCPKeepAliveSec); err != nil {
			return err
		}
	}

	if config.TCPLingerSec >= 0 {
		linger := &unix.Linger{Onoff: 1, Linger: int32(config.TCPLingerSec)}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, linger); err != nil {
			return err
		}
	}

	return nil
}
