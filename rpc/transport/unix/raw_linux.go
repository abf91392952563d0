//go:build linux

package unix

import (
	"github.com/ValentinKolb/aeroloop/rpc/common"
	sys "golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IRawConnector)
// --------------------------------------------------------------------------

func (c *connector) Sockaddr(endpoint string) (int, sys.Sockaddr, error) {
	return sys.AF_UNIX, &sys.SockaddrUnix{Name: endpoint}, nil
}

func (c *connector) UpgradeSocket(fd int, config common.SocketConfig) error {
	if config.WriteBufferSize > 0 {
		if err := sys.SetsockoptInt(fd, sys.SOL_SOCKET, sys.SO_SNDBUF, config.WriteBufferSize); err != nil {
			return err
		}
	}
	if config.ReadBufferSize > 0 {
		if err := sys.SetsockoptInt(fd, sys.SOL_SOCKET, sys.SO_RCVBUF, config.ReadBufferSize); err != nil {
			return err
		}
	}
	return nil
}
