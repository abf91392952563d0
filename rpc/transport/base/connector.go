package base

import (
	"net"
	"time"

	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IConnector defines the transport specific operations of one network type
type IConnector interface {
	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// Connect establishes a single blocking connection
	Connect(endpoint string, timeout time.Duration) (net.Conn, error)

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.SocketConfig) error

	// Listen creates a listener for the server side
	Listen(endpoint string) (net.Listener, error)
}
