package base

import (
	"fmt"

	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
)

// Driver names
const (
	DriverAuto  = "auto"
	DriverEpoll = "epoll"
	DriverPump  = "pump"
)

// NewDriver creates the named driver for the connector. "auto" selects epoll
// where the platform and the connector support it and pump otherwise.
func NewDriver(name string, connector IConnector, config common.SocketConfig) (transport.IDriver, error) {
	switch name {
	case DriverPump:
		return NewPumpDriver(connector, config), nil
	case DriverEpoll:
		return newEpollDriver(connector, config)
	case DriverAuto, "":
		if d, err := newEpollDriver(connector, config); err == nil {
			return d, nil
		}
		return NewPumpDriver(connector, config), nil
	default:
		return nil, fmt.Errorf("unknown driver %q: must be one of auto, epoll, pump", name)
	}
}
