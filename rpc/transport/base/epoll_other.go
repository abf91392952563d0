//go:build !linux

package base

import (
	"errors"

	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
)

func newEpollDriver(IConnector, common.SocketConfig) (transport.IDriver, error) {
	return nil, errors.New("epoll driver is only available on linux")
}
