package unix

import (
	"fmt"
	"net"
	"os"
)

func (c *connector) Listen(endpoint string) (net.Listener, error) {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(endpoint); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %v", err)
	}

	// Create Unix socket listener
	listener, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %v", err)
	}

	return listener, nil
}
