package base

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
)

// serverTransport accepts connections and serves each one on its own
// goroutine. The wire protocol is strictly request/response per connection,
// so a connection needs no worker pool.
type serverTransport struct {
	connector IConnector
	config    common.SocketConfig
	listener  net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewServerTransport creates a listening server transport
func NewServerTransport(connector IConnector, endpoint string, config common.SocketConfig) (transport.IServerTransport, error) {
	listener, err := connector.Listen(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	return &serverTransport{
		connector: connector,
		config:    config,
		listener:  listener,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *serverTransport) Serve(handler transport.ServerHandleFunc) error {
	Logger.Infof("Starting %s server on %s", t.connector.GetName(), t.listener.Addr())

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		if err := t.connector.UpgradeConnection(conn, t.config); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
		}

		if !t.track(conn) {
			_ = conn.Close()
			return nil
		}

		// Handle the connection in a goroutine
		go func() {
			defer t.wg.Done()
			defer t.untrack(conn)
			handler(conn)
		}()
	}
}

func (t *serverTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	err := t.listener.Close()
	for conn := range t.conns {
		_ = conn.Close()
	}
	t.mu.Unlock()

	// Wait for all connection handlers to finish
	t.wg.Wait()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *serverTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *serverTransport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[conn] = struct{}{}
	t.wg.Add(1)
	return true
}

func (t *serverTransport) untrack(conn net.Conn) {
	_ = conn.Close()
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
}
