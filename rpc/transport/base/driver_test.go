package base_test

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
	"github.com/ValentinKolb/aeroloop/rpc/transport/base"
	"github.com/ValentinKolb/aeroloop/rpc/transport/tcp"
	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func socketConfig(t *testing.T) common.SocketConfig {
	var cfg common.SocketConfig
	require.NoError(t, defaults.Set(&cfg))
	return cfg
}

func drivers(t *testing.T) map[string]transport.IDriver {
	result := map[string]transport.IDriver{}
	for _, name := range []string{base.DriverPump, base.DriverEpoll} {
		d, err := base.NewDriver(name, tcp.NewConnector(), socketConfig(t))
		if err != nil {
			t.Logf("driver %s not available: %v", name, err)
			continue
		}
		result[name] = d
	}
	return result
}

// startEcho starts a server that echoes everything it receives. Writes to
// the returned channel are sent to the connection unprompted, so it must
// only be used with a single connection.
func startEcho(t *testing.T) (string, chan []byte) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	push := make(chan []byte, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				go func() {
					for b := range push {
						_, _ = conn.Write(b)
					}
				}()
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					if _, err := conn.Write(buf[:n]); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String(), push
}

// pollUntil polls the selector until cond holds or the deadline passes
func pollUntil(t *testing.T, sel transport.ISelector, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		_, err := sel.Poll(10 * time.Millisecond)
		require.NoError(t, err)
	}
}

func connect(t *testing.T, d transport.IDriver, sel transport.ISelector, addr string) transport.IConn {
	conn, err := d.Dial(addr)
	require.NoError(t, err)

	connected := false
	var connErr error
	require.NoError(t, sel.Register(conn, transport.InterestWrite, transport.HandlerFunc(func(_, writable bool) {
		if !writable {
			return
		}
		if err := conn.FinishConnect(); err == nil {
			connected = true
		} else if !errors.Is(err, transport.ErrWouldBlock) {
			connErr = err
		}
	})))
	pollUntil(t, sel, func() bool { return connected || connErr != nil })
	require.NoError(t, connErr)
	require.NoError(t, sel.Unregister(conn))
	return conn
}

func TestDriverRoundTrip(t *testing.T) {
	addr, _ := startEcho(t)

	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			sel, err := d.NewSelector()
			require.NoError(t, err)
			defer sel.Close()

			conn := connect(t, d, sel, addr)
			defer conn.Close()

			msg := []byte("hello event loop")
			written := 0
			for written < len(msg) {
				n, err := conn.Write(msg[written:])
				if errors.Is(err, transport.ErrWouldBlock) {
					continue
				}
				require.NoError(t, err)
				written += n
			}

			var got []byte
			buf := make([]byte, 64)
			require.NoError(t, sel.Register(conn, transport.InterestRead, transport.HandlerFunc(func(readable, _ bool) {
				for readable {
					n, err := conn.Read(buf)
					if err != nil {
						assert.ErrorIs(t, err, transport.ErrWouldBlock)
						return
					}
					got = append(got, buf[:n]...)
				}
			})))
			pollUntil(t, sel, func() bool { return len(got) == len(msg) })
			assert.Equal(t, msg, got)

			_, err = conn.Read(buf)
			assert.ErrorIs(t, err, transport.ErrWouldBlock)
			assert.True(t, conn.IsValid(time.Minute, time.Now()))
			assert.False(t, conn.IsValid(time.Millisecond, time.Now().Add(time.Second)))
		})
	}
}

func TestDriverStrayBytesInvalidate(t *testing.T) {
	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			addr, push := startEcho(t)
			sel, err := d.NewSelector()
			require.NoError(t, err)
			defer sel.Close()

			conn := connect(t, d, sel, addr)
			defer conn.Close()
			require.True(t, conn.IsValid(0, time.Now()))

			push <- []byte{0xff}
			assert.Eventually(t, func() bool {
				return !conn.IsValid(0, time.Now())
			}, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestDriverPeerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			sel, err := d.NewSelector()
			require.NoError(t, err)
			defer sel.Close()

			conn := connect(t, d, sel, ln.Addr().String())
			defer conn.Close()

			var readErr error
			require.NoError(t, sel.Register(conn, transport.InterestRead, transport.HandlerFunc(func(bool, bool) {
				buf := make([]byte, 16)
				if _, err := conn.Read(buf); err != nil && !errors.Is(err, transport.ErrWouldBlock) {
					readErr = err
				}
			})))
			pollUntil(t, sel, func() bool { return readErr != nil })
			assert.ErrorIs(t, readErr, io.EOF)
			assert.False(t, conn.IsValid(0, time.Now()))
		})
	}
}

func TestDriverConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			sel, err := d.NewSelector()
			require.NoError(t, err)
			defer sel.Close()

			conn, err := d.Dial(addr)
			if err != nil {
				// the connect may fail synchronously
				return
			}
			defer conn.Close()

			var connErr error
			require.NoError(t, sel.Register(conn, transport.InterestWrite, transport.HandlerFunc(func(bool, bool) {
				if err := conn.FinishConnect(); err != nil && !errors.Is(err, transport.ErrWouldBlock) {
					connErr = err
				}
			})))
			pollUntil(t, sel, func() bool { return connErr != nil })
			assert.Error(t, connErr)
		})
	}
}

func TestSelectorWakeup(t *testing.T) {
	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			sel, err := d.NewSelector()
			require.NoError(t, err)
			defer sel.Close()

			go func() {
				time.Sleep(20 * time.Millisecond)
				sel.Wakeup()
			}()

			done := make(chan struct{})
			go func() {
				_, _ = sel.Poll(-1)
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("poll was not woken up")
			}
		})
	}
}

func TestUnknownDriver(t *testing.T) {
	_, err := base.NewDriver("kqueue", tcp.NewConnector(), socketConfig(t))
	assert.Error(t, err)
}

func TestServerTransport(t *testing.T) {
	st, err := base.NewServerTransport(tcp.NewConnector(), "127.0.0.1:0", socketConfig(t))
	require.NoError(t, err)

	served := make(chan struct{}, 1)
	go func() {
		_ = st.Serve(func(conn net.Conn) {
			served <- struct{}{}
			_, _ = io.Copy(io.Discard, conn)
		})
	}()

	conn, err := net.Dial("tcp", st.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("connection not served")
	}
	require.NoError(t, st.Close())
}
