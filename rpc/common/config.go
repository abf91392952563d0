package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
)

// --------------------------------------------------------------------------
// Socket configuration struct
// --------------------------------------------------------------------------

// SocketConfig holds the socket options applied to every connection
type SocketConfig struct {
	// TCPNoDelay disables Nagle's algorithm
	TCPNoDelay bool `default:"true"`
	// ReadBufferSize and WriteBufferSize set SO_RCVBUF / SO_SNDBUF (0 keeps the OS default)
	ReadBufferSize  int `default:"0"`
	WriteBufferSize int `default:"0"`
	// TCPKeepAliveSec enables keep-alive probes after the given idle time (0 disables)
	TCPKeepAliveSec int `default:"30"`
	// TCPLingerSec sets SO_LINGER (-1 keeps the OS default)
	TCPLingerSec int `default:"-1"`
}

// --------------------------------------------------------------------------
// Event loop configuration struct
// --------------------------------------------------------------------------

// EventLoopConfig holds the parameters of one group of event loops
type EventLoopConfig struct {
	// Loops is the number of event loops (one goroutine each)
	Loops int `default:"1"`
	// Driver selects the I/O model: "auto", "epoll" or "pump"
	Driver string `default:"auto"`

	// MaxCommandsInProcess limits concurrently running commands per loop (0 = unlimited)
	MaxCommandsInProcess int `default:"0"`
	// MaxCommandsInQueue limits commands waiting for a slot per loop (0 = unbounded).
	// Only relevant if MaxCommandsInProcess is set.
	MaxCommandsInQueue int `default:"0"`

	// TimerTick is the resolution of the per loop timer wheel
	TimerTick time.Duration `default:"5ms"`
	// TimerBuckets is the number of wheel buckets (rounded up to a power of two)
	TimerBuckets int `default:"256"`

	// MinBufferSize and MaxBufferSize bound the pooled buffer sizes; larger
	// buffers are allocated on demand and dropped on release
	MinBufferSize int `default:"8192"`
	MaxBufferSize int `default:"1048576"`
	// BuffersPerTier is the number of idle buffers kept per size tier
	BuffersPerTier int `default:"64"`
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds all parameters of the asynchronous client
type ClientConfig struct {
	// Hosts are the node addresses (host:port for tcp, socket path for unix)
	Hosts []string
	// Transport is the connector type: "tcp" or "unix"
	Transport string `default:"tcp"`

	// User and Password enable authentication when User is set
	User     string
	Password string `json:"-"`

	// MaxConnsPerNode limits the open connections per node across all loops.
	// Each loop keeps at most its share idle.
	MaxConnsPerNode int `default:"100"`
	// MaxIdle evicts pooled connections unused for longer than this (0 disables)
	MaxIdle time.Duration `default:"55s"`

	// MaxErrorRate is the number of errors per ErrorRateWindow after which a
	// node rejects new commands (0 disables the limit)
	MaxErrorRate    int           `default:"100"`
	ErrorRateWindow time.Duration `default:"1s"`

	Socket    SocketConfig
	EventLoop EventLoopConfig

	// Logging configuration
	LogLevel string `default:"info"`
}

// NewClientConfig returns a client configuration with all defaults applied
func NewClientConfig(hosts ...string) ClientConfig {
	c := ClientConfig{Hosts: hosts}
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("invalid client config defaults: %v", err))
	}
	return c
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder
	addSection, addField := formatter(&sb)

	// General Client Settings
	addSection("Client Configuration")
	addField("Transport", c.Transport)
	addField("User", orNone(c.User))
	addField("Max Conns Per Node", strconv.Itoa(c.MaxConnsPerNode))
	addField("Max Idle", c.MaxIdle.String())
	if c.MaxErrorRate > 0 {
		addField("Max Error Rate", fmt.Sprintf("%d / %s", c.MaxErrorRate, c.ErrorRateWindow))
	} else {
		addField("Max Error Rate", "disabled")
	}
	addField("Log Level", c.LogLevel)

	c.EventLoop.format(addSection, addField)
	c.Socket.format(addSection, addField)

	// Hosts
	addSection("Hosts")
	for i, host := range c.Hosts {
		addField(strconv.Itoa(i), host)
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds the parameters of the wire compatible test server
type ServerConfig struct {
	// Endpoint to listen on (host:port for tcp, socket path for unix)
	Endpoint string `default:"127.0.0.1:3000"`
	// Transport is the connector type: "tcp" or "unix"
	Transport string `default:"tcp"`
	// Namespace served by the server
	Namespace string `default:"test"`

	// User and Password enable authentication when User is set
	User     string
	Password string `json:"-"`

	// Shards of the in-memory record store
	Shards int `default:"16"`

	// TimeoutSecond is the idle read deadline per connection (0 disables)
	TimeoutSecond int64 `default:"0"`

	// MetricsEndpoint serves the prometheus metrics when set
	MetricsEndpoint string

	Socket SocketConfig

	// Logging configuration
	LogLevel string `default:"info"`
}

// NewServerConfig returns a server configuration with all defaults applied
func NewServerConfig() ServerConfig {
	c := ServerConfig{}
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("invalid server config defaults: %v", err))
	}
	return c
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder
	addSection, addField := formatter(&sb)

	// RPC settings
	addSection("Server")
	addField("Endpoint", c.Endpoint)
	addField("Transport", c.Transport)
	addField("Namespace", c.Namespace)
	addField("Shards", strconv.Itoa(c.Shards))
	addField("Authentication", strconv.FormatBool(c.User != ""))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Metrics", orNone(c.MetricsEndpoint))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	c.Socket.format(addSection, addField)

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (c *EventLoopConfig) format(addSection func(string), addField func(string, string)) {
	addSection("Event Loops")
	addField("Loops", strconv.Itoa(c.Loops))
	addField("Driver", c.Driver)
	addField("Max In Process", limit(c.MaxCommandsInProcess))
	addField("Max In Queue", limit(c.MaxCommandsInQueue))
	addField("Timer", fmt.Sprintf("%s x %d", c.TimerTick, c.TimerBuckets))
	addField("Buffers", fmt.Sprintf("%d - %d bytes, %d per tier", c.MinBufferSize, c.MaxBufferSize, c.BuffersPerTier))
}

func (c *SocketConfig) format(addSection func(string), addField func(string, string)) {
	addSection("Socket")
	addField("TCP No Delay", strconv.FormatBool(c.TCPNoDelay))
	addField("Read Buffer", bytesOrDefault(c.ReadBufferSize))
	addField("Write Buffer", bytesOrDefault(c.WriteBufferSize))
	addField("Keep Alive", fmt.Sprintf("%d sec", c.TCPKeepAliveSec))
	if c.TCPLingerSec >= 0 {
		addField("Linger", fmt.Sprintf("%d sec", c.TCPLingerSec))
	} else {
		addField("Linger", "default")
	}
}

// formatter creates helper functions for consistent formatting
func formatter(sb *strings.Builder) (func(string), func(string, string)) {
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	return addSection, addField
}

func limit(v int) string {
	if v <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(v)
}

func bytesOrDefault(v int) string {
	if v <= 0 {
		return "default"
	}
	return fmt.Sprintf("%d bytes", v)
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
