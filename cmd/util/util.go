package util

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/client"
	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
	// EnvPrefix of all environment variables read by the cli
	EnvPrefix = "aeroloop"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and binds environment variables with the
// AEROLOOP_ prefix (e.g. AEROLOOP_HOSTS)
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Client flags
// --------------------------------------------------------------------------

// SetupClientFlags adds the connection and policy flags to a command
func SetupClientFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	key := "hosts"
	flags.String(key, "127.0.0.1:3000", WrapString("Comma-separated list of node addresses (host:port, or socket paths for the unix transport)"))

	key = "transport"
	flags.String(key, "tcp", WrapString("Transport to use (tcp, unix)"))

	key = "user"
	flags.String(key, "", WrapString("User name, enables authentication when set"))

	key = "password"
	flags.String(key, "", WrapString("Password of the user"))

	key = "namespace"
	flags.String(key, "test", WrapString("Namespace of the records"))

	key = "set"
	flags.String(key, "demo", WrapString("Set of the records"))

	key = "loops"
	flags.Int(key, 1, WrapString("Number of event loops"))

	key = "driver"
	flags.String(key, "auto", WrapString("I/O driver of the event loops (auto, epoll, pump)"))

	key = "max-conns-per-node"
	flags.Int(key, 100, WrapString("Maximum open connections per node"))

	key = "max-commands-in-process"
	flags.Int(key, 0, WrapString("Maximum running commands per event loop (0 = unlimited)"))

	key = "max-commands-in-queue"
	flags.Int(key, 0, WrapString("Maximum commands waiting for a slot per event loop (0 = unbounded)"))

	key = "total-timeout"
	flags.Duration(key, time.Second, WrapString("Total timeout of a command including retries (0 disables)"))

	key = "socket-timeout"
	flags.Duration(key, 30*time.Second, WrapString("Socket idle timeout of each attempt (0 disables)"))

	key = "max-retries"
	flags.Int(key, 2, WrapString("Retries after the first attempt"))

	key = "compress"
	flags.Bool(key, false, WrapString("Compress requests and responses"))

	key = "log-level"
	flags.String(key, "warn", WrapString("Level at which logs will be output (debug, info, warn, error)"))
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() common.ClientConfig {
	var hosts []string
	for _, h := range strings.Split(viper.GetString("hosts"), ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}

	conf := common.NewClientConfig(hosts...)
	conf.Transport = viper.GetString("transport")
	conf.User = viper.GetString("user")
	conf.Password = viper.GetString("password")
	conf.MaxConnsPerNode = viper.GetInt("max-conns-per-node")
	conf.EventLoop.Loops = viper.GetInt("loops")
	conf.EventLoop.Driver = viper.GetString("driver")
	conf.EventLoop.MaxCommandsInProcess = viper.GetInt("max-commands-in-process")
	conf.EventLoop.MaxCommandsInQueue = viper.GetInt("max-commands-in-queue")
	conf.LogLevel = viper.GetString("log-level")
	return conf
}

// GetPolicy reads the base policy flags from viper
func GetPolicy() *model.BasePolicy {
	p := model.NewPolicy()
	applyPolicy(p)
	return p
}

// GetWritePolicy reads the policy flags for writes from viper. Writes keep
// their default of no retries unless max-retries was set explicitly.
func GetWritePolicy() *model.WritePolicy {
	wp := model.NewWritePolicy()
	retries := wp.MaxRetries
	applyPolicy(&wp.BasePolicy)
	if !viper.IsSet("max-retries") {
		wp.MaxRetries = retries
	}
	return wp
}

// GetBatchPolicy reads the policy flags for batches from viper
func GetBatchPolicy() *model.BatchPolicy {
	bp := model.NewBatchPolicy()
	applyPolicy(&bp.BasePolicy)
	return bp
}

func applyPolicy(p *model.BasePolicy) {
	p.TotalTimeout = viper.GetDuration("total-timeout")
	p.SocketTimeout = viper.GetDuration("socket-timeout")
	p.MaxRetries = viper.GetInt("max-retries")
	p.Compress = viper.GetBool("compress")
}

// NewKey builds a key in the configured namespace and set
func NewKey(userKey string) (*model.Key, error) {
	return model.NewKey(viper.GetString("namespace"), viper.GetString("set"), userKey)
}

// NewClient initializes the loggers and connects a client with the
// configuration from viper
func NewClient() (*client.Client, error) {
	conf := GetClientConfig()
	if err := common.InitLoggers(conf.LogLevel); err != nil {
		return nil, err
	}
	if len(conf.Hosts) == 0 {
		return nil, fmt.Errorf("no hosts configured")
	}
	return client.NewClient(conf)
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

// RenderTable renders rows as a table with an optional title
func RenderTable(title string, header table.Row, rows []table.Row) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	if title != "" {
		t.SetTitle(title)
	}
	t.AppendHeader(header)
	t.AppendRows(rows)
	return t.Render()
}
