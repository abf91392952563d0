package serve

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ValentinKolb/aeroloop/cmd/util"
	"github.com/ValentinKolb/aeroloop/rpc/client"
	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/server"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Logger = logger.GetLogger("cmd")

	serveCmdConfig = common.NewServerConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the test server",
		Long:    `Start the wire compatible in-memory test server. The configuration can be set via command line flags or environment variables. The format of the environment variables is AEROLOOP_<flag> (e.g. AEROLOOP_ENDPOINT=0.0.0.0:3000)`,
		PreRunE: processConfig,
		RunE:    run,
	}
	sweepInterval = time.Second
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	flags := ServeCmd.PersistentFlags()

	key := "endpoint"
	flags.String(key, serveCmdConfig.Endpoint, util.WrapString("The address on which the server will listen (e.g. 127.0.0.1:3000, /tmp/aeroloop.sock, ...)"))

	key = "transport"
	flags.String(key, serveCmdConfig.Transport, util.WrapString("Transport to use (tcp, unix)"))

	key = "namespace"
	flags.String(key, serveCmdConfig.Namespace, util.WrapString("Namespace served by the server"))

	key = "user"
	flags.String(key, "", util.WrapString("User name, requires clients to log in when set"))

	key = "password"
	flags.String(key, "", util.WrapString("Password of the user"))

	key = "shards"
	flags.Int(key, serveCmdConfig.Shards, util.WrapString("Number of shards of the in-memory record store"))

	key = "timeout"
	flags.Int64(key, serveCmdConfig.TimeoutSecond, util.WrapString("Idle read timeout per connection in seconds (0 disables)"))

	key = "metrics-endpoint"
	flags.String(key, "", util.WrapString("Address of the prometheus /metrics endpoint (e.g. 127.0.0.1:9145), disabled when empty"))

	key = "sweep-interval"
	flags.Duration(key, sweepInterval, util.WrapString("How often expired records are removed"))

	key = "log-level"
	flags.String(key, serveCmdConfig.LogLevel, util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.Transport = strings.ToLower(viper.GetString("transport"))
	serveCmdConfig.Namespace = viper.GetString("namespace")
	serveCmdConfig.User = viper.GetString("user")
	serveCmdConfig.Password = viper.GetString("password")
	serveCmdConfig.Shards = viper.GetInt("shards")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	sweepInterval = viper.GetDuration("sweep-interval")

	if serveCmdConfig.Shards < 1 {
		return errors.New("shards must be at least 1")
	}
	return common.InitLoggers(serveCmdConfig.LogLevel)
}

// run starts the server and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	connector, err := client.NewConnector(serveCmdConfig.Transport)
	if err != nil {
		return err
	}
	srv, err := server.NewServer(serveCmdConfig, connector)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Serve() }()

	var metricsServer *http.Server
	if serveCmdConfig.MetricsEndpoint != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			srv.WritePrometheus(w)
			metrics.WriteProcessMetrics(w)
		})
		metricsServer = &http.Server{Addr: serveCmdConfig.MetricsEndpoint, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		Logger.Infof("serving metrics on http://%s/metrics", serveCmdConfig.MetricsEndpoint)
	}

	stopSweep := make(chan struct{})
	if sweepInterval > 0 {
		go func() {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopSweep:
					return
				case <-ticker.C:
					srv.Sweep()
				}
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		Logger.Infof("shutting down")
	case err = <-errCh:
		Logger.Errorf("server stopped: %v", err)
	}

	close(stopSweep)
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}
	if cerr := srv.Close(); err == nil {
		err = cerr
	}
	return err
}
