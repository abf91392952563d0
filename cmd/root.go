package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/aeroloop/cmd/bench"
	"github.com/ValentinKolb/aeroloop/cmd/kv"
	"github.com/ValentinKolb/aeroloop/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "aeroloop",
		Short: "asynchronous database client core",
		Long: fmt.Sprintf(`aeroloop (v%s)

An asynchronous database client built on per-goroutine event loops,
with a wire compatible test server and a benchmark tool.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of aeroloop",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aeroloop v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
