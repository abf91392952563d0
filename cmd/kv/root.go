package kv

import (
	"github.com/ValentinKolb/aeroloop/cmd/util"
	"github.com/ValentinKolb/aeroloop/rpc/client"
	"github.com/spf13/cobra"
)

var (
	kvClient *client.Client

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Perform record operations",
		PersistentPreRunE:  setupKVClient,
		PersistentPostRunE: closeKVClient,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupClientFlags(KeyValueCommands)

	KeyValueCommands.AddCommand(putCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(existsCmd)
	KeyValueCommands.AddCommand(touchCmd)
	KeyValueCommands.AddCommand(incrCmd)
	KeyValueCommands.AddCommand(batchCmd)
	KeyValueCommands.AddCommand(scanCmd)
	KeyValueCommands.AddCommand(statsCmd)
}

// setupKVClient connects the client used by the subcommands
func setupKVClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	var err error
	kvClient, err = util.NewClient()
	return err
}

func closeKVClient(_ *cobra.Command, _ []string) error {
	if kvClient == nil {
		return nil
	}
	return kvClient.Close()
}
