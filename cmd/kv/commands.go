package kv

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/aeroloop/cmd/util"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/client"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	putCmd = &cobra.Command{
		Use:   "put [key] [bin=value]...",
		Short: "Writes bins to a record",
		Long:  "Writes bins to a record. Values that parse as integers or floats are stored as numbers, everything else as strings.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := util.NewKey(args[0])
			if err != nil {
				return err
			}
			bins, err := parseBins(args[1:])
			if err != nil {
				return err
			}
			if _, err := kvClient.PutFuture(util.GetWritePolicy(), key, bins...).Get(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("put successfully")
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key] [bin]...",
		Short: "Reads a record, optionally only the named bins",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := util.NewKey(args[0])
			if err != nil {
				return err
			}
			rec, err := kvClient.GetFuture(util.GetPolicy(), key, args[1:]...).Get(cmd.Context())
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Printf("key=%s, found=false\n", args[0])
				return nil
			}
			fmt.Println(renderRecords(args[0], []*model.Record{rec}))
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := util.NewKey(args[0])
			if err != nil {
				return err
			}
			existed, err := kvClient.DeleteFuture(util.GetWritePolicy(), key).Get(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, existed=%t\n", args[0], existed)
			return nil
		},
	}
	existsCmd = &cobra.Command{
		Use:   "exists [key]",
		Short: "Checks if a record exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := util.NewKey(args[0])
			if err != nil {
				return err
			}
			found, err := kvClient.ExistsFuture(util.GetPolicy(), key).Get(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%t\n", args[0], found)
			return nil
		},
	}
	touchCmd = &cobra.Command{
		Use:   "touch [key]",
		Short: "Resets the expiration of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := util.NewKey(args[0])
			if err != nil {
				return err
			}
			if _, err := kvClient.TouchFuture(util.GetWritePolicy(), key).Get(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("touch successfully")
			return nil
		},
	}
	incrCmd = &cobra.Command{
		Use:   "incr [key] [bin] [delta]",
		Short: "Adds delta to an integer bin and prints the new value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := util.NewKey(args[0])
			if err != nil {
				return err
			}
			delta, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("delta must be a number: %w", err)
			}
			rec, err := kvClient.OperateFuture(util.GetWritePolicy(), key,
				model.AddOp(model.NewBin(args[1], delta)),
				model.GetBinOp(args[1]),
			).Get(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, %s=%v\n", args[0], args[1], rec.Bins[args[1]])
			return nil
		},
	}
	batchCmd = &cobra.Command{
		Use:   "batch [key]...",
		Short: "Reads many records with one command per node",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]*model.Key, len(args))
			for i, a := range args {
				k, err := util.NewKey(a)
				if err != nil {
					return err
				}
				keys[i] = k
			}
			records, err := kvClient.BatchGetFuture(util.GetBatchPolicy(), keys).Get(cmd.Context())
			if records == nil {
				return err
			}
			rows := make([]table.Row, len(records))
			for i, br := range records {
				var bins string
				if br.Record != nil {
					bins = formatBins(br.Record.Bins)
				}
				rows[i] = table.Row{args[i], model.ResultCodeString(br.ResultCode), bins}
			}
			fmt.Println(util.RenderTable("batch", table.Row{"Key", "Result", "Bins"}, rows))
			var me *model.Error
			if errors.As(err, &me) && me.Code == model.BatchFailed {
				// row failures are already shown in the table
				return nil
			}
			return err
		},
	}
	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Lists the records of the configured set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := model.NewScanPolicy()
			policy.MaxRecords = viper.GetInt64("max-records")
			stmt := &client.Statement{
				Namespace: viper.GetString("namespace"),
				SetName:   viper.GetString("set"),
			}
			records, err := kvClient.ScanFuture(policy, stmt).Get(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(renderRecords(stmt.SetName, records))
			return nil
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints the connection and error counters of every node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []table.Row
			for _, s := range kvClient.Stats() {
				rows = append(rows, table.Row{s.Name, s.Address, s.Active, s.OpenConnections, s.IdleConnections, s.Errors, s.Timeouts})
			}
			fmt.Println(util.RenderTable("nodes", table.Row{"Node", "Address", "Active", "Open", "Idle", "Errors", "Timeouts"}, rows))
			return nil
		},
	}
)

func init() {
	scanCmd.Flags().Int64("max-records", 0, util.WrapString("Maximum number of records to list (0 = all)"))
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// parseBins parses bin=value arguments
func parseBins(args []string) ([]*model.Bin, error) {
	bins := make([]*model.Bin, 0, len(args))
	for _, a := range args {
		name, raw, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid bin %q (expected name=value)", a)
		}
		bins = append(bins, model.NewBin(name, parseValue(raw)))
	}
	return bins, nil
}

func parseValue(raw string) any {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func formatBins(bins model.BinMap) string {
	names := make([]string, 0, len(bins))
	for name := range bins {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%v", name, bins[name])
	}
	return strings.Join(parts, " ")
}

func renderRecords(title string, records []*model.Record) string {
	rows := make([]table.Row, len(records))
	for i, rec := range records {
		rows[i] = table.Row{hexDigest(rec), rec.Generation, rec.Expiration, formatBins(rec.Bins)}
	}
	return util.RenderTable(title, table.Row{"Digest", "Gen", "Exp", "Bins"}, rows)
}

func hexDigest(rec *model.Record) string {
	if rec.Key == nil {
		return ""
	}
	return fmt.Sprintf("%x", rec.Key.Digest)
}
