package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/aeroloop/cmd/util"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/client"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// BenchCmd runs throughput and latency benchmarks against a cluster
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Benchmark a cluster with the async client",
		Long:    "Runs each workload for a fixed duration while keeping a fixed number of commands in flight, then prints throughput and latency percentiles.",
		PreRunE: processBenchConfig,
		RunE:    run,
	}

	benchKeyPrefix = "__bench"
	benchWorkloads = []string{"put", "get", "exists", "batch", "mixed"}

	benchDuration  = 5 * time.Second
	benchInFlight  = 64
	benchKeySpread = 1000
	benchValueSize = 100
	benchBatchSize = 16
	benchSkip      []string
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupClientFlags(BenchCmd)

	key := "duration"
	BenchCmd.Flags().Duration(key, benchDuration, util.WrapString("How long each workload runs"))
	key = "in-flight"
	BenchCmd.Flags().Int(key, benchInFlight, util.WrapString("Number of commands kept in flight"))
	key = "keys"
	BenchCmd.Flags().Int(key, benchKeySpread, util.WrapString("How many different keys the workloads use"))
	key = "value-size"
	BenchCmd.Flags().Int(key, benchValueSize, util.WrapString("Size of the written value in bytes"))
	key = "batch-size"
	BenchCmd.Flags().Int(key, benchBatchSize, util.WrapString("Keys per batch command"))
	key = "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Workloads to skip (comma separated - e.g. put,batch)"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	benchDuration = viper.GetDuration("duration")
	benchInFlight = max(viper.GetInt("in-flight"), 1)
	benchKeySpread = max(viper.GetInt("keys"), 1)
	benchValueSize = viper.GetInt("value-size")
	benchBatchSize = max(viper.GetInt("batch-size"), 1)
	benchSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

// result of one workload
type result struct {
	name    string
	ops     int64
	errors  int64
	elapsed time.Duration
	timer   metrics.Timer
	skipped bool
}

func (r result) opsPerSec() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.ops) / r.elapsed.Seconds()
}

func run(cmd *cobra.Command, _ []string) error {
	c, err := util.NewClient()
	if err != nil {
		return err
	}
	defer c.Close()

	config := util.GetClientConfig()
	fmt.Println("Benchmarking with the async client")
	fmt.Println()
	fmt.Println(config.String())
	fmt.Printf("Duration: %s, in flight: %d, keys: %d\n\n", benchDuration, benchInFlight, benchKeySpread)

	keys, err := makeKeys()
	if err != nil {
		return err
	}
	value := make([]byte, benchValueSize)

	// reads need existing records
	if err := load(cmd.Context(), c, keys, value); err != nil {
		return fmt.Errorf("loading records: %w", err)
	}

	var results []result
	for _, name := range benchWorkloads {
		if slices.Contains(benchSkip, name) {
			results = append(results, result{name: name, skipped: true})
			continue
		}
		fmt.Printf("running %s...\n", name)
		results = append(results, runWorkload(name, workload(c, name, keys, value)))
	}

	fmt.Println()
	fmt.Println(renderResults(results))
	fmt.Println(renderNodes(c))

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}
	return nil
}

// --------------------------------------------------------------------------
// Workloads
// --------------------------------------------------------------------------

// op starts one command and calls done exactly once
type op func(i int, done func(err error))

func workload(c *client.Client, name string, keys []*model.Key, value []byte) op {
	wp := util.GetWritePolicy()
	p := util.GetPolicy()
	bp := util.GetBatchPolicy()
	key := func(i int) *model.Key { return keys[i%len(keys)] }

	put := func(i int, done func(error)) {
		c.Put(wp, key(i), done, model.NewBin("v", value))
	}
	get := func(i int, done func(error)) {
		c.Get(p, key(i), func(_ *model.Record, err error) { done(err) })
	}
	exists := func(i int, done func(error)) {
		c.Exists(p, key(i), func(_ bool, err error) { done(err) })
	}
	batch := func(i int, done func(error)) {
		batchKeys := make([]*model.Key, benchBatchSize)
		for j := range batchKeys {
			batchKeys[j] = key(i*benchBatchSize + j)
		}
		c.BatchGet(bp, batchKeys, func(_ []*model.BatchRecord, err error) { done(err) })
	}

	switch name {
	case "put":
		return put
	case "get":
		return get
	case "exists":
		return exists
	case "batch":
		return batch
	default:
		return func(i int, done func(error)) {
			switch i % 4 {
			case 0:
				put(i, done)
			case 1, 2:
				get(i, done)
			default:
				exists(i, done)
			}
		}
	}
}

// runWorkload keeps benchInFlight commands running until benchDuration passed.
// Each completion starts the next command from the listener.
func runWorkload(name string, start op) result {
	r := result{name: name, timer: metrics.NewTimer()}
	var ops, errs, seq atomic.Int64
	deadline := time.Now().Add(benchDuration)

	var wg sync.WaitGroup
	var next func()
	next = func() {
		if time.Now().After(deadline) {
			wg.Done()
			return
		}
		i := int(seq.Add(1))
		begin := time.Now()
		start(i, func(err error) {
			r.timer.UpdateSince(begin)
			ops.Add(1)
			if err != nil {
				errs.Add(1)
			}
			next()
		})
	}

	begin := time.Now()
	wg.Add(benchInFlight)
	for i := 0; i < benchInFlight; i++ {
		next()
	}
	wg.Wait()

	r.elapsed = time.Since(begin)
	r.ops = ops.Load()
	r.errors = errs.Load()
	return r
}

func makeKeys() ([]*model.Key, error) {
	keys := make([]*model.Key, benchKeySpread)
	for i := range keys {
		k, err := util.NewKey(fmt.Sprintf("%s-%d", benchKeyPrefix, i))
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}

func load(ctx context.Context, c *client.Client, keys []*model.Key, value []byte) error {
	for start := 0; start < len(keys); start += 100 {
		end := min(start+100, len(keys))
		records := make([]*model.BatchRecord, 0, end-start)
		for _, k := range keys[start:end] {
			records = append(records, model.NewBatchOperate(k, model.PutOp(model.NewBin("v", value))))
		}
		if _, err := c.BatchOperateFuture(util.GetBatchPolicy(), records).Get(ctx); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

var percentiles = []float64{0.5, 0.9, 0.99, 0.999}

func renderResults(results []result) string {
	header := table.Row{"Workload", "Ops", "Errors", "Ops/sec", "Mean", "p50", "p90", "p99", "p99.9", "Max"}
	rows := make([]table.Row, 0, len(results))
	for _, r := range results {
		if r.skipped {
			rows = append(rows, table.Row{r.name, "skipped"})
			continue
		}
		ps := r.timer.Percentiles(percentiles)
		rows = append(rows, table.Row{
			r.name, r.ops, r.errors, fmt.Sprintf("%.0f", r.opsPerSec()),
			time.Duration(r.timer.Mean()).Round(time.Microsecond),
			time.Duration(ps[0]).Round(time.Microsecond),
			time.Duration(ps[1]).Round(time.Microsecond),
			time.Duration(ps[2]).Round(time.Microsecond),
			time.Duration(ps[3]).Round(time.Microsecond),
			time.Duration(r.timer.Max()).Round(time.Microsecond),
		})
	}
	return util.RenderTable("results", header, rows)
}

func renderNodes(c *client.Client) string {
	var rows []table.Row
	for _, s := range c.Stats() {
		rows = append(rows, table.Row{s.Name, s.Address, s.OpenConnections, s.IdleConnections, s.Errors, s.Timeouts})
	}
	return util.RenderTable("nodes", table.Row{"Node", "Address", "Open", "Idle", "Errors", "Timeouts"}, rows)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []result) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Workload", "Ops", "Errors", "OpsPerSec", "MeanNs", "P50Ns", "P99Ns", "MaxNs", "Skipped",
		"Hosts", "Loops", "Driver", "InFlight", "ValueSize", "Keys",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		row := []string{r.name, "0", "0", "0", "0", "0", "0", "0", strconv.FormatBool(r.skipped)}
		if !r.skipped {
			ps := r.timer.Percentiles([]float64{0.5, 0.99})
			row = []string{
				r.name,
				strconv.FormatInt(r.ops, 10),
				strconv.FormatInt(r.errors, 10),
				fmt.Sprintf("%.0f", r.opsPerSec()),
				fmt.Sprintf("%.0f", r.timer.Mean()),
				fmt.Sprintf("%.0f", ps[0]),
				fmt.Sprintf("%.0f", ps[1]),
				strconv.FormatInt(r.timer.Max(), 10),
				"false",
			}
		}
		row = append(row,
			viper.GetString("hosts"),
			strconv.Itoa(viper.GetInt("loops")),
			viper.GetString("driver"),
			strconv.Itoa(benchInFlight),
			strconv.Itoa(benchValueSize),
			strconv.Itoa(benchKeySpread),
		)
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for workload %s: %v", r.name, err)
		}
	}
	return nil
}
