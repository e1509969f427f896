//go:build linux

package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/benchkit/benchkit/pkg/config"
	"github.com/benchkit/benchkit/pkg/runner"
	"github.com/benchkit/benchkit/pkg/system/cgroup"
	"github.com/benchkit/benchkit/pkg/system/util"
	"github.com/benchkit/benchkit/pkg/types"
)

type opts struct {
	// limits
	memory      string
	cpuTimeSoft time.Duration
	cpuTimeHard time.Duration
	wallTime    time.Duration
	cores       string
	memoryNodes string

	// behavior
	configPath string
	interval   time.Duration
	fallback   bool
	debug      bool

	// outputs
	csvPath  string
	jsonPath string
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "benchkit [flags] -- TOOL [ARG]...",
		Short: "Resource-controlled benchmark execution",
		Long: `The benchkit tool runs a single command inside a fresh control group
(cgroup v1 or v2), enforces memory, cpu-time and core limits on the whole
process tree, and reports wall time, cpu time, peak memory and disk I/O.

Without usable cgroups it degrades to unconstrained execution with wall-time
enforcement only.

Examples:
  benchkit --memory 200MB --walltime 90s -- ./verifier --props safety.prp
  benchkit --cores 0-3 --cputime 60s --csv run.csv -- ./solver input.smt2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o, args)
		},
	}

	root.Flags().StringVarP(&o.memory, "memory", "m", "", "memory limit for the run (e.g. 200MB, 4GB)")
	root.Flags().DurationVar(&o.cpuTimeSoft, "cputime-soft", 0, "cpu time after which the tool gets SIGTERM")
	root.Flags().DurationVar(&o.cpuTimeHard, "cputime", 0, "cpu time after which the run is killed")
	root.Flags().DurationVarP(&o.wallTime, "walltime", "w", 0, "wall time after which the run is killed")
	root.Flags().StringVar(&o.cores, "cores", "", "cores the run may use (e.g. 0-2,5)")
	root.Flags().StringVar(&o.memoryNodes, "memory-nodes", "", "NUMA nodes the run may allocate on")

	root.Flags().StringVarP(&o.configPath, "config", "c", "", "YAML config file with default limits and outputs")
	root.Flags().DurationVarP(&o.interval, "interval", "i", time.Second, "watchdog poll interval")
	root.Flags().BoolVar(&o.fallback, "fallback", false, "use the pre-provisioned fallback cgroup if the own one is unwritable")
	root.Flags().BoolVar(&o.debug, "debug", false, "enable debug logging")

	root.Flags().StringVar(&o.csvPath, "csv", "", "append the result row to a CSV file")
	root.Flags().StringVar(&o.jsonPath, "json", "", "write the result to a JSON file")

	if err := root.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, o opts, args []string) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel, o.debug)

	limits, err := cfg.RunLimits()
	if err != nil {
		return err
	}
	if err := overrideLimits(cmd, o, &limits); err != nil {
		return err
	}
	fallback := o.fallback || cfg.UseFallback

	ver, detail, err := cgroup.Detect()
	if err != nil {
		log.Warnf("cannot detect cgroup support: %v", err)
	}
	host, kernel, cpus, mem := util.SystemSummary()
	fmt.Printf(_console, host, kernel, cpus, types.Bytes(mem).Humanized(),
		ver, detail, time.Now().Format("2006-01-02 15:04:05"))

	r := runner.New(fallback)
	if cmd.Flags().Changed("interval") {
		r.PollInterval = o.interval
	} else {
		r.PollInterval = cfg.PollInterval.Std()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := r.Execute(ctx, args, limits)
	if err != nil {
		return err
	}

	printResult(res)

	csvPath := firstNonEmpty(o.csvPath, cfg.Output.CSV)
	if csvPath != "" {
		if err := writeCSV(csvPath, args[0], res); err != nil {
			log.Errorf("write csv: %v", err)
		}
	}
	jsonPath := firstNonEmpty(o.jsonPath, cfg.Output.JSON)
	if jsonPath != "" {
		if err := writeJSON(jsonPath, res); err != nil {
			log.Errorf("write json: %v", err)
		}
	}
	return nil
}

func setupLogging(level string, debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// overrideLimits lets explicitly set flags win over the config file defaults.
func overrideLimits(cmd *cobra.Command, o opts, limits *runner.Limits) error {
	if cmd.Flags().Changed("memory") {
		mem, err := types.ParseBytes(o.memory)
		if err != nil {
			return err
		}
		limits.Memory = mem
	}
	if cmd.Flags().Changed("cputime-soft") {
		limits.CPUTimeSoft = o.cpuTimeSoft
	}
	if cmd.Flags().Changed("cputime") {
		limits.CPUTimeHard = o.cpuTimeHard
	}
	if cmd.Flags().Changed("walltime") {
		limits.WallTime = o.wallTime
	}
	if cmd.Flags().Changed("cores") {
		cores, err := util.ParseIntList(o.cores)
		if err != nil {
			return err
		}
		limits.Cores = cores
	}
	if cmd.Flags().Changed("memory-nodes") {
		nodes, err := util.ParseIntList(o.memoryNodes)
		if err != nil {
			return err
		}
		limits.MemoryNodes = nodes
	}
	return nil
}

func printResult(res *runner.Result) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw)

	status := "finished"
	if res.TerminationReason != "" {
		status = "killed (" + res.TerminationReason + " limit)"
	}
	fmt.Fprintf(tw, "status\t%s\n", status)
	if res.Signal != 0 {
		fmt.Fprintf(tw, "signal\t%d\n", res.Signal)
	} else {
		fmt.Fprintf(tw, "exit code\t%d\n", res.ExitCode)
	}
	fmt.Fprintf(tw, "wall time\t%.3fs\n", res.WallTime.Seconds())
	fmt.Fprintf(tw, "cpu time\t%.3fs\n", res.CPUTime.Seconds())
	for _, core := range sortedCores(res.CPUTimePerCore) {
		fmt.Fprintf(tw, "cpu time (core %d)\t%.3fs\n", core, res.CPUTimePerCore[core].Seconds())
	}
	if res.MaxMemory > 0 {
		fmt.Fprintf(tw, "peak memory\t%s\n", res.MaxMemory.Humanized())
	}
	if res.ReadBytes > 0 || res.WriteBytes > 0 {
		fmt.Fprintf(tw, "disk read\t%s\n", res.ReadBytes.Humanized())
		fmt.Fprintf(tw, "disk write\t%s\n", res.WriteBytes.Humanized())
	}
	if res.OOMKills > 0 {
		fmt.Fprintf(tw, "oom kills\t%d\n", res.OOMKills)
	}
	tw.Flush()
}

func sortedCores(perCore map[int]time.Duration) []int {
	cores := make([]int, 0, len(perCore))
	for core := range perCore {
		cores = append(cores, core)
	}
	sort.Ints(cores)
	return cores
}

func writeCSV(path, tool string, res *runner.Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if os.IsNotExist(statErr) {
		_ = w.Write([]string{
			"time", "tool", "status", "exit_code", "signal",
			"walltime_s", "cputime_s", "max_memory_bytes", "read_bytes", "write_bytes",
		})
	}
	err = w.Write([]string{
		time.Now().Format(time.RFC3339),
		tool,
		res.TerminationReason,
		strconv.Itoa(res.ExitCode),
		strconv.Itoa(res.Signal),
		strconv.FormatFloat(res.WallTime.Seconds(), 'f', 3, 64),
		strconv.FormatFloat(res.CPUTime.Seconds(), 'f', 3, 64),
		strconv.FormatUint(uint64(res.MaxMemory), 10),
		strconv.FormatUint(uint64(res.ReadBytes), 10),
		strconv.FormatUint(uint64(res.WriteBytes), 10),
	})
	if err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func writeJSON(path string, res *runner.Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

const _console = `Benchkit - Resource-Controlled Benchmark Execution

       Host: %s
       Kernel: %s
       CPUs: %d
       Mem: %s
       Cgroups: %s (%s)

Benchkit run as of %s:
`
