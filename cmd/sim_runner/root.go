package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/miretskiy/pistongas/monitoring"
	"github.com/miretskiy/pistongas/recording"
	"github.com/miretskiy/pistongas/simulator"
)

type options struct {
	particles  int
	maxTime    float64
	configFile string
	envFile    string
	seed       int64
	output     string
	trace      string
	timeout    time.Duration
	progress   bool
	verbose    bool
	check      bool
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sim_runner",
		Short: "Run the piston gas simulation headless and print the results as JSON.",
		Long: `sim_runner simulates an ideal gas of point particles trapped between a floor ` +
			`and a heavy piston under gravity. Collisions are resolved one at a time until ` +
			`the virtual time budget is used up.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), config, opts, cmd.ErrOrStderr(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.particles, "particles", "n", 100, "Number of gas particles")
	flags.Float64Var(&opts.maxTime, "max-time", 10, "Simulation duration in virtual seconds")
	flags.StringVar(&opts.configFile, "config", "", "Path to a .json, .yaml or .gcfg configuration file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "Dotenv file with PISTONGAS_* overrides (ignored if missing)")
	flags.Int64Var(&opts.seed, "seed", 0, "Random seed for initial positions (0 = time-based)")
	flags.StringVar(&opts.output, "output", "", "Path to output JSON file (prints to stdout if not specified)")
	flags.StringVar(&opts.trace, "trace", "", "Record every collision to this SQLite database")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Abort the run after this much wall-clock time (0 = no limit)")
	flags.BoolVar(&opts.progress, "progress", false, "Show a progress bar on stderr")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging from simulator")
	flags.BoolVar(&opts.check, "check", false, "Verify cached event times and positions after every collision (slow)")

	return cmd
}

// resolveConfig layers the configuration: defaults, then the config file,
// then PISTONGAS_* environment variables, then explicitly set flags.
func resolveConfig(cmd *cobra.Command, opts *options) (simulator.SimConfig, error) {
	config := simulator.DefaultConfig()
	if opts.configFile != "" {
		var err error
		if config, err = simulator.LoadConfig(opts.configFile); err != nil {
			return config, err
		}
	}

	env, err := loadEnv(opts.envFile)
	if err != nil {
		return config, err
	}
	if err := applyEnv(&config, env); err != nil {
		return config, err
	}

	flags := cmd.Flags()
	if flags.Changed("particles") {
		config.NumParticles = opts.particles
	}
	if flags.Changed("max-time") {
		config.MaxTime = opts.maxTime
	}
	if flags.Changed("seed") {
		config.RandomSeed = opts.seed
	}
	if flags.Changed("progress") {
		config.ProgressEnabled = opts.progress
	}
	// Interrupts and --timeout are delivered through the run context, which
	// is never polled with a zero interval.
	if config.CancelCheckInterval == 0 {
		config.CancelCheckInterval = simulator.DefaultConfig().CancelCheckInterval
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func newLogger(w io.Writer, verbose bool) *log.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          "sim_runner",
		ReportTimestamp: true,
	})
}

func run(ctx context.Context, config simulator.SimConfig, opts *options, stderr, stdout io.Writer) error {
	logger := newLogger(stderr, opts.verbose)

	sim, err := simulator.NewSimulator(config)
	if err != nil {
		return err
	}
	sim.SetLogger(logger.WithPrefix("simulator"))

	if opts.verbose {
		sim.LogEvent = func(msg string) {
			fmt.Fprintf(stderr, "[SIM] %s\n", msg)
		}
		logger.Debug("verbose logging enabled")
	}

	if config.ProgressEnabled {
		bar := monitoring.NewProgressBar("pistongas")
		bar.OnUpdate = func(b *monitoring.ProgressBar, finished uint64) {
			renderProgress(stderr, b, finished)
		}
		sim.SetProgressReporter(bar)
	}

	var writer *recording.SQLiteTraceWriter
	if opts.trace != "" {
		writer = recording.NewSQLiteTraceWriter(opts.trace)
		if err := writer.Init(); err != nil {
			return err
		}
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("closing trace", "path", writer.Path(), "err", err)
			}
		}()
		if err := writer.RecordRun(config); err != nil {
			return err
		}
		sim.OnCollision = writer.Write
		logger.Info("tracing collisions", "path", writer.Path(), "run", writer.RunID())
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	fmt.Fprintf(stderr, "Starting simulation of %d particles for %g virtual seconds...\n",
		config.NumParticles, config.MaxTime)

	var res *simulator.RunResult
	var runErr error
	if opts.check {
		res, runErr = runChecked(ctx, sim)
	} else {
		res, runErr = sim.Run(ctx)
	}
	if runErr != nil && sim.Failure() != nil {
		return runErr
	}
	if runErr == nil && writer != nil {
		runErr = finishTrace(writer)
	}

	fmt.Fprintf(stderr, "Simulation completed: %d collisions in %v (%.3f virtual seconds)\n",
		res.Collisions, res.WallClock, res.VirtualTime)

	results := map[string]interface{}{
		"config":      config,
		"virtualTime": res.VirtualTime,
		"realTime":    res.WallClockSeconds,
		"result":      res,
		"metrics":     sim.Metrics(),
		"piston":      sim.Piston(),
		"completed":   runErr == nil,
	}
	if err := writeResults(results, opts.output, stdout); err != nil {
		return err
	}
	if opts.output != "" {
		fmt.Fprintf(stderr, "Results written to %s\n", opts.output)
	}
	return runErr
}

// finishTrace flushes the trace and reports any write that failed during the
// run.
func finishTrace(w *recording.SQLiteTraceWriter) error {
	err := w.Flush()
	if err == nil {
		err = w.Err()
	}
	if err != nil {
		return fmt.Errorf("writing trace %s: %w", w.Path(), err)
	}
	return nil
}

// runChecked steps like Simulator.Run but verifies the incremental caches and
// the position bounds after every collision.
func runChecked(ctx context.Context, sim *simulator.Simulator) (*simulator.RunResult, error) {
	start := time.Now()
	result := func() *simulator.RunResult {
		m := sim.Metrics()
		elapsed := time.Since(start)
		return &simulator.RunResult{
			Collisions:       m.Collisions,
			FloorCollisions:  m.FloorCollisions,
			PistonCollisions: m.PistonCollisions,
			VirtualTime:      sim.VirtualTime(),
			WallClock:        elapsed,
			WallClockSeconds: elapsed.Seconds(),
		}
	}

	for !sim.Done() {
		if err := ctx.Err(); err != nil {
			return result(), fmt.Errorf("run interrupted at t=%.6fs: %w", sim.VirtualTime(), err)
		}
		if _, err := sim.Step(); err != nil {
			return result(), err
		}
		if err := sim.VerifyCaches(1e-6); err != nil {
			return result(), fmt.Errorf("after collision %d: %w", sim.CollisionCount(), err)
		}
		if err := sim.CheckInvariants(1e-9); err != nil {
			return result(), fmt.Errorf("after collision %d: %w", sim.CollisionCount(), err)
		}
	}
	return result(), nil
}

func renderProgress(w io.Writer, b *monitoring.ProgressBar, finished uint64) {
	const width = 40
	_, elapsed := b.Snapshot()
	filled := int(finished * width / b.Total)
	fmt.Fprintf(w, "\r[%s%s] %3d%% %v", strings.Repeat("#", filled), strings.Repeat(".", width-filled),
		finished, elapsed.Round(time.Millisecond))
	if finished >= b.Total {
		fmt.Fprintln(w)
	}
}

func writeResults(results map[string]interface{}, path string, stdout io.Writer) error {
	output, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}

	if path == "" {
		_, err = fmt.Fprintln(stdout, string(output))
		return err
	}
	if err := os.WriteFile(path, output, 0644); err != nil {
		return fmt.Errorf("writing output file: %w", err)
	}
	return nil
}
