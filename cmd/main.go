// File: main.go

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"perf-tester/pkg/capture"
	"perf-tester/pkg/config"
	"perf-tester/pkg/database"
	"perf-tester/pkg/invoke"
	"perf-tester/pkg/logging"
	"perf-tester/pkg/measurement"
	"perf-tester/pkg/metrics"
	"perf-tester/pkg/models"
	"perf-tester/pkg/scheduler"
)

var (
	debugFlag    bool
	logLevelFlag string
	configPath   string
	testFilter   string
	logger       *slog.Logger
	logLevel     slog.Level
)

var rootCmd = &cobra.Command{
	Use:   "perf-tester",
	Short: "Run network performance measurement campaigns",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug and log-level flags
		level, err := resolveLevel(debugFlag, logLevelFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logLevel = level

		logger = logging.New(logLevel, os.Stderr)
		slog.SetDefault(logger)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every test of a campaign",
	Long: `Run resolves the tests of a campaign configuration and measures each of
them: preflight ping, iperf3 throughput (fixed rate or adaptive UDP ramp) and
the optional path diagnostics. Artifacts are written under <output>/<run-id>/.

The command exits 0 when the campaign completed, even if individual
measurements failed. Missing configuration, missing tools and an unwritable
output directory are fatal.`,
	Example: "run --config campaign.yaml --output results --workers 2",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		outputDir, _ := cmd.Flags().GetString("output")
		runID, _ := cmd.Flags().GetString("run-id")
		if runID == "" {
			runID = newRunID(time.Now())
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			logger.Error("Error loading configuration", "error", err)
			os.Exit(1)
		}
		if err := cfg.Viper().BindPFlag("settings.workers", cmd.Flags().Lookup("workers")); err != nil {
			logger.Error("Error binding flags", "error", err)
			os.Exit(1)
		}
		settings := cfg.Settings()

		rc := models.RunContext{RunID: runID, BaseDir: outputDir}
		logFile, err := logging.OpenCampaignLog(rc.RunDir())
		if err != nil {
			logger.Error("Error creating run directory", "error", err)
			os.Exit(1)
		}
		defer logFile.Close()
		logger = logging.New(logLevel, os.Stderr, logFile).With("run_id", runID)
		slog.SetDefault(logger)
		rc.Logger = logger

		resolver := config.NewResolver(cfg, testFilter, logger)
		specs := resolver.All()
		metrics.TestsSkipped.Add(float64(resolver.Skipped()))
		if err := checkSpecs(specs); err != nil {
			logger.Error("Nothing to run", "error", err)
			os.Exit(1)
		}
		if err := invoke.RequireTools(requiredTools(specs, settings.Tools)...); err != nil {
			logger.Error("Missing required tools", "error", err)
			os.Exit(1)
		}

		var recorder capture.Recorder
		if settings.Database.Enabled {
			db, err := initDB(settings.Database)
			if err != nil {
				logger.Error("Error initializing database", "error", err)
				os.Exit(1)
			}
			defer db.Close()
			recorder = db
		}

		store := capture.NewStore(rc, recorder)
		if err := store.Init(); err != nil {
			logger.Error("Error creating run directory", "error", err)
			os.Exit(1)
		}
		if err := store.CheckFree(testNames(specs)...); err != nil {
			logger.Error("Run directory already holds results, choose another run id", "error", err)
			os.Exit(1)
		}
		if err := config.WriteSnapshot(rc.RunDir(), runID, specs); err != nil {
			logger.Error("Error writing resolved tests", "error", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc := measurement.NewMeasurementService(rc, settings, store, invoke.ExecInvoker{Logger: logger})
		defer svc.Close()

		logger.Info("Starting campaign",
			"config", configPath,
			"output", rc.RunDir(),
			"tests", len(specs),
			"skipped", resolver.Skipped(),
			"workers", settings.Workers)

		sched := &scheduler.Scheduler{Workers: settings.Workers, Logger: logger}
		summary := sched.Run(ctx, slices.Values(specs), func(ctx context.Context, spec models.TestSpec) error {
			return svc.Measure(ctx, spec).Err
		})

		if settings.Metrics {
			path, err := metrics.WriteTextfile(rc.RunDir())
			if err != nil {
				logger.Warn("Error writing metrics", "error", err)
			} else {
				logger.Debug("Metrics written", "path", path)
			}
		}

		logger.Info("Campaign completed",
			"run_dir", rc.RunDir(),
			"ok", summary.Count(scheduler.StatusOK),
			"failed", summary.Count(scheduler.StatusFailed),
			"panicked", summary.Count(scheduler.StatusPanicked))
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the resolved tests of a campaign as YAML",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			logger.Error("Error loading configuration", "error", err)
			os.Exit(1)
		}
		specs := config.NewResolver(cfg, testFilter, logger).All()
		if err := checkSpecs(specs); err != nil {
			logger.Error("Nothing to list", "error", err)
			os.Exit(1)
		}
		if err := config.Encode(os.Stdout, "", specs); err != nil {
			logger.Error("Error encoding tests", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error); --debug overrides it")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Campaign configuration file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVarP(&testFilter, "test", "t", "", "Only run the test with this name")

	runCmd.Flags().StringP("output", "o", "results", "Directory receiving the run directory")
	runCmd.Flags().String("run-id", "", "Run identifier (default: UTC timestamp and random suffix)")
	runCmd.Flags().IntP("workers", "w", 1, "Number of tests measured concurrently")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
}

// resolveLevel returns the log level selected on the command line. --debug
// wins over --log-level.
func resolveLevel(debug bool, name string) (slog.Level, error) {
	if debug {
		return slog.LevelDebug, nil
	}
	return logging.ParseLevel(name)
}

func newRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

func checkSpecs(specs []models.TestSpec) error {
	if len(specs) > 0 {
		return nil
	}
	if testFilter != "" {
		return fmt.Errorf("no usable test named %q", testFilter)
	}
	return config.ErrNoTests
}

func testNames(specs []models.TestSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// requiredTools lists the executables the enabled stages will invoke.
func requiredTools(specs []models.TestSpec, tools config.Tools) []string {
	var out []string
	for _, s := range specs {
		if s.RunIperf {
			out = append(out, tools.Iperf3)
		}
		if s.PreflightPing || s.RunLatency || s.RunMTU {
			out = append(out, tools.Ping)
		}
		if s.RunMTR {
			out = append(out, tools.MTR)
		}
	}
	return out
}

func initDB(s config.DatabaseSettings) (*database.DB, error) {
	db, err := database.NewDB(s.DSN())
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}

	err = db.InitSchema(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return db, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
