// Command cnpjsync downloads the CNPJ open-data partition, consolidates it
// into analytics-ready artifacts and bulk-loads them into a target store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"

	"github.com/JonMunkholm/cnpjsync/internal/config"
	"github.com/JonMunkholm/cnpjsync/internal/core"
	_ "github.com/JonMunkholm/cnpjsync/internal/core/tables" // Register all entities
	"github.com/JonMunkholm/cnpjsync/internal/load/postgres"
	"github.com/JonMunkholm/cnpjsync/internal/logging"
	"github.com/JonMunkholm/cnpjsync/internal/metrics"
	"github.com/JonMunkholm/cnpjsync/internal/pipeline"
	"github.com/JonMunkholm/cnpjsync/internal/web"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

// envFlags maps configuration flags to the env vars they override.
var envFlags = map[string]string{
	"base-url":      "REMOTE_BASE_URL",
	"incoming":      "PATH_INCOMING",
	"outgoing":      "PATH_OUTGOING",
	"logs":          "PATH_LOGS",
	"format":        "EXPORT_FORMAT",
	"denormalize":   "EXPORT_DENORMALIZE",
	"coerce-policy": "COERCE_POLICY",
	"target":        "LOAD_TARGET",
	"batch-size":    "LOAD_BATCH_SIZE",
	"parallelism":   "LOAD_PARALLELISM",
	"indexes":       "LOAD_INDEXES",
	"database-url":  "DATABASE_URL",
	"log-level":     "LOG_LEVEL",
	"log-format":    "LOG_FORMAT",
	"status-addr":   "STATUS_ADDR",
	"interval":      "SCHEDULE_INTERVAL",
	"s3-bucket":     "S3_BUCKET",
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("cnpjsync", pflag.ContinueOnError)
	fs.SortFlags = false

	var opts pipeline.Options
	fs.StringVar(&opts.Partition, "partition", "", "process this YYYY-MM partition instead of the latest")
	fs.BoolVar(&opts.SkipDownload, "skip-download", false, "use archives already in the incoming directory")
	fs.BoolVar(&opts.SkipConsolidate, "skip-consolidate", false, "load artifacts already in the outgoing directory")
	fs.BoolVar(&opts.SkipLoad, "skip-load", false, "stop after consolidation")
	entities := fs.StringSlice("entities", nil, "load only these entities, by entity or table name")
	showVersion := fs.Bool("version", false, "print the version and exit")

	fs.String("base-url", "", "remote listing that contains the partitions")
	fs.String("incoming", "", "directory for downloaded archives")
	fs.String("outgoing", "", "directory for exported artifacts")
	fs.String("logs", "", "directory for the run log")
	fs.String("format", "", "artifact format: csv, parquet or jsonl")
	fs.Bool("denormalize", false, "also build nested company documents")
	fs.String("coerce-policy", "", "malformed fields: null or reject")
	fs.String("target", "", "load target: postgres, clickhouse or none")
	fs.Int("batch-size", 0, "rows per bulk call")
	fs.Int("parallelism", 0, "entities loaded at once")
	fs.Bool("indexes", true, "create secondary indexes after the load")
	fs.String("database-url", "", "PostgreSQL connection string")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("log-format", "", "text, json or tint")
	fs.String("status-addr", "", "serve the status API on this address")
	fs.Duration("interval", 0, "re-run on this interval instead of exiting")
	fs.String("s3-bucket", "", "publish artifacts to this bucket")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *showVersion {
		fmt.Printf("cnpjsync %s (%s)\n", version, commit)
		return 0
	}
	if len(*entities) > 0 {
		var err error
		if opts.Entities, err = pipeline.ParseEntities(*entities); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
	}

	// Load .env file if it exists (Overload overwrites existing env vars)
	envLoaded := godotenv.Overload() == nil

	// Flags win over both the environment and .env
	fs.Visit(func(f *pflag.Flag) {
		if key, ok := envFlags[f.Name]; ok {
			os.Setenv(key, f.Value.String())
		}
	})

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}

	runLog, err := logging.OpenRunLog(cfg.Paths.Logs)
	if err != nil {
		slog.Error("failed to open run log", "error", err)
		return 1
	}
	defer runLog.Close()

	log := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr, runLog)
	metrics.BuildInfo.WithLabelValues(version, commit).Set(1)

	log.Info("configuration loaded", "env_file", envLoaded, "config", cfg.String())
	log.Info("entities registered", "count", core.EntityCount())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	runner := pipeline.NewRunner(cfg, opts, clock, log)

	var server *web.Server
	if cfg.Status.Addr != "" {
		server = startStatus(ctx, cfg, runner, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Status.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error("shutdown error", "error", err)
			}
		}()
	}

	if cfg.Schedule.Interval > 0 {
		sched := core.Scheduler{Interval: cfg.Schedule.Interval, Clock: clock, Logger: log}
		err := sched.Run(ctx, func(ctx context.Context) error {
			rep, err := runner.Run(ctx)
			if errors.Is(err, pipeline.ErrRunInProgress) {
				log.Info("skipping scheduled run, previous run still active")
				return nil
			}
			printReport(rep)
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", "error", err)
			return 1
		}
		log.Info("shutting down...")
		return 0
	}

	rep, err := runner.Run(ctx)
	printReport(rep)
	if err != nil || rep.Failed() {
		return 1
	}

	// Keep serving the report of the single run until interrupted
	if server != nil {
		log.Info("run finished, status server still serving", "addr", cfg.Status.Addr)
		<-ctx.Done()
	}
	return 0
}

// startStatus serves the status API in the background. Run history is
// read from PostgreSQL when that is the load target.
func startStatus(ctx context.Context, cfg *config.Config, runner *pipeline.Runner, log *slog.Logger) *web.Server {
	var history web.History
	if strings.EqualFold(cfg.Load.Target, pipeline.TargetPostgres) {
		store, err := postgres.Open(ctx, cfg.Database, log)
		if err != nil {
			log.Warn("run history unavailable", "error", err)
		} else {
			history = store
			context.AfterFunc(ctx, func() { store.Close() })
		}
	}

	server := web.NewServer(ctx, runner, history, cfg.Status, log)
	go func() {
		if err := server.Start(cfg.Status.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server stopped", "error", err)
		}
	}()
	return server
}

// printReport writes the human summary to stderr and the JSON report to stdout.
func printReport(rep core.RunReport) {
	if rep.RunID == "" {
		return
	}
	fmt.Fprint(os.Stderr, rep.Summary())
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		slog.Error("failed to encode run report", "error", err)
	}
}
