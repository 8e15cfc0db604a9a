// Package pipeline drives one end-to-end run: catalog lookup, acquisition,
// consolidation, bulk load and optional publication.
//
// A run never aborts on per-file, per-archive or per-batch failures; those
// are recorded as defects in the run report. Only a missing catalog, an
// unreachable store or a cancelled context end a run early.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/JonMunkholm/cnpjsync/internal/acquire"
	"github.com/JonMunkholm/cnpjsync/internal/catalog"
	"github.com/JonMunkholm/cnpjsync/internal/config"
	"github.com/JonMunkholm/cnpjsync/internal/consolidate"
	"github.com/JonMunkholm/cnpjsync/internal/core"
	"github.com/JonMunkholm/cnpjsync/internal/export"
	"github.com/JonMunkholm/cnpjsync/internal/load"
	"github.com/JonMunkholm/cnpjsync/internal/logging"
	"github.com/JonMunkholm/cnpjsync/internal/metrics"
	"github.com/JonMunkholm/cnpjsync/internal/publish"
	"github.com/JonMunkholm/cnpjsync/internal/retry"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("run already in progress")

// Options select stages and pin a partition.
type Options struct {
	// Partition overrides catalog discovery when set.
	Partition string

	SkipDownload    bool
	SkipConsolidate bool
	SkipLoad        bool

	// Entities restricts the load to these entities when set.
	Entities []core.EntityType
}

// ParseEntities resolves entity names ("company") or table names
// ("empresas") into entity types.
func ParseEntities(names []string) ([]core.EntityType, error) {
	out := make([]core.EntityType, 0, len(names))
	for _, name := range names {
		if e, ok := core.ParseEntityType(name); ok && e != core.EntityUnknown {
			out = append(out, e)
			continue
		}
		if def, ok := core.ByTable(strings.ToLower(strings.TrimSpace(name))); ok {
			out = append(out, def.Type)
			continue
		}
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return out, nil
}

// RunRecorder is implemented by stores that keep a run history.
type RunRecorder interface {
	RecordRun(ctx context.Context, rep core.RunReport) error
}

// Publisher uploads artifacts of a partition.
type Publisher interface {
	Publish(ctx context.Context, partition string, files []string) []publish.Result
}

// Runner executes pipeline runs. It is safe to call Run from a scheduler
// and read Last from an HTTP handler concurrently.
type Runner struct {
	cfg   *config.Config
	opts  Options
	clock clockwork.Clock
	log   *slog.Logger

	catalog   *catalog.Client
	acquirer  *acquire.Manager
	openStore StoreFactory
	publisher func(ctx context.Context) (Publisher, error)

	running atomic.Bool
	mu      sync.RWMutex
	last    *core.RunReport
}

// Option customizes a Runner.
type Option func(*Runner)

// WithStoreFactory replaces the store factory.
func WithStoreFactory(f StoreFactory) Option {
	return func(r *Runner) { r.openStore = f }
}

// WithPublisher replaces the S3 publisher.
func WithPublisher(p Publisher) Option {
	return func(r *Runner) {
		r.publisher = func(context.Context) (Publisher, error) { return p, nil }
	}
}

// NewRunner creates a runner for cfg. A nil clock uses the real clock.
func NewRunner(cfg *config.Config, opts Options, clock clockwork.Clock, log *slog.Logger, options ...Option) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Runner{
		cfg:       cfg,
		opts:      opts,
		clock:     clock,
		log:       log,
		catalog:   catalog.NewClient(cfg.Remote.ListTimeout, cfg.Remote.UserAgent, log),
		acquirer:  acquire.NewManager(cfg.Remote, clock, log),
		openStore: OpenStore,
	}
	if cfg.S3.Bucket != "" {
		r.publisher = func(ctx context.Context) (Publisher, error) {
			return publish.New(ctx, cfg.S3, r.retryConfig(), log)
		}
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Last returns the report of the most recent finished run.
func (r *Runner) Last() (core.RunReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return core.RunReport{}, false
	}
	return *r.last, true
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool { return r.running.Load() }

// Transfers reports the acquisition limiter state.
func (r *Runner) Transfers() core.TransferLimiterStatus { return r.acquirer.Limiter().Status() }

// Run executes one run and returns its report. The error is the run's fatal
// error, if any; the report is complete either way.
func (r *Runner) Run(ctx context.Context) (core.RunReport, error) {
	start, ok := r.TryStart()
	if !ok {
		return core.RunReport{}, ErrRunInProgress
	}
	return start(ctx)
}

// TryStart claims the run slot without blocking. On success the returned
// function executes the claimed run and must be called exactly once; the
// slot is released when it returns.
func (r *Runner) TryStart() (func(ctx context.Context) (core.RunReport, error), bool) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, false
	}
	return func(ctx context.Context) (core.RunReport, error) {
		defer r.running.Store(false)
		return r.run(ctx)
	}, true
}

func (r *Runner) run(ctx context.Context) (core.RunReport, error) {
	run := core.NewRunContext(r.cfg, r.log, r.clock)
	ctx = logging.WithRunID(ctx, run.ID)
	run.Logger.Info("run started", "config", r.cfg.String())

	var store load.Store
	if err := r.execute(ctx, run, &store); err != nil {
		run.Fail(err)
		run.Logger.Error("run failed", "error", err)
	}

	rep := run.Report()
	r.finish(ctx, rep, store)
	if store != nil {
		if err := store.Close(); err != nil {
			run.Logger.Warn("failed to close store", "error", err)
		}
	}
	return rep, run.Err()
}

// execute runs the stages in order. The opened store, if any, is left in
// *store for the caller to record history on and close.
func (r *Runner) execute(ctx context.Context, run *core.RunContext, store *load.Store) error {
	partition, archives, err := r.acquire(ctx, run)
	if err != nil {
		return err
	}

	artifacts, documents, err := r.consolidate(ctx, run, archives)
	if err != nil {
		return err
	}

	if err := r.load(ctx, run, artifacts, store); err != nil {
		return err
	}

	r.publish(ctx, run, partition, artifacts, documents)
	return ctx.Err()
}

// acquire resolves the partition and returns the archives available locally.
func (r *Runner) acquire(ctx context.Context, run *core.RunContext) (catalog.Partition, []string, error) {
	dir := r.cfg.Paths.Incoming
	partition := catalog.Partition(r.opts.Partition)

	if r.opts.SkipDownload {
		run.SetPartition(string(partition))
		local, err := acquire.ScanDir(dir)
		if err != nil {
			return partition, nil, err
		}
		run.Logger.Info("download skipped, using local archives", "dir", dir, "archives", len(local))
		return partition, paths(local), nil
	}

	if partition == "" {
		p, err := r.catalog.LatestPartition(ctx, r.cfg.Remote.BaseURL)
		if err != nil {
			return partition, nil, catalogFailure(err)
		}
		partition = p
	}
	run.SetPartition(string(partition))

	partitionURL, err := catalog.PartitionURL(r.cfg.Remote.BaseURL, partition)
	if err != nil {
		return partition, nil, catalogFailure(err)
	}
	files, err := r.catalog.ListArchives(ctx, partitionURL)
	if err != nil {
		return partition, nil, catalogFailure(err)
	}
	run.Logger.Info("partition resolved", "partition", partition, "archives", len(files))

	results, sum := r.acquirer.FetchAll(ctx, files, dir)
	run.Counters.Downloaded.Add(int64(sum.Downloaded))
	run.Counters.Skipped.Add(int64(sum.Skipped))
	run.Counters.Failed.Add(int64(sum.Failed))
	for _, res := range results {
		if res.Status == acquire.StatusFailed {
			run.Record(res.Name, res.Err)
		}
	}
	if err := ctx.Err(); err != nil {
		return partition, nil, err
	}
	return partition, paths(acquire.Available(results)), nil
}

// consolidate runs the engine, or discovers existing artifacts when the
// stage is skipped.
func (r *Runner) consolidate(ctx context.Context, run *core.RunContext, archives []string) ([]consolidate.Artifact, *consolidate.Artifact, error) {
	opts, err := consolidate.OptionsFromConfig(r.cfg)
	if err != nil {
		return nil, nil, err
	}

	if r.opts.SkipConsolidate {
		artifacts := Discover(opts.Dir, opts.Format)
		run.Logger.Info("consolidation skipped, using existing artifacts", "dir", opts.Dir, "artifacts", len(artifacts))
		return artifacts, nil, nil
	}

	rep, err := consolidate.NewEngine(opts, run).Run(ctx, archives)
	if err != nil {
		return nil, nil, fmt.Errorf("consolidate: %w", err)
	}
	return rep.Artifacts, rep.Documents, nil
}

// load opens the target store into *out and loads the artifacts.
func (r *Runner) load(ctx context.Context, run *core.RunContext, artifacts []consolidate.Artifact, out *load.Store) error {
	target := r.cfg.Load.Target
	if r.opts.SkipLoad || strings.EqualFold(target, TargetNone) {
		run.Logger.Info("load skipped", "target", target)
		return nil
	}
	if len(artifacts) == 0 {
		run.Logger.Warn("nothing to load")
		return nil
	}

	store, err := r.connect(ctx, run)
	if err != nil {
		return err
	}
	*out = store

	sources := make([]load.Source, 0, len(artifacts))
	for _, a := range artifacts {
		if len(r.opts.Entities) > 0 && !slices.Contains(r.opts.Entities, a.Entity) {
			continue
		}
		sources = append(sources, load.Source{Entity: a.Entity, Format: a.Format, Path: a.Path})
	}
	if len(sources) < len(artifacts) {
		run.Logger.Info("load restricted", "entities", fmt.Sprint(r.opts.Entities), "artifacts", len(sources))
	}

	p := load.NewPipeline(store, load.Options{
		BatchSize:   r.cfg.Load.BatchSize,
		Parallelism: r.cfg.Load.Parallelism,
		Indexes:     r.cfg.Load.Indexes,
		Export:      export.Options{Separator: r.cfg.CSV.SeparatorRune()},
	}, run)
	if _, err := p.Load(ctx, sources); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	return nil
}

// connect opens the store, retrying while it is unreachable.
func (r *Runner) connect(ctx context.Context, run *core.RunContext) (load.Store, error) {
	cfg := retry.Config{
		MaxAttempts: r.cfg.Load.ConnectAttempts,
		Delay:       r.cfg.Load.ConnectDelay,
		Clock:       r.clock,
		OnRetry: func(attempt int, err error) {
			run.Logger.Warn("store unreachable, retrying",
				"target", r.cfg.Load.Target, "attempt", attempt, "error", err)
		},
	}

	var store load.Store
	err := retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		s, err := r.openStore(ctx, r.cfg, r.clock, run.Logger)
		if err != nil {
			return err
		}
		store = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", r.cfg.Load.Target, err)
	}
	return store, nil
}

// publish uploads artifacts when a bucket is configured. Failures are defects.
func (r *Runner) publish(ctx context.Context, run *core.RunContext, partition catalog.Partition, artifacts []consolidate.Artifact, documents *consolidate.Artifact) {
	if r.publisher == nil || len(artifacts) == 0 || ctx.Err() != nil {
		return
	}

	p, err := r.publisher(ctx)
	if err != nil {
		run.Record("publish", err)
		return
	}

	files := make([]string, 0, len(artifacts)+1)
	for _, a := range artifacts {
		files = append(files, a.Path)
	}
	if documents != nil {
		files = append(files, documents.Path)
	}

	name := string(partition)
	if name == "" {
		name = r.clock.Now().Format("2006-01")
	}
	for _, res := range p.Publish(ctx, name, files) {
		if res.Err != nil {
			run.Record(res.Key, res.Err)
		}
	}
}

// finish stores the report, updates metrics and logs the summary. Stores
// that keep a run history get the report too.
func (r *Runner) finish(ctx context.Context, rep core.RunReport, store load.Store) {
	status := "ok"
	if rep.Failed() {
		status = "failed"
	}
	metrics.RunsTotal.WithLabelValues(status).Inc()
	metrics.RunDuration.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
	metrics.LastRunTimestamp.Set(float64(rep.FinishedAt.Unix()))

	r.mu.Lock()
	r.last = &rep
	r.mu.Unlock()

	logger := logging.FromContext(ctx)
	logger.Info("run finished",
		"status", status,
		"partition", rep.Partition,
		"duration", rep.Duration,
		"downloaded", rep.Acquisition.Downloaded,
		"skipped", rep.Acquisition.Skipped,
		"failed", rep.Acquisition.Failed,
		"rows_consolidated", rep.Consolidation.RowsConsolidated,
		"rows_loaded", rep.Load.RowsLoaded,
		"defects", int64(len(rep.Defects))+rep.DefectsDropped)

	if rec, ok := store.(RunRecorder); ok {
		// Recorded even when the run was cancelled
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := rec.RecordRun(ctx, rep); err != nil {
			logger.Warn("failed to record run", "error", err)
		}
	}
}

// Discover lists the artifacts of format present in dir.
func Discover(dir string, format export.Format) []consolidate.Artifact {
	var out []consolidate.Artifact
	for _, def := range core.All() {
		p := export.ArtifactPath(dir, def.Table, format)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		out = append(out, consolidate.Artifact{
			Entity: def.Type,
			Table:  def.Table,
			Path:   p,
			Format: format,
			Rows:   -1,
		})
	}
	return out
}

// catalogFailure makes any catalog error fatal for the run.
func catalogFailure(err error) error {
	if core.IsFatal(err) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrCatalogUnavailable, err)
}

func paths(archives []acquire.LocalArchive) []string {
	out := make([]string, len(archives))
	for i, a := range archives {
		out[i] = a.Path
	}
	return out
}
