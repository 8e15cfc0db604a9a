// Package load bulk-loads consolidated artifacts into a target store.
//
// Entities are loaded in dependency tiers: every entity of a tier finishes
// before the next tier starts. Within a tier entities load in parallel; the
// batches of one entity load sequentially, one store transaction each.
// A failed batch is recorded with its row range and the load moves on.
package load

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/cnpjsync/internal/core"
	"github.com/JonMunkholm/cnpjsync/internal/export"
	"github.com/JonMunkholm/cnpjsync/internal/metrics"
)

// DefaultBatchSize is the number of rows per bulk call.
const DefaultBatchSize = 50_000

// Batch is a contiguous slice of an entity's rows loaded in one call.
type Batch struct {
	Entity   core.EntityType
	Index    int   // 0-based batch number within the entity
	FirstRow int64 // 0-based offset of the first row in the artifact
	Rows     []core.Record
}

// LastRow returns the offset of the batch's last row.
func (b Batch) LastRow() int64 { return b.FirstRow + int64(len(b.Rows)) - 1 }

// Store is a target store. WriteBatch must apply a batch atomically and be
// idempotent: reloading the same rows must not create duplicates.
type Store interface {
	// Prepare creates the tables of defs when missing.
	Prepare(ctx context.Context, defs []core.EntityDefinition) error
	WriteBatch(ctx context.Context, def core.EntityDefinition, b Batch) error
	// EnsureIndexes creates secondary indexes and refreshes statistics.
	EnsureIndexes(ctx context.Context, defs []core.EntityDefinition) error
	Close() error
}

// Source is an artifact to load.
type Source struct {
	Entity core.EntityType
	Format export.Format
	Path   string
}

// BatchFailure records one failed batch.
type BatchFailure struct {
	Entity   core.EntityType `json:"entity"`
	Batch    int             `json:"batch"`
	FirstRow int64           `json:"first_row"`
	LastRow  int64           `json:"last_row"`
	Error    string          `json:"error"`
}

// Report summarizes a load.
type Report struct {
	BatchesLoaded int                       `json:"batches_loaded"`
	BatchesFailed int                       `json:"batches_failed"`
	RowsLoaded    int64                     `json:"rows_loaded"`
	Failures      []BatchFailure            `json:"failures"`
	Entities      map[core.EntityType]int64 `json:"entities"`
}

// Options tune a Pipeline.
type Options struct {
	BatchSize   int
	Parallelism int
	Indexes     bool
	Export      export.Options
}

// Pipeline loads artifacts into a Store.
type Pipeline struct {
	store Store
	opts  Options
	run   *core.RunContext
	log   *slog.Logger

	mu  sync.Mutex
	rep Report
}

// NewPipeline creates a pipeline writing to store.
func NewPipeline(store Store, opts Options, run *core.RunContext) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	return &Pipeline{
		store: store,
		opts:  opts,
		run:   run,
		log:   run.Logger.With("component", "load"),
	}
}

// Load loads sources tier by tier. The returned error is non-nil only when
// the load cannot proceed: the store cannot be prepared, the entities form
// a cycle or ctx is done. Batch failures are reported, not returned.
func (p *Pipeline) Load(ctx context.Context, sources []Source) (Report, error) {
	p.rep = Report{Failures: []BatchFailure{}, Entities: make(map[core.EntityType]int64)}

	bySource := make(map[core.EntityType]Source, len(sources))
	entities := make([]core.EntityType, 0, len(sources))
	defs := make([]core.EntityDefinition, 0, len(sources))
	for _, s := range sources {
		def, ok := core.Get(s.Entity)
		if !ok {
			return p.rep, fmt.Errorf("no definition for entity %s", s.Entity)
		}
		if _, dup := bySource[s.Entity]; dup {
			return p.rep, fmt.Errorf("entity %s given twice", s.Entity)
		}
		bySource[s.Entity] = s
		entities = append(entities, s.Entity)
		defs = append(defs, def)
	}

	tiers, err := core.Tiers(entities)
	if err != nil {
		return p.rep, err
	}

	if err := p.store.Prepare(ctx, defs); err != nil {
		return p.rep, fmt.Errorf("prepare store: %w", err)
	}

	for i, tier := range tiers {
		p.log.Info("loading tier", "tier", i, "entities", fmt.Sprint(tier))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.opts.Parallelism)
		for _, entity := range tier {
			g.Go(func() error {
				return p.loadEntity(gctx, core.MustGet(entity), bySource[entity])
			})
		}
		if err := g.Wait(); err != nil {
			return p.report(), err
		}
	}

	if p.opts.Indexes {
		start := time.Now()
		if err := p.store.EnsureIndexes(ctx, defs); err != nil {
			if ctx.Err() != nil {
				return p.report(), ctx.Err()
			}
			p.run.Record("indexes", err)
		} else {
			p.log.Info("indexes ensured", "duration", time.Since(start).Round(time.Millisecond))
		}
	}

	rep := p.report()
	p.log.Info("load complete",
		"batches", rep.BatchesLoaded, "failed", rep.BatchesFailed, "rows", rep.RowsLoaded)
	return rep, nil
}

// loadEntity streams one artifact into the store batch by batch. Only
// context cancellation is returned; everything else is recorded.
func (p *Pipeline) loadEntity(ctx context.Context, def core.EntityDefinition, src Source) error {
	log := p.log.With("entity", def.Table)

	r, err := export.NewReader(src.Format, src.Path, def, p.opts.Export)
	if err != nil {
		p.run.Record(def.Table, fmt.Errorf("%w: open artifact: %w", core.ErrLoadBatchFailed, err))
		return nil
	}
	defer r.Close()

	var offset int64
	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := r.Next(p.opts.BatchSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The unreadable row ends the artifact and fails the batch it falls in
			last := offset + int64(len(rows))
			p.fail(def, index, offset, last, fmt.Errorf("read artifact: %w", err))
			log.Error("batch failed", "batch", index, "first_row", offset, "last_row", last, "error", err)
			return nil
		}

		b := Batch{Entity: def.Type, Index: index, FirstRow: offset, Rows: rows}
		offset += int64(len(rows))

		start := time.Now()
		err = p.store.WriteBatch(ctx, def, b)
		metrics.LoadBatchDuration.WithLabelValues(def.Table).Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.fail(def, b.Index, b.FirstRow, b.LastRow(), err)
			log.Error("batch failed", "batch", b.Index, "first_row", b.FirstRow, "last_row", b.LastRow(), "error", err)
			continue
		}
		p.succeed(def, b)
		log.Debug("batch loaded", "batch", b.Index, "rows", len(b.Rows))
	}

	log.Info("entity loaded", "rows", offset)
	return nil
}

func (p *Pipeline) succeed(def core.EntityDefinition, b Batch) {
	n := int64(len(b.Rows))
	p.run.Counters.BatchesLoaded.Add(1)
	p.run.Counters.RowsLoaded.Add(n)
	metrics.LoadBatchesTotal.WithLabelValues(def.Table, "loaded").Inc()
	metrics.RowsLoaded.WithLabelValues(def.Table).Add(float64(n))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rep.BatchesLoaded++
	p.rep.RowsLoaded += n
	p.rep.Entities[def.Type] += n
}

func (p *Pipeline) fail(def core.EntityDefinition, index int, first, last int64, err error) {
	p.run.Counters.BatchesFailed.Add(1)
	metrics.LoadBatchesTotal.WithLabelValues(def.Table, "failed").Inc()
	p.run.Record(fmt.Sprintf("%s#%d", def.Table, index),
		fmt.Errorf("%w: rows %d-%d: %w", core.ErrLoadBatchFailed, first, last, err))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rep.BatchesFailed++
	p.rep.Failures = append(p.rep.Failures, BatchFailure{
		Entity:   def.Type,
		Batch:    index,
		FirstRow: first,
		LastRow:  last,
		Error:    err.Error(),
	})
}

func (p *Pipeline) report() Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	rep := p.rep
	rep.Failures = append([]BatchFailure{}, p.rep.Failures...)
	return rep
}
