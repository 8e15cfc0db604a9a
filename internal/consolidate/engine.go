// Package consolidate turns the partitioned archives of a release into one
// artifact per entity type.
//
// Archives are classified by name, grouped per entity and processed in name
// order, so repeated runs over the same input produce identical artifacts.
// A defective archive or row is recorded on the run context and skipped; it
// never stops the remaining work.
package consolidate

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/JonMunkholm/cnpjsync/internal/config"
	"github.com/JonMunkholm/cnpjsync/internal/core"
	"github.com/JonMunkholm/cnpjsync/internal/export"
	"github.com/JonMunkholm/cnpjsync/internal/metrics"
)

// cancelCheckInterval is how many rows are read between context checks.
const cancelCheckInterval = 10_000

// Options configure an Engine.
type Options struct {
	Dir         string // outgoing directory
	Format      export.Format
	Export      export.Options
	Encoding    string
	Separator   rune
	Dialect     core.Dialect
	Policy      core.CoercePolicy
	ChunkRows   int
	Denormalize bool
}

// OptionsFromConfig derives engine options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	format, err := export.ParseFormat(cfg.Export.Format)
	if err != nil {
		return Options{}, err
	}
	policy, err := core.ParseCoercePolicy(cfg.Coerce.Policy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Dir:         cfg.Paths.Outgoing,
		Format:      format,
		Export:      export.Options{Separator: cfg.CSV.SeparatorRune()},
		Encoding:    cfg.CSV.Encoding,
		Separator:   cfg.CSV.SeparatorRune(),
		Dialect:     core.Dialect{Decimal: cfg.CSV.DecimalRune()},
		Policy:      policy,
		ChunkRows:   cfg.Export.ChunkRows,
		Denormalize: cfg.Export.Denormalize,
	}, nil
}

// Artifact is one written output.
type Artifact struct {
	Entity core.EntityType `json:"entity"`
	Table  string          `json:"table"`
	Path   string          `json:"path"`
	Format export.Format   `json:"format"`
	Rows   int64           `json:"rows"`
}

// Report summarizes an Engine run.
type Report struct {
	Artifacts         []Artifact `json:"artifacts"`
	Documents         *Artifact  `json:"documents,omitempty"`
	ArchivesProcessed int        `json:"archives_processed"`
	ArchivesRejected  int        `json:"archives_rejected"`
	ArchivesUnknown   int        `json:"archives_unknown"`
	RowsWritten       int64      `json:"rows_written"`
	RowsRejected      int64      `json:"rows_rejected"`
	FieldsNulled      int64      `json:"fields_nulled"`
}

// Engine consolidates archives into artifacts.
type Engine struct {
	opts    Options
	run     *core.RunContext
	log     *slog.Logger
	outputs map[core.EntityType]*Output
}

// NewEngine creates an engine that records defects on run.
func NewEngine(opts Options, run *core.RunContext) *Engine {
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = 50_000
	}
	if opts.Separator == 0 {
		opts.Separator = ';'
	}
	if opts.Dialect.Decimal == 0 {
		opts.Dialect = core.DefaultDialect
	}
	return &Engine{
		opts:    opts,
		run:     run,
		log:     run.Logger.With("component", "consolidate"),
		outputs: make(map[core.EntityType]*Output),
	}
}

// group classifies archive paths per entity, sorted by file name.
// Unknown names are logged, counted and left out.
func (e *Engine) group(paths []string, rep *Report) map[core.EntityType][]string {
	groups := make(map[core.EntityType][]string)
	for _, p := range paths {
		name := filepath.Base(p)
		entity := core.Classify(name)
		if entity == core.EntityUnknown {
			e.log.Warn("archive matches no entity, skipping", "archive", name)
			rep.ArchivesUnknown++
			e.run.Counters.ArchivesUnknown.Add(1)
			e.run.Record(name, fmt.Errorf("%w: unknown entity for %s", core.ErrArchiveDefect, name))
			continue
		}
		groups[entity] = append(groups[entity], p)
	}
	for _, ps := range groups {
		sort.Slice(ps, func(i, j int) bool {
			return filepath.Base(ps[i]) < filepath.Base(ps[j])
		})
	}
	return groups
}

// Run consolidates the archives at paths. Previous artifacts in the outgoing
// directory are removed first. The returned error is non-nil only when the
// run cannot continue: outputs cannot be created or ctx is done.
func (e *Engine) Run(ctx context.Context, paths []string) (Report, error) {
	var rep Report

	if err := e.removeStale(); err != nil {
		return rep, err
	}

	groups := e.group(paths, &rep)
	entities := make([]core.EntityType, 0, len(groups))
	for entity := range groups {
		entities = append(entities, entity)
	}
	slices.Sort(entities)

	for _, entity := range entities {
		def := core.MustGet(entity)
		log := e.log.With("entity", def.Table)
		log.Info("consolidating entity", "archives", len(groups[entity]))

		for _, path := range groups[entity] {
			if err := ctx.Err(); err != nil {
				return rep, errors.Join(err, e.closeOutputs())
			}

			stats, err := e.processArchive(ctx, def, path)
			rep.RowsRejected += stats.rejected
			rep.FieldsNulled += stats.nulled
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return rep, errors.Join(err, e.closeOutputs())
				}
				if !errors.Is(err, core.ErrArchiveDefect) {
					return rep, errors.Join(err, e.closeOutputs())
				}
				rep.ArchivesRejected++
				e.run.Counters.ArchivesRejected.Add(1)
				e.run.Record(filepath.Base(path), err)
				metrics.ArchivesTotal.WithLabelValues(def.Table, "rejected").Inc()
				continue
			}

			rep.ArchivesProcessed++
			e.run.Counters.ArchivesProcessed.Add(1)
			metrics.ArchivesTotal.WithLabelValues(def.Table, "processed").Inc()
			log.Info("archive consolidated", "archive", filepath.Base(path),
				"rows", stats.rows, "rejected", stats.rejected, "nulled", stats.nulled)
		}
	}

	for _, entity := range entities {
		out, ok := e.outputs[entity]
		if !ok {
			continue
		}
		if err := out.Close(); err != nil {
			return rep, fmt.Errorf("close %s: %w", out.Path(), err)
		}
		rep.RowsWritten += out.Rows()
		rep.Artifacts = append(rep.Artifacts, Artifact{
			Entity: entity,
			Table:  out.def.Table,
			Path:   out.Path(),
			Format: e.opts.Format,
			Rows:   out.Rows(),
		})
	}
	clear(e.outputs)

	if e.opts.Denormalize {
		doc, err := e.Denormalize(ctx, rep.Artifacts)
		if err != nil {
			return rep, fmt.Errorf("denormalize: %w", err)
		}
		rep.Documents = doc
	}

	e.log.Info("consolidation complete",
		"archives", rep.ArchivesProcessed, "rejected", rep.ArchivesRejected, "unknown", rep.ArchivesUnknown,
		"rows", rep.RowsWritten, "rows_rejected", rep.RowsRejected, "fields_nulled", rep.FieldsNulled)
	return rep, nil
}

// Accumulate appends records to entity's output in the given order, opening
// the output on first use.
func (e *Engine) Accumulate(entity core.EntityType, records []core.Record) error {
	out, err := e.output(entity)
	if err != nil {
		return err
	}
	return out.Accumulate(records...)
}

func (e *Engine) output(entity core.EntityType) (*Output, error) {
	if out, ok := e.outputs[entity]; ok {
		return out, nil
	}
	def, ok := core.Get(entity)
	if !ok {
		return nil, fmt.Errorf("no definition for entity %s", entity)
	}
	w, err := export.NewWriter(e.opts.Format, e.opts.Dir, def, e.opts.Export)
	if err != nil {
		return nil, err
	}
	out := NewOutput(def, w, e.opts.ChunkRows)
	e.outputs[entity] = out
	return out, nil
}

func (e *Engine) closeOutputs() error {
	var errs []error
	for _, out := range e.outputs {
		errs = append(errs, out.Close())
	}
	clear(e.outputs)
	return errors.Join(errs...)
}

// removeStale deletes artifacts left by previous runs.
func (e *Engine) removeStale() error {
	var errs []error
	for _, def := range core.All() {
		errs = append(errs, export.RemoveArtifacts(e.opts.Dir, def.Table))
	}
	errs = append(errs, export.RemoveArtifacts(e.opts.Dir, DocumentDefinition.Table))
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("remove stale artifacts: %w", err)
	}
	return nil
}

type archiveStats struct {
	rows     int64
	rejected int64
	nulled   int64
}

// columnNulls tracks nulled values of one column within an archive.
type columnNulls struct {
	count     int64
	firstLine int
	firstVal  string
	fieldType core.FieldType
}

// processArchive streams one archive into def's output. A defective archive
// contributes no rows: the extract check runs before anything is written.
func (e *Engine) processArchive(ctx context.Context, def core.EntityDefinition, path string) (archiveStats, error) {
	var stats archiveStats
	name := filepath.Base(path)

	payload, err := Extract(path)
	if err != nil {
		return stats, err
	}
	defer payload.Close()

	out, err := e.output(def.Type)
	if err != nil {
		return stats, err
	}

	decoded, _, err := core.WrapForStreaming(payload, e.opts.Encoding)
	if err != nil {
		return stats, err
	}

	r := csv.NewReader(decoded)
	r.Comma = e.opts.Separator
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	nulls := make(map[string]*columnNulls)
	var (
		rejectedSample error
		line           int
	)

	for {
		raw, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++

		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				stats.rejected++
				if rejectedSample == nil {
					rejectedSample = fmt.Errorf("%s line %d: %w", name, pe.Line, err)
				}
				continue
			}
			return stats, fmt.Errorf("%w: %s: %w", core.ErrArchiveDefect, name, err)
		}

		if line%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}

		rec, fieldErrs, err := TypeCast(raw, def, e.opts.Dialect, e.opts.Policy)
		if err != nil {
			stats.rejected++
			if rejectedSample == nil {
				rejectedSample = fmt.Errorf("%s line %d: %w", name, line, err)
			}
			continue
		}
		for _, fe := range fieldErrs {
			stats.nulled++
			cn, ok := nulls[fe.Column]
			if !ok {
				cn = &columnNulls{firstLine: line, firstVal: fe.Value, fieldType: fe.Type}
				nulls[fe.Column] = cn
			}
			cn.count++
		}

		if err := out.Accumulate(rec); err != nil {
			return stats, fmt.Errorf("accumulate %s: %w", name, err)
		}
		stats.rows++
	}

	e.run.Counters.RowsConsolidated.Add(stats.rows)
	e.run.Counters.RowsRejected.Add(stats.rejected)
	e.run.Counters.FieldsNulled.Add(stats.nulled)
	metrics.RowsConsolidated.WithLabelValues(def.Table).Add(float64(stats.rows))
	metrics.RowsRejected.WithLabelValues(def.Table).Add(float64(stats.rejected))

	if stats.rejected > 0 {
		e.run.Record(name, fmt.Errorf("%d rows rejected, first: %w", stats.rejected, rejectedSample))
	}
	cols := make([]string, 0, len(nulls))
	for col := range nulls {
		cols = append(cols, col)
	}
	slices.Sort(cols)
	for _, col := range cols {
		cn := nulls[col]
		e.run.Record(name, fmt.Errorf("%w: %d values of column %s set to null, first at line %d: %q is not a valid %s",
			core.ErrSchemaViolation, cn.count, col, cn.firstLine, strings.TrimSpace(cn.firstVal), cn.fieldType))
	}

	return stats, nil
}

// TypeCast applies def's declared column types to one raw row. Under
// CoerceNull malformed fields are nulled and returned as field errors; under
// CoerceReject the row is refused with a schema violation.
func TypeCast(raw []string, def core.EntityDefinition, d core.Dialect, policy core.CoercePolicy) (core.Record, []core.FieldError, error) {
	return core.CastRow(raw, def, d, policy)
}
