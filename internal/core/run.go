package core

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/JonMunkholm/cnpjsync/internal/config"
)

// DefaultDefectLimit bounds the defects kept in memory per run. Defects past
// the limit are still counted.
const DefaultDefectLimit = 1000

// Counters are the run-scoped tallies every stage increments.
type Counters struct {
	Downloaded atomic.Int64
	Skipped    atomic.Int64
	Failed     atomic.Int64

	ArchivesProcessed atomic.Int64
	ArchivesRejected  atomic.Int64
	ArchivesUnknown   atomic.Int64
	RowsConsolidated  atomic.Int64
	RowsRejected      atomic.Int64
	FieldsNulled      atomic.Int64

	BatchesLoaded atomic.Int64
	BatchesFailed atomic.Int64
	RowsLoaded    atomic.Int64
}

// RunContext carries configuration, the log sink and run-scoped counters
// through every stage. It is created at run start and discarded at run end.
type RunContext struct {
	ID     string
	Config *config.Config
	Logger *slog.Logger
	Clock  clockwork.Clock

	Counters Counters

	started     time.Time
	defectLimit int

	mu        sync.Mutex
	partition string
	defects   []Defect
	dropped   int64
	fatal     error
}

// NewRunContext creates a run context with a fresh run id.
func NewRunContext(cfg *config.Config, logger *slog.Logger, clock clockwork.Clock) *RunContext {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	id := uuid.NewString()
	return &RunContext{
		ID:          id,
		Config:      cfg,
		Logger:      logger.With("run_id", id),
		Clock:       clock,
		started:     clock.Now(),
		defectLimit: DefaultDefectLimit,
	}
}

// SetPartition records the partition the run works on.
func (r *RunContext) SetPartition(p string) {
	r.mu.Lock()
	r.partition = p
	r.mu.Unlock()
}

// Record adds a non-fatal defect and logs it.
func (r *RunContext) Record(source string, err error) {
	d := NewDefect(source, err)
	r.Logger.Warn("defect recorded", "code", d.Code, "kind", d.Kind, "source", source, "error", err)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.defects) >= r.defectLimit {
		r.dropped++
		return
	}
	r.defects = append(r.defects, d)
}

// Fail marks the run as failed with a fatal error.
func (r *RunContext) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
}

// Err returns the fatal error, if any.
func (r *RunContext) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// AcquisitionReport counts transfer outcomes.
type AcquisitionReport struct {
	Downloaded int64 `json:"downloaded"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
}

// ConsolidationReport counts archive and row outcomes.
type ConsolidationReport struct {
	ArchivesProcessed int64 `json:"archives_processed"`
	ArchivesRejected  int64 `json:"archives_rejected"`
	ArchivesUnknown   int64 `json:"archives_unknown"`
	RowsConsolidated  int64 `json:"rows_consolidated"`
	RowsRejected      int64 `json:"rows_rejected"`
	FieldsNulled      int64 `json:"fields_nulled"`
}

// LoadReport counts batch outcomes.
type LoadReport struct {
	BatchesLoaded int64 `json:"batches_loaded"`
	BatchesFailed int64 `json:"batches_failed"`
	RowsLoaded    int64 `json:"rows_loaded"`
}

// RunReport is the end-of-run summary exposed to callers.
type RunReport struct {
	RunID          string              `json:"run_id"`
	Partition      string              `json:"partition,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`
	Duration       string              `json:"duration"`
	Acquisition    AcquisitionReport   `json:"acquisition"`
	Consolidation  ConsolidationReport `json:"consolidation"`
	Load           LoadReport          `json:"load"`
	Defects        []Defect            `json:"defects"`
	DefectsDropped int64               `json:"defects_dropped,omitempty"`
	Fatal          string              `json:"fatal,omitempty"`
	FatalHint      string              `json:"fatal_hint,omitempty"`
}

// Report snapshots the counters and defects.
func (r *RunContext) Report() RunReport {
	now := r.Clock.Now()
	c := &r.Counters

	r.mu.Lock()
	defer r.mu.Unlock()

	rep := RunReport{
		RunID:      r.ID,
		Partition:  r.partition,
		StartedAt:  r.started,
		FinishedAt: now,
		Duration:   now.Sub(r.started).Round(time.Millisecond).String(),
		Acquisition: AcquisitionReport{
			Downloaded: c.Downloaded.Load(),
			Skipped:    c.Skipped.Load(),
			Failed:     c.Failed.Load(),
		},
		Consolidation: ConsolidationReport{
			ArchivesProcessed: c.ArchivesProcessed.Load(),
			ArchivesRejected:  c.ArchivesRejected.Load(),
			ArchivesUnknown:   c.ArchivesUnknown.Load(),
			RowsConsolidated:  c.RowsConsolidated.Load(),
			RowsRejected:      c.RowsRejected.Load(),
			FieldsNulled:      c.FieldsNulled.Load(),
		},
		Load: LoadReport{
			BatchesLoaded: c.BatchesLoaded.Load(),
			BatchesFailed: c.BatchesFailed.Load(),
			RowsLoaded:    c.RowsLoaded.Load(),
		},
		Defects:        append([]Defect(nil), r.defects...),
		DefectsDropped: r.dropped,
	}
	if rep.Defects == nil {
		rep.Defects = []Defect{}
	}
	if r.fatal != nil {
		rep.Fatal = r.fatal.Error()
		rep.FatalHint = FormatUserError(r.fatal)
	}
	return rep
}

// Failed reports whether the run ended with a fatal error.
func (rep RunReport) Failed() bool {
	return rep.Fatal != ""
}

// Summary renders the report as the human-readable end-of-run block.
func (rep RunReport) Summary() string {
	var b strings.Builder
	status := "ok"
	if rep.Failed() {
		status = "FAILED: " + rep.Fatal
	}
	fmt.Fprintf(&b, "run %s (%s) partition=%s duration=%s\n", rep.RunID, status, rep.Partition, rep.Duration)
	if rep.FatalHint != "" {
		fmt.Fprintf(&b, "  hint:          %s\n", rep.FatalHint)
	}
	fmt.Fprintf(&b, "  acquisition:   downloaded=%d skipped=%d failed=%d\n",
		rep.Acquisition.Downloaded, rep.Acquisition.Skipped, rep.Acquisition.Failed)
	fmt.Fprintf(&b, "  consolidation: archives=%d rejected=%d unknown=%d rows=%d rows_rejected=%d fields_nulled=%d\n",
		rep.Consolidation.ArchivesProcessed, rep.Consolidation.ArchivesRejected, rep.Consolidation.ArchivesUnknown,
		rep.Consolidation.RowsConsolidated, rep.Consolidation.RowsRejected, rep.Consolidation.FieldsNulled)
	fmt.Fprintf(&b, "  load:          batches=%d failed=%d rows=%d\n",
		rep.Load.BatchesLoaded, rep.Load.BatchesFailed, rep.Load.RowsLoaded)
	if n := int64(len(rep.Defects)) + rep.DefectsDropped; n > 0 {
		fmt.Fprintf(&b, "  defects:       %d\n", n)
		for _, d := range rep.Defects {
			fmt.Fprintf(&b, "    [%s] %s: %s\n", d.Code, d.Source, d.Detail)
		}
		if rep.DefectsDropped > 0 {
			fmt.Fprintf(&b, "    ... and %d more\n", rep.DefectsDropped)
		}
	}
	return b.String()
}
