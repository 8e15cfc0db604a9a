package core

import (
	"errors"
	"fmt"
	"log/slog"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestRun(t *testing.T) (*RunContext, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2023, 2, 10, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunContext(nil, logger, clock), clock
}

func TestRunContext_Report(t *testing.T) {
	run, clock := newTestRun(t)
	run.SetPartition("2023-02")

	run.Counters.Downloaded.Add(3)
	run.Counters.Skipped.Add(2)
	run.Counters.Failed.Add(1)
	run.Counters.RowsRejected.Add(4)
	run.Counters.BatchesLoaded.Add(3)
	run.Record("Empresas0.zip", fmt.Errorf("%w: multiple payloads (2)", ErrArchiveDefect))

	clock.Advance(90 * time.Second)
	rep := run.Report()

	if rep.RunID == "" {
		t.Error("RunID should be set")
	}
	if rep.Partition != "2023-02" {
		t.Errorf("Partition = %q, want %q", rep.Partition, "2023-02")
	}
	if rep.Acquisition != (AcquisitionReport{Downloaded: 3, Skipped: 2, Failed: 1}) {
		t.Errorf("Acquisition = %+v", rep.Acquisition)
	}
	if rep.Consolidation.RowsRejected != 4 {
		t.Errorf("RowsRejected = %d, want 4", rep.Consolidation.RowsRejected)
	}
	if rep.Duration != "1m30s" {
		t.Errorf("Duration = %q, want %q", rep.Duration, "1m30s")
	}
	if len(rep.Defects) != 1 || rep.Defects[0].Code != "ARC002" {
		t.Errorf("Defects = %+v, want one ARC002", rep.Defects)
	}
	if rep.Failed() {
		t.Error("report should not be failed")
	}

	summary := rep.Summary()
	for _, want := range []string{"downloaded=3", "skipped=2", "failed=1", "[ARC002] Empresas0.zip"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary() missing %q:\n%s", want, summary)
		}
	}
}

func TestRunContext_DefectLimit(t *testing.T) {
	run, _ := newTestRun(t)
	run.defectLimit = 2

	for i := 0; i < 5; i++ {
		run.Record(fmt.Sprintf("row %d", i), ErrSchemaViolation)
	}

	rep := run.Report()
	if len(rep.Defects) != 2 {
		t.Errorf("len(Defects) = %d, want 2", len(rep.Defects))
	}
	if rep.DefectsDropped != 3 {
		t.Errorf("DefectsDropped = %d, want 3", rep.DefectsDropped)
	}
}

func TestRunContext_Fail(t *testing.T) {
	run, _ := newTestRun(t)

	first := fmt.Errorf("%w: listing returned 503", ErrCatalogUnavailable)
	run.Fail(first)
	run.Fail(errors.New("second"))

	if !errors.Is(run.Err(), ErrCatalogUnavailable) {
		t.Errorf("Err() = %v, want the first fatal error", run.Err())
	}
	rep := run.Report()
	if !rep.Failed() {
		t.Error("report should be failed")
	}
	if !strings.Contains(rep.Summary(), "FAILED") {
		t.Errorf("Summary() should flag failure:\n%s", rep.Summary())
	}
	if !strings.Contains(rep.FatalHint, "(Code: CAT001)") {
		t.Errorf("FatalHint = %q, want the CAT001 message", rep.FatalHint)
	}
	if !strings.Contains(rep.Summary(), "hint:") {
		t.Errorf("Summary() should carry the hint:\n%s", rep.Summary())
	}
}
