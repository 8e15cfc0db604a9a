package core

import (
	"errors"
	"fmt"
)

// Error kinds. Stages wrap these so callers can tell fatal from
// recordable failures with errors.Is.
var (
	// ErrCatalogUnavailable aborts the run before any download.
	ErrCatalogUnavailable = errors.New("catalog unavailable")

	// ErrTransferFailed is recorded per file; the run continues.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrArchiveDefect is recorded per archive; the archive is skipped.
	ErrArchiveDefect = errors.New("archive defect")

	// ErrSchemaViolation is recorded per row and handled by the coercion policy.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrLoadBatchFailed is recorded per batch; later batches still run.
	ErrLoadBatchFailed = errors.New("load batch failed")
)

var kinds = []error{
	ErrCatalogUnavailable,
	ErrTransferFailed,
	ErrArchiveDefect,
	ErrSchemaViolation,
	ErrLoadBatchFailed,
}

// KindOf returns the name of the error kind err wraps, or "error".
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "error"
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCatalogUnavailable)
}

// Defect is one non-fatal failure surfaced in the run report.
type Defect struct {
	Kind   string `json:"kind"`
	Code   string `json:"code"`
	Source string `json:"source"` // archive, file or "entity#batch"
	Detail string `json:"detail"`
}

// NewDefect builds a defect for err, coded via MapError.
func NewDefect(source string, err error) Defect {
	return Defect{
		Kind:   KindOf(err),
		Code:   MapError(err).Code,
		Source: source,
		Detail: err.Error(),
	}
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// StatusCode returns the HTTP status code.
func (e *StatusError) StatusCode() int { return e.Code }
