// Package export writes consolidated records to per-entity artifacts and
// streams them back for loading.
//
// Supported formats:
//   - csv: header row, configurable delimiter, ISO dates, '.' decimals
//   - parquet: typed columns, one row group per written batch
//   - jsonl: one JSON object per record, columns in declaration order
//
// Nested company documents are written as jsonl only.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/cnpjsync/internal/core"
)

// Format is an artifact encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatJSONL   Format = "jsonl"
)

// Formats lists every supported format.
var Formats = []Format{FormatCSV, FormatParquet, FormatJSONL}

// ErrUnsupportedFormat is returned for unknown formats or formats an entity
// cannot be written in.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// ParseFormat resolves a format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Writer appends records to one artifact.
type Writer interface {
	WriteBatch(records []core.Record) error
	Close() error
	Path() string
}

// Reader streams records from one artifact.
type Reader interface {
	// Next returns up to n records. It returns io.EOF once the artifact is
	// exhausted and no records remain.
	Next(n int) ([]core.Record, error)
	Close() error
}

// Options tune the writers and readers.
type Options struct {
	// Separator is the csv field delimiter (default ';').
	Separator rune
}

func (o Options) separator() rune {
	if o.Separator == 0 {
		return ';'
	}
	return o.Separator
}

// ArtifactPath returns the file an entity's artifact is written to.
func ArtifactPath(dir string, table string, format Format) string {
	return filepath.Join(dir, table+"."+string(format))
}

// NewWriter creates the artifact for def in dir, truncating any previous one.
func NewWriter(format Format, dir string, def core.EntityDefinition, opts Options) (Writer, error) {
	if def.Type == core.EntityCompanyDocument && format != FormatJSONL {
		return nil, fmt.Errorf("%w: %s supports jsonl only", ErrUnsupportedFormat, def.Table)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	path := ArtifactPath(dir, def.Table, format)
	switch format {
	case FormatCSV:
		return newCSVWriter(path, def, opts.separator())
	case FormatParquet:
		return newParquetWriter(path, def)
	case FormatJSONL:
		return newJSONLWriter(path, def)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// NewReader opens the artifact at path for def.
func NewReader(format Format, path string, def core.EntityDefinition, opts Options) (Reader, error) {
	switch format {
	case FormatCSV:
		return newCSVReader(path, def, opts.separator())
	case FormatParquet:
		return newParquetReader(path, def)
	case FormatJSONL:
		return newJSONLReader(path, def)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// RemoveArtifacts deletes every format's artifact of table in dir.
func RemoveArtifacts(dir, table string) error {
	var errs []error
	for _, f := range Formats {
		if err := os.Remove(ArtifactPath(dir, table, f)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
