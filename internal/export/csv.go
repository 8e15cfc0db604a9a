package export

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/JonMunkholm/cnpjsync/internal/core"
)

type csvWriter struct {
	path string
	file *os.File
	buf  *bufio.Writer
	w    *csv.Writer
	row  []string
}

func newCSVWriter(path string, def core.EntityDefinition, sep rune) (*csvWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	buf := bufio.NewWriterSize(f, 1<<20)
	w := csv.NewWriter(buf)
	w.Comma = sep

	if err := w.Write(def.Columns()); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return &csvWriter{
		path: path,
		file: f,
		buf:  buf,
		w:    w,
		row:  make([]string, len(def.Fields)),
	}, nil
}

func (c *csvWriter) WriteBatch(records []core.Record) error {
	for _, rec := range records {
		for i := range c.row {
			c.row[i] = rec.Text(i)
		}
		if err := c.w.Write(c.row); err != nil {
			return fmt.Errorf("write %s: %w", c.path, err)
		}
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	return errors.Join(c.w.Error(), c.buf.Flush(), c.file.Close())
}

func (c *csvWriter) Path() string { return c.path }

type csvReader struct {
	file *os.File
	r    *csv.Reader
	def  core.EntityDefinition
}

func newCSVReader(path string, def core.EntityDefinition, sep rune) (*csvReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r := csv.NewReader(bufio.NewReaderSize(f, 1<<20))
	r.Comma = sep
	r.FieldsPerRecord = len(def.Fields)

	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	if !slices.Equal(header, def.Columns()) {
		f.Close()
		return nil, fmt.Errorf("%s: header does not match %s columns", path, def.Table)
	}

	return &csvReader{file: f, r: r, def: def}, nil
}

func (c *csvReader) Next(n int) ([]core.Record, error) {
	out := make([]core.Record, 0, n)
	for len(out) < n {
		raw, err := c.r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		// Artifacts were typed on the way out; malformed values cannot occur.
		rec, _, err := core.CastRow(raw, c.def, core.ArtifactDialect, core.CoerceNull)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

func (c *csvReader) Close() error { return c.file.Close() }
