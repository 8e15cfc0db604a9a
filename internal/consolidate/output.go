package consolidate

import (
	"errors"

	"github.com/JonMunkholm/cnpjsync/internal/core"
	"github.com/JonMunkholm/cnpjsync/internal/export"
)

// Output is the append-only accumulator of one entity. Records are buffered
// and flushed to the writer in chunks, preserving append order.
type Output struct {
	def   core.EntityDefinition
	w     export.Writer
	buf   []core.Record
	chunk int
	rows  int64
}

// NewOutput wraps w with a buffer of chunk records.
func NewOutput(def core.EntityDefinition, w export.Writer, chunk int) *Output {
	if chunk <= 0 {
		chunk = 1
	}
	return &Output{def: def, w: w, chunk: chunk, buf: make([]core.Record, 0, chunk)}
}

// Accumulate appends records, flushing whenever the buffer is full.
func (o *Output) Accumulate(records ...core.Record) error {
	for _, rec := range records {
		o.buf = append(o.buf, rec)
		if len(o.buf) >= o.chunk {
			if err := o.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes the buffered records.
func (o *Output) Flush() error {
	if len(o.buf) == 0 {
		return nil
	}
	if err := o.w.WriteBatch(o.buf); err != nil {
		return err
	}
	o.rows += int64(len(o.buf))
	o.buf = o.buf[:0]
	return nil
}

// Close flushes and closes the writer.
func (o *Output) Close() error {
	return errors.Join(o.Flush(), o.w.Close())
}

// Rows returns the number of records written so far.
func (o *Output) Rows() int64 { return o.rows }

// Path returns the artifact path.
func (o *Output) Path() string { return o.w.Path() }
