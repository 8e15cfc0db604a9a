package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/JonMunkholm/cnpjsync/internal/core"
)

// arrowSchema maps the declared field types to nullable arrow columns.
func arrowSchema(def core.EntityDefinition) *arrow.Schema {
	fields := make([]arrow.Field, len(def.Fields))
	for i, f := range def.Fields {
		fields[i] = arrow.Field{Name: f.Name, Type: arrowType(f.Type), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(ft core.FieldType) arrow.DataType {
	switch ft {
	case core.FieldInteger:
		return arrow.PrimitiveTypes.Int64
	case core.FieldFloat:
		return arrow.PrimitiveTypes.Float64
	case core.FieldDate:
		return arrow.FixedWidthTypes.Date32
	default:
		return arrow.BinaryTypes.String
	}
}

type parquetWriter struct {
	path   string
	file   *os.File
	fw     *pqarrow.FileWriter
	schema *arrow.Schema
	def    core.EntityDefinition
	mem    memory.Allocator
}

func newParquetWriter(path string, def core.EntityDefinition) (*parquetWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	schema := arrowSchema(def)
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithMaxRowGroupLength(1<<20),
	)
	fw, err := pqarrow.NewFileWriter(schema, f, props, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parquet writer for %s: %w", path, err)
	}

	return &parquetWriter{
		path:   path,
		file:   f,
		fw:     fw,
		schema: schema,
		def:    def,
		mem:    memory.NewGoAllocator(),
	}, nil
}

func (p *parquetWriter) WriteBatch(records []core.Record) error {
	if len(records) == 0 {
		return nil
	}

	b := array.NewRecordBuilder(p.mem, p.schema)
	defer b.Release()

	for col, spec := range p.def.Fields {
		if err := appendColumn(b.Field(col), spec, records, col); err != nil {
			return fmt.Errorf("%s: %w", p.path, err)
		}
	}

	rec := b.NewRecord()
	defer rec.Release()

	if err := p.fw.Write(rec); err != nil {
		return fmt.Errorf("write %s: %w", p.path, err)
	}
	return nil
}

func appendColumn(fb array.Builder, spec core.FieldSpec, records []core.Record, col int) error {
	fb.Reserve(len(records))
	for _, rec := range records {
		var v any
		if col < len(rec) {
			v = rec[col]
		}
		if v == nil {
			fb.AppendNull()
			continue
		}

		switch spec.Type {
		case core.FieldInteger:
			n, ok := v.(int64)
			if !ok {
				return fmt.Errorf("column %s: %T is not int64", spec.Name, v)
			}
			fb.(*array.Int64Builder).Append(n)
		case core.FieldFloat:
			f, ok := v.(float64)
			if !ok {
				return fmt.Errorf("column %s: %T is not float64", spec.Name, v)
			}
			fb.(*array.Float64Builder).Append(f)
		case core.FieldDate:
			t, ok := v.(time.Time)
			if !ok {
				return fmt.Errorf("column %s: %T is not a date", spec.Name, v)
			}
			fb.(*array.Date32Builder).Append(arrow.Date32FromTime(t))
		default:
			fb.(*array.StringBuilder).Append(core.FormatValue(v))
		}
	}
	return nil
}

func (p *parquetWriter) Close() error {
	err := p.fw.Close()
	// Depending on the writer properties the sink may already be closed.
	if cerr := p.file.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	return err
}

func (p *parquetWriter) Path() string { return p.path }

type parquetReader struct {
	pf      *file.Reader
	rr      pqarrow.RecordReader
	def     core.EntityDefinition
	pending []core.Record
	done    bool
}

func newParquetReader(path string, def core.EntityDefinition) (*parquetReader, error) {
	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	mem := memory.NewGoAllocator()
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: 8192}, mem)
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("parquet reader for %s: %w", path, err)
	}

	schema, err := fr.Schema()
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("schema of %s: %w", path, err)
	}
	if schema.NumFields() != len(def.Fields) {
		pf.Close()
		return nil, fmt.Errorf("%s: %d columns, %s declares %d", path, schema.NumFields(), def.Table, len(def.Fields))
	}

	rr, err := fr.GetRecordReader(context.Background(), nil, nil)
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("record reader for %s: %w", path, err)
	}

	return &parquetReader{pf: pf, rr: rr, def: def}, nil
}

func (p *parquetReader) Next(n int) ([]core.Record, error) {
	for len(p.pending) < n && !p.done {
		if !p.rr.Next() {
			p.done = true
			if err := p.rr.Err(); err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			break
		}
		recs, err := p.convert(p.rr.Record())
		if err != nil {
			return nil, err
		}
		p.pending = append(p.pending, recs...)
	}

	if len(p.pending) == 0 {
		return nil, io.EOF
	}
	take := min(n, len(p.pending))
	out := p.pending[:take:take]
	p.pending = p.pending[take:]
	return out, nil
}

// convert copies an arrow record batch into core records.
func (p *parquetReader) convert(rec arrow.Record) ([]core.Record, error) {
	rows := int(rec.NumRows())
	out := make([]core.Record, rows)
	for i := range out {
		out[i] = make(core.Record, len(p.def.Fields))
	}

	for col, spec := range p.def.Fields {
		arr := rec.Column(col)
		for row := 0; row < rows; row++ {
			if arr.IsNull(row) {
				continue
			}
			switch a := arr.(type) {
			case *array.Int64:
				out[row][col] = a.Value(row)
			case *array.Float64:
				out[row][col] = a.Value(row)
			case *array.Date32:
				out[row][col] = a.Value(row).ToTime()
			case *array.String:
				out[row][col] = a.Value(row)
			default:
				return nil, fmt.Errorf("column %s: unexpected arrow type %s", spec.Name, arr.DataType())
			}
		}
	}
	return out, nil
}

func (p *parquetReader) Close() error {
	p.rr.Release()
	return p.pf.Close()
}
