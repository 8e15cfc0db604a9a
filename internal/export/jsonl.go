package export

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/JonMunkholm/cnpjsync/internal/core"
)

// JSONLWriter writes one JSON object per line. Besides flat records it
// accepts arbitrary values, which is how nested documents are written.
type JSONLWriter struct {
	path string
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
	keys [][]byte
	line bytes.Buffer
}

func newJSONLWriter(path string, def core.EntityDefinition) (*JSONLWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	buf := bufio.NewWriterSize(f, 1<<20)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	keys := make([][]byte, len(def.Fields))
	for i, spec := range def.Fields {
		k, _ := json.Marshal(spec.Name)
		keys[i] = k
	}

	return &JSONLWriter{path: path, file: f, buf: buf, enc: enc, keys: keys}, nil
}

// NewDocumentWriter creates the jsonl artifact for nested documents of def.
func NewDocumentWriter(dir string, def core.EntityDefinition) (*JSONLWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return newJSONLWriter(ArtifactPath(dir, def.Table, FormatJSONL), def)
}

// WriteBatch writes each record as an object with keys in column order.
func (j *JSONLWriter) WriteBatch(records []core.Record) error {
	for _, rec := range records {
		j.line.Reset()
		j.line.WriteByte('{')
		for i, key := range j.keys {
			if i > 0 {
				j.line.WriteByte(',')
			}
			j.line.Write(key)
			j.line.WriteByte(':')
			var v any
			if i < len(rec) {
				v = rec[i]
			}
			if err := appendJSONValue(&j.line, v); err != nil {
				return fmt.Errorf("write %s: %w", j.path, err)
			}
		}
		j.line.WriteString("}\n")
		if _, err := j.buf.Write(j.line.Bytes()); err != nil {
			return fmt.Errorf("write %s: %w", j.path, err)
		}
	}
	return nil
}

// WriteValue encodes v on its own line.
func (j *JSONLWriter) WriteValue(v any) error {
	if err := j.enc.Encode(v); err != nil {
		return fmt.Errorf("write %s: %w", j.path, err)
	}
	return nil
}

func (j *JSONLWriter) Close() error {
	return errors.Join(j.buf.Flush(), j.file.Close())
}

func (j *JSONLWriter) Path() string { return j.path }

func appendJSONValue(b *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
		return nil
	case float64:
		// JSON has no NaN or infinity
		if math.IsNaN(x) || math.IsInf(x, 0) {
			b.WriteString("null")
			return nil
		}
		b.WriteString(strconv.FormatFloat(x, 'f', -1, 64))
		return nil
	case time.Time:
		b.WriteByte('"')
		b.WriteString(x.Format(core.DateLayout))
		b.WriteByte('"')
		return nil
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return err
		}
		b.Write(data)
		return nil
	}
}

type jsonlReader struct {
	file *os.File
	dec  *json.Decoder
	def  core.EntityDefinition
}

func newJSONLReader(path string, def core.EntityDefinition) (*jsonlReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<20))
	dec.UseNumber()
	return &jsonlReader{file: f, dec: dec, def: def}, nil
}

func (j *jsonlReader) Next(n int) ([]core.Record, error) {
	out := make([]core.Record, 0, n)
	for len(out) < n {
		var obj map[string]any
		err := j.dec.Decode(&obj)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("decode %s: %w", j.file.Name(), err)
		}

		rec := make(core.Record, len(j.def.Fields))
		for i, spec := range j.def.Fields {
			v, err := fromJSON(obj[spec.Name], spec.Type)
			if err != nil {
				return out, fmt.Errorf("column %s: %w", spec.Name, err)
			}
			rec[i] = v
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

func fromJSON(v any, ft core.FieldType) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		switch ft {
		case core.FieldInteger:
			return x.Int64()
		case core.FieldFloat:
			return x.Float64()
		default:
			return x.String(), nil
		}
	case string:
		return core.Coerce(x, ft, core.ArtifactDialect)
	default:
		return nil, fmt.Errorf("unexpected JSON value %T", v)
	}
}

func (j *jsonlReader) Close() error { return j.file.Close() }
