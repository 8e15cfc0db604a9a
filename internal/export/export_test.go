package export

import (
	"errors"
	"io"
	"math"
	"os"
	"testing"
	"time"

	"github.com/JonMunkholm/cnpjsync/internal/core"
)

var testDef = core.EntityDefinition{
	Type:  core.EntityCompany,
	Table: "empresas",
	Fields: []core.FieldSpec{
		{Name: "cnpj_basico", Type: core.FieldText},
		{Name: "natureza_juridica", Type: core.FieldInteger},
		{Name: "capital_social", Type: core.FieldFloat},
		{Name: "data_opcao", Type: core.FieldDate},
	},
	Key: []string{"cnpj_basico"},
}

func testRecords(n int) []core.Record {
	day := time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC)
	out := make([]core.Record, n)
	for i := range out {
		rec := core.Record{
			"0000000" + string(rune('0'+i%10)),
			int64(2062),
			1234.5 + float64(i),
			day.AddDate(0, 0, i),
		}
		if i%3 == 0 {
			rec[3] = nil
		}
		out[i] = rec
	}
	return out
}

func readAll(t *testing.T, r Reader, chunk int) []core.Record {
	t.Helper()
	var out []core.Record
	for {
		recs, err := r.Next(chunk)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(recs) > chunk {
			t.Fatalf("Next(%d) returned %d records", chunk, len(recs))
		}
		out = append(out, recs...)
	}
}

func TestRoundTrip(t *testing.T) {
	want := testRecords(25)

	for _, format := range Formats {
		t.Run(string(format), func(t *testing.T) {
			dir := t.TempDir()

			w, err := NewWriter(format, dir, testDef, Options{})
			if err != nil {
				t.Fatalf("NewWriter: %v", err)
			}
			if err := w.WriteBatch(want[:10]); err != nil {
				t.Fatalf("WriteBatch: %v", err)
			}
			if err := w.WriteBatch(want[10:]); err != nil {
				t.Fatalf("WriteBatch: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if w.Path() != ArtifactPath(dir, "empresas", format) {
				t.Errorf("Path() = %q", w.Path())
			}

			r, err := NewReader(format, w.Path(), testDef, Options{})
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			defer r.Close()

			got := readAll(t, r, 7)
			if len(got) != len(want) {
				t.Fatalf("read %d records, want %d", len(got), len(want))
			}
			for i := range want {
				for col := range want[i] {
					if core.FormatValue(got[i][col]) != core.FormatValue(want[i][col]) {
						t.Errorf("row %d col %d = %v, want %v", i, col, got[i][col], want[i][col])
					}
					if (got[i][col] == nil) != (want[i][col] == nil) {
						t.Errorf("row %d col %d null mismatch", i, col)
					}
				}
			}
		})
	}
}

func TestCSVDecimalPointSurvivesReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(FormatCSV, dir, testDef, Options{Separator: ';'})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteBatch([]core.Record{{"1", int64(1), 1000.25, nil}}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	want := "cnpj_basico;natureza_juridica;capital_social;data_opcao\n1;1;1000.25;\n"
	if string(data) != want {
		t.Errorf("csv = %q, want %q", data, want)
	}

	r, err := NewReader(FormatCSV, w.Path(), testDef, Options{Separator: ';'})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got := readAll(t, r, 10)
	if got[0][2] != 1000.25 {
		t.Errorf("capital_social = %v, want 1000.25", got[0][2])
	}
}

func TestNewWriter_DocumentsRequireJSONL(t *testing.T) {
	def := core.EntityDefinition{Type: core.EntityCompanyDocument, Table: "empresas_documentos"}

	if _, err := NewWriter(FormatParquet, t.TempDir(), def, Options{}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"csv", FormatCSV, false},
		{" Parquet ", FormatParquet, false},
		{"JSONL", FormatJSONL, false},
		{"xlsx", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRemoveArtifacts(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []Format{FormatCSV, FormatJSONL} {
		if err := os.WriteFile(ArtifactPath(dir, "cnaes", f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := RemoveArtifacts(dir, "cnaes"); err != nil {
		t.Fatalf("RemoveArtifacts: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("%d files left", len(entries))
	}
}

func TestJSONLWriter_WriteValue(t *testing.T) {
	def := core.EntityDefinition{Type: core.EntityCompanyDocument, Table: "docs"}
	w, err := NewDocumentWriter(t.TempDir(), def)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteValue(map[string]any{"razao_social": "AÇÚCAR & CIA"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(w.Path())
	if string(data) != "{\"razao_social\":\"AÇÚCAR & CIA\"}\n" {
		t.Errorf("got %q", data)
	}
}

func TestJSONLWriter_NonFiniteFloatIsNull(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(FormatJSONL, dir, testDef, Options{})
	if err != nil {
		t.Fatal(err)
	}
	recs := []core.Record{
		{"00000001", int64(2062), math.NaN(), nil},
		{"00000002", int64(2062), math.Inf(1), nil},
	}
	if err := w.WriteBatch(recs); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(FormatJSONL, w.Path(), testDef, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got := readAll(t, r, 10)
	if len(got) != 2 {
		t.Fatalf("read %d records, want 2", len(got))
	}
	for i, rec := range got {
		if rec[2] != nil {
			t.Errorf("row %d capital_social = %v, want nil", i, rec[2])
		}
	}
}
