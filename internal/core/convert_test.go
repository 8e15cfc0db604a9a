package core

import (
	"errors"
	"testing"
	"time"
)

// ----------------------------------------------------------------------------
// Coerce Tests
// ----------------------------------------------------------------------------

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		ft      FieldType
		want    any
		wantErr bool
	}{
		// Text
		{name: "text trimmed", input: "  ACME LTDA ", ft: FieldText, want: "ACME LTDA"},
		{name: "empty text is null", input: "   ", ft: FieldText, want: nil},

		// Integer
		{name: "integer", input: "2062", ft: FieldInteger, want: int64(2062)},
		{name: "zero padded integer", input: "0001", ft: FieldInteger, want: int64(1)},
		{name: "negative integer", input: "-5", ft: FieldInteger, want: int64(-5)},
		{name: "empty integer is null", input: "", ft: FieldInteger, want: nil},
		{name: "malformed integer", input: "12A", ft: FieldInteger, wantErr: true},

		// Float with decimal comma
		{name: "decimal comma", input: "1000,00", ft: FieldFloat, want: 1000.0},
		{name: "thousands and decimal comma", input: "1.234.567,89", ft: FieldFloat, want: 1234567.89},
		{name: "integer float", input: "50", ft: FieldFloat, want: 50.0},
		{name: "malformed float", input: "1,2,3", ft: FieldFloat, wantErr: true},
		{name: "letters in float", input: "abc", ft: FieldFloat, wantErr: true},
		{name: "NaN float", input: "NaN", ft: FieldFloat, wantErr: true},
		{name: "Inf float", input: "Inf", ft: FieldFloat, wantErr: true},
		{name: "signed infinity float", input: "-Infinity", ft: FieldFloat, wantErr: true},
		{name: "hex float", input: "0x1p3", ft: FieldFloat, wantErr: true},
		{name: "exponent float", input: "1e400", ft: FieldFloat, wantErr: true},
		{name: "sign only float", input: "-", ft: FieldFloat, wantErr: true},
		{name: "negative decimal comma", input: "-10,50", ft: FieldFloat, want: -10.5},

		// Date
		{name: "compact date", input: "20230215", ft: FieldDate, want: time.Date(2023, 2, 15, 0, 0, 0, 0, time.UTC)},
		{name: "iso date", input: "2023-02-15", ft: FieldDate, want: time.Date(2023, 2, 15, 0, 0, 0, 0, time.UTC)},
		{name: "zero date is null", input: "0", ft: FieldDate, want: nil},
		{name: "all zero date is null", input: "00000000", ft: FieldDate, want: nil},
		{name: "empty date is null", input: "", ft: FieldDate, want: nil},
		{name: "impossible date", input: "20231345", ft: FieldDate, wantErr: true},
		{name: "garbage date", input: "ontem", ft: FieldDate, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.input, tt.ft, DefaultDialect)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Coerce(%q) = %v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Coerce(%q) unexpected error: %v", tt.input, err)
			}
			if wantTime, ok := tt.want.(time.Time); ok {
				gotTime, ok := got.(time.Time)
				if !ok || !gotTime.Equal(wantTime) {
					t.Errorf("Coerce(%q) = %v, want %v", tt.input, got, tt.want)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Coerce(%q) = %#v, want %#v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCoerce_ArtifactDialect(t *testing.T) {
	got, err := Coerce("1234.56", FieldFloat, ArtifactDialect)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1234.56 {
		t.Errorf("Coerce() = %v, want 1234.56", got)
	}
}

// ----------------------------------------------------------------------------
// CastRow Tests
// ----------------------------------------------------------------------------

var testCompany = EntityDefinition{
	Type:  EntityCompany,
	Table: "empresas",
	Fields: []FieldSpec{
		{Name: "cnpj_basico", Type: FieldText},
		{Name: "razao_social", Type: FieldText},
		{Name: "natureza_juridica", Type: FieldInteger},
		{Name: "capital_social", Type: FieldFloat},
		{Name: "data_inicio", Type: FieldDate},
	},
	Key: []string{"cnpj_basico"},
}

func TestCastRow_ValidRow(t *testing.T) {
	rec, fieldErrs, err := CastRow(
		[]string{"00000000", "BANCO DO BRASIL SA", "2038", "120000000000,00", "19660801"},
		testCompany, DefaultDialect, CoerceReject)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fieldErrs) != 0 {
		t.Errorf("fieldErrs = %v, want none", fieldErrs)
	}
	if rec[0] != "00000000" {
		t.Errorf("cnpj_basico = %v, want leading zeros kept", rec[0])
	}
	if rec[2] != int64(2038) {
		t.Errorf("natureza_juridica = %#v, want 2038", rec[2])
	}
	if rec[3] != 120000000000.0 {
		t.Errorf("capital_social = %v, want 1.2e11", rec[3])
	}
}

func TestCastRow_MissingNonKeyColumnsNullFilled(t *testing.T) {
	rec, _, err := CastRow([]string{"12345678", "ACME"}, testCompany, DefaultDialect, CoerceReject)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec) != len(testCompany.Fields) {
		t.Fatalf("len(rec) = %d, want %d", len(rec), len(testCompany.Fields))
	}
	for i := 2; i < len(rec); i++ {
		if rec[i] != nil {
			t.Errorf("rec[%d] = %v, want nil", i, rec[i])
		}
	}
}

var testEstablishment = EntityDefinition{
	Type:  EntityEstablishment,
	Table: "estabelecimentos",
	Fields: []FieldSpec{
		{Name: "cnpj_basico", Type: FieldText},
		{Name: "cnpj_ordem", Type: FieldText},
		{Name: "cnpj_dv", Type: FieldText},
		{Name: "nome_fantasia", Type: FieldText},
	},
	Key: []string{"cnpj_basico", "cnpj_ordem", "cnpj_dv"},
}

func TestCastRow_NullKeyViolatesSchema(t *testing.T) {
	tests := []struct {
		name string
		def  EntityDefinition
		raw  []string
	}{
		{name: "missing trailing key columns", def: testEstablishment, raw: []string{"12345678"}},
		{name: "empty key column", def: testEstablishment, raw: []string{"12345678", "", "99", "LOJA"}},
		{name: "empty single key", def: testCompany, raw: []string{"  ", "ACME", "2062", "10,00", "20200101"}},
		{name: "malformed integer key", def: EntityDefinition{
			Type:   EntityCnae,
			Table:  "cnaes",
			Fields: []FieldSpec{{Name: "codigo", Type: FieldInteger}, {Name: "descricao", Type: FieldText}},
			Key:    []string{"codigo"},
		}, raw: []string{"X1", "Cultivo de arroz"}},
	}

	for _, tt := range tests {
		for _, policy := range []CoercePolicy{CoerceNull, CoerceReject} {
			t.Run(tt.name+"/"+policy.String(), func(t *testing.T) {
				rec, _, err := CastRow(tt.raw, tt.def, DefaultDialect, policy)
				if !errors.Is(err, ErrSchemaViolation) {
					t.Fatalf("err = %v, want ErrSchemaViolation", err)
				}
				if rec != nil {
					t.Errorf("rec = %v, want nil", rec)
				}
			})
		}
	}
}

func TestCastRow_NonFiniteFloatPolicies(t *testing.T) {
	for _, raw := range []string{"NaN", "+Inf", "0x1p3"} {
		row := []string{"12345678", "ACME", "2062", raw, "20200101"}

		rec, fieldErrs, err := CastRow(row, testCompany, DefaultDialect, CoerceNull)
		if err != nil {
			t.Fatalf("%s: unexpected error under null policy: %v", raw, err)
		}
		if rec[3] != nil || len(fieldErrs) != 1 {
			t.Errorf("%s: capital_social = %v, fieldErrs = %v, want nil and one error", raw, rec[3], fieldErrs)
		}

		if _, _, err := CastRow(row, testCompany, DefaultDialect, CoerceReject); !errors.Is(err, ErrSchemaViolation) {
			t.Errorf("%s: err = %v under reject policy, want ErrSchemaViolation", raw, err)
		}
	}
}

func TestCastRow_ExtraColumnsViolateSchema(t *testing.T) {
	raw := []string{"1", "2", "3", "4", "20200101", "extra"}
	for _, policy := range []CoercePolicy{CoerceNull, CoerceReject} {
		_, _, err := CastRow(raw, testCompany, DefaultDialect, policy)
		if !errors.Is(err, ErrSchemaViolation) {
			t.Errorf("policy %s: err = %v, want ErrSchemaViolation", policy, err)
		}
	}
}

func TestCastRow_MalformedFieldPolicies(t *testing.T) {
	tests := []struct {
		name      string
		raw       []string
		badColumn int
	}{
		{
			name:      "malformed integer",
			raw:       []string{"12345678", "ACME", "X1", "10,00", "20200101"},
			badColumn: 2,
		},
		{
			name:      "malformed date",
			raw:       []string{"12345678", "ACME", "2062", "10,00", "20201399"},
			badColumn: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/null fallback keeps row", func(t *testing.T) {
			rec, fieldErrs, err := CastRow(tt.raw, testCompany, DefaultDialect, CoerceNull)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec == nil {
				t.Fatal("record was dropped under null fallback")
			}
			if rec[tt.badColumn] != nil {
				t.Errorf("rec[%d] = %v, want nil", tt.badColumn, rec[tt.badColumn])
			}
			if len(fieldErrs) != 1 || fieldErrs[0].Column != testCompany.Fields[tt.badColumn].Name {
				t.Errorf("fieldErrs = %v, want one error for %s", fieldErrs, testCompany.Fields[tt.badColumn].Name)
			}
			if rec[1] != "ACME" {
				t.Errorf("other fields should survive, razao_social = %v", rec[1])
			}
		})

		t.Run(tt.name+"/strict reject drops row", func(t *testing.T) {
			rec, _, err := CastRow(tt.raw, testCompany, DefaultDialect, CoerceReject)
			if !errors.Is(err, ErrSchemaViolation) {
				t.Fatalf("err = %v, want ErrSchemaViolation", err)
			}
			if rec != nil {
				t.Errorf("rec = %v, want nil", rec)
			}
		})
	}
}

func TestParseCoercePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    CoercePolicy
		wantErr bool
	}{
		{"null", CoerceNull, false},
		{"", CoerceNull, false},
		{"REJECT", CoerceReject, false},
		{"lenient", CoerceNull, true},
	}
	for _, tt := range tests {
		got, err := ParseCoercePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCoercePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseCoercePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"abc", "abc"},
		{int64(42), "42"},
		{1234.5, "1234.5"},
		{120000000000.0, "120000000000"},
		{time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), "2023-02-01"},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Errorf("FormatValue(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRowKey(t *testing.T) {
	a := Record{"12345678", int64(2), "FULANO", nil}
	b := Record{"12345678", int64(2), "FULANO", nil}
	c := Record{"12345678", int64(2), "FULANO", "x"}

	if RowKey(a) != RowKey(b) {
		t.Error("equal records should have equal keys")
	}
	if RowKey(a) == RowKey(c) {
		t.Error("different records should have different keys")
	}
}
