// Package core provides the domain model for the CNPJ pipeline.
// This package has no transport or storage dependencies and is shared by
// the acquisition, consolidation, export and load stages.
package core

import (
	"fmt"
	"strings"
	"time"
)

// EntityType is the logical category of a record. It drives which schema an
// archive's rows are cast with and which table or collection they end up in.
type EntityType int

const (
	EntityUnknown EntityType = iota
	EntityCompany
	EntityEstablishment
	EntityPartner
	EntitySimples
	EntityCnae
	EntityMotive
	EntityMunicipality
	EntityLegalNature
	EntityCountry
	EntityQualification

	// EntityCompanyDocument is produced by denormalization, never by an archive.
	EntityCompanyDocument
)

var entityNames = [...]string{
	EntityUnknown:         "unknown",
	EntityCompany:         "company",
	EntityEstablishment:   "establishment",
	EntityPartner:         "partner",
	EntitySimples:         "simples",
	EntityCnae:            "cnae",
	EntityMotive:          "motive",
	EntityMunicipality:    "municipality",
	EntityLegalNature:     "legal_nature",
	EntityCountry:         "country",
	EntityQualification:   "qualification",
	EntityCompanyDocument: "company_document",
}

func (e EntityType) String() string {
	if e < 0 || int(e) >= len(entityNames) {
		return fmt.Sprintf("entity(%d)", int(e))
	}
	return entityNames[e]
}

// MarshalText lets EntityType be used as a JSON map key in reports.
func (e EntityType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// ParseEntityType resolves a name produced by String.
func ParseEntityType(s string) (EntityType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range entityNames {
		if name == s {
			return EntityType(i), true
		}
	}
	return EntityUnknown, false
}

// IsLookup reports whether e is a code/description reference table.
func (e EntityType) IsLookup() bool {
	return e >= EntityCnae && e <= EntityQualification
}

// FieldType represents the declared type of a column.
type FieldType int

const (
	FieldText FieldType = iota
	FieldInteger
	FieldFloat
	FieldDate
)

func (f FieldType) String() string {
	switch f {
	case FieldInteger:
		return "integer"
	case FieldFloat:
		return "float"
	case FieldDate:
		return "date"
	default:
		return "text"
	}
}

// FieldSpec declares one positional column of a source payload.
type FieldSpec struct {
	Name string    // Column name in artifacts and the target store
	Type FieldType // Declared type
}

// IndexKind selects how a secondary index is built.
type IndexKind int

const (
	IndexBTree IndexKind = iota
	IndexText            // trigram / token index for name search
)

// IndexSpec describes a secondary index created after load.
type IndexSpec struct {
	Name    string
	Columns []string
	Kind    IndexKind
}

// EntityDefinition contains everything needed to consolidate and load an entity.
type EntityDefinition struct {
	Type     EntityType
	Table    string   // Target table and artifact base name: "empresas"
	Label    string   // Display name: "Empresas"
	Prefixes []string // Lowercase archive name prefixes: "empresa"
	Fields   []FieldSpec

	// Key lists the natural key columns. Entities without one are keyed by
	// RowKeyColumn, a fingerprint of the whole row.
	Key []string

	// DependsOn lists entities that must be loaded first.
	DependsOn []EntityType

	Indexes []IndexSpec
}

// RowKeyColumn is the synthetic key column of entities without a natural key.
const RowKeyColumn = "row_key"

// Columns returns the declared column names in positional order.
func (d EntityDefinition) Columns() []string {
	cols := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		cols[i] = f.Name
	}
	return cols
}

// ColumnIndex returns the position of a column, or -1.
func (d EntityDefinition) ColumnIndex(name string) int {
	for i, f := range d.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// HasNaturalKey reports whether the entity declares key columns.
func (d EntityDefinition) HasNaturalKey() bool {
	return len(d.Key) > 0
}

// KeyColumns returns the columns the target store upserts on.
func (d EntityDefinition) KeyColumns() []string {
	if d.HasNaturalKey() {
		return d.Key
	}
	return []string{RowKeyColumn}
}

// Record holds one row's values aligned with EntityDefinition.Fields.
// Values are string, int64, float64, time.Time or nil for null.
type Record []any

// TypedRecord is a record after coercion, with its source position.
type TypedRecord struct {
	Entity EntityType
	Source string // Archive name
	Line   int    // 1-based line in the payload
	Values Record
}

// Text returns the value at i as a string, or "" when null.
func (r Record) Text(i int) string {
	if i < 0 || i >= len(r) {
		return ""
	}
	switch v := r[i].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return FormatValue(v)
	}
}

// FormatValue renders a typed value the way artifacts store it:
// ISO dates and '.' decimals.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return fmt.Sprintf("%d", x)
	case float64:
		return trimFloat(x)
	case time.Time:
		return x.Format(DateLayout)
	default:
		return fmt.Sprint(x)
	}
}

// DateLayout is the ISO layout used for dates in artifacts.
const DateLayout = "2006-01-02"
