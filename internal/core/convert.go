package core

// convert.go casts raw payload cells to their declared column types.
//
// The registry's FieldSpecs are the single source of type information; one
// generic routine (CastRow) evaluates them for every entity. Source quirks
// handled here:
//   - decimal comma with '.' thousands separators ("1.234,56")
//   - YYYYMMDD dates with "0" / "00000000" meaning "no date"
//   - zero-padded integer codes ("0001")
//
// Nulls are represented by nil in the returned Record.

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// CoercePolicy decides what happens to a row with a malformed typed field.
type CoercePolicy int

const (
	// CoerceNull sets the malformed field to null and keeps the row.
	CoerceNull CoercePolicy = iota
	// CoerceReject drops the row.
	CoerceReject
)

func (p CoercePolicy) String() string {
	if p == CoerceReject {
		return "reject"
	}
	return "null"
}

// ParseCoercePolicy parses "null" or "reject".
func ParseCoercePolicy(s string) (CoercePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "null", "":
		return CoerceNull, nil
	case "reject":
		return CoerceReject, nil
	default:
		return CoerceNull, fmt.Errorf("unknown coercion policy %q", s)
	}
}

// Dialect describes number formatting in the source payloads.
type Dialect struct {
	Decimal rune // decimal separator, ',' for the CNPJ files
}

// DefaultDialect matches the published CNPJ files.
var DefaultDialect = Dialect{Decimal: ','}

// ArtifactDialect matches the delimited-text artifacts this program writes.
var ArtifactDialect = Dialect{Decimal: '.'}

// FieldError describes one malformed field.
type FieldError struct {
	Column string
	Type   FieldType
	Value  string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("column %s: %q is not a valid %s", e.Column, e.Value, e.Type)
}

// errMalformed is returned by Coerce for values that do not parse.
var errMalformed = errors.New("malformed value")

// Coerce converts a raw cell to the Go value for ft. Empty text and zero
// dates yield nil without error.
func Coerce(raw string, ft FieldType, d Dialect) (any, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}

	switch ft {
	case FieldInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errMalformed
		}
		return n, nil

	case FieldFloat:
		f, ok := parseDecimal(s, d.Decimal)
		if !ok {
			return nil, errMalformed
		}
		return f, nil

	case FieldDate:
		if isZeroDate(s) {
			return nil, nil
		}
		t, err := time.Parse("20060102", s)
		if err != nil {
			// Artifacts written by this program carry ISO dates
			if t, err = time.Parse(DateLayout, s); err != nil {
				return nil, errMalformed
			}
		}
		return t, nil

	default:
		return s, nil
	}
}

// CastRow applies def's declared types to raw. Missing trailing columns are
// null-filled. Extra columns and null key columns are a schema violation
// regardless of policy.
//
// Under CoerceNull malformed fields become nil and are returned in fieldErrs
// with a nil error. Under CoerceReject the first malformed field is returned
// as an error wrapping ErrSchemaViolation and the record is nil.
func CastRow(raw []string, def EntityDefinition, d Dialect, policy CoercePolicy) (rec Record, fieldErrs []FieldError, err error) {
	if len(raw) > len(def.Fields) {
		return nil, nil, fmt.Errorf("%w: %d columns, %s declares %d",
			ErrSchemaViolation, len(raw), def.Table, len(def.Fields))
	}

	rec = make(Record, len(def.Fields))
	for i, spec := range def.Fields {
		if i >= len(raw) {
			continue
		}
		v, cerr := Coerce(raw[i], spec.Type, d)
		if cerr != nil {
			fe := FieldError{Column: spec.Name, Type: spec.Type, Value: raw[i]}
			if policy == CoerceReject {
				return nil, nil, fmt.Errorf("%w: %s", ErrSchemaViolation, fe.Error())
			}
			fieldErrs = append(fieldErrs, fe)
			continue
		}
		rec[i] = v
	}

	for _, col := range def.Key {
		if idx := def.ColumnIndex(col); idx >= 0 && rec[idx] == nil {
			return nil, nil, fmt.Errorf("%w: key column %s is null", ErrSchemaViolation, col)
		}
	}
	return rec, fieldErrs, nil
}

// parseDecimal parses a number that uses dec as decimal separator. When dec
// is ',' any '.' is a thousands separator. Only an optional sign, digits and
// one separator are accepted, so NaN, infinities, exponents and hex floats
// are malformed.
func parseDecimal(s string, dec rune) (float64, bool) {
	if dec == ',' {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	} else if dec != '.' {
		s = strings.Replace(s, string(dec), ".", 1)
	}
	if !isPlainDecimal(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// isPlainDecimal reports whether s is [+-]digits[.digits] with at least one digit.
func isPlainDecimal(s string) bool {
	if s != "" && (s[0] == '-' || s[0] == '+') {
		s = s[1:]
	}
	digits, point := 0, false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' && !point:
			point = true
		default:
			return false
		}
	}
	return digits > 0
}

func isZeroDate(s string) bool {
	return strings.Trim(s, "0") == ""
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
