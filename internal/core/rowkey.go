package core

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// RowKey fingerprints a record for entities without a natural key. Equal
// records yield equal keys, so reloading the same rows upserts instead of
// duplicating them.
func RowKey(rec Record) string {
	d := xxhash.New()
	for _, v := range rec {
		if v == nil {
			d.WriteString("\x00N")
		} else {
			d.WriteString(FormatValue(v))
		}
		d.WriteString("\x1f")
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
