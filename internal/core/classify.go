package core

import (
	"path/filepath"
	"strings"
)

// Classify maps an archive file name to its entity type by matching the
// base name against the registered prefixes, case-insensitively. The longest
// matching prefix wins. Unmatched names yield EntityUnknown.
func Classify(filename string) EntityType {
	base := strings.ToLower(filepath.Base(filename))

	registryMu.RLock()
	defer registryMu.RUnlock()

	best := EntityUnknown
	bestLen := 0
	for _, def := range registry {
		for _, prefix := range def.Prefixes {
			p := strings.ToLower(prefix)
			if len(p) > bestLen && strings.HasPrefix(base, p) {
				best = def.Type
				bestLen = len(p)
			}
		}
	}
	return best
}
