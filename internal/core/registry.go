package core

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registry   = make(map[EntityType]EntityDefinition)
	registryMu sync.RWMutex
)

// Register adds an entity definition to the registry.
// Panics if the entity is already registered or depends on itself.
func Register(def EntityDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if def.Type == EntityUnknown {
		panic("cannot register the unknown entity")
	}
	if _, exists := registry[def.Type]; exists {
		panic(fmt.Sprintf("entity already registered: %s", def.Type))
	}
	for _, dep := range def.DependsOn {
		if dep == def.Type {
			panic(fmt.Sprintf("entity %s depends on itself", def.Type))
		}
	}

	registry[def.Type] = def
}

// Get returns an entity definition by type.
// Returns false if not found.
func Get(e EntityType) (EntityDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[e]
	return def, ok
}

// MustGet returns an entity definition or panics. For use with entity
// types the program itself registers.
func MustGet(e EntityType) EntityDefinition {
	def, ok := Get(e)
	if !ok {
		panic(fmt.Sprintf("entity not registered: %s", e))
	}
	return def
}

// ByTable returns the definition whose Table matches name.
func ByTable(name string) (EntityDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, def := range registry {
		if def.Table == name {
			return def, true
		}
	}
	return EntityDefinition{}, false
}

// All returns all registered entity definitions ordered by type.
func All() []EntityDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]EntityDefinition, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Type < result[j].Type
	})

	return result
}

// Tiers groups the given entities by dependency depth: tier 0 holds entities
// with no registered dependencies, tier n those whose deepest dependency is in
// tier n-1. Dependencies outside the given set still count toward depth.
// Returns an error on a dependency cycle.
func Tiers(entities []EntityType) ([][]EntityType, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	depth := make(map[EntityType]int)
	visiting := make(map[EntityType]bool)

	var visit func(e EntityType) (int, error)
	visit = func(e EntityType) (int, error) {
		if d, ok := depth[e]; ok {
			return d, nil
		}
		if visiting[e] {
			return 0, fmt.Errorf("dependency cycle at %s", e)
		}
		visiting[e] = true
		d := 0
		for _, dep := range registry[e].DependsOn {
			dd, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if dd+1 > d {
				d = dd + 1
			}
		}
		visiting[e] = false
		depth[e] = d
		return d, nil
	}

	maxDepth := -1
	for _, e := range entities {
		d, err := visit(e)
		if err != nil {
			return nil, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}

	tiers := make([][]EntityType, 0, maxDepth+1)
	for d := 0; d <= maxDepth; d++ {
		var tier []EntityType
		for _, e := range entities {
			if depth[e] == d {
				tier = append(tier, e)
			}
		}
		if len(tier) > 0 {
			sort.Slice(tier, func(i, j int) bool { return tier[i] < tier[j] })
			tiers = append(tiers, tier)
		}
	}
	return tiers, nil
}

// EntityCount returns the number of registered entities.
func EntityCount() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}

// Clear removes all registered entities.
// Primarily useful for testing.
func Clear() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[EntityType]EntityDefinition)
}
