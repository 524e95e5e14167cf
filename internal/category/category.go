// Package category maps raw source tags onto the fixed event taxonomy.
package category

import (
	"cfevents/internal/model"
	"cfevents/internal/textutil"
)

// Mapper resolves source tags to taxonomy names. Per-source tables are
// injected from configuration so adapters and tests can swap them.
type Mapper struct {
	taxonomy map[string]string            // folded -> canonical
	bySource map[string]map[string]string // source -> folded tag -> canonical
}

// NewMapper builds a Mapper over the given taxonomy. The "other" fallback is
// always part of it.
func NewMapper(taxonomy []string) *Mapper {
	m := &Mapper{
		taxonomy: make(map[string]string, len(taxonomy)+1),
		bySource: make(map[string]map[string]string),
	}
	for _, name := range taxonomy {
		if f := textutil.Fold(name); f != "" {
			m.taxonomy[f] = name
		}
	}
	if _, ok := m.taxonomy[model.OtherCategory]; !ok {
		m.taxonomy[model.OtherCategory] = model.OtherCategory
	}
	return m
}

// SetSourceMap installs the tag table for one source. Targets outside the
// taxonomy are ignored.
func (m *Mapper) SetSourceMap(source string, mapping map[string]string) {
	table := make(map[string]string, len(mapping))
	for tag, target := range mapping {
		canonical, ok := m.taxonomy[textutil.Fold(target)]
		if !ok {
			continue
		}
		table[textutil.Fold(tag)] = canonical
	}
	m.bySource[source] = table
}

// Resolve maps tags to distinct taxonomy names in first-seen order. Unknown
// tags are dropped; if nothing resolves the result is ["other"]. It never
// fails.
func (m *Mapper) Resolve(source string, tags []string) []string {
	table := m.bySource[source]
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		f := textutil.Fold(tag)
		if f == "" {
			continue
		}
		name, ok := table[f]
		if !ok {
			name, ok = m.taxonomy[f]
		}
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		out = append(out, m.taxonomy[model.OtherCategory])
	}
	return out
}

// Known reports whether name is part of the taxonomy.
func (m *Mapper) Known(name string) bool {
	_, ok := m.taxonomy[textutil.Fold(name)]
	return ok
}
