package syncq

import (
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	mapset "github.com/deckarep/golang-set/v2"
)

// PriorityTables matches table names whose items always go into the priority
// sub-batch. Entries are exact names or glob patterns ("audit_*").
type PriorityTables struct {
	exact    mapset.Set[string]
	patterns []string
}

func NewPriorityTables(entries []string) *PriorityTables {
	p := &PriorityTables{exact: mapset.NewThreadUnsafeSet[string]()}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if isPattern(entry) {
			if !slices.Contains(p.patterns, entry) {
				p.patterns = append(p.patterns, entry)
			}
			continue
		}
		p.exact.Add(entry)
	}
	return p
}

func (p *PriorityTables) Match(table string) bool {
	if p == nil {
		return false
	}
	if p.exact.Contains(table) {
		return true
	}
	for _, pattern := range p.patterns {
		if ok, _ := doublestar.Match(pattern, table); ok {
			return true
		}
	}
	return false
}

// Exact returns the exact table names, sorted.
func (p *PriorityTables) Exact() []string {
	if p == nil {
		return nil
	}
	names := p.exact.ToSlice()
	slices.Sort(names)
	return names
}

// Patterns returns the glob entries in insertion order.
func (p *PriorityTables) Patterns() []string {
	if p == nil {
		return nil
	}
	return slices.Clone(p.patterns)
}

func (p *PriorityTables) Len() int {
	if p == nil {
		return 0
	}
	return p.exact.Cardinality() + len(p.patterns)
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}
