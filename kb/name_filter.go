package kb

import "strings"

// NameFilter excludes tables by naming convention (staging, test, backup and
// log tables). Matching is case-sensitive, like the catalog names it filters.
type NameFilter struct {
	Prefixes []string `yaml:"prefixes" json:"prefixes"`
	Suffixes []string `yaml:"suffixes" json:"suffixes"`

	// ExcludeIntermediate also forbids excluded tables as inner hops of a
	// path. When false only anchors and path endpoints are filtered.
	ExcludeIntermediate bool `yaml:"exclude_intermediate" json:"exclude_intermediate"`
}

// DefaultNameFilter returns the exclusion rules used by the catalog importer.
func DefaultNameFilter() NameFilter {
	return NameFilter{
		Prefixes: []string{"DM_", "TEST"},
		Suffixes: []string{"_TEST", "_BAK", "_LOG"},
	}
}

// Excluded reports whether name matches any prefix or suffix rule.
func (f NameFilter) Excluded(name string) bool {
	for _, p := range f.Prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, s := range f.Suffixes {
		if s != "" && strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// Allows reports whether path (anchor first) passes the filter.
func (f NameFilter) Allows(path GraphPath) bool {
	if len(path.Nodes) == 0 {
		return false
	}
	if f.Excluded(path.Nodes[0].Name) || f.Excluded(path.Target().Name) {
		return false
	}
	if f.ExcludeIntermediate && len(path.Nodes) > 2 {
		for _, n := range path.Nodes[1 : len(path.Nodes)-1] {
			if f.Excluded(n.Name) {
				return false
			}
		}
	}
	return true
}
