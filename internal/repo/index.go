package repo

import "sort"

// SymbolIndex maps repository-relative file paths to their exported symbols.
type SymbolIndex struct {
	Files map[string][]Symbol `json:"files"`
}

// Lookup returns the files declaring name, sorted.
func (ix SymbolIndex) Lookup(name string) []string {
	var out []string
	for path, syms := range ix.Files {
		for _, s := range syms {
			if s.Name == name {
				out = append(out, path)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// SymbolCount returns the total number of indexed symbols.
func (ix SymbolIndex) SymbolCount() int {
	n := 0
	for _, syms := range ix.Files {
		n += len(syms)
	}
	return n
}
