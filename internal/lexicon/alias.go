package lexicon

import (
	"fmt"
	"sort"
	"strings"
)

// AliasTable is a many-to-one lookup from folded spellings to canonical labels.
type AliasTable struct {
	name    string
	index   map[string]string
	aliases []string // folded, longest first
	entries []AliasEntry
}

// NewAliasTable indexes entries. Each canonical label is also an alias of itself.
func NewAliasTable(name string, entries []AliasEntry) (*AliasTable, error) {
	t := &AliasTable{name: name, index: map[string]string{}, entries: entries}
	for _, e := range entries {
		if strings.TrimSpace(e.Canonical) == "" {
			return nil, fmt.Errorf("lexicon: %s has an entry without a canonical label", name)
		}
		for _, a := range append([]string{e.Canonical}, e.Aliases...) {
			f := Fold(a)
			if f == "" {
				continue
			}
			if prev, ok := t.index[f]; ok && prev != e.Canonical {
				return nil, fmt.Errorf("lexicon: %s alias %q maps to both %q and %q", name, a, prev, e.Canonical)
			}
			if _, ok := t.index[f]; !ok {
				t.aliases = append(t.aliases, f)
			}
			t.index[f] = e.Canonical
		}
	}
	sort.SliceStable(t.aliases, func(i, j int) bool {
		return len([]rune(t.aliases[i])) > len([]rune(t.aliases[j]))
	})
	return t, nil
}

// Lookup maps s to its canonical label: an exact folded match first, then the longest alias found
// inside s on word boundaries.
func (t *AliasTable) Lookup(s string) (string, bool) {
	if t == nil {
		return "", false
	}
	f := Fold(s)
	if f == "" {
		return "", false
	}
	if c, ok := t.index[f]; ok {
		return c, true
	}
	words := strings.Fields(f)
	for _, a := range t.aliases {
		if len(phraseIndexes(words, strings.Fields(a), false)) > 0 {
			return t.index[a], true
		}
	}
	return "", false
}

// Canonicals returns the distinct canonical labels in declaration order.
func (t *AliasTable) Canonicals() []string {
	out := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.Canonical)
	}
	return out
}

// Aliases returns every raw alias declared for canonical.
func (t *AliasTable) Aliases(canonical string) []string {
	for _, e := range t.entries {
		if e.Canonical == canonical {
			return append([]string{e.Canonical}, e.Aliases...)
		}
	}
	return nil
}

// Name returns the table name used in error messages.
func (t *AliasTable) Name() string { return t.name }
