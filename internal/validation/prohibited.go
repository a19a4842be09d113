package validation

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldForBlocklist aggressively normalizes text so that spacing, punctuation, quote characters,
// diacritics or full-width forms cannot split a blocked word.
func foldForBlocklist(s string) string {
	t := transform.Chain(norm.NFKC, norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = cases.Fold().String(out)
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, out)
}

// containsProhibited folds value word by word, masks benign exception words, then matches blocked
// words as substrings of the joined result so that spacing cannot split a blocked word.
func containsProhibited(value string, words, exceptions []string) bool {
	masks := make([]string, 0, len(exceptions))
	for _, e := range exceptions {
		if fe := foldForBlocklist(e); fe != "" {
			masks = append(masks, fe)
		}
	}
	sort.Slice(masks, func(i, j int) bool { return len(masks[i]) > len(masks[j]) })

	var b strings.Builder
	for _, w := range strings.Fields(value) {
		fw := foldForBlocklist(w)
		for _, m := range masks {
			fw = strings.ReplaceAll(fw, m, maskMark)
		}
		b.WriteString(fw)
	}
	folded := b.String()
	if folded == "" {
		return false
	}
	for _, w := range words {
		fw := foldForBlocklist(w)
		if fw != "" && strings.Contains(folded, fw) {
			return true
		}
	}
	return false
}

// maskMark never survives folding, so no blocked word can match across it.
const maskMark = "\x00"
