package extraction

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/OnboardPipe/internal/lexicon"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/validation"
)

// fieldIndex answers "what kind of field is this" questions about a flow's schema.
type fieldIndex struct {
	lex     *lexicon.Lexicon
	schema  map[string]models.FieldDefinition
	formats map[string]models.FieldFormat
	slugs   []string
}

func newFieldIndex(lex *lexicon.Lexicon, schema map[string]models.FieldDefinition) *fieldIndex {
	ix := &fieldIndex{lex: lex, schema: schema, formats: map[string]models.FieldFormat{}}
	for slug, def := range schema {
		ix.formats[slug] = validation.ResolveFormat(lex, slug, def)
		ix.slugs = append(ix.slugs, slug)
	}
	sort.Strings(ix.slugs)
	return ix
}

func (ix *fieldIndex) format(slug string) models.FieldFormat { return ix.formats[slug] }

func (ix *fieldIndex) def(slug string) (models.FieldDefinition, bool) {
	d, ok := ix.schema[slug]
	return d, ok
}

// conceptFields returns the schema fields a question concept refers to.
func (ix *fieldIndex) conceptFields(c lexicon.Concept) []string {
	var out []string
	for _, slug := range ix.slugs {
		if ix.matchesConcept(slug, c) {
			out = append(out, slug)
		}
	}
	return out
}

func (ix *fieldIndex) matchesConcept(slug string, c lexicon.Concept) bool {
	if c.Format != "" && string(ix.formats[slug]) == c.Format {
		return true
	}
	for _, hint := range c.SlugHints {
		if lexicon.SlugHasHint(slug, hint) {
			return true
		}
	}
	return false
}

// fieldsOfConcept returns the fields matching the named concept.
func (ix *fieldIndex) fieldsOfConcept(name string) []string {
	for _, c := range ix.lex.Concepts {
		if c.Name == name {
			return ix.conceptFields(c)
		}
	}
	return nil
}

func (ix *fieldIndex) isConcept(slug, name string) bool {
	for _, c := range ix.lex.Concepts {
		if c.Name == name {
			return ix.matchesConcept(slug, c)
		}
	}
	return false
}

// conceptKeywords returns the question keywords of every concept the field belongs to.
func (ix *fieldIndex) conceptKeywords(slug string) []string {
	var out []string
	for _, c := range ix.lex.Concepts {
		if ix.matchesConcept(slug, c) {
			out = append(out, c.Keywords...)
		}
	}
	return out
}

func (ix *fieldIndex) firstWithFormat(f models.FieldFormat) (string, bool) {
	for _, slug := range ix.slugs {
		if ix.formats[slug] == f {
			return slug, true
		}
	}
	return "", false
}

// findBySlugHint returns the first field whose slug contains hint as whole words.
func (ix *fieldIndex) findBySlugHint(hint string) (string, bool) {
	for _, slug := range ix.slugs {
		if lexicon.SlugHasHint(slug, hint) {
			return slug, true
		}
	}
	return "", false
}

func (ix *fieldIndex) isIdentifier(slug string) bool {
	f := ix.formats[slug]
	return f == models.FormatIsraeliID || f == models.FormatBusinessRegistrationID
}

// isLocationOrDate reports fields that an identifier-shaped reply must never populate.
func (ix *fieldIndex) isLocationOrDate(slug string) bool {
	switch ix.formats[slug] {
	case models.FormatZip, models.FormatPOBox, models.FormatDate:
		return true
	}
	return ix.isConcept(slug, "street") || ix.isConcept(slug, "city")
}

func (ix *fieldIndex) isBoolean(slug string) bool {
	d, ok := ix.schema[slug]
	return ok && d.Type == models.FieldTypeBoolean
}

// isClosedAnswer reports fields whose answer comes from a fixed set: yes/no, enums and alias formats.
func (ix *fieldIndex) isClosedAnswer(slug string) bool {
	d, ok := ix.schema[slug]
	if !ok {
		return false
	}
	if d.Type == models.FieldTypeBoolean {
		return true
	}
	if d.Type != "" && d.Type != models.FieldTypeString {
		return false
	}
	switch ix.formats[slug] {
	case models.FormatZip, models.FormatPOBox, models.FormatLegalEntityType,
		models.FormatRelationToBusiness, models.FormatBuildingRelation:
		return true
	}
	return len(d.Enum) > 0
}

// ---- message shape helpers ----

// shortReplyRunes bounds what counts as a single short answer.
const shortReplyRunes = 40

func isShortReply(msg string) bool {
	m := strings.TrimSpace(msg)
	if m == "" || strings.Contains(m, "\n") {
		return false
	}
	if isNumericReply(m) {
		return true
	}
	return utf8.RuneCountInString(m) <= shortReplyRunes && len(strings.Fields(m)) <= 5
}

var separatorsRe = regexp.MustCompile(`[\s\-./]+`)

func digitsOnly(msg string) string {
	return separatorsRe.ReplaceAllString(strings.TrimSpace(msg), "")
}

func isNumericReply(msg string) bool {
	d := digitsOnly(msg)
	if d == "" {
		return false
	}
	for _, r := range d {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var (
	identifierRunRe = regexp.MustCompile(`(?:^|\D)(\d{8,10})(?:\D|$)`)
	innerSepRe      = regexp.MustCompile(`(\d)[\s\-](\d)`)
	clauseSepRe     = regexp.MustCompile(`[,.!?;:\n]+`)
)

// identifierRun returns an 8 to 10 digit run found in msg after removing separators inside numbers.
func identifierRun(msg string) (string, bool) {
	// Two passes: adjacent matches share a digit, so "1 2 3" needs both.
	compact := innerSepRe.ReplaceAllString(msg, "$1$2")
	compact = innerSepRe.ReplaceAllString(compact, "$1$2")
	m := identifierRunRe.FindStringSubmatch(compact)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func looksLikeMobile(digits string) bool {
	return (len(digits) == 10 && strings.HasPrefix(digits, "05")) ||
		(len(digits) == 9 && strings.HasPrefix(digits, "5"))
}

// clauses splits a reply on sentence punctuation, for leading yes/no detection ("לא, אין לנו").
func clauses(msg string) []string {
	parts := clauseSepRe.Split(msg, -1)
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

// valueString renders a scalar for comparisons between extraction, known and rejected values.
func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		t = strings.TrimSpace(t)
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return formatFloat(f)
		}
		return lexicon.Fold(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return formatFloat(t)
	case int:
		return formatFloat(float64(t))
	}
	return lexicon.Fold(strings.TrimSpace(toString(v)))
}
