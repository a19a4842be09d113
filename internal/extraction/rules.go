package extraction

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/BTreeMap/OnboardPipe/internal/lexicon"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/validation"
)

// Heuristic bounds.
const (
	maxPlausibleCount      = 10000
	implausibleCountDigits = 7
	minIdentifierDigits    = 8
	maxIdentifierDigits    = 10
	maxFirstTurnNameWords  = 2
)

// expectationRule derives the expected field set from the wording of the last question, narrowed by
// the stage's missing-field hint when both agree on something.
func expectationRule(in *Input, _ map[string]any) Patch {
	hint := map[string]bool{}
	for _, slug := range in.ExpectedFields {
		if _, ok := in.Fields[slug]; ok {
			hint[slug] = true
		}
	}
	concept := map[string]bool{}
	if strings.TrimSpace(in.LastQuestion) != "" {
		for _, c := range in.lex.MatchConcepts(in.LastQuestion) {
			for _, slug := range in.index.conceptFields(c) {
				concept[slug] = true
			}
		}
	}

	expected := hint
	if len(concept) > 0 {
		both := map[string]bool{}
		for slug := range concept {
			if hint[slug] {
				both[slug] = true
			}
		}
		expected = concept
		if len(both) > 0 {
			expected = both
		}
	}
	in.Expected = expected
	return Patch{}
}

// sanitizeRule drops keys outside the schema, placeholders and echoed field names, and coerces the
// remaining values to their declared type.
func sanitizeRule(in *Input, current map[string]any) Patch {
	p := Patch{Set: map[string]any{}}
	for slug, v := range current {
		def, ok := in.Fields[slug]
		if !ok || validation.IsPlaceholder(v) || echoesField(slug, def, v) {
			p.Drop = append(p.Drop, slug)
			continue
		}
		coerced, ok := coerce(in.lex, def, v)
		if !ok {
			p.Drop = append(p.Drop, slug)
			continue
		}
		p.Set[slug] = coerced
	}
	return p
}

func echoesField(slug string, def models.FieldDefinition, v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	f := lexicon.Fold(s)
	if f == lexicon.Fold(slug) || f == lexicon.Fold(strings.ReplaceAll(slug, "_", " ")) {
		return true
	}
	return def.Description != "" && f == lexicon.Fold(def.Description)
}

func coerce(lex *lexicon.Lexicon, def models.FieldDefinition, v any) (any, bool) {
	switch def.Type {
	case models.FieldTypeNumber:
		switch t := v.(type) {
		case float64:
			return t, true
		case int:
			return float64(t), true
		case string:
			f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", ""), 64)
			return f, err == nil
		}
		return nil, false
	case models.FieldTypeBoolean:
		switch t := v.(type) {
		case bool:
			return t, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
				return b, true
			}
			return lex.YesNo(t)
		}
		return nil, false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return formatFloat(t), true
	case int:
		return strconv.Itoa(t), true
	case []any:
		// multi-select answers, matched with "includes"
		out := make([]any, 0, len(t))
		for _, item := range t {
			switch it := item.(type) {
			case string:
				if !validation.IsPlaceholder(it) {
					out = append(out, it)
				}
			case float64:
				out = append(out, formatFloat(it))
			}
		}
		return out, len(out) > 0
	}
	return nil, false
}

var (
	mobileInTextRe = regexp.MustCompile(`(?:\+?972[\s\-]?|0)5\d(?:[\s\-]?\d){7}`)
	hasDigitRe     = regexp.MustCompile(`\d`)
)

// firstTurnRule pulls phone, name, role and business segment out of an opening message.
func firstTurnRule(in *Input, current map[string]any) Patch {
	if !in.FirstTurn {
		return Patch{}
	}
	p := Patch{Set: map[string]any{}}
	setIfMissing := func(slug string, v any) {
		if _, ok := current[slug]; !ok {
			p.Set[slug] = v
		}
	}

	if m := mobileInTextRe.FindString(in.Message); m != "" {
		if slug, ok := in.index.firstWithFormat(models.FormatMobile); ok {
			if res := in.val.Validate(slug, in.Fields[slug], m); res.OK && !res.Absent {
				p.Set[slug] = res.Value
			}
		}
	}

	for _, slug := range in.index.fieldsOfConcept("person_name") {
		if s, ok := current[slug].(string); ok && !plausibleName(in.lex, s) {
			p.Drop = append(p.Drop, slug)
			delete(current, slug) // may be refilled from the introduction below
		}
	}
	if name := introducedName(in.lex, in.Message); len(name) > 0 {
		first, hasFirst := in.index.findBySlugHint("first_name")
		last, hasLast := in.index.findBySlugHint("last_name")
		switch {
		case hasFirst && hasLast:
			setIfMissing(first, name[0])
			if len(name) > 1 {
				setIfMissing(last, name[1])
			}
		case hasFirst:
			setIfMissing(first, strings.Join(name, " "))
		default:
			for _, hint := range []string{"full_name", "contact_name"} {
				if slug, ok := in.index.findBySlugHint(hint); ok {
					setIfMissing(slug, strings.Join(name, " "))
					break
				}
			}
		}
	}

	if segment, ok := in.lex.MatchSegment(in.Message); ok {
		for _, slug := range in.index.fieldsOfConcept("segment") {
			def := in.Fields[slug]
			if len(def.Enum) == 0 || containsString(def.Enum, segment) {
				setIfMissing(slug, segment)
				break
			}
		}
	}

	if slug, ok := in.index.firstWithFormat(models.FormatRelationToBusiness); ok {
		if canonical, ok := in.lex.Relations.Lookup(in.Message); ok {
			if res := in.val.Validate(slug, in.Fields[slug], canonical); res.OK && !res.Absent {
				setIfMissing(slug, res.Value)
			}
		}
	}
	return p
}

// introducedName returns up to two name words following an introduction phrase ("קוראים לי", "my name is").
func introducedName(lex *lexicon.Lexicon, msg string) []string {
	type word struct{ orig, folded string }
	var words []word
	for _, w := range strings.Fields(msg) {
		if f := lexicon.Fold(w); f != "" {
			words = append(words, word{orig: w, folded: f})
		}
	}
	for _, intro := range lex.FirstTurn.NameIntros {
		iw := strings.Fields(lexicon.Fold(intro))
		if len(iw) == 0 {
			continue
		}
		for i := 0; i+len(iw) <= len(words); i++ {
			match := true
			for j := range iw {
				if words[i+j].folded != iw[j] {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			var name []string
			for _, w := range words[i+len(iw):] {
				if len(name) == maxFirstTurnNameWords || lex.IsStopWord(w.folded) || lex.IsDomainNoun(w.folded) || hasDigitRe.MatchString(w.orig) {
					break
				}
				name = append(name, strings.TrimFunc(w.orig, func(r rune) bool { return unicode.IsPunct(r) }))
				if strings.ContainsAny(w.orig, ",.!?;") {
					break
				}
			}
			if len(name) > 0 {
				return name
			}
		}
	}
	return nil
}

// plausibleName rejects name values made only of intent words and product nouns ("ביטוח לעסק").
func plausibleName(lex *lexicon.Lexicon, s string) bool {
	words := strings.Fields(lexicon.Fold(s))
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if !lex.IsStopWord(w) && !lex.IsDomainNoun(w) {
			return true
		}
	}
	return false
}

// identifierQuarantineRule keeps identifier-shaped replies out of address and date fields.
func identifierQuarantineRule(in *Input, current map[string]any) Patch {
	digits := digitsOnly(in.Message)
	expectedID := ""
	for _, slug := range in.expectedOrdered() {
		if in.index.isIdentifier(slug) {
			expectedID = slug
			break
		}
	}

	if dateShapeRe.MatchString(strings.TrimSpace(in.Message)) {
		return Patch{}
	}
	pure := isNumericReply(in.Message) && len(digits) >= minIdentifierDigits && len(digits) <= maxIdentifierDigits
	if pure && expectedID != "" {
		set := map[string]any{}
		for slug, v := range current {
			if in.index.isIdentifier(slug) {
				set[slug] = v
			}
		}
		if len(set) == 0 {
			set[expectedID] = digits
		}
		return Patch{Set: set, Replace: true}
	}
	if pure && !looksLikeMobile(digits) {
		// numeric fields are left to the plausibility rule
		return Patch{Drop: locationOrDateKeys(in, current)}
	}

	run, ok := identifierRun(in.Message)
	if !ok || (looksLikeMobile(run) && expectedID == "") {
		return Patch{}
	}
	var p Patch
	for _, slug := range locationOrDateKeys(in, current) {
		if strings.Contains(digitsIn(toString(current[slug])), run) {
			p.Drop = append(p.Drop, slug)
		}
	}
	return p
}

func locationOrDateKeys(in *Input, current map[string]any) []string {
	var out []string
	for slug := range current {
		if in.index.isLocationOrDate(slug) {
			out = append(out, slug)
		}
	}
	sort.Strings(out)
	return out
}

// closedAnswerRule computes closed-answer fields straight from the message. A short reply to a
// question with a single closed-answer field replaces the whole extraction. Otherwise only the
// computed fields are overridden and the rest of the model's output stays.
func closedAnswerRule(in *Input, _ map[string]any) Patch {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return Patch{}
	}
	var closed []string
	for _, slug := range in.expectedOrdered() {
		if in.index.isClosedAnswer(slug) {
			closed = append(closed, slug)
		}
	}
	if len(closed) == 0 {
		return Patch{}
	}
	if in.Short && len(closed) == 1 {
		if v, ok := closedValue(in, closed[0], msg); ok {
			return Patch{Set: map[string]any{closed[0]: v}, Replace: true}
		}
		return Patch{}
	}

	p := Patch{Set: map[string]any{}}
	booleanSet := false
	for _, slug := range closed {
		isBool := in.index.isBoolean(slug)
		if isBool && booleanSet {
			// one yes or no answers one question
			continue
		}
		v, ok := closedValue(in, slug, msg)
		if !ok {
			continue
		}
		p.Set[slug] = v
		booleanSet = booleanSet || isBool
		if in.Short {
			break
		}
	}
	return p
}

func closedValue(in *Input, slug, msg string) (any, bool) {
	def := in.Fields[slug]
	if in.index.isBoolean(slug) {
		if b, ok := in.lex.YesNo(msg); ok {
			return b, true
		}
		if cl := clauses(msg); len(cl) > 0 {
			return in.lex.YesNo(cl[0])
		}
		return nil, false
	}
	if def.Type != "" && def.Type != models.FieldTypeString {
		return nil, false
	}

	switch in.index.format(slug) {
	case models.FormatZip, models.FormatPOBox, models.FormatLegalEntityType,
		models.FormatRelationToBusiness, models.FormatBuildingRelation:
		if res := in.val.Validate(slug, def, msg); res.OK && !res.Absent {
			return res.Value, true
		}
		return nil, false
	}

	if len(def.Enum) == 0 {
		return nil, false
	}
	if d := digitsOnly(msg); allASCIIDigits(d) && !numericEnum(def.Enum) {
		if n, err := strconv.Atoi(d); err == nil && n >= 1 && n <= len(def.Enum) {
			return def.Enum[n-1], true
		}
	}
	f := lexicon.Fold(msg)
	for _, member := range def.Enum {
		if lexicon.Fold(member) == f {
			return member, true
		}
	}
	return nil, false
}

func numericEnum(enum []string) bool {
	for _, e := range enum {
		if allASCIIDigits(strings.TrimSpace(e)) {
			return true
		}
	}
	return false
}

// narrowingRule discards everything outside the expected set when the reply is a single short answer.
func narrowingRule(in *Input, current map[string]any) Patch {
	if !in.Short || len(in.Expected) == 0 {
		return Patch{}
	}
	var p Patch
	for slug := range current {
		if !in.Expected[slug] {
			p.Drop = append(p.Drop, slug)
		}
	}
	return p
}

// compoundPairs are field pairs that one reply may fill together.
var compoundPairs = []struct {
	first, second string
	split         func(msg string) (string, string, bool)
}{
	{first: "first_name", second: "last_name", split: splitName},
	{first: "street", second: "house_number", split: splitStreet},
}

var trailingHouseNumberRe = regexp.MustCompile(`^(.*\D)\s+(\d+[א-תa-zA-Z]?)$`)

func splitName(msg string) (string, string, bool) {
	words := strings.Fields(msg)
	if len(words) < 2 {
		return "", "", false
	}
	return words[0], strings.Join(words[1:], " "), true
}

func splitStreet(msg string) (string, string, bool) {
	m := trailingHouseNumberRe.FindStringSubmatch(strings.TrimSpace(msg))
	if m == nil {
		return "", "", false
	}
	return strings.TrimSpace(strings.TrimRight(m[1], ", ")), m[2], true
}

// compoundSplitRule splits a two-part reply only when both destination fields were asked for;
// otherwise the reply stays whole in the one that was.
func compoundSplitRule(in *Input, current map[string]any) Patch {
	if !in.Short {
		return Patch{}
	}
	msg := strings.TrimSpace(in.Message)
	p := Patch{Set: map[string]any{}}
	for _, pair := range compoundPairs {
		a, okA := in.index.findBySlugHint(pair.first)
		b, okB := in.index.findBySlugHint(pair.second)
		if !okA || !okB {
			continue
		}
		switch {
		case in.Expected[a] && in.Expected[b]:
			if x, y, ok := pair.split(msg); ok {
				p.Set[a] = x
				p.Set[b] = typed(in.Fields[b], y)
			}
		case in.Expected[a] != in.Expected[b]:
			keep, other := a, b
			if in.Expected[b] {
				keep, other = b, a
			}
			if in.Fields[keep].Type != "" && in.Fields[keep].Type != models.FieldTypeString {
				continue
			}
			if partOfReply(current[keep], msg) || partOfReply(current[other], msg) {
				p.Set[keep] = msg
				p.Drop = append(p.Drop, other)
			}
		}
	}
	return p
}

// partOfReply reports whether v is a strict part of msg, meaning the model split the reply.
func partOfReply(v any, msg string) bool {
	s := valueString(v)
	f := lexicon.Fold(msg)
	return s != "" && s != f && strings.Contains(f, s)
}

func typed(def models.FieldDefinition, s string) any {
	if def.Type == models.FieldTypeNumber {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

var dateShapeRe = regexp.MustCompile(`^\d{1,4}[./\-]\d{1,2}[./\-]\d{1,4}$`)

// plausibilityRule drops open-field values that are shaped wrong for their field.
func plausibilityRule(in *Input, current map[string]any) Patch {
	var p Patch
	for slug, v := range current {
		if !plausible(in, slug, v) {
			p.Drop = append(p.Drop, slug)
		}
	}
	return p
}

func plausible(in *Input, slug string, v any) bool {
	switch in.index.format(slug) {
	case models.FormatCount:
		d := digitsIn(valueString(v))
		if d == "" {
			return true
		}
		if len(d) >= implausibleCountDigits {
			return false
		}
		n, err := strconv.Atoi(d)
		return err == nil && n <= maxPlausibleCount
	case models.FormatDate:
		// a bare number ("2019", "20190301") is never trusted as a date
		return !allASCIIDigits(strings.TrimSpace(toString(v)))
	}
	if _, ok := v.(bool); ok {
		return hasBooleanEvidence(in, slug)
	}
	return true
}

// hasBooleanEvidence reports whether the message says yes or no, or talks about the field at all.
func hasBooleanEvidence(in *Input, slug string) bool {
	if _, ok := in.lex.YesNo(in.Message); ok {
		return true
	}
	for _, cl := range clauses(in.Message) {
		if _, ok := in.lex.YesNo(cl); ok {
			return true
		}
		for _, w := range strings.Fields(cl) {
			if _, ok := in.lex.YesNo(w); ok {
				return true
			}
		}
	}
	for _, kw := range in.index.conceptKeywords(slug) {
		if lexicon.ContainsPhrase(in.Message, kw) {
			return true
		}
	}
	if d, ok := in.index.def(slug); ok && d.Description != "" && lexicon.ContainsPhrase(in.Message, d.Description) {
		return true
	}
	return false
}

// rejectedValuesRule never lets the model reintroduce a value the validator already refused.
func rejectedValuesRule(in *Input, current map[string]any) Patch {
	var p Patch
	for slug, v := range current {
		got := valueString(v)
		for _, r := range in.Rejected[slug] {
			if valueString(r) == got {
				p.Drop = append(p.Drop, slug)
				break
			}
		}
	}
	return p
}

// unchangedRule keeps only values that differ from what is already stored.
func unchangedRule(in *Input, current map[string]any) Patch {
	var p Patch
	for slug, v := range current {
		if known, ok := in.Known[slug]; ok && valueString(known) == valueString(v) {
			p.Drop = append(p.Drop, slug)
		}
	}
	return p
}

// expectedOrdered lists the expected fields in stage order, then any others alphabetically.
func (in *Input) expectedOrdered() []string {
	seen := map[string]bool{}
	var out []string
	for _, slug := range in.ExpectedFields {
		if in.Expected[slug] && !seen[slug] {
			seen[slug] = true
			out = append(out, slug)
		}
	}
	var rest []string
	for slug := range in.Expected {
		if !seen[slug] {
			rest = append(rest, slug)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func digitsIn(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func allASCIIDigits(s string) bool {
	return s != "" && digitsIn(s) == s
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
