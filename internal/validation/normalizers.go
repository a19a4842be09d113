package validation

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/BTreeMap/OnboardPipe/internal/lexicon"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// special is the outcome of a format-specific normalizer.
type special struct {
	value  any
	reject *Result
	final  bool // skip generic constraints (sentinels)
}

func keep(s string) special { return special{value: s} }

func reject(value any, reason Reason) special {
	return special{reject: &Result{OK: false, Value: value, Reason: reason}}
}

// ResolveFormat returns the declared format, or infers it from the slug and then the description.
func ResolveFormat(lex *lexicon.Lexicon, slug string, def models.FieldDefinition) models.FieldFormat {
	if def.Format != models.FormatNone {
		return def.Format
	}
	lower := strings.ToLower(slug)
	if strings.HasSuffix(lower, "_date") || lower == "date" {
		return models.FormatDate
	}
	best, bestLen := models.FormatNone, 0
	for _, c := range lex.Concepts {
		if c.Format == "" {
			continue
		}
		for _, hint := range c.SlugHints {
			if lexicon.SlugHasHint(lower, hint) && len(hint) > bestLen {
				best, bestLen = models.FieldFormat(c.Format), len(hint)
			}
		}
	}
	if best != models.FormatNone {
		return best
	}
	if def.Description != "" {
		for _, c := range lex.MatchConcepts(def.Description) {
			if c.Format != "" {
				return models.FieldFormat(c.Format)
			}
		}
	}
	return models.FormatNone
}

func (v *Validator) normalizeSpecial(format models.FieldFormat, def models.FieldDefinition, s string) special {
	switch format {
	case models.FormatZip:
		return v.normalizeZip(s)
	case models.FormatPOBox:
		return v.normalizePOBox(s)
	case models.FormatLegalEntityType:
		return normalizeAlias(v.lex.LegalEntities, def, s)
	case models.FormatRelationToBusiness:
		return normalizeAlias(v.lex.Relations, def, s)
	case models.FormatBuildingRelation:
		return normalizeAlias(v.lex.BuildingRelations, def, s)
	case models.FormatIsraeliID:
		return normalizeChecksumID(s, ReasonIsraeliIDInvalid)
	case models.FormatBusinessRegistrationID:
		return normalizeChecksumID(s, ReasonBusinessRegInvalid)
	case models.FormatMobile:
		return normalizeMobile(s)
	case models.FormatEmail:
		return v.normalizeEmail(s)
	case models.FormatDate:
		return normalizeDate(s)
	case models.FormatCount:
		return normalizeCount(s)
	}
	return keep(s)
}

func (v *Validator) normalizeZip(s string) special {
	if v.lex.IsUnknown(s) || strings.EqualFold(s, UnknownSentinel) {
		return special{value: UnknownSentinel, final: true}
	}
	digits := stripSeparators(s)
	if !allDigits(digits) {
		return reject(s, ReasonZipInvalid)
	}
	if strings.Trim(digits, "0") == "" {
		return special{value: UnknownSentinel, final: true}
	}
	if (len(digits) == 5 || len(digits) == 7) && digits[0] != '0' {
		return keep(digits)
	}
	return reject(digits, ReasonZipInvalid)
}

// poBoxWords are stripped before reading a PO box number, so "ת.ד 105" reads as 105.
var poBoxWords = map[string]bool{"תד": true, "תא": true, "דואר": true, "po": true, "box": true, "pob": true, "מספר": true}

func (v *Validator) normalizePOBox(s string) special {
	if v.lex.IsNegative(s) {
		return special{value: false}
	}
	var rest []string
	for _, w := range strings.Fields(lexicon.Fold(s)) {
		if !poBoxWords[w] {
			rest = append(rest, w)
		}
	}
	if len(rest) == 1 && allDigits(rest[0]) && len(rest[0]) <= 7 {
		return keep(rest[0])
	}
	return reject(s, ReasonPOBoxInvalid)
}

// normalizeAlias maps s through an alias table onto a member of the field's enum.
func normalizeAlias(table *lexicon.AliasTable, def models.FieldDefinition, s string) special {
	canonical, ok := table.Lookup(s)
	if !ok {
		if len(def.Enum) == 0 {
			return keep(s)
		}
		if member, ok := enumMember(def.Enum, s); ok {
			return keep(member)
		}
		return reject(s, ReasonEnum)
	}
	if len(def.Enum) == 0 {
		return keep(canonical)
	}
	if member, ok := enumMember(def.Enum, canonical); ok {
		return keep(member)
	}
	// The enum may use its own labels; accept a member whose own spelling resolves to the same canonical.
	for _, e := range def.Enum {
		if c, ok := table.Lookup(e); ok && c == canonical {
			return keep(e)
		}
	}
	return reject(s, ReasonEnum)
}

// idWidth is the zero-padded width of Israeli national and business registration numbers.
const idWidth = 9

func normalizeChecksumID(s string, reason Reason) special {
	digits := stripSeparators(s)
	if digits == "" || !allDigits(digits) || len(digits) > idWidth {
		return reject(s, reason)
	}
	padded := strings.Repeat("0", idWidth-len(digits)) + digits
	if !ValidChecksum(padded) {
		return reject(padded, reason)
	}
	return keep(padded)
}

// ValidChecksum reports whether a digit string passes the alternating x1/x2 weighted checksum used
// for Israeli ID and business registration numbers.
func ValidChecksum(digits string) bool {
	sum := 0
	for i, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
		d := int(r - '0')
		if i%2 == 1 {
			d *= 2
		}
		if d > 9 {
			d -= 9
		}
		sum += d
	}
	return sum%10 == 0
}

func normalizeMobile(s string) special {
	digits := stripSeparators(strings.NewReplacer("(", "", ")", "", ".", "").Replace(s))
	switch {
	case strings.HasPrefix(digits, "+972"):
		digits = "0" + digits[4:]
	case strings.HasPrefix(digits, "00972"):
		digits = "0" + digits[5:]
	case strings.HasPrefix(digits, "972") && len(digits) == 12:
		digits = "0" + digits[3:]
	case strings.HasPrefix(digits, "5") && len(digits) == 9:
		digits = "0" + digits
	}
	if len(digits) == 10 && strings.HasPrefix(digits, "05") && allDigits(digits) {
		return keep(digits)
	}
	return reject(s, ReasonMobileInvalid)
}

var dateLayouts = []string{"2006-01-02", "02/01/2006", "2/1/2006", "02.01.2006", "2.1.2006", "02-01-2006"}

func normalizeDate(s string) special {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return keep(t.Format("2006-01-02"))
		}
	}
	return reject(s, ReasonDateInvalid)
}

func normalizeCount(s string) special {
	if n, err := strconv.Atoi(stripSeparators(s)); err == nil && n >= 0 {
		return keep(strconv.Itoa(n))
	}
	return keep(s)
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '\u00a0' || r == '\t' {
			return -1
		}
		return r
	}, s)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) || r > '9' {
			return false
		}
	}
	return true
}
