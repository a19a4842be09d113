// Package validation turns noisy user answers into canonical field values or a typed rejection.
//
// Validation is side-effect free: it never touches flow definitions or stored data, callers decide
// whether to persist Result.Value.
package validation

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/BTreeMap/OnboardPipe/internal/lexicon"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Reason is a stable, machine-readable rejection code.
type Reason string

// Rejection reasons.
const (
	ReasonMinLength          Reason = "minLength"
	ReasonMaxLength          Reason = "maxLength"
	ReasonEnum               Reason = "enum"
	ReasonPattern            Reason = "pattern"
	ReasonZipInvalid         Reason = "zip_invalid"
	ReasonPOBoxInvalid       Reason = "po_box_invalid"
	ReasonIsraeliIDInvalid   Reason = "israeli_id_invalid"
	ReasonBusinessRegInvalid Reason = "business_registration_id_invalid"
	ReasonMobileInvalid      Reason = "mobile_invalid"
	ReasonEmailInvalid       Reason = "email_invalid"
	ReasonEmailTypoSuspected Reason = "email_typo_suspected"
	ReasonDateInvalid        Reason = "date_invalid"
	ReasonProhibitedWord     Reason = "prohibited_word"
)

// UnknownSentinel is the canonical value stored for an explicit "don't know" postal code.
const UnknownSentinel = "unknown"

// Result is the outcome of validating one value.
type Result struct {
	OK         bool
	Value      any    // normalized value, also set on rejection
	Absent     bool   // the raw value was a placeholder and was passed through untouched
	Reason     Reason // set when OK is false
	Suggestion string // corrected value for ReasonEmailTypoSuspected
}

// Opts holds validator configuration.
type Opts struct {
	Lexicon *lexicon.Lexicon
}

// Option configures a Validator.
type Option func(*Opts)

// WithLexicon overrides the embedded vocabulary.
func WithLexicon(l *lexicon.Lexicon) Option {
	return func(o *Opts) {
		o.Lexicon = l
	}
}

// Validator validates and normalizes field values.
type Validator struct {
	lex      *lexicon.Lexicon
	patterns sync.Map // pattern source -> *regexp.Regexp or error
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Lexicon == nil {
		o.Lexicon = lexicon.MustDefault()
	}
	return &Validator{lex: o.Lexicon}
}

// Lexicon returns the vocabulary the validator matches against.
func (v *Validator) Lexicon() *lexicon.Lexicon { return v.lex }

// Validate normalizes raw for the field and checks its constraints.
func (v *Validator) Validate(slug string, def models.FieldDefinition, raw any) Result {
	return v.validate(slug, def, raw, false)
}

// ValidateConfirmed is Validate for a value the user repeated after a typo suggestion: a suspected
// typo is accepted as written.
func (v *Validator) ValidateConfirmed(slug string, def models.FieldDefinition, raw any) Result {
	return v.validate(slug, def, raw, true)
}

func (v *Validator) validate(slug string, def models.FieldDefinition, raw any, confirmed bool) Result {
	if IsPlaceholder(raw) {
		return Result{OK: true, Value: raw, Absent: true}
	}
	s, ok := raw.(string)
	if !ok || (def.Type != "" && def.Type != models.FieldTypeString) {
		return Result{OK: true, Value: raw}
	}
	s = strings.TrimSpace(s)

	sp := v.normalizeSpecial(ResolveFormat(v.lex, slug, def), def, s)
	if sp.reject != nil {
		if confirmed && sp.reject.Reason == ReasonEmailTypoSuspected {
			return Result{OK: true, Value: sp.reject.Value}
		}
		return *sp.reject
	}
	str, isString := sp.value.(string)
	if !isString || sp.final {
		return Result{OK: true, Value: sp.value}
	}

	if def.ProhibitedWordsList != "" {
		if words, ok := v.lex.Blocklist(def.ProhibitedWordsList); ok && containsProhibited(str, words, v.lex.BlocklistExceptions()) {
			return Result{OK: false, Value: str, Reason: ReasonProhibitedWord}
		}
	}
	return v.checkGeneric(def, str)
}

func (v *Validator) checkGeneric(def models.FieldDefinition, s string) Result {
	n := utf8.RuneCountInString(s)
	if def.MinLength != nil && n < *def.MinLength {
		return Result{OK: false, Value: s, Reason: ReasonMinLength}
	}
	if def.MaxLength != nil && n > *def.MaxLength {
		return Result{OK: false, Value: s, Reason: ReasonMaxLength}
	}
	if len(def.Enum) > 0 {
		member, ok := enumMember(def.Enum, s)
		if !ok {
			return Result{OK: false, Value: s, Reason: ReasonEnum}
		}
		s = member
	}
	if def.Pattern != "" {
		re, err := v.compile(def.Pattern)
		if err != nil || !re.MatchString(s) {
			return Result{OK: false, Value: s, Reason: ReasonPattern}
		}
	}
	return Result{OK: true, Value: s}
}

func (v *Validator) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := v.patterns.Load(pattern); ok {
		if re, ok := cached.(*regexp.Regexp); ok {
			return re, nil
		}
		return nil, cached.(error)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		v.patterns.Store(pattern, err)
		return nil, err
	}
	v.patterns.Store(pattern, re)
	return re, nil
}

// enumMember returns the enum member s denotes, matching exactly first and then by folded form.
func enumMember(enum []string, s string) (string, bool) {
	for _, e := range enum {
		if e == s {
			return e, true
		}
	}
	f := lexicon.Fold(s)
	for _, e := range enum {
		if lexicon.Fold(e) == f {
			return e, true
		}
	}
	return "", false
}

// IsPlaceholder reports whether v should be treated as not present: nil, empty or whitespace-only
// strings, and the literal tokens "null" and "undefined" in any case.
func IsPlaceholder(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	t := strings.TrimSpace(s)
	return t == "" || strings.EqualFold(t, "null") || strings.EqualFold(t, "undefined")
}
