// Package extraction wraps a language model's "extract fields from this message" capability in a
// pipeline of deterministic correction rules, so that a single reply cannot overwrite fields
// unrelated to what was asked.
package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/lexicon"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/validation"
)

// Model is the untrusted extraction oracle.
type Model interface {
	ExtractFields(ctx context.Context, message, fieldsDescription, stageContext string) (map[string]any, error)
}

// Recorder receives per-rule drop counts. A nil Recorder is allowed.
type Recorder interface {
	GuardDropped(rule string, n int)
}

// Context is the per-turn, never persisted input to Extract.
type Context struct {
	Message        string
	ExpectedFields []string // missing fields of the current stage, in stage order
	LastQuestion   string   // text of the question the user is answering
	StageContext   string   // stage description handed to the model
	Fields         map[string]models.FieldDefinition
	Known          map[string]any      // values already stored for this user and flow
	Rejected       map[string][]string // previously rejected values per field
	FirstTurn      bool                // no question has been asked yet
}

// Input is what every rule sees: the turn context plus facts derived by earlier rules.
type Input struct {
	Context
	Expected map[string]bool
	Short    bool

	index *fieldIndex
	lex   *lexicon.Lexicon
	val   *validation.Validator
}

// Patch is a rule's correction of the current extraction.
type Patch struct {
	Set     map[string]any
	Drop    []string
	Replace bool // discard every key not in Set
}

// Rule is one named, independently failing correction step.
type Rule struct {
	Name  string
	Apply func(in *Input, current map[string]any) Patch
}

// Opts holds guard configuration.
type Opts struct {
	Validator *validation.Validator
	Recorder  Recorder
	Rules     []Rule
}

// Option configures a Guard.
type Option func(*Opts)

// WithValidator sets the validator used by deterministic overrides.
func WithValidator(v *validation.Validator) Option {
	return func(o *Opts) { o.Validator = v }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithRules replaces the default rule pipeline.
func WithRules(rules ...Rule) Option {
	return func(o *Opts) { o.Rules = rules }
}

// Guard runs the model and then the correction pipeline.
type Guard struct {
	model    Model
	val      *validation.Validator
	recorder Recorder
	rules    []Rule
}

// NewGuard creates a Guard around model. A nil model is allowed: only deterministic rules run.
func NewGuard(model Model, opts ...Option) *Guard {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Validator == nil {
		o.Validator = validation.New()
	}
	if o.Rules == nil {
		o.Rules = DefaultRules()
	}
	return &Guard{model: model, val: o.Validator, recorder: o.Recorder, rules: o.Rules}
}

// DefaultRules returns the standard pipeline in application order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "expectation", Apply: expectationRule},
		{Name: "sanitize", Apply: sanitizeRule},
		{Name: "first_turn", Apply: firstTurnRule},
		{Name: "identifier_quarantine", Apply: identifierQuarantineRule},
		{Name: "closed_answer", Apply: closedAnswerRule},
		{Name: "narrowing", Apply: narrowingRule},
		{Name: "compound_split", Apply: compoundSplitRule},
		{Name: "plausibility", Apply: plausibilityRule},
		{Name: "rejected_values", Apply: rejectedValuesRule},
		{Name: "unchanged", Apply: unchangedRule},
	}
}

// Extract returns only the fields newly asserted or corrected by this message.
func (g *Guard) Extract(ctx context.Context, ec Context) map[string]any {
	in := g.newInput(ec)

	raw := map[string]any{}
	if g.model != nil && strings.TrimSpace(ec.Message) != "" {
		out, err := g.model.ExtractFields(ctx, ec.Message, FieldsDescription(ec.Fields, in.ExpectedFields), stageContext(ec))
		if err != nil {
			slog.Warn("Guard.Extract: model extraction failed, continuing with deterministic rules", "error", err)
		} else {
			for k, v := range out {
				raw[k] = v
			}
		}
	}
	slog.Debug("Guard.Extract: raw model output", "fields", sortedKeys(raw))

	current := raw
	for _, rule := range g.rules {
		current = g.applyRule(rule, in, current)
	}
	slog.Debug("Guard.Extract: guarded output", "fields", sortedKeys(current))
	return current
}

func (g *Guard) newInput(ec Context) *Input {
	if ec.Fields == nil {
		ec.Fields = map[string]models.FieldDefinition{}
	}
	lex := g.val.Lexicon()
	return &Input{
		Context:  ec,
		Expected: map[string]bool{},
		Short:    isShortReply(ec.Message),
		index:    newFieldIndex(lex, ec.Fields),
		lex:      lex,
		val:      g.val,
	}
}

// applyRule runs one rule in isolation: a panic leaves the extraction as it was.
func (g *Guard) applyRule(rule Rule, in *Input, current map[string]any) (result map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Guard.applyRule: rule failed, skipping", "rule", rule.Name, "error", fmt.Sprint(r))
			result = current
		}
	}()

	patch := rule.Apply(in, copyMap(current))
	next := copyMap(current)
	if patch.Replace {
		next = map[string]any{}
	}
	for _, k := range patch.Drop {
		delete(next, k)
	}
	for k, v := range patch.Set {
		next[k] = v
	}

	dropped := 0
	for k := range current {
		if _, ok := next[k]; !ok {
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("Guard.applyRule: fields dropped", "rule", rule.Name, "count", dropped)
		if g.recorder != nil {
			g.recorder.GuardDropped(rule.Name, dropped)
		}
	}
	return next
}

// FieldsDescription renders the schema for the model, expected fields first.
func FieldsDescription(fields map[string]models.FieldDefinition, expected []string) string {
	var b strings.Builder
	seen := map[string]bool{}
	write := func(slug string) {
		def, ok := fields[slug]
		if !ok || seen[slug] {
			return
		}
		seen[slug] = true
		fmt.Fprintf(&b, "- %s (%s)", slug, def.Type)
		if len(def.Enum) > 0 {
			fmt.Fprintf(&b, " one of [%s]", strings.Join(def.Enum, ", "))
		}
		if def.Description != "" {
			fmt.Fprintf(&b, ": %s", def.Description)
		}
		b.WriteString("\n")
	}
	for _, slug := range expected {
		write(slug)
	}
	for _, slug := range sortedFieldSlugs(fields) {
		write(slug)
	}
	return b.String()
}

func stageContext(ec Context) string {
	var parts []string
	if ec.StageContext != "" {
		parts = append(parts, ec.StageContext)
	}
	if ec.LastQuestion != "" {
		parts = append(parts, "Last question asked: "+ec.LastQuestion)
	}
	if len(ec.ExpectedFields) > 0 {
		parts = append(parts, "Fields being asked for: "+strings.Join(ec.ExpectedFields, ", "))
	}
	return strings.Join(parts, "\n")
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedFieldSlugs(m map[string]models.FieldDefinition) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
