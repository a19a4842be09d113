// Package flow loads declarative flow definitions and drives conversations through them.
package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/OnboardPipe/internal/condition"
	"github.com/BTreeMap/OnboardPipe/internal/lexicon"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

var (
	// ErrInvalidFlow wraps every structural violation found at load time.
	ErrInvalidFlow = errors.New("invalid flow definition")
	// ErrFlowNotFound is returned for an unknown flow slug.
	ErrFlowNotFound = errors.New("flow not found")
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes a flow definition from JSON, or YAML when name ends in .yaml or .yml, and validates it.
func Parse(data []byte, name string, lex *lexicon.Lexicon) (*models.FlowDefinition, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".yaml" || ext == ".yml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%s: %w: %v", name, ErrInvalidFlow, err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", name, ErrInvalidFlow, err)
		}
		data = converted
	}

	var def models.FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrInvalidFlow, err)
	}
	if err := Validate(&def, lex); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &def, nil
}

// LoadDir parses every .json, .yaml and .yml file in dir, sorted by name.
func LoadDir(dir string, lex *lexicon.Lexicon) ([]*models.FlowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flows directory %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var defs []*models.FlowDefinition
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read flow file %s: %w", name, err)
		}
		def, err := Parse(data, name, lex)
		if err != nil {
			return nil, err
		}
		slog.Debug("flow.LoadDir: flow loaded", "file", name, "slug", def.Slug, "version", def.Version, "stages", len(def.Definition.Stages))
		defs = append(defs, def)
	}
	return defs, nil
}

// Validate checks struct tags and every cross reference of def. All violations are reported together.
func Validate(def *models.FlowDefinition, lex *lexicon.Lexicon) error {
	if err := structValidator.Struct(def); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	if lex == nil {
		lex = lexicon.MustDefault()
	}

	v := &checker{def: def, lex: lex}
	spec := def.Definition
	if _, ok := spec.Stages[spec.Config.InitialStage]; !ok {
		v.failf("config.initialStage %q is not a stage", spec.Config.InitialStage)
	}
	v.condition("config.completionCondition", spec.Config.CompletionCondition)

	for _, slug := range sortedKeys(spec.Fields) {
		v.field(slug, spec.Fields[slug])
	}
	for _, slug := range sortedKeys(spec.Stages) {
		v.stage(slug, spec.Stages[slug])
	}
	v.reachability()

	if len(v.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidFlow, errors.Join(v.errs...))
}

type checker struct {
	def  *models.FlowDefinition
	lex  *lexicon.Lexicon
	errs []error
}

func (v *checker) failf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *checker) condition(where, expr string) {
	if strings.TrimSpace(expr) == "" {
		return
	}
	if err := condition.Check(expr); err != nil {
		v.failf("%s: %w", where, err)
	}
}

func (v *checker) stageExists(where, slug string) {
	if _, ok := v.def.Definition.Stages[slug]; !ok {
		v.failf("%s: unknown stage %q", where, slug)
	}
}

func (v *checker) fieldExists(where, slug string) {
	if _, ok := v.def.Definition.Fields[slug]; !ok {
		v.failf("%s: unknown field %q", where, slug)
	}
}

func (v *checker) field(slug string, f models.FieldDefinition) {
	where := "fields." + slug
	if f.Format != models.FormatNone && !knownFormat(f.Format) {
		v.failf("%s: unknown format %q", where, f.Format)
	}
	if f.Pattern != "" {
		if _, err := regexp.Compile(f.Pattern); err != nil {
			v.failf("%s: invalid pattern: %v", where, err)
		}
	}
	if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
		v.failf("%s: minLength %d exceeds maxLength %d", where, *f.MinLength, *f.MaxLength)
	}
	if f.ProhibitedWordsList != "" {
		if _, ok := v.lex.Blocklist(f.ProhibitedWordsList); !ok {
			v.failf("%s: unknown prohibitedWordsList %q", where, f.ProhibitedWordsList)
		}
	}
	if len(f.Enum) > 0 && f.Type != models.FieldTypeString {
		v.failf("%s: enum requires type string", where)
	}
}

func knownFormat(f models.FieldFormat) bool {
	for _, k := range models.KnownFormats {
		if k == f {
			return true
		}
	}
	return false
}

func (v *checker) stage(slug string, s models.Stage) {
	where := "stages." + slug
	for _, f := range s.FieldsToCollect {
		v.fieldExists(where+".fieldsToCollect", f)
	}

	if cc := s.CustomCompletion; cc != nil {
		v.condition(where+".customCompletion.condition", cc.Condition)
		for _, f := range cc.RequiredFields {
			v.fieldExists(where+".customCompletion.requiredFields", f)
		}
	}

	if a := s.Action; a != nil {
		if !a.Tool.IsKnown() {
			v.failf("%s.action: unknown tool %q", where, a.Tool)
		}
		v.condition(where+".action.condition", a.Condition)
		if a.OnError != nil {
			v.errorHandling(where+".action.onError", a.OnError)
		}
		for _, field := range a.ResultFields {
			v.fieldExists(where+".action.resultFields", field)
		}
	}

	if n := s.NextStage; n != nil {
		if n.IsConditional() {
			if len(n.Conditional) == 0 {
				v.failf("%s.nextStage: conditional form needs at least one rule", where)
			}
			if n.Fallback == "" {
				v.failf("%s.nextStage: fallback is mandatory", where)
			}
			for i, r := range n.Conditional {
				rw := fmt.Sprintf("%s.nextStage.conditional[%d]", where, i)
				if strings.TrimSpace(r.Condition) == "" {
					v.failf("%s: empty condition", rw)
				}
				v.condition(rw, r.Condition)
				if r.IfTrue == "" && r.IfFalse == "" {
					v.failf("%s: needs ifTrue or ifFalse", rw)
				}
			}
		}
		for _, target := range n.Targets() {
			v.stageExists(where+".nextStage", target)
		}
	}
}

func (v *checker) errorHandling(where string, cfg *models.ErrorHandlingConfig) {
	if cfg.Behavior == models.BehaviorNewStage && cfg.NextStage == "" {
		v.failf("%s: behavior newStage needs nextStage", where)
	}
	if cfg.NextStage != "" {
		v.stageExists(where, cfg.NextStage)
	}
	for _, f := range cfg.ResetFields {
		v.fieldExists(where+".resetFields", f)
	}
	codes := make([]string, 0, len(cfg.ErrorCodes))
	for code := range cfg.ErrorCodes {
		codes = append(codes, string(code))
	}
	sort.Strings(codes)
	for _, code := range codes {
		o := cfg.ErrorCodes[models.ErrorCode(code)]
		cw := where + ".errorCodes." + code
		if !models.ErrorCode(code).IsKnown() {
			slog.Warn("flow.Validate: override for an unknown error code", "where", cw)
		}
		if o.Behavior == models.BehaviorNewStage && o.NextStage == "" && cfg.NextStage == "" {
			v.failf("%s: behavior newStage needs nextStage", cw)
		}
		if o.NextStage != "" {
			v.stageExists(cw, o.NextStage)
		}
		for _, f := range o.ResetFields {
			v.fieldExists(cw+".resetFields", f)
		}
	}
}

// reachability only warns: unreachable stages are legal but usually an authoring mistake.
func (v *checker) reachability() {
	spec := v.def.Definition
	seen := map[string]bool{}
	queue := []string{spec.Config.InitialStage}
	for len(queue) > 0 {
		slug := queue[0]
		queue = queue[1:]
		s, ok := spec.Stages[slug]
		if !ok || seen[slug] {
			continue
		}
		seen[slug] = true
		queue = append(queue, s.NextStage.Targets()...)
		if s.Action != nil && s.Action.OnError != nil {
			queue = append(queue, s.Action.OnError.NextStage)
			for _, o := range s.Action.OnError.ErrorCodes {
				queue = append(queue, o.NextStage)
			}
		}
	}
	for _, slug := range sortedKeys(spec.Stages) {
		if !seen[slug] {
			slog.Warn("flow.Validate: stage is unreachable", "flow", v.def.Slug, "stage", slug)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
