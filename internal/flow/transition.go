package flow

import (
	"log/slog"

	"github.com/BTreeMap/OnboardPipe/internal/condition"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/validation"
)

// EvalFunc evaluates a condition expression against flat state.
type EvalFunc func(expr string, state map[string]any) (bool, error)

// Transitions decides stage completion and the next stage. It holds no per-conversation state.
type Transitions struct {
	eval EvalFunc
	val  *validation.Validator
}

// NewTransitions creates the transition engine. A nil eval uses the condition interpreter.
func NewTransitions(eval EvalFunc, val *validation.Validator) *Transitions {
	if eval == nil {
		eval = condition.Evaluate
	}
	if val == nil {
		val = validation.New()
	}
	return &Transitions{eval: eval, val: val}
}

// Holds evaluates expr; evaluation errors count as false.
func (t *Transitions) Holds(expr string, data map[string]any) bool {
	ok, err := t.eval(expr, data)
	if err != nil {
		slog.Warn("Transitions.Holds: condition failed to evaluate", "condition", expr, "error", err)
		return false
	}
	return ok
}

// Present reports whether data holds a valid value for slug. A suspected email typo the user
// already confirmed counts as valid.
func (t *Transitions) Present(flow *models.FlowDefinition, slug string, data map[string]any) bool {
	v, ok := data[slug]
	if !ok || validation.IsPlaceholder(v) {
		return false
	}
	def, ok := flow.Field(slug)
	if !ok {
		return true
	}
	return t.val.ValidateConfirmed(slug, def, v).OK
}

// Missing returns the stage fields not yet present, in stage order.
func (t *Transitions) Missing(flow *models.FlowDefinition, stage models.Stage, data map[string]any) []string {
	var out []string
	for _, slug := range stage.FieldsToCollect {
		if !t.Present(flow, slug, data) {
			out = append(out, slug)
		}
	}
	return out
}

// Complete reports whether the stage may advance: all fields present, or the custom completion holds.
func (t *Transitions) Complete(flow *models.FlowDefinition, stage models.Stage, data map[string]any) bool {
	if cc := stage.CustomCompletion; cc != nil && t.Holds(cc.Condition, data) {
		satisfied := true
		for _, slug := range cc.RequiredFields {
			if !t.Present(flow, slug, data) {
				satisfied = false
				break
			}
		}
		if satisfied {
			return true
		}
	}
	return len(t.Missing(flow, stage, data)) == 0
}

// Next resolves the stage following a completed stage. ok is false for a terminal stage.
// Conditional rules are tried in declaration order; the fallback always resolves.
func (t *Transitions) Next(stage models.Stage, data map[string]any) (target, rule string, ok bool) {
	n := stage.NextStage
	if n == nil {
		return "", "", false
	}
	if !n.IsConditional() {
		return n.Fixed, "", true
	}
	for _, r := range n.Conditional {
		if t.Holds(r.Condition, data) {
			if r.IfTrue != "" {
				return r.IfTrue, r.Condition, true
			}
			continue
		}
		if r.IfFalse != "" {
			return r.IfFalse, "NOT (" + r.Condition + ")", true
		}
	}
	return n.Fallback, "fallback", true
}
