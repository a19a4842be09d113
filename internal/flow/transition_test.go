package flow

import (
	"testing"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

func TestTransitions_Next(t *testing.T) {
	stage := models.Stage{NextStage: &models.NextStage{
		Conditional: []models.ConditionalRule{
			{Condition: "has_po_box = true", IfTrue: "po_box"},
			{Condition: "employees = 0", IfFalse: "staff"},
		},
		Fallback: "summary",
	}}
	tests := []struct {
		name     string
		data     map[string]any
		want     string
		wantRule string
	}{
		{"first rule true", map[string]any{"has_po_box": true, "employees": 3}, "po_box", "has_po_box = true"},
		{"second rule false branch", map[string]any{"has_po_box": false, "employees": 3}, "staff", "NOT (employees = 0)"},
		{"fallback", map[string]any{"has_po_box": false, "employees": 0}, "summary", "fallback"},
		{"missing data counts as false", map[string]any{}, "staff", "NOT (employees = 0)"},
	}
	tr := NewTransitions(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rule, ok := tr.Next(stage, tt.data)
			if !ok || got != tt.want || rule != tt.wantRule {
				t.Errorf("Next = (%q, %q, %v), want (%q, %q, true)", got, rule, ok, tt.want, tt.wantRule)
			}
		})
	}

	if got, _, ok := tr.Next(models.Stage{NextStage: &models.NextStage{Fixed: "b"}}, nil); !ok || got != "b" {
		t.Errorf("fixed next = %q, %v", got, ok)
	}
	if _, _, ok := tr.Next(models.Stage{}, nil); ok {
		t.Error("expected terminal stage to report no next stage")
	}
}

func TestTransitions_Complete(t *testing.T) {
	flow := &models.FlowDefinition{Definition: models.FlowSpec{Fields: map[string]models.FieldDefinition{
		"has_po_box": {Type: models.FieldTypeBoolean},
		"po_box":     {Type: models.FieldTypeString, Format: models.FormatPOBox},
		"zip":        {Type: models.FieldTypeString, Format: models.FormatZip},
	}}}
	stage := models.Stage{
		FieldsToCollect: []string{"has_po_box", "po_box", "zip"},
		CustomCompletion: &models.CustomCompletion{
			Condition:      "has_po_box = false",
			RequiredFields: []string{"zip"},
		},
	}
	tests := []struct {
		name        string
		data        map[string]any
		want        bool
		wantMissing int
	}{
		{"nothing collected", map[string]any{}, false, 3},
		{"custom completion satisfied", map[string]any{"has_po_box": false, "zip": "6100001"}, true, 1},
		{"custom completion missing required", map[string]any{"has_po_box": false}, false, 2},
		{"all fields present", map[string]any{"has_po_box": true, "po_box": "1234", "zip": "6100001"}, true, 0},
		{"invalid stored value is missing", map[string]any{"has_po_box": true, "po_box": "1234", "zip": "0123"}, false, 1},
		{"placeholder is missing", map[string]any{"has_po_box": true, "po_box": "", "zip": "6100001"}, false, 1},
	}
	tr := NewTransitions(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tr.Complete(flow, stage, tt.data); got != tt.want {
				t.Errorf("Complete = %v, want %v", got, tt.want)
			}
			if got := tr.Missing(flow, stage, tt.data); len(got) != tt.wantMissing {
				t.Errorf("Missing = %v, want %d entries", got, tt.wantMissing)
			}
		})
	}
}

func TestTransitions_HoldsTreatsErrorsAsFalse(t *testing.T) {
	tr := NewTransitions(nil, nil)
	if tr.Holds("a = true AND b = true OR c = true", map[string]any{"a": true, "b": true, "c": true}) {
		t.Error("expected an unparsable condition to be false")
	}
	if !tr.Holds("", nil) {
		t.Error("expected an empty condition to hold")
	}
}
