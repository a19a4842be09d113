package flow

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

func TestNewRegistry(t *testing.T) {
	quote := mustParse(t, quoteFlowJSON, "quote.json")
	intake := mustParse(t, intakeFlowJSON, "intake.json")

	tests := []struct {
		name    string
		def     string
		flows   []string
		wantErr string
	}{
		{"valid", "quote", []string{quoteFlowJSON, intakeFlowJSON}, ""},
		{"first flow is default", "", []string{quoteFlowJSON}, ""},
		{"duplicate slug", "", []string{quoteFlowJSON, quoteFlowJSON}, "duplicate flow slug"},
		{"handoff to missing flow", "", []string{intakeFlowJSON}, `handoff to unknown flow "quote"`},
		{"unknown default", "donation", []string{quoteFlowJSON}, `default flow "donation"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var defs []*models.FlowDefinition
			for i, data := range tt.flows {
				defs = append(defs, mustParse(t, data, fmt.Sprintf("flow%d.json", i)))
			}
			reg, err := NewRegistry(tt.def, defs...)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if reg.Default() != "quote" {
					t.Errorf("default = %q, want quote", reg.Default())
				}
				return
			}
			if !errors.Is(err, ErrInvalidFlow) || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	reg, err := NewRegistry("", quote, intake)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if got := strings.Join(reg.Slugs(), ","); got != "intake,quote" {
		t.Errorf("Slugs = %q", got)
	}
	if d, err := reg.Get(""); err != nil || d.Slug != "quote" {
		t.Errorf("Get(\"\") = %v, %v", d, err)
	}
	if _, err := reg.Get("nope"); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}
	if n := len(reg.List()); n != 2 {
		t.Errorf("List returned %d flows", n)
	}
}
