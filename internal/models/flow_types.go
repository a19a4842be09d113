// Package models defines the flow definition data model shared by the loader, the engine and the guard.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldType is the declared value type of a flow field.
type FieldType string

// Field type constants.
const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeBoolean FieldType = "boolean"
)

// FieldFormat selects a special-case normalizer for a string field.
type FieldFormat string

// Field format constants. An empty format means "infer from slug or description".
const (
	FormatNone                   FieldFormat = ""
	FormatZip                    FieldFormat = "zip"
	FormatPOBox                  FieldFormat = "po_box"
	FormatLegalEntityType        FieldFormat = "legal_entity_type"
	FormatIsraeliID              FieldFormat = "israeli_id"
	FormatBusinessRegistrationID FieldFormat = "business_registration_id"
	FormatMobile                 FieldFormat = "mobile"
	FormatEmail                  FieldFormat = "email"
	FormatRelationToBusiness     FieldFormat = "relation_to_business"
	FormatBuildingRelation       FieldFormat = "building_relation"
	FormatDate                   FieldFormat = "date"
	FormatCount                  FieldFormat = "count"
)

// KnownFormats lists every format a flow author may declare.
var KnownFormats = []FieldFormat{
	FormatZip, FormatPOBox, FormatLegalEntityType, FormatIsraeliID, FormatBusinessRegistrationID,
	FormatMobile, FormatEmail, FormatRelationToBusiness, FormatBuildingRelation, FormatDate, FormatCount,
}

// FieldDefinition describes one collectable field.
type FieldDefinition struct {
	Type                FieldType   `json:"type" validate:"required,oneof=string number boolean"`
	Format              FieldFormat `json:"format,omitempty"`
	Enum                []string    `json:"enum,omitempty" validate:"omitempty,unique,dive,required"`
	Pattern             string      `json:"pattern,omitempty"`
	MinLength           *int        `json:"minLength,omitempty" validate:"omitempty,gte=0"`
	MaxLength           *int        `json:"maxLength,omitempty" validate:"omitempty,gte=1"`
	ProhibitedWordsList string      `json:"prohibitedWordsList,omitempty"`
	Description         string      `json:"description,omitempty"`
}

// ConditionalRule is one entry of a conditional next-stage declaration.
type ConditionalRule struct {
	Condition string `json:"condition" validate:"required"`
	IfTrue    string `json:"ifTrue,omitempty"`
	IfFalse   string `json:"ifFalse,omitempty"`
}

// NextStage is either a fixed stage slug or an ordered list of conditional rules with a mandatory fallback.
//
// In JSON it is written either as a plain string or as {"conditional": [...], "fallback": "..."}.
type NextStage struct {
	Fixed       string
	Conditional []ConditionalRule
	Fallback    string
}

// IsConditional reports whether the next stage is resolved through rules.
func (n *NextStage) IsConditional() bool {
	return n != nil && n.Fixed == ""
}

// Targets returns every stage slug the declaration can resolve to.
func (n *NextStage) Targets() []string {
	if n == nil {
		return nil
	}
	if n.Fixed != "" {
		return []string{n.Fixed}
	}
	var out []string
	for _, r := range n.Conditional {
		if r.IfTrue != "" {
			out = append(out, r.IfTrue)
		}
		if r.IfFalse != "" {
			out = append(out, r.IfFalse)
		}
	}
	if n.Fallback != "" {
		out = append(out, n.Fallback)
	}
	return out
}

type nextStageJSON struct {
	Conditional []ConditionalRule `json:"conditional"`
	Fallback    string            `json:"fallback"`
}

// UnmarshalJSON accepts both the string and the conditional object form.
func (n *NextStage) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("nextStage: empty stage slug")
		}
		n.Fixed = s
		return nil
	}
	var obj nextStageJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("nextStage: %w", err)
	}
	n.Conditional = obj.Conditional
	n.Fallback = obj.Fallback
	return nil
}

// MarshalJSON writes the declaration back in its authored form.
func (n NextStage) MarshalJSON() ([]byte, error) {
	if n.Fixed != "" {
		return json.Marshal(n.Fixed)
	}
	return json.Marshal(nextStageJSON{Conditional: n.Conditional, Fallback: n.Fallback})
}

// ErrorBehavior is the recovery behavior applied when a stage action fails.
type ErrorBehavior string

// Error behavior constants.
const (
	BehaviorPause    ErrorBehavior = "pause"
	BehaviorNewStage ErrorBehavior = "newStage"
	BehaviorContinue ErrorBehavior = "continue"
	BehaviorEndFlow  ErrorBehavior = "endFlow"
)

// ErrorCodeOverride replaces the generic behavior for one provider error code.
type ErrorCodeOverride struct {
	Behavior    ErrorBehavior `json:"behavior" validate:"required,oneof=pause newStage continue endFlow"`
	NextStage   string        `json:"nextStage,omitempty"`
	Message     string        `json:"message,omitempty"`
	ResetFields []string      `json:"resetFields,omitempty"`
}

// ErrorHandlingConfig declares how a failed action is recovered.
type ErrorHandlingConfig struct {
	Behavior    ErrorBehavior                   `json:"behavior" validate:"required,oneof=pause newStage continue endFlow"`
	NextStage   string                          `json:"nextStage,omitempty"`
	Message     string                          `json:"message,omitempty"`
	ResetFields []string                        `json:"resetFields,omitempty"`
	ErrorCodes  map[ErrorCode]ErrorCodeOverride `json:"errorCodes,omitempty" validate:"omitempty,dive"`
}

// Action is the side effect a stage runs once its fields are complete.
type Action struct {
	Tool                    ToolName             `json:"toolName" validate:"required"`
	Condition               string               `json:"condition,omitempty"`
	OnError                 *ErrorHandlingConfig `json:"onError,omitempty"`
	AllowReExecutionOnError bool                 `json:"allowReExecutionOnError,omitempty"`
	// ResultFields maps keys of a successful ToolResult.Data onto flow fields.
	ResultFields map[string]string `json:"resultFields,omitempty"`
}

// CustomCompletion lets a stage complete with a subset of its fields.
type CustomCompletion struct {
	Condition      string   `json:"condition" validate:"required"`
	RequiredFields []string `json:"requiredFields,omitempty"`
}

// FlowHandoff moves the conversation into another flow.
type FlowHandoff struct {
	Flow         string `json:"flow" validate:"required"`
	PreserveData bool   `json:"preserveData,omitempty"`
}

// Stage is one node of the flow graph.
type Stage struct {
	Description      string            `json:"description,omitempty"`
	Prompt           string            `json:"prompt,omitempty"`
	FieldsToCollect  []string          `json:"fieldsToCollect,omitempty" validate:"omitempty,unique"`
	Action           *Action           `json:"action,omitempty"`
	CustomCompletion *CustomCompletion `json:"customCompletion,omitempty"`
	NextStage        *NextStage        `json:"nextStage,omitempty"`
	OnComplete       *FlowHandoff      `json:"onComplete,omitempty"`
}

// IsTerminal reports whether the stage ends the flow-local graph.
func (s Stage) IsTerminal() bool {
	return s.NextStage == nil
}

// FlowConfig holds flow-wide settings.
type FlowConfig struct {
	InitialStage        string       `json:"initialStage" validate:"required"`
	OnComplete          *FlowHandoff `json:"onComplete,omitempty"`
	CompletionCondition string       `json:"completionCondition,omitempty"`
	Language            string       `json:"language,omitempty" validate:"omitempty,oneof=he en"`
}

// FlowSpec is the authored body of a flow.
type FlowSpec struct {
	Config FlowConfig                 `json:"config" validate:"required"`
	Fields map[string]FieldDefinition `json:"fields" validate:"required,dive"`
	Stages map[string]Stage           `json:"stages" validate:"required,min=1,dive"`
}

// FlowDefinition is an immutable, versioned flow loaded read-only per turn.
type FlowDefinition struct {
	Name       string   `json:"name" validate:"required"`
	Slug       string   `json:"slug" validate:"required"`
	Version    int      `json:"version" validate:"gte=1"`
	Definition FlowSpec `json:"definition" validate:"required"`
}

// Language returns the flow language, defaulting to Hebrew.
func (f *FlowDefinition) Language() string {
	if f.Definition.Config.Language == "" {
		return "he"
	}
	return f.Definition.Config.Language
}

// Stage returns the named stage.
func (f *FlowDefinition) Stage(slug string) (Stage, bool) {
	s, ok := f.Definition.Stages[slug]
	return s, ok
}

// Field returns the named field definition.
func (f *FlowDefinition) Field(slug string) (FieldDefinition, bool) {
	d, ok := f.Definition.Fields[slug]
	return d, ok
}
