package tools

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/validation"
)

// RegisterBuiltins installs the handlers that need no external service.
func RegisterBuiltins(r *Registry) error {
	builtins := map[models.ToolName]Handler{
		models.ToolLookupBusinessRegistry: LookupBusinessRegistry,
		models.ToolGenerateQuote:          GenerateQuote,
		models.ToolNotifyAgent:            NotifyAgent,
	}
	for name, h := range builtins {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// LookupBusinessRegistry checks the registration number's checksum. A registry integration can
// replace it through the webhook executor.
func LookupBusinessRegistry(ctx context.Context, payload map[string]any, tc models.ToolContext) (models.ToolResult, error) {
	id := strings.TrimSpace(fmt.Sprint(payload["business_id"]))
	if id == "" || payload["business_id"] == nil {
		return models.ToolResult{}, NewError(models.ErrorCodeInvalidBusinessID, "missing business registration number")
	}
	if len(id) < 9 {
		id = strings.Repeat("0", 9-len(id)) + id
	}
	if len(id) != 9 || !validation.ValidChecksum(id) {
		return models.ToolResult{}, NewError(models.ErrorCodeInvalidBusinessID, id)
	}
	return models.ToolResult{Success: true, Data: map[string]any{"business_id": id, "business_verified": true}}, nil
}

// Premium table, in shekels per year.
const (
	basePremium        = 1200.0
	perEmployeePremium = 85.0
)

var coverageFactor = map[string]float64{
	"בסיסי":    1.0,
	"מורחב":    1.35,
	"מקיף":     1.8,
	"basic":    1.0,
	"extended": 1.35,
	"full":     1.8,
}

// GenerateQuote prices a policy from the employee count and coverage level.
func GenerateQuote(ctx context.Context, payload map[string]any, tc models.ToolContext) (models.ToolResult, error) {
	employees, err := number(payload["employee_count"])
	if err != nil || employees < 0 {
		return models.ToolResult{}, fmt.Errorf("employee_count: invalid value %v", payload["employee_count"])
	}
	factor := 1.0
	if level, ok := payload["coverage_level"].(string); ok {
		if f, ok := coverageFactor[strings.ToLower(strings.TrimSpace(level))]; ok {
			factor = f
		}
	}
	premium := math.Round((basePremium + perEmployeePremium*employees) * factor)
	slog.Debug("GenerateQuote: priced", "conversationID", tc.ConversationID, "employees", employees, "premium", premium)
	return models.ToolResult{Success: true, Data: map[string]any{"quote_premium": premium, "quote_currency": "ILS"}}, nil
}

// NotifyAgent logs a handoff to a human agent.
func NotifyAgent(ctx context.Context, payload map[string]any, tc models.ToolContext) (models.ToolResult, error) {
	slog.Info("NotifyAgent: conversation handed to an agent", "conversationID", tc.ConversationID,
		"flow", tc.FlowSlug, "stage", tc.Stage, "fields", len(payload))
	return models.ToolResult{Success: true, Data: map[string]any{"agent_notified": true}}, nil
}

func number(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	}
	return 0, fmt.Errorf("not a number: %v", v)
}
