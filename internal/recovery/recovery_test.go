package recovery

import (
	"reflect"
	"strings"
	"testing"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

func TestResolve(t *testing.T) {
	cfg := &models.ErrorHandlingConfig{
		Behavior: models.BehaviorPause,
		Message:  "לא הצלחנו לרשום אותך: {error}",
		ErrorCodes: map[models.ErrorCode]models.ErrorCodeOverride{
			models.ErrorCodeInvalidBusinessID: {
				Behavior:    models.BehaviorNewStage,
				NextStage:   "business_details",
				ResetFields: []string{"business_id"},
				Message:     "מספר העסק {error} לא נמצא, נבדוק אותו שוב",
			},
			models.ErrorCodeUserAlreadyExists: {Behavior: models.BehaviorEndFlow},
			models.ErrorCodeUnknown:           {Behavior: models.BehaviorContinue},
		},
	}
	vars := Vars{Stage: "register", ConversationID: "c-1"}

	tests := []struct {
		name     string
		cfg      *models.ErrorHandlingConfig
		failure  Failure
		expected Decision
	}{
		{
			name:     "nil config pauses",
			cfg:      nil,
			failure:  Failure{Message: "email rejected by provider"},
			expected: Decision{Behavior: models.BehaviorPause, Message: "לא הצלחנו להשלים את השלב הזה. email rejected by provider"},
		},
		{
			name:     "generic behavior without code",
			cfg:      cfg,
			failure:  Failure{Message: "email rejected by provider"},
			expected: Decision{Behavior: models.BehaviorPause, Message: "לא הצלחנו לרשום אותך: email rejected by provider"},
		},
		{
			name:    "code override wins",
			cfg:     cfg,
			failure: Failure{Message: "515555555", Code: models.ErrorCodeInvalidBusinessID},
			expected: Decision{
				Behavior:    models.BehaviorNewStage,
				NextStage:   "business_details",
				ResetFields: []string{"business_id"},
				Message:     "מספר העסק 515555555 לא נמצא, נבדוק אותו שוב",
				Override:    true,
			},
		},
		{
			name:    "override inherits the generic message",
			cfg:     cfg,
			failure: Failure{Message: "already registered", Code: models.ErrorCodeUserAlreadyExists},
			expected: Decision{
				Behavior: models.BehaviorEndFlow,
				Message:  "לא הצלחנו לרשום אותך: already registered",
				Override: true,
			},
		},
		{
			name:     "known code without override uses generic behavior",
			cfg:      cfg,
			failure:  Failure{Message: "slow down", Code: models.ErrorCodeRateLimited},
			expected: Decision{Behavior: models.BehaviorPause, Message: "לא הצלחנו לרשום אותך: slow down"},
		},
		{
			name:     "unknown code routed to the unknown override",
			cfg:      cfg,
			failure:  Failure{Message: "weird", Code: models.ParseErrorCode("SOMETHING_NEW")},
			expected: Decision{Behavior: models.BehaviorContinue, Message: "לא הצלחנו לרשום אותך: weird", Override: true},
		},
		{
			name:     "technical failure is masked",
			cfg:      cfg,
			failure:  Failure{Message: "dial tcp 10.0.0.1:443: connection refused"},
			expected: Decision{Behavior: models.BehaviorPause, Message: TechnicalMessage("he"), Technical: true},
		},
		{
			name:     "newStage without target falls back to pause",
			cfg:      &models.ErrorHandlingConfig{Behavior: models.BehaviorNewStage, Message: "שגיאה"},
			failure:  Failure{Message: "x"},
			expected: Decision{Behavior: models.BehaviorPause, Message: "שגיאה"},
		},
		{
			name:     "continue has no default message",
			cfg:      &models.ErrorHandlingConfig{Behavior: models.BehaviorContinue},
			failure:  Failure{Message: "database is locked"},
			expected: Decision{Behavior: models.BehaviorContinue, Technical: true},
		},
	}

	p := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Resolve(tt.cfg, tt.failure, vars, "he")
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Resolve() = %+v, expected %+v", got, tt.expected)
			}
		})
	}
}

func TestResolve_TechnicalTemplateWithoutErrorIsKept(t *testing.T) {
	cfg := &models.ErrorHandlingConfig{
		Behavior:  models.BehaviorNewStage,
		NextStage: "contact",
		Message:   "Let's check your contact details again ({stage})",
	}
	got := New().Resolve(cfg, Failure{Message: "502 Bad Gateway"}, Vars{Stage: "register"}, "en")
	if !got.Technical {
		t.Fatal("expected technical classification")
	}
	if got.Message != "Let's check your contact details again (register)" {
		t.Errorf("Message = %q", got.Message)
	}
	if strings.Contains(got.Message, "502") {
		t.Errorf("raw error leaked into %q", got.Message)
	}
}

func TestTechnicalNeverLeaks(t *testing.T) {
	p := New()
	raws := []string{
		"x509: certificate signed by unknown authority",
		"pq: database connection lost",
		"HTTP status code 503",
		"context deadline exceeded (Client.Timeout exceeded)",
		"שגיאת מערכת בשרת",
	}
	for _, behavior := range []models.ErrorBehavior{models.BehaviorPause, models.BehaviorNewStage, models.BehaviorEndFlow} {
		cfg := &models.ErrorHandlingConfig{Behavior: behavior, NextStage: "retry", Message: "Error: {error}"}
		for _, raw := range raws {
			d := p.Resolve(cfg, Failure{Message: raw}, Vars{}, "en")
			if !d.Technical || d.Message != TechnicalMessage("en") {
				t.Errorf("%s / %q: got %+v", behavior, raw, d)
			}
		}
	}
}

func TestFailureFromResult(t *testing.T) {
	r := models.Failure(models.ErrorCodeGatewayUnavailable, "gateway down")
	f := FailureFromResult(r)
	if f.Code != models.ErrorCodeGatewayUnavailable || f.Message != "gateway down" {
		t.Errorf("FailureFromResult() = %+v", f)
	}
}

func TestRender(t *testing.T) {
	got := Render("{stage}/{conversationId}: {error}", "boom", Vars{Stage: "s1", ConversationID: "c9"})
	if got != "s1/c9: boom" {
		t.Errorf("Render() = %q", got)
	}
}
