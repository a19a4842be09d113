// Package recovery decides how a flow reacts when a stage action fails.
//
// A failure is resolved against the action's ErrorHandlingConfig: a per-code override wins over the
// generic behavior. Independently of the behavior, failures whose text carries infrastructure
// vocabulary are classified as technical and are only ever shown to the user as a generic message.
package recovery

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/lexicon"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Failure is a failed tool result as seen by the policy.
type Failure struct {
	Message string
	Code    models.ErrorCode
}

// FailureFromResult extracts the failure of an unsuccessful ToolResult.
func FailureFromResult(r models.ToolResult) Failure {
	return Failure{Message: r.Error, Code: r.ErrorCode}
}

// Vars are the values substituted into message templates.
type Vars struct {
	Stage          string
	ConversationID string
}

// Decision is the resolved reaction to a failure.
type Decision struct {
	Behavior    models.ErrorBehavior
	NextStage   string   // recovery stage for BehaviorNewStage
	ResetFields []string // UserData keys cleared before moving to NextStage
	Message     string   // user-facing text, safe to display
	Technical   bool     // the raw error was infrastructure noise and was masked
	Override    bool     // a per-code override was applied
}

// Opts holds policy configuration.
type Opts struct {
	Lexicon *lexicon.Lexicon
}

// Option configures a Policy.
type Option func(*Opts)

// WithLexicon overrides the vocabulary used to classify technical failures.
func WithLexicon(l *lexicon.Lexicon) Option {
	return func(o *Opts) {
		o.Lexicon = l
	}
}

// Policy is the error policy engine. It is stateless and safe for concurrent use.
type Policy struct {
	lex *lexicon.Lexicon
}

// New creates a Policy.
func New(opts ...Option) *Policy {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Lexicon == nil {
		o.Lexicon = lexicon.MustDefault()
	}
	return &Policy{lex: o.Lexicon}
}

// IsTechnical reports whether an error text is protocol or infrastructure detail.
func (p *Policy) IsTechnical(text string) bool {
	return p.lex.IsTechnical(text)
}

// Resolve maps a failure onto a behavior. A nil config pauses at the current stage.
func (p *Policy) Resolve(cfg *models.ErrorHandlingConfig, f Failure, vars Vars, language string) Decision {
	d := Decision{Behavior: models.BehaviorPause}
	var template string
	if cfg != nil {
		d.Behavior = cfg.Behavior
		d.NextStage = cfg.NextStage
		d.ResetFields = cfg.ResetFields
		template = cfg.Message
		if ov, ok := p.override(cfg, f.Code); ok {
			d.Override = true
			d.Behavior = ov.Behavior
			if ov.NextStage != "" {
				d.NextStage = ov.NextStage
			}
			if ov.ResetFields != nil {
				d.ResetFields = ov.ResetFields
			}
			if ov.Message != "" {
				template = ov.Message
			}
		}
	}
	if d.Behavior == "" {
		d.Behavior = models.BehaviorPause
	}
	if d.Behavior == models.BehaviorNewStage && d.NextStage == "" {
		slog.Warn("Policy.Resolve: newStage without a target stage, pausing instead", "code", f.Code, "stage", vars.Stage)
		d.Behavior = models.BehaviorPause
	}
	if d.Behavior != models.BehaviorNewStage {
		d.NextStage = ""
		d.ResetFields = nil
	}

	d.Technical = p.IsTechnical(f.Message)
	d.Message = p.render(template, f, vars, language, d)
	slog.Debug("Policy.Resolve", "code", f.Code, "behavior", d.Behavior, "override", d.Override,
		"technical", d.Technical, "nextStage", d.NextStage)
	return d
}

func (p *Policy) override(cfg *models.ErrorHandlingConfig, code models.ErrorCode) (models.ErrorCodeOverride, bool) {
	if code == "" || len(cfg.ErrorCodes) == 0 {
		return models.ErrorCodeOverride{}, false
	}
	if ov, ok := cfg.ErrorCodes[code]; ok {
		return ov, true
	}
	// Codes outside the closed set arrive as ErrorCodeUnknown, which may itself be configured.
	if !code.IsKnown() {
		ov, ok := cfg.ErrorCodes[models.ErrorCodeUnknown]
		return ov, ok
	}
	return models.ErrorCodeOverride{}, false
}

func (p *Policy) render(template string, f Failure, vars Vars, language string, d Decision) string {
	if template == "" {
		if d.Behavior == models.BehaviorContinue {
			return ""
		}
		if d.Technical {
			return TechnicalMessage(language)
		}
		template = defaultTemplate(d.Behavior, language)
	}
	if d.Technical {
		if strings.Contains(template, "{error}") {
			return TechnicalMessage(language)
		}
		return Render(template, "", vars)
	}
	return Render(template, strings.TrimSpace(f.Message), vars)
}

// Render substitutes {error}, {stage} and {conversationId} in template.
func Render(template, errText string, vars Vars) string {
	r := strings.NewReplacer(
		"{error}", errText,
		"{stage}", vars.Stage,
		"{conversationId}", vars.ConversationID,
	)
	return strings.TrimSpace(r.Replace(template))
}

// TechnicalMessage is the generic text shown for any infrastructure failure.
func TechnicalMessage(language string) string {
	if language == "en" {
		return "Something went wrong on our side. Your details are saved, please try again in a few minutes."
	}
	return "נתקלנו בתקלה זמנית אצלנו. הפרטים שלך נשמרו, אפשר לנסות שוב בעוד כמה דקות."
}

func defaultTemplate(b models.ErrorBehavior, language string) string {
	en := language == "en"
	switch b {
	case models.BehaviorEndFlow:
		if en {
			return "We couldn't complete the process. {error}"
		}
		return "לא הצלחנו להשלים את התהליך. {error}"
	case models.BehaviorNewStage:
		if en {
			return "Let's go over a few details again. {error}"
		}
		return "בואו נעבור שוב על כמה פרטים. {error}"
	}
	if en {
		return "We couldn't complete this step. {error}"
	}
	return "לא הצלחנו להשלים את השלב הזה. {error}"
}
