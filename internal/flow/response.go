package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/validation"
)

// FieldRejection is a validation failure reported back to the user.
type FieldRejection struct {
	Field      string            `json:"field"`
	Reason     validation.Reason `json:"reason"`
	Value      any               `json:"value,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
}

type phrases struct {
	languageName string
	askFor       string
	completed    string
	ended        string
	enum         string
	invalid      string
	reasons      map[validation.Reason]string
}

var phrasebook = map[string]phrases{
	"he": {
		languageName: "Hebrew",
		askFor:       "נשמח לקבל: %s",
		completed:    "תודה! קיבלנו את כל הפרטים וסיימנו את התהליך.",
		ended:        "התהליך הסתיים. נציג יחזור אליך בהקדם.",
		enum:         "עבור %s אפשר לבחור אחת מהאפשרויות: %s",
		invalid:      "הערך שהתקבל עבור %s לא תקין, אפשר לנסות שוב?",
		reasons: map[validation.Reason]string{
			validation.ReasonZipInvalid:         "המיקוד לא תקין. מיקוד בישראל הוא 7 ספרות ולא מתחיל ב-0.",
			validation.ReasonPOBoxInvalid:       "מספר תא הדואר לא נראה תקין.",
			validation.ReasonIsraeliIDInvalid:   "מספר תעודת הזהות לא תקין, אפשר לבדוק אותו שוב?",
			validation.ReasonBusinessRegInvalid: "מספר הח.פ או העוסק לא תקין, אפשר לבדוק אותו שוב?",
			validation.ReasonMobileInvalid:      "מספר הנייד לא נראה תקין. מספר נייד מתחיל ב-05 ויש בו 10 ספרות.",
			validation.ReasonEmailInvalid:       "כתובת האימייל לא נראית תקינה.",
			validation.ReasonEmailTypoSuspected: "האם התכוונת ל-%s?",
			validation.ReasonDateInvalid:        "לא הצלחנו להבין את התאריך, אפשר לכתוב אותו כיום/חודש/שנה?",
			validation.ReasonProhibitedWord:     "לא נוכל לקבל את התשובה הזו עבור %s.",
		},
	},
	"en": {
		languageName: "English",
		askFor:       "Please tell us: %s",
		completed:    "Thank you! We have everything we need and you're all set.",
		ended:        "This process has ended. An agent will get back to you shortly.",
		enum:         "For %s please choose one of: %s",
		invalid:      "The value for %s doesn't look right, could you try again?",
		reasons: map[validation.Reason]string{
			validation.ReasonZipInvalid:         "That postal code isn't valid. Israeli postal codes have 7 digits and don't start with 0.",
			validation.ReasonPOBoxInvalid:       "That PO box number doesn't look right.",
			validation.ReasonIsraeliIDInvalid:   "That ID number isn't valid, could you check it?",
			validation.ReasonBusinessRegInvalid: "That business registration number isn't valid, could you check it?",
			validation.ReasonMobileInvalid:      "That mobile number doesn't look right. Mobile numbers start with 05 and have 10 digits.",
			validation.ReasonEmailInvalid:       "That email address doesn't look right.",
			validation.ReasonEmailTypoSuspected: "Did you mean %s?",
			validation.ReasonDateInvalid:        "We couldn't read that date, could you write it as day/month/year?",
			validation.ReasonProhibitedWord:     "We can't accept that answer for %s.",
		},
	},
}

func phrasesFor(lang string) phrases {
	if p, ok := phrasebook[lang]; ok {
		return p
	}
	return phrasebook["he"]
}

func fieldLabel(flow *models.FlowDefinition, slug string) string {
	if def, ok := flow.Field(slug); ok && def.Description != "" {
		return def.Description
	}
	return strings.ReplaceAll(slug, "_", " ")
}

// reprompt renders one rejection as an actionable sentence.
func reprompt(flow *models.FlowDefinition, r FieldRejection) string {
	p := phrasesFor(flow.Language())
	label := fieldLabel(flow, r.Field)
	switch r.Reason {
	case validation.ReasonEmailTypoSuspected:
		return fmt.Sprintf(p.reasons[r.Reason], r.Suggestion)
	case validation.ReasonProhibitedWord:
		return fmt.Sprintf(p.reasons[r.Reason], label)
	case validation.ReasonEnum:
		if def, ok := flow.Field(r.Field); ok {
			return fmt.Sprintf(p.enum, label, strings.Join(def.Enum, ", "))
		}
	}
	if msg, ok := p.reasons[r.Reason]; ok {
		return msg
	}
	return fmt.Sprintf(p.invalid, label)
}

// question is the deterministic question for the missing fields of stage.
func question(flow *models.FlowDefinition, stage models.Stage, missing []string) string {
	if len(missing) == 0 {
		return ""
	}
	if stage.Prompt != "" {
		return stage.Prompt
	}
	labels := make([]string, 0, 2)
	for _, slug := range missing {
		labels = append(labels, fieldLabel(flow, slug))
		if len(labels) == 2 {
			break
		}
	}
	return fmt.Sprintf(phrasesFor(flow.Language()).askFor, strings.Join(labels, ", "))
}

// replyPlan is everything the reply must convey, independent of who words it.
type replyPlan struct {
	flow          *models.FlowDefinition
	stage         models.Stage
	status        models.ConversationStatus
	missing       []string
	rejections    []FieldRejection
	policyMessage string
}

// Fallback renders the plan without a language model.
func (p replyPlan) Fallback() string {
	ph := phrasesFor(p.flow.Language())
	var lines []string
	if p.policyMessage != "" {
		lines = append(lines, p.policyMessage)
	}
	for _, r := range p.rejections {
		lines = append(lines, reprompt(p.flow, r))
	}
	switch p.status {
	case models.StatusCompleted:
		lines = append(lines, ph.completed)
	case models.StatusEnded:
		if p.policyMessage == "" {
			lines = append(lines, ph.ended)
		}
	default:
		if q := question(p.flow, p.stage, p.missing); q != "" {
			lines = append(lines, q)
		}
	}
	return strings.Join(lines, "\n")
}

// Prompt renders the plan as instructions for the reply model.
func (p replyPlan) Prompt() string {
	ph := phrasesFor(p.flow.Language())
	var b strings.Builder
	fmt.Fprintf(&b, "Reply in %s. Keep it short and ask at most one question.\n", ph.languageName)
	if p.stage.Description != "" {
		fmt.Fprintf(&b, "Current step: %s\n", p.stage.Description)
	}
	if p.policyMessage != "" {
		fmt.Fprintf(&b, "Tell the user exactly this first: %s\n", p.policyMessage)
	}
	if len(p.rejections) > 0 {
		b.WriteString("Some answers could not be accepted. Explain and ask again:\n")
		for _, r := range p.rejections {
			fmt.Fprintf(&b, "- %s\n", reprompt(p.flow, r))
		}
	}
	switch p.status {
	case models.StatusCompleted:
		fmt.Fprintf(&b, "The process is complete. Thank the user. Suggested wording: %s\n", ph.completed)
	case models.StatusEnded:
		b.WriteString("The process has ended. Close the conversation politely without asking anything.\n")
	default:
		if len(p.missing) > 0 {
			if p.stage.Prompt != "" {
				fmt.Fprintf(&b, "Step instructions: %s\n", p.stage.Prompt)
			}
			b.WriteString("Still needed:\n")
			for _, slug := range p.missing {
				fmt.Fprintf(&b, "- %s\n", fieldLabel(p.flow, slug))
			}
		}
	}
	return b.String()
}
