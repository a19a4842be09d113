package flow

import (
	"context"
	"sync"
	"testing"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/BTreeMap/OnboardPipe/internal/validation"
)

const quoteFlowJSON = `{
  "name": "Quote",
  "slug": "quote",
  "version": 1,
  "definition": {
    "config": {"initialStage": "choose_plan", "language": "en"},
    "fields": {
      "plan": {"type": "string", "enum": ["basic", "premium"], "description": "Plan"},
      "wants_agent": {"type": "boolean", "description": "Agent callback"},
      "email": {"type": "string", "format": "email", "description": "Email"},
      "quote_id": {"type": "string", "description": "Quote reference"}
    },
    "stages": {
      "choose_plan": {
        "fieldsToCollect": ["plan"],
        "nextStage": {"conditional": [{"condition": "plan = 'premium'", "ifTrue": "agent"}], "fallback": "contact"}
      },
      "agent": {"fieldsToCollect": ["wants_agent"], "nextStage": "contact"},
      "contact": {
        "fieldsToCollect": ["email"],
        "action": {
          "toolName": "generate_quote",
          "resultFields": {"quote_id": "quote_id"},
          "onError": {
            "behavior": "pause",
            "message": "We could not prepare your quote: {error}",
            "errorCodes": {
              "INVALID_EMAIL": {"behavior": "newStage", "nextStage": "contact", "resetFields": ["email"], "message": "That email was refused, please send another one."},
              "USER_ALREADY_EXISTS": {"behavior": "endFlow", "message": "You already have a quote with us."}
            }
          }
        },
        "nextStage": "done"
      },
      "done": {"description": "All done"}
    }
  }
}`

const intakeFlowJSON = `{
  "name": "Intake",
  "slug": "intake",
  "version": 1,
  "definition": {
    "config": {"initialStage": "ask", "language": "en", "onComplete": {"flow": "quote", "preserveData": true}},
    "fields": {
      "wants_agent": {"type": "boolean", "description": "Agent callback"}
    },
    "stages": {
      "ask": {"fieldsToCollect": ["wants_agent"]}
    }
  }
}`

func mustParse(t *testing.T, data, name string) *models.FlowDefinition {
	t.Helper()
	def, err := Parse([]byte(data), name, nil)
	if err != nil {
		t.Fatalf("Parse(%s) failed: %v", name, err)
	}
	return def
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry("quote", mustParse(t, quoteFlowJSON, "quote.json"), mustParse(t, intakeFlowJSON, "intake.json"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

// mockModel returns a canned extraction per message.
type mockModel struct {
	replies map[string]map[string]any
}

func (m *mockModel) ExtractFields(_ context.Context, message, _, _ string) (map[string]any, error) {
	out := map[string]any{}
	for k, v := range m.replies[message] {
		out[k] = v
	}
	return out, nil
}

// mockExecutor records calls and answers with result.
type mockExecutor struct {
	mu       sync.Mutex
	calls    []map[string]any
	contexts []models.ToolContext
	result   func(call int, payload map[string]any) models.ToolResult
}

func (m *mockExecutor) Execute(_ context.Context, _ models.ToolName, payload map[string]any, tc models.ToolContext) models.ToolResult {
	m.mu.Lock()
	m.calls = append(m.calls, payload)
	m.contexts = append(m.contexts, tc)
	n := len(m.calls)
	m.mu.Unlock()
	if m.result == nil {
		return models.ToolResult{Success: true, Data: map[string]any{"quote_id": "Q-1"}}
	}
	return m.result(n, payload)
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockResponder is a streaming responder with a fixed reply.
type mockResponder struct {
	reply   string
	err     error
	prompts []string
}

func (m *mockResponder) GenerateResponse(_ context.Context, prompt string, _ []models.ChatMessage) (string, error) {
	m.prompts = append(m.prompts, prompt)
	return m.reply, m.err
}

func (m *mockResponder) StreamResponse(_ context.Context, prompt string, _ []models.ChatMessage, sink func(string) error) (string, error) {
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	half := len(m.reply) / 2
	for _, part := range []string{m.reply[:half], m.reply[half:]} {
		if err := sink(part); err != nil {
			return "", err
		}
	}
	return m.reply, nil
}

// mockRecorder counts recorder callbacks.
type mockRecorder struct {
	turns       int
	transitions int
	rejections  []string
	outcomes    []string
}

func (m *mockRecorder) TurnProcessed(string, models.ConversationStatus) { m.turns++ }

func (m *mockRecorder) StageTransition(string) { m.transitions++ }

func (m *mockRecorder) ValidationRejected(r validation.Reason) {
	m.rejections = append(m.rejections, string(r))
}

func (m *mockRecorder) ActionOutcome(_ models.ToolName, outcome string) {
	m.outcomes = append(m.outcomes, outcome)
}

type engineFixture struct {
	engine *Engine
	store  *store.InMemoryStore
	model  *mockModel
	tools  *mockExecutor
}

func newEngineFixture(t *testing.T, opts ...Option) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store: store.NewInMemoryStore(),
		model: &mockModel{replies: map[string]map[string]any{}},
		tools: &mockExecutor{},
	}
	all := append([]Option{WithModel(f.model), WithToolExecutor(f.tools)}, opts...)
	f.engine = NewEngine(newTestRegistry(t), f.store, all...)
	return f
}

func (f *engineFixture) turn(t *testing.T, conversationID, message string) *TurnResult {
	t.Helper()
	res, err := f.engine.ProcessTurn(context.Background(), models.TurnRequest{ConversationID: conversationID, Message: message})
	if err != nil {
		t.Fatalf("ProcessTurn(%q) failed: %v", message, err)
	}
	return res
}

func (f *engineFixture) userData(t *testing.T, conversationID, flowSlug string) map[string]any {
	t.Helper()
	data, err := f.store.GetUserData(context.Background(), conversationID, flowSlug)
	if err != nil {
		t.Fatalf("GetUserData failed: %v", err)
	}
	return data
}
