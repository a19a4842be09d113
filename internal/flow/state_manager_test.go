package flow

import (
	"context"
	"fmt"
	"testing"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/store"
)

func TestStateManager_RoundTrip(t *testing.T) {
	ctx := context.Background()
	sm := NewStoreBasedStateManager(store.NewInMemoryStore())

	got, err := sm.Load(ctx, "c1")
	if err != nil || got != nil {
		t.Fatalf("Load of unknown conversation = %v, %v", got, err)
	}

	conv := sm.New("c1", mustParse(t, quoteFlowJSON, "quote.json"))
	if !conv.FirstTurn() || conv.Stage != "choose_plan" || conv.Status != models.StatusActive {
		t.Fatalf("unexpected new conversation %+v", conv)
	}
	conv.Status = models.StatusPaused
	conv.LastQuestion = "Which plan?"
	conv.PolicyMessage = "try later"
	conv.AppendHistory(models.ChatRoleUser, "hi")
	conv.AppendHistory(models.ChatRoleAssistant, "")
	conv.Reject("email", "bad@")
	conv.Reject("email", "bad@")
	conv.PendingTypos["email"] = PendingTypo{Original: "a@gmial.com", Suggestion: "a@gmail.com"}
	conv.Actions["contact"] = ActionRecord{Fingerprint: "abc", ErrorCode: models.ErrorCodeTimeout}
	if err := sm.Save(ctx, conv); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err = sm.Load(ctx, "c1")
	if err != nil || got == nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Status != models.StatusPaused || got.LastQuestion != "Which plan?" || got.PolicyMessage != "try later" {
		t.Errorf("scalar fields not restored: %+v", got)
	}
	if len(got.History) != 1 {
		t.Errorf("expected empty history entries to be skipped, got %+v", got.History)
	}
	if len(got.Rejected["email"]) != 1 {
		t.Errorf("expected rejected values to be deduplicated, got %v", got.Rejected)
	}
	if got.PendingTypos["email"].Suggestion != "a@gmail.com" || got.Actions["contact"].ErrorCode != models.ErrorCodeTimeout {
		t.Errorf("maps not restored: %+v %+v", got.PendingTypos, got.Actions)
	}
	if got.FirstTurn() {
		t.Error("expected restored conversation not to be on its first turn")
	}

	if err := sm.Reset(ctx, "c1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if got, _ := sm.Load(ctx, "c1"); got != nil {
		t.Error("expected conversation to be gone after Reset")
	}
}

func TestConversation_HistoryIsBounded(t *testing.T) {
	c := &Conversation{}
	for i := 0; i < MaxHistory+5; i++ {
		c.AppendHistory(models.ChatRoleUser, fmt.Sprintf("m%d", i))
	}
	if len(c.History) != MaxHistory {
		t.Fatalf("expected %d entries, got %d", MaxHistory, len(c.History))
	}
	if c.History[0].Content != "m5" {
		t.Errorf("expected oldest entries dropped, first is %q", c.History[0].Content)
	}
}

func TestDecodeConversation_CorruptEntries(t *testing.T) {
	c := decodeConversation(&models.FlowState{
		ConversationID: "c1",
		CurrentStage:   "s",
		StateData: map[string]string{
			DataKeyHistory:  "not json",
			DataKeyRejected: "null",
			DataKeyActions:  `{"s":{"fingerprint":"f","success":true}}`,
		},
	})
	if c.Status != models.StatusActive || c.History != nil {
		t.Errorf("unexpected decode %+v", c)
	}
	if c.Rejected == nil || c.PendingTypos == nil {
		t.Error("expected maps to be initialized")
	}
	if !c.Actions["s"].Success {
		t.Errorf("expected actions to decode, got %+v", c.Actions)
	}
}
