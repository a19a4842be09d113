package store

import (
	"context"
	"errors"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

// backends returns every store available in this environment.
func backends(t *testing.T) map[string]Durable {
	t.Helper()
	out := map[string]Durable{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
	if dsn, ok := syscall.Getenv("DATABASE_URL"); ok && dsn != "" {
		pg, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			t.Logf("Postgres not available: %v", err)
		} else {
			pg.db.Exec("DELETE FROM user_data")
			pg.db.Exec("DELETE FROM flow_states")
			pg.db.Exec("DELETE FROM inbound_dedup")
			pg.db.Exec("DELETE FROM outbox_messages")
			t.Cleanup(func() { pg.Close() })
			out["postgres"] = pg
		}
	}
	return out
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn      string
		expected string
	}{
		{"postgres://u:p@localhost/db", "postgres"},
		{"postgresql://localhost/db?sslmode=disable", "postgres"},
		{"host=localhost dbname=onboard sslmode=disable", "postgres"},
		{"/var/lib/onboardpipe/state.db", "sqlite3"},
		{"file:test.db?cache=shared", "sqlite3"},
	}
	for _, tt := range tests {
		if got := DetectDSNType(tt.dsn); got != tt.expected {
			t.Errorf("DetectDSNType(%q) = %q, expected %q", tt.dsn, got, tt.expected)
		}
	}
}

func TestOpen_EmptyDSNIsInMemory(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("Open(\"\") = %T, expected *InMemoryStore", s)
	}
}

func TestUserData_MergeAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			data, err := s.GetUserData(ctx, "u1", "business-insurance")
			if err != nil {
				t.Fatalf("GetUserData failed: %v", err)
			}
			if len(data) != 0 {
				t.Fatalf("expected empty data for new user, got %v", data)
			}

			if err := s.SetUserData(ctx, "u1", "business-insurance", map[string]any{
				"business_name": "קפה נחת", "employees_count": "12", "has_po_box": false,
			}, "c1"); err != nil {
				t.Fatalf("SetUserData failed: %v", err)
			}
			if err := s.SetUserData(ctx, "u1", "business-insurance", map[string]any{
				"employees_count": "14", "has_po_box": nil,
			}, ""); err != nil {
				t.Fatalf("SetUserData failed: %v", err)
			}

			data, err = s.GetUserData(ctx, "u1", "business-insurance")
			if err != nil {
				t.Fatalf("GetUserData failed: %v", err)
			}
			if data["business_name"] != "קפה נחת" || data["employees_count"] != "14" {
				t.Errorf("unexpected merged data %v", data)
			}
			if _, ok := data["has_po_box"]; ok {
				t.Errorf("has_po_box should have been deleted, got %v", data)
			}

			other, err := s.GetUserData(ctx, "u1", "donation")
			if err != nil {
				t.Fatalf("GetUserData failed: %v", err)
			}
			if len(other) != 0 {
				t.Errorf("flows must not share data, got %v", other)
			}
		})
	}
}

func TestFlowState_SaveGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.GetFlowState(ctx, "missing")
			if err != nil || got != nil {
				t.Fatalf("GetFlowState(missing) = %v, %v; expected nil, nil", got, err)
			}

			state := models.FlowState{
				ConversationID: "c1",
				FlowSlug:       "business-insurance",
				CurrentStage:   "contact",
				StateData:      map[string]string{"last_question": "מה מספר הנייד שלך?"},
			}
			if err := s.SaveFlowState(ctx, state); err != nil {
				t.Fatalf("SaveFlowState failed: %v", err)
			}
			got, err = s.GetFlowState(ctx, "c1")
			if err != nil || got == nil {
				t.Fatalf("GetFlowState failed: %v, %v", got, err)
			}
			if got.CurrentStage != "contact" || got.StateData["last_question"] != "מה מספר הנייד שלך?" {
				t.Errorf("unexpected state %+v", got)
			}
			created := got.CreatedAt

			state.CurrentStage = "business_details"
			state.StateData = nil
			if err := s.SaveFlowState(ctx, state); err != nil {
				t.Fatalf("SaveFlowState failed: %v", err)
			}
			got, _ = s.GetFlowState(ctx, "c1")
			if got.CurrentStage != "business_details" || len(got.StateData) != 0 {
				t.Errorf("unexpected state after update %+v", got)
			}
			if !got.CreatedAt.Equal(created) {
				t.Errorf("CreatedAt changed on update: %v -> %v", created, got.CreatedAt)
			}

			if err := s.DeleteFlowState(ctx, "c1"); err != nil {
				t.Fatalf("DeleteFlowState failed: %v", err)
			}
			got, _ = s.GetFlowState(ctx, "c1")
			if got != nil {
				t.Errorf("expected nil after delete, got %+v", got)
			}
		})
	}
}

func TestCommitTurn(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.CommitTurn(ctx, TurnCommit{
				UserID:         "u2",
				ConversationID: "c2",
				Patches: []DataPatch{
					{FlowSlug: "business-insurance", Patch: map[string]any{"business_id": "515555553"}},
					{FlowSlug: "donation", Patch: map[string]any{"business_id": "515555553"}},
				},
				State: models.FlowState{ConversationID: "c2", FlowSlug: "donation", CurrentStage: "intro"},
			})
			if err != nil {
				t.Fatalf("CommitTurn failed: %v", err)
			}
			for _, flow := range []string{"business-insurance", "donation"} {
				data, _ := s.GetUserData(ctx, "u2", flow)
				if data["business_id"] != "515555553" {
					t.Errorf("%s data = %v", flow, data)
				}
			}
			st, _ := s.GetFlowState(ctx, "c2")
			if st == nil || st.FlowSlug != "donation" || st.CurrentStage != "intro" {
				t.Errorf("unexpected state %+v", st)
			}
		})
	}
}

func TestSQLiteStore_CommitTurnRollsBackOnCancel(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.CommitTurn(ctx, TurnCommit{
		UserID:  "u3",
		Patches: []DataPatch{{FlowSlug: "f", Patch: map[string]any{"a": "1"}}},
		State:   models.FlowState{ConversationID: "c3", FlowSlug: "f", CurrentStage: "s"},
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	data, _ := s.GetUserData(context.Background(), "u3", "f")
	if len(data) != 0 {
		t.Errorf("no data should be written, got %v", data)
	}
}

func TestDedup(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			dup, err := s.IsDuplicate("SM1")
			if err != nil || dup {
				t.Fatalf("IsDuplicate(new) = %v, %v", dup, err)
			}
			inserted, err := s.RecordInbound("SM1", "c1")
			if err != nil || !inserted {
				t.Fatalf("RecordInbound first = %v, %v", inserted, err)
			}
			inserted, err = s.RecordInbound("SM1", "c1")
			if err != nil || inserted {
				t.Fatalf("RecordInbound second = %v, %v", inserted, err)
			}
			dup, _ = s.IsDuplicate("SM1")
			if !dup {
				t.Error("expected duplicate after record")
			}
			if err := s.MarkProcessed("SM1"); err != nil {
				t.Errorf("MarkProcessed failed: %v", err)
			}
		})
	}
}

func TestDedup_ForgetInbound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.RecordInbound("SM1", "c1"); err != nil {
				t.Fatalf("RecordInbound failed: %v", err)
			}
			if err := s.ForgetInbound("SM1"); err != nil {
				t.Fatalf("ForgetInbound failed: %v", err)
			}
			inserted, err := s.RecordInbound("SM1", "c1")
			if err != nil || !inserted {
				t.Fatalf("RecordInbound after forget = %v, %v", inserted, err)
			}

			// processed messages stay recorded
			if err := s.MarkProcessed("SM1"); err != nil {
				t.Fatalf("MarkProcessed failed: %v", err)
			}
			if err := s.ForgetInbound("SM1"); err != nil {
				t.Fatalf("ForgetInbound failed: %v", err)
			}
			if dup, _ := s.IsDuplicate("SM1"); !dup {
				t.Error("processed message should still be a duplicate")
			}
			if err := s.ForgetInbound("SM-unknown"); err != nil {
				t.Errorf("ForgetInbound(unknown) = %v", err)
			}
		})
	}
}

func TestOutbox_EnqueueClaimSend(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id1, err := s.EnqueueOutboxMessage("c1", "+972501234567", OutboxKindReply, `{"body":"שלום"}`, "SM1:reply")
			if err != nil {
				t.Fatalf("EnqueueOutboxMessage failed: %v", err)
			}
			id2, _ := s.EnqueueOutboxMessage("c1", "+972501234567", OutboxKindReply, `{"body":"שלום"}`, "SM1:reply")
			if id1 != id2 {
				t.Errorf("dedupe key should return existing id %q, got %q", id1, id2)
			}

			now := time.Now().Add(time.Second)
			msgs, err := s.ClaimDueOutboxMessages(now, 10)
			if err != nil {
				t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
			}
			if len(msgs) != 1 || msgs[0].ID != id1 || msgs[0].Recipient != "+972501234567" || msgs[0].ConversationID != "c1" {
				t.Fatalf("unexpected claim %+v", msgs)
			}
			if msgs[0].Status != OutboxStatusSending {
				t.Errorf("claimed status = %q", msgs[0].Status)
			}
			again, _ := s.ClaimDueOutboxMessages(now, 10)
			if len(again) != 0 {
				t.Errorf("claimed message must not be claimed twice, got %d", len(again))
			}

			if err := s.FailOutboxMessage(id1, "boom", now.Add(time.Hour)); err != nil {
				t.Fatalf("FailOutboxMessage failed: %v", err)
			}
			notDue, _ := s.ClaimDueOutboxMessages(now, 10)
			if len(notDue) != 0 {
				t.Errorf("rescheduled message claimed early")
			}
			due, _ := s.ClaimDueOutboxMessages(now.Add(2*time.Hour), 10)
			if len(due) != 1 || due[0].Attempts != 1 {
				t.Fatalf("expected one retried message with 1 attempt, got %+v", due)
			}
			if err := s.MarkOutboxMessageSent(id1); err != nil {
				t.Fatalf("MarkOutboxMessageSent failed: %v", err)
			}
			id3, _ := s.EnqueueOutboxMessage("c1", "+972501234567", OutboxKindReply, `{}`, "SM1:reply")
			if id3 == id1 {
				t.Error("a sent message must not absorb a new enqueue")
			}
		})
	}
}

func TestOutbox_ClaimsInConversationOrder(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first, _ := s.EnqueueOutboxMessage("c1", "+1", OutboxKindReply, `{"body":"1"}`, "")
			second, _ := s.EnqueueOutboxMessage("c1", "+1", OutboxKindReply, `{"body":"2"}`, "")
			other, _ := s.EnqueueOutboxMessage("c2", "+2", OutboxKindReply, `{"body":"x"}`, "")
			loose, _ := s.EnqueueOutboxMessage("", "+3", OutboxKindReply, `{"body":"y"}`, "")

			now := time.Now().Add(time.Second)
			claimed := func(at time.Time) map[string]bool {
				t.Helper()
				msgs, err := s.ClaimDueOutboxMessages(at, 10)
				if err != nil {
					t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
				}
				out := map[string]bool{}
				for _, m := range msgs {
					out[m.ID] = true
				}
				return out
			}

			got := claimed(now)
			if len(got) != 3 || !got[first] || !got[other] || !got[loose] {
				t.Fatalf("first claim = %v, expected the head of each conversation and the unordered message", got)
			}
			if got := claimed(now); len(got) != 0 {
				t.Errorf("second reply claimed while the first is being sent: %v", got)
			}

			if err := s.FailOutboxMessage(first, "provider down", now.Add(time.Hour)); err != nil {
				t.Fatalf("FailOutboxMessage failed: %v", err)
			}
			if got := claimed(now); len(got) != 0 {
				t.Errorf("second reply overtook a failed first reply: %v", got)
			}
			if got := claimed(now.Add(2 * time.Hour)); len(got) != 1 || !got[first] {
				t.Fatalf("retry claim = %v, expected only the first reply", got)
			}
			if err := s.MarkOutboxMessageSent(first); err != nil {
				t.Fatalf("MarkOutboxMessageSent failed: %v", err)
			}
			if got := claimed(now.Add(2 * time.Hour)); len(got) != 1 || !got[second] {
				t.Errorf("claim after send = %v, expected the second reply", got)
			}
		})
	}
}

func TestOutboxSender(t *testing.T) {
	s := NewInMemoryStore()
	okID, _ := s.EnqueueOutboxMessage("c1", "+1", OutboxKindReply, `{"body":"a"}`, "")
	badID, _ := s.EnqueueOutboxMessage("c2", "+2", OutboxKindReply, `{"body":"b"}`, "")

	var sentTo []string
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if msg.Recipient == "+2" {
			return errors.New("provider down")
		}
		sentTo = append(sentTo, msg.Recipient)
		return nil
	}, WithBaseBackoff(time.Minute))

	if n := sender.Poll(context.Background()); n != 1 {
		t.Errorf("Poll() sent %d, expected 1", n)
	}
	if len(sentTo) != 1 || sentTo[0] != "+1" {
		t.Errorf("sentTo = %v", sentTo)
	}
	ok, _ := s.GetOutboxMessage(okID)
	if ok.Status != OutboxStatusSent {
		t.Errorf("ok message status = %q", ok.Status)
	}
	bad, _ := s.GetOutboxMessage(badID)
	if bad.Status != OutboxStatusQueued || bad.Attempts != 1 || bad.LastError != "provider down" {
		t.Errorf("failed message = %+v", bad)
	}
	if bad.NextAttemptAt == nil || time.Until(*bad.NextAttemptAt) < 30*time.Second {
		t.Errorf("expected backoff of about a minute, got %v", bad.NextAttemptAt)
	}
}

func TestOutboxSender_RecoverStale(t *testing.T) {
	s := NewInMemoryStore()
	id, _ := s.EnqueueOutboxMessage("c1", "+1", OutboxKindReply, `{}`, "")
	s.ClaimDueOutboxMessages(time.Now().Add(-time.Hour), 10)

	sender := NewOutboxSender(s, func(context.Context, OutboxMessage) error { return nil }, WithStaleThreshold(time.Minute))
	if err := sender.RecoverStaleMessages(); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}
	m, _ := s.GetOutboxMessage(id)
	if m.Status != OutboxStatusQueued {
		t.Errorf("status = %q, expected queued", m.Status)
	}
}
