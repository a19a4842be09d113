package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/recovery"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/BTreeMap/OnboardPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OnboardPipe/internal/util"
)

type echoProcessor struct {
	mu   sync.Mutex
	reqs []models.TurnRequest
	err  error
}

func (p *echoProcessor) ProcessTurn(ctx context.Context, req models.TurnRequest) (*flow.TurnResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return nil, p.err
	}
	return &flow.TurnResult{ConversationID: req.ConversationID, Reply: "echo: " + req.Message}, nil
}

func (p *echoProcessor) requests() []models.TurnRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.TurnRequest(nil), p.reqs...)
}

type fakeValidator struct {
	ok      bool
	gotURL  string
	gotSig  string
	gotBody map[string]string
}

func (v *fakeValidator) ValidSignature(url string, params map[string]string, signature string) bool {
	v.gotURL, v.gotSig, v.gotBody = url, signature, params
	return v.ok
}

func postWebhook(t *testing.T, s *TwilioService, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(SignatureHeader, "sig")
	rec := httptest.NewRecorder()
	s.WebhookHandler(rec, req)
	return rec
}

func inboundForm(from, body, sid string) url.Values {
	return url.Values{"From": {from}, "Body": {body}, "MessageSid": {sid}}
}

func TestWebhookHandler_ProcessesAndSendsReply(t *testing.T) {
	proc := &echoProcessor{}
	st := store.NewInMemoryStore()
	client := twiliowhatsapp.NewMockClient()
	s := NewTwilioService(proc, st, client, WithDefaultFlow("quote"))

	rec := postWebhook(t, s, inboundForm("whatsapp:+972-50-123-4567", "hello", "SM1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	s.Wait()

	reqs := proc.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(reqs))
	}
	want := util.ChannelConversationID(Channel, "972501234567", "quote")
	if reqs[0].ConversationID != want || reqs[0].UserID != "972501234567" || reqs[0].Flow != "quote" {
		t.Errorf("unexpected turn request %+v", reqs[0])
	}

	sender := store.NewOutboxSender(st, s.Send)
	if n := sender.Poll(context.Background()); n != 1 {
		t.Fatalf("expected 1 message polled, got %d", n)
	}
	sent := client.Sent()
	if len(sent) != 1 || sent[0].To != "972501234567" || sent[0].Body != "echo: hello" {
		t.Errorf("unexpected sent messages %+v", sent)
	}
}

func TestWebhookHandler_DuplicateDeliveryIgnored(t *testing.T) {
	proc := &echoProcessor{}
	s := NewTwilioService(proc, store.NewInMemoryStore(), twiliowhatsapp.NewMockClient())
	for i := 0; i < 2; i++ {
		if rec := postWebhook(t, s, inboundForm("+972501234567", "hi", "SM-dup")); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i, rec.Code)
		}
	}
	s.Wait()
	if n := len(proc.requests()); n != 1 {
		t.Errorf("expected one processed turn, got %d", n)
	}
}

func TestWebhookHandler_PreservesOrderPerConversation(t *testing.T) {
	proc := &echoProcessor{}
	s := NewTwilioService(proc, store.NewInMemoryStore(), twiliowhatsapp.NewMockClient())
	bodies := []string{"one", "two", "three", "four"}
	for i, b := range bodies {
		postWebhook(t, s, inboundForm("+972501234567", b, "SM-"+b))
		if i == 1 {
			postWebhook(t, s, inboundForm("+972509999999", "other", "SM-other"))
		}
	}
	s.Wait()

	var got []string
	for _, r := range proc.requests() {
		if r.UserID == "972501234567" {
			got = append(got, r.Message)
		}
	}
	if strings.Join(got, ",") != strings.Join(bodies, ",") {
		t.Errorf("order = %v, want %v", got, bodies)
	}
	if n := len(proc.requests()); n != 5 {
		t.Errorf("expected 5 turns, got %d", n)
	}
}

func TestWebhookHandler_RejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		form url.Values
	}{
		{"missing from", inboundForm("", "hi", "SM1")},
		{"blank body", inboundForm("+972501234567", "  ", "SM1")},
		{"missing sid", inboundForm("+972501234567", "hi", "")},
		{"short number", inboundForm("whatsapp:+123", "hi", "SM1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &echoProcessor{}
			s := NewTwilioService(proc, store.NewInMemoryStore(), twiliowhatsapp.NewMockClient())
			if rec := postWebhook(t, s, tt.form); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			s.Wait()
			if len(proc.requests()) != 0 {
				t.Error("expected no turn to run")
			}
		})
	}
}

func TestWebhookHandler_Signature(t *testing.T) {
	tests := []struct {
		name      string
		ok        bool
		publicURL string
		wantCode  int
		wantURL   string
	}{
		{"valid with public url", true, "https://bot.example.com/v1/webhooks/twilio", http.StatusOK, "https://bot.example.com/v1/webhooks/twilio"},
		{"valid rebuilt url", true, "", http.StatusOK, "http://example.com/v1/webhooks/twilio"},
		{"invalid", false, "", http.StatusForbidden, "http://example.com/v1/webhooks/twilio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &fakeValidator{ok: tt.ok}
			proc := &echoProcessor{}
			s := NewTwilioService(proc, store.NewInMemoryStore(), twiliowhatsapp.NewMockClient(), WithSignatureValidation(v, tt.publicURL))
			rec := postWebhook(t, s, inboundForm("+972501234567", "hi", "SM1"))
			s.Wait()
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if v.gotURL != tt.wantURL || v.gotSig != "sig" || v.gotBody["Body"] != "hi" {
				t.Errorf("validator saw url=%q sig=%q params=%v", v.gotURL, v.gotSig, v.gotBody)
			}
			if !tt.ok && len(proc.requests()) != 0 {
				t.Error("expected no turn for a forged request")
			}
		})
	}
}

func TestWebhookHandler_EngineErrorSendsTechnicalMessage(t *testing.T) {
	proc := &echoProcessor{err: errors.New("store down")}
	st := store.NewInMemoryStore()
	client := twiliowhatsapp.NewMockClient()
	s := NewTwilioService(proc, st, client, WithLanguage("en"))

	postWebhook(t, s, inboundForm("+972501234567", "hi", "SM1"))
	s.Wait()
	store.NewOutboxSender(st, s.Send).Poll(context.Background())

	sent := client.Sent()
	if len(sent) != 1 || sent[0].Body != recovery.TechnicalMessage("en") {
		t.Errorf("unexpected sent messages %+v", sent)
	}
}

func TestWebhookHandler_StoppedService(t *testing.T) {
	proc := &echoProcessor{}
	s := NewTwilioService(proc, store.NewInMemoryStore(), twiliowhatsapp.NewMockClient())
	s.Stop()
	if rec := postWebhook(t, s, inboundForm("+972501234567", "hi", "SM1")); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

// stopOnRecordStore stops the service between dedup and dispatch.
type stopOnRecordStore struct {
	*store.InMemoryStore
	svc *TwilioService
}

func (r *stopOnRecordStore) RecordInbound(messageID, conversationID string) (bool, error) {
	fresh, err := r.InMemoryStore.RecordInbound(messageID, conversationID)
	r.svc.Stop()
	return fresh, err
}

func TestWebhookHandler_FailedDispatchAllowsRedelivery(t *testing.T) {
	st := store.NewInMemoryStore()
	repo := &stopOnRecordStore{InMemoryStore: st}
	repo.svc = NewTwilioService(&echoProcessor{}, repo, twiliowhatsapp.NewMockClient())

	if rec := postWebhook(t, repo.svc, inboundForm("+972501234567", "hi", "SM-retry")); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if dup, err := st.IsDuplicate("SM-retry"); err != nil || dup {
		t.Fatalf("IsDuplicate after failed dispatch = %v, %v", dup, err)
	}

	proc := &echoProcessor{}
	s := NewTwilioService(proc, st, twiliowhatsapp.NewMockClient())
	if rec := postWebhook(t, s, inboundForm("+972501234567", "hi", "SM-retry")); rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d", rec.Code)
	}
	s.Wait()
	if n := len(proc.requests()); n != 1 {
		t.Errorf("expected redelivered message to be processed once, got %d", n)
	}
}

func TestSend_Errors(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	s := NewTwilioService(&echoProcessor{}, store.NewInMemoryStore(), client)
	ctx := context.Background()

	if err := s.Send(ctx, store.OutboxMessage{ID: "o1", PayloadJSON: "not json"}); err == nil {
		t.Error("expected error for malformed payload")
	}
	if err := s.Send(ctx, store.OutboxMessage{ID: "o2", Recipient: "+972501234567", PayloadJSON: `{"body":"hi"}`}); err != nil {
		t.Errorf("expected recipient fallback, got %v", err)
	}
	client.Err = errors.New("twilio 500")
	if err := s.Send(ctx, store.OutboxMessage{ID: "o3", PayloadJSON: `{"to":"972501234567","body":"hi"}`}); err == nil {
		t.Error("expected provider error to propagate")
	}
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"whatsapp prefix", "whatsapp:+972501234567", "972501234567", false},
		{"formatted", "+1 (555) 123-4567", "15551234567", false},
		{"empty", "", "", true},
		{"no digits", "abc", "", true},
		{"too short", "12345", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateAndCanonicalizeRecipient(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, %v", tt.in, got, err)
			}
		})
	}
}
