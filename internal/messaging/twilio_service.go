// Package messaging adapts the Twilio WhatsApp channel to the conversation engine.
//
// Inbound webhooks are deduplicated by message SID, processed in arrival order per conversation,
// and answered through the durable outbox so replies survive restarts.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/recovery"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/BTreeMap/OnboardPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OnboardPipe/internal/util"
)

const (
	// Channel names the transport in derived conversation ids.
	Channel = "whatsapp"
	// DefaultTurnTimeout bounds one inbound message end to end.
	DefaultTurnTimeout = 2 * time.Minute
	// SignatureHeader carries Twilio's request signature.
	SignatureHeader = "X-Twilio-Signature"
)

var (
	// ErrServiceStopped is returned once Stop has been called.
	ErrServiceStopped = errors.New("messaging service stopped")

	nonDigits = regexp.MustCompile(`\D`)
)

// TurnProcessor runs one conversation turn.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req models.TurnRequest) (*flow.TurnResult, error)
}

// Repo is the durable state the service needs beyond the conversation store.
type Repo interface {
	store.DedupRepo
	store.OutboxRepo
}

// SignatureValidator checks an X-Twilio-Signature header.
type SignatureValidator interface {
	ValidSignature(url string, params map[string]string, signature string) bool
}

// Opts holds configuration for TwilioService.
type Opts struct {
	DefaultFlow string
	Language    string
	Validator   SignatureValidator
	PublicURL   string
	TurnTimeout time.Duration
}

// Option configures a TwilioService.
type Option func(*Opts)

// WithDefaultFlow selects the flow inbound conversations start in.
func WithDefaultFlow(slug string) Option {
	return func(o *Opts) { o.DefaultFlow = slug }
}

// WithLanguage selects the language of the technical failure reply.
func WithLanguage(lang string) Option {
	return func(o *Opts) { o.Language = lang }
}

// WithSignatureValidation rejects webhooks whose signature does not match publicURL.
// An empty publicURL is rebuilt from the request.
func WithSignatureValidation(v SignatureValidator, publicURL string) Option {
	return func(o *Opts) {
		o.Validator = v
		o.PublicURL = publicURL
	}
}

// WithTurnTimeout overrides DefaultTurnTimeout.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TurnTimeout = d }
}

type inbound struct {
	models.InboundMessage
	sid            string
	conversationID string
}

// outboundPayload is the outbox payload of a reply.
type outboundPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// TwilioService receives WhatsApp messages from Twilio and queues the engine's replies.
type TwilioService struct {
	engine TurnProcessor
	repo   Repo
	sender twiliowhatsapp.Sender
	opts   Opts

	mu      sync.Mutex
	queues  map[string][]inbound
	stopped bool
	wg      sync.WaitGroup
}

// NewTwilioService creates a TwilioService.
func NewTwilioService(engine TurnProcessor, repo Repo, sender twiliowhatsapp.Sender, opts ...Option) *TwilioService {
	o := Opts{Language: "he", TurnTimeout: DefaultTurnTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &TwilioService{
		engine: engine,
		repo:   repo,
		sender: sender,
		opts:   o,
		queues: map[string][]inbound{},
	}
}

// ValidateAndCanonicalizeRecipient strips everything but digits and requires at least 6 of them.
func ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := nonDigits.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// ConversationID is the stable conversation id of phone in the default flow.
func (s *TwilioService) ConversationID(phone string) string {
	return util.ChannelConversationID(Channel, phone, s.opts.DefaultFlow)
}

// WebhookHandler handles inbound Twilio webhook requests.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.opts.Validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.opts.Validator.ValidSignature(s.webhookURL(r), params, r.Header.Get(SignatureHeader)) {
			slog.Warn("TwilioService.WebhookHandler: invalid signature", "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	sid := r.PostFormValue("MessageSid")
	if from == "" || strings.TrimSpace(body) == "" || sid == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from", from, "sid", sid)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	phone, err := ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	msg := inbound{
		InboundMessage: models.InboundMessage{From: phone, Body: body, Time: time.Now().Unix()},
		sid:            sid,
		conversationID: s.ConversationID(phone),
	}

	if s.isStopped() {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	fresh, err := s.repo.RecordInbound(sid, msg.conversationID)
	if err != nil {
		slog.Error("TwilioService.WebhookHandler: dedup failed", "sid", sid, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !fresh {
		slog.Debug("TwilioService.WebhookHandler: duplicate delivery ignored", "sid", sid)
	} else if err := s.dispatch(msg); err != nil {
		// the provider retries on 5xx, so the retry must not look like a duplicate
		if ferr := s.repo.ForgetInbound(sid); ferr != nil {
			slog.Error("TwilioService.WebhookHandler: failed to forget undispatched message", "sid", sid, "error", ferr)
		}
		slog.Warn("TwilioService.WebhookHandler: dispatch failed", "sid", sid, "error", err)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

func (s *TwilioService) webhookURL(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return s.opts.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (s *TwilioService) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// dispatch appends msg to its conversation queue, starting a drain goroutine if none is running.
func (s *TwilioService) dispatch(msg inbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServiceStopped
	}
	q, running := s.queues[msg.conversationID]
	s.queues[msg.conversationID] = append(q, msg)
	if !running {
		s.wg.Add(1)
		go s.drain(msg.conversationID)
	}
	return nil
}

func (s *TwilioService) drain(conversationID string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		q := s.queues[conversationID]
		if len(q) == 0 {
			delete(s.queues, conversationID)
			s.mu.Unlock()
			return
		}
		msg := q[0]
		s.queues[conversationID] = q[1:]
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.TurnTimeout)
		s.handle(ctx, msg)
		cancel()
	}
}

// handle runs one turn and enqueues the reply keyed by the inbound SID.
func (s *TwilioService) handle(ctx context.Context, msg inbound) {
	req := models.TurnRequest{
		ConversationID: msg.conversationID,
		UserID:         msg.From,
		Flow:           s.opts.DefaultFlow,
		Message:        msg.Body,
	}
	var reply string
	res, err := s.engine.ProcessTurn(ctx, req)
	if err != nil {
		slog.Error("TwilioService.handle: turn failed", "conversation_id", msg.conversationID, "sid", msg.sid, "error", err)
		reply = recovery.TechnicalMessage(s.opts.Language)
	} else {
		reply = res.Reply
	}

	if strings.TrimSpace(reply) != "" {
		payload, err := json.Marshal(outboundPayload{To: msg.From, Body: reply})
		if err != nil {
			slog.Error("TwilioService.handle: marshal reply", "error", err)
			return
		}
		id, err := s.repo.EnqueueOutboxMessage(msg.conversationID, msg.From, store.OutboxKindReply, string(payload), msg.sid)
		if err != nil {
			slog.Error("TwilioService.handle: enqueue reply failed", "conversation_id", msg.conversationID, "sid", msg.sid, "error", err)
			return
		}
		slog.Debug("TwilioService.handle: reply queued", "outbox_id", id, "conversation_id", msg.conversationID)
	}

	if err := s.repo.MarkProcessed(msg.sid); err != nil {
		slog.Warn("TwilioService.handle: mark processed failed", "sid", msg.sid, "error", err)
	}
}

// Send delivers one queued reply. It is the OutboxSender send function.
func (s *TwilioService) Send(ctx context.Context, msg store.OutboxMessage) error {
	var p outboundPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode outbox payload %s: %w", msg.ID, err)
	}
	if p.To == "" {
		p.To = msg.Recipient
	}
	to, err := ValidateAndCanonicalizeRecipient(p.To)
	if err != nil {
		return err
	}
	if err := s.sender.SendMessage(ctx, to, p.Body); err != nil {
		return fmt.Errorf("send reply %s: %w", msg.ID, err)
	}
	slog.Info("TwilioService.Send: reply sent", "outbox_id", msg.ID, "to", to)
	return nil
}

// Stop rejects further webhooks. Queued messages still drain; use Wait to block on them.
func (s *TwilioService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Wait blocks until every queued message is handled.
func (s *TwilioService) Wait() {
	s.wg.Wait()
}
