package flow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/condition"
	"github.com/BTreeMap/OnboardPipe/internal/extraction"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/recovery"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/BTreeMap/OnboardPipe/internal/tools"
	"github.com/BTreeMap/OnboardPipe/internal/validation"
)

// ErrConversationNotFound is returned when inspecting an unknown conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// Responder words replies. The output is untrusted and never drives state.
type Responder interface {
	GenerateResponse(ctx context.Context, prompt string, history []models.ChatMessage) (string, error)
}

// StreamingResponder can deliver the reply incrementally.
type StreamingResponder interface {
	Responder
	StreamResponse(ctx context.Context, prompt string, history []models.ChatMessage, sink func(delta string) error) (string, error)
}

// Recorder receives flow metrics. A nil Recorder is allowed.
type Recorder interface {
	TurnProcessed(flow string, status models.ConversationStatus)
	StageTransition(flow string)
	ValidationRejected(reason validation.Reason)
	ActionOutcome(tool models.ToolName, outcome string)
}

// Action outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeReplayed = "replayed"
)

// Opts holds engine configuration.
type Opts struct {
	Model     extraction.Model
	Responder Responder
	Tools     tools.Executor
	Recorder  Recorder
	Validator *validation.Validator
	Policy    *recovery.Policy
	Eval      EvalFunc
}

// Option configures an Engine.
type Option func(*Opts)

// WithModel sets the extraction model wrapped by the guard.
func WithModel(m extraction.Model) Option {
	return func(o *Opts) { o.Model = m }
}

// WithResponder sets the reply generator. Without one, deterministic replies are used.
func WithResponder(r Responder) Option {
	return func(o *Opts) { o.Responder = r }
}

// WithToolExecutor sets the executor for stage actions.
func WithToolExecutor(t tools.Executor) Option {
	return func(o *Opts) { o.Tools = t }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithValidator sets the field validator shared by the guard and the completion check.
func WithValidator(v *validation.Validator) Option {
	return func(o *Opts) { o.Validator = v }
}

// WithPolicy sets the error policy engine.
func WithPolicy(p *recovery.Policy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithCompiledConditions evaluates conditions through their CEL compilation.
func WithCompiledConditions() Option {
	return func(o *Opts) { o.Eval = condition.EvaluateViaCEL }
}

// Engine runs one user turn at a time against a conversation. Callers serialize turns of the
// same conversation; different conversations may run concurrently.
type Engine struct {
	registry  *Registry
	store     store.Store
	states    *StoreBasedStateManager
	guard     *extraction.Guard
	val       *validation.Validator
	trans     *Transitions
	tools     tools.Executor
	policy    *recovery.Policy
	responder Responder
	recorder  Recorder
	maxHops   int
}

// NewEngine creates an Engine over the loaded flows and the durable store.
func NewEngine(reg *Registry, st store.Store, opts ...Option) *Engine {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Validator == nil {
		o.Validator = validation.New()
	}
	if o.Policy == nil {
		o.Policy = recovery.New(recovery.WithLexicon(o.Validator.Lexicon()))
	}
	guardOpts := []extraction.Option{extraction.WithValidator(o.Validator)}
	if o.Recorder != nil {
		if gr, ok := o.Recorder.(extraction.Recorder); ok {
			guardOpts = append(guardOpts, extraction.WithRecorder(gr))
		}
	}

	hops := 1
	for _, d := range reg.List() {
		hops += len(d.Definition.Stages)
	}
	return &Engine{
		registry:  reg,
		store:     st,
		states:    NewStoreBasedStateManager(st),
		guard:     extraction.NewGuard(o.Model, guardOpts...),
		val:       o.Validator,
		trans:     NewTransitions(o.Eval, o.Validator),
		tools:     o.Tools,
		policy:    o.Policy,
		responder: o.Responder,
		recorder:  o.Recorder,
		maxHops:   hops,
	}
}

// Registry returns the loaded flows.
func (e *Engine) Registry() *Registry { return e.registry }

// ActionOutcome reports one stage action run during a turn.
type ActionOutcome struct {
	Stage     string               `json:"stage"`
	Tool      models.ToolName      `json:"tool"`
	Success   bool                 `json:"success"`
	Replayed  bool                 `json:"replayed,omitempty"`
	ErrorCode models.ErrorCode     `json:"errorCode,omitempty"`
	Behavior  models.ErrorBehavior `json:"behavior,omitempty"`
	Technical bool                 `json:"technical,omitempty"`
}

// TurnResult is the outcome of one processed turn.
type TurnResult struct {
	ConversationID string                    `json:"conversationId"`
	Flow           string                    `json:"flow"`
	Stage          string                    `json:"stage"`
	Status         models.ConversationStatus `json:"status"`
	Reply          string                    `json:"reply"`
	Accepted       map[string]any            `json:"accepted,omitempty"`
	Rejections     []FieldRejection          `json:"rejections,omitempty"`
	Missing        []string                  `json:"missing,omitempty"`
	Transitions    []models.StageTransition  `json:"transitions,omitempty"`
	Actions        []ActionOutcome           `json:"actions,omitempty"`
}

// ProcessTurn runs extraction, validation, completion, actions and transitions for one message,
// commits the outcome atomically and returns the reply. On error nothing is committed and the
// conversation stays where it was.
func (e *Engine) ProcessTurn(ctx context.Context, req models.TurnRequest) (*TurnResult, error) {
	return e.process(ctx, req, nil)
}

// ProcessTurnStream is ProcessTurn with the reply delivered to sink. State is committed before
// the first delta is sent.
func (e *Engine) ProcessTurnStream(ctx context.Context, req models.TurnRequest, sink func(delta string) error) (*TurnResult, error) {
	if sink == nil {
		return e.process(ctx, req, nil)
	}
	return e.process(ctx, req, sink)
}

// turn is the mutable working set of one ProcessTurn call. Nothing in it is persisted until commit.
type turn struct {
	e          *Engine
	conv       *Conversation
	flow       *models.FlowDefinition
	userID     string
	working    map[string]any
	patches    map[string]map[string]any
	patchOrder []string
	result     *TurnResult
	rejections []FieldRejection
}

func (e *Engine) process(ctx context.Context, req models.TurnRequest, sink func(string) error) (*TurnResult, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	conv, err := e.states.Load(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", req.ConversationID, err)
	}

	var flow *models.FlowDefinition
	if conv == nil {
		if flow, err = e.registry.Get(req.Flow); err != nil {
			return nil, err
		}
		conv = e.states.New(req.ConversationID, flow)
		slog.Info("Engine.ProcessTurn: new conversation", "conversationID", conv.ID, "flow", flow.Slug, "stage", conv.Stage)
	} else if flow, err = e.registry.Get(conv.FlowSlug); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conv.ID, err)
	}

	userID := req.UserID
	if userID == "" {
		userID = conv.ID
	}
	t := &turn{
		e:       e,
		conv:    conv,
		flow:    flow,
		userID:  userID,
		patches: map[string]map[string]any{},
		result:  &TurnResult{ConversationID: conv.ID, Accepted: map[string]any{}},
	}

	if conv.Status == models.StatusCompleted || conv.Status == models.StatusEnded {
		return t.closed(ctx, req.Message, sink)
	}

	if t.working, err = e.store.GetUserData(ctx, userID, flow.Slug); err != nil {
		return nil, fmt.Errorf("load user data: %w", err)
	}
	if t.working == nil {
		t.working = map[string]any{}
	}
	if _, ok := flow.Stage(conv.Stage); !ok {
		slog.Warn("Engine.ProcessTurn: stored stage no longer exists, restarting flow", "conversationID", conv.ID, "stage", conv.Stage)
		conv.Stage = flow.Definition.Config.InitialStage
	}
	conv.Status = models.StatusActive
	conv.PolicyMessage = ""

	t.collect(ctx, req.Message)
	conv.AppendHistory(models.ChatRoleUser, req.Message)
	if err := t.advance(ctx); err != nil {
		return nil, err
	}
	return t.respond(ctx, sink)
}

// collect runs the guard and the validator over the message.
func (t *turn) collect(ctx context.Context, message string) {
	e, conv := t.e, t.conv
	stage, _ := t.flow.Stage(conv.Stage)
	missing := e.trans.Missing(t.flow, stage, t.working)

	if len(conv.PendingTypos) > 0 {
		if yes, ok := e.val.Lexicon().YesNo(strings.TrimSpace(message)); ok && yes {
			for _, field := range sortedKeys(conv.PendingTypos) {
				t.set(field, conv.PendingTypos[field].Suggestion)
			}
			conv.PendingTypos = map[string]PendingTypo{}
			return
		}
	}

	extracted := e.guard.Extract(ctx, extraction.Context{
		Message:        message,
		ExpectedFields: missing,
		LastQuestion:   conv.LastQuestion,
		StageContext:   stage.Description,
		Fields:         t.flow.Definition.Fields,
		Known:          t.working,
		Rejected:       conv.Rejected,
		FirstTurn:      conv.FirstTurn(),
	})

	for _, slug := range sortedKeys(extracted) {
		def, ok := t.flow.Field(slug)
		if !ok {
			continue
		}
		raw := extracted[slug]
		var res validation.Result
		if pt, pending := conv.PendingTypos[slug]; pending && strings.EqualFold(asString(raw), pt.Original) {
			res = e.val.ValidateConfirmed(slug, def, raw)
		} else {
			res = e.val.Validate(slug, def, raw)
		}
		switch {
		case res.Absent:
		case res.OK:
			t.set(slug, res.Value)
			delete(conv.PendingTypos, slug)
		default:
			t.reject(slug, raw, res)
		}
	}
	slog.Debug("Engine.collect: fields processed", "conversationID", conv.ID, "accepted", len(t.result.Accepted), "rejected", len(t.rejections))
}

func (t *turn) reject(slug string, raw any, res validation.Result) {
	r := FieldRejection{Field: slug, Reason: res.Reason, Value: res.Value, Suggestion: res.Suggestion}
	t.rejections = append(t.rejections, r)
	if res.Reason == validation.ReasonEmailTypoSuspected {
		t.conv.PendingTypos[slug] = PendingTypo{Original: asString(res.Value), Suggestion: res.Suggestion}
	} else {
		t.conv.Reject(slug, asString(raw))
	}
	if t.e.recorder != nil {
		t.e.recorder.ValidationRejected(res.Reason)
	}
	slog.Debug("Engine.reject: value rejected", "conversationID", t.conv.ID, "field", slug, "reason", res.Reason)
}

func (t *turn) patch(flowSlug string) map[string]any {
	p, ok := t.patches[flowSlug]
	if !ok {
		p = map[string]any{}
		t.patches[flowSlug] = p
		t.patchOrder = append(t.patchOrder, flowSlug)
	}
	return p
}

func (t *turn) set(slug string, v any) {
	t.working[slug] = v
	t.patch(t.flow.Slug)[slug] = v
	t.result.Accepted[slug] = v
}

func (t *turn) unset(slug string) {
	delete(t.working, slug)
	t.patch(t.flow.Slug)[slug] = nil
	delete(t.result.Accepted, slug)
}

func (t *turn) transition(from, to, rule string) {
	t.result.Transitions = append(t.result.Transitions, models.StageTransition{FromStage: from, ToStage: to, Condition: rule})
	t.conv.Stage = to
	if t.e.recorder != nil {
		t.e.recorder.StageTransition(t.flow.Slug)
	}
	slog.Info("Engine.transition", "conversationID", t.conv.ID, "flow", t.flow.Slug, "from", from, "to", to, "rule", rule)
}

// advance moves through every stage that is already complete, bounded by the total stage count.
func (t *turn) advance(ctx context.Context) error {
	e, conv := t.e, t.conv
	for hop := 0; hop < e.maxHops; hop++ {
		slug := conv.Stage
		stage, ok := t.flow.Stage(slug)
		if !ok {
			return fmt.Errorf("flow %s has no stage %q", t.flow.Slug, slug)
		}
		if !e.trans.Complete(t.flow, stage, t.working) {
			return nil
		}

		proceed, err := t.runAction(ctx, slug, stage)
		if err != nil || !proceed {
			return err
		}

		cc := t.flow.Definition.Config.CompletionCondition
		if stage.IsTerminal() || (cc != "" && e.trans.Holds(cc, t.working)) {
			done, err := t.finish(ctx, slug, stage)
			if err != nil || done {
				return err
			}
			continue
		}

		next, rule, _ := e.trans.Next(stage, t.working)
		t.transition(slug, next, rule)
	}
	slog.Warn("Engine.advance: hop limit reached", "conversationID", conv.ID, "flow", t.flow.Slug, "stage", conv.Stage, "limit", e.maxHops)
	return nil
}

// runAction executes the stage action, if any, and applies the error policy on failure.
// proceed is false when the policy keeps the conversation from advancing.
func (t *turn) runAction(ctx context.Context, slug string, stage models.Stage) (proceed bool, err error) {
	a := stage.Action
	if a == nil {
		return true, nil
	}
	e, conv := t.e, t.conv
	if a.Condition != "" && !e.trans.Holds(a.Condition, t.working) {
		slog.Debug("Engine.runAction: condition false, skipping", "stage", slug, "tool", a.Tool)
		return true, nil
	}

	payload := copyData(t.working)
	fp := fingerprint(payload)
	outcome := ActionOutcome{Stage: slug, Tool: a.Tool}
	var res models.ToolResult

	rec, seen := conv.Actions[slug]
	switch {
	case seen && rec.Fingerprint == fp && rec.Success:
		slog.Debug("Engine.runAction: already succeeded with this input", "stage", slug, "tool", a.Tool)
		return true, nil
	case seen && rec.Fingerprint == fp && !a.AllowReExecutionOnError:
		res = models.Failure(rec.ErrorCode, rec.Error)
		outcome.Replayed = true
		t.record(a.Tool, OutcomeReplayed)
	default:
		if e.tools == nil {
			res = models.Failure(models.ErrorCodeToolNotFound, "no tool executor configured")
		} else {
			res = e.tools.Execute(ctx, a.Tool, payload, models.ToolContext{
				ConversationID: conv.ID, UserID: t.userID, FlowSlug: t.flow.Slug, Stage: slug,
			})
		}
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("action %s: %w", a.Tool, err)
		}
		conv.Actions[slug] = ActionRecord{Fingerprint: fp, Success: res.Success, ErrorCode: res.ErrorCode, Error: res.Error}
		if res.Success {
			t.record(a.Tool, OutcomeSuccess)
		} else {
			t.record(a.Tool, OutcomeFailure)
		}
	}

	if res.Success {
		outcome.Success = true
		t.result.Actions = append(t.result.Actions, outcome)
		for _, key := range sortedKeys(a.ResultFields) {
			if v, ok := res.Data[key]; ok && !validation.IsPlaceholder(v) {
				t.set(a.ResultFields[key], v)
			}
		}
		slog.Info("Engine.runAction: action succeeded", "conversationID", conv.ID, "stage", slug, "tool", a.Tool)
		return true, nil
	}

	d := e.policy.Resolve(a.OnError, recovery.FailureFromResult(res), recovery.Vars{Stage: slug, ConversationID: conv.ID}, t.flow.Language())
	outcome.ErrorCode = res.ErrorCode
	outcome.Behavior = d.Behavior
	outcome.Technical = d.Technical
	t.result.Actions = append(t.result.Actions, outcome)
	conv.PolicyMessage = d.Message
	slog.Warn("Engine.runAction: action failed", "conversationID", conv.ID, "stage", slug, "tool", a.Tool,
		"code", res.ErrorCode, "behavior", d.Behavior, "technical", d.Technical, "replayed", outcome.Replayed)

	switch d.Behavior {
	case models.BehaviorContinue:
		return true, nil
	case models.BehaviorNewStage:
		for _, f := range d.ResetFields {
			t.unset(f)
		}
		t.transition(slug, d.NextStage, "error:"+string(res.ErrorCode))
		return false, nil
	case models.BehaviorEndFlow:
		conv.Status = models.StatusEnded
		return false, nil
	default:
		conv.Status = models.StatusPaused
		return false, nil
	}
}

func (t *turn) record(tool models.ToolName, outcome string) {
	if t.e.recorder != nil {
		t.e.recorder.ActionOutcome(tool, outcome)
	}
}

// finish ends the flow or hands off to the next one. done is false after a handoff.
func (t *turn) finish(ctx context.Context, slug string, stage models.Stage) (done bool, err error) {
	h := stage.OnComplete
	if h == nil {
		h = t.flow.Definition.Config.OnComplete
	}
	if h == nil {
		t.conv.Status = models.StatusCompleted
		slog.Info("Engine.finish: flow completed", "conversationID", t.conv.ID, "flow", t.flow.Slug, "stage", slug)
		return true, nil
	}

	target, err := t.e.registry.Get(h.Flow)
	if err != nil {
		return false, err
	}
	data, err := t.e.store.GetUserData(ctx, t.userID, target.Slug)
	if err != nil {
		return false, fmt.Errorf("load user data for %s: %w", target.Slug, err)
	}
	if data == nil {
		data = map[string]any{}
	}
	if h.PreserveData {
		p := t.patch(target.Slug)
		for _, field := range sortedKeys(target.Definition.Fields) {
			if v, ok := t.working[field]; ok && !validation.IsPlaceholder(v) {
				data[field] = v
				p[field] = v
			}
		}
	}

	from := t.flow.Slug + "/" + slug
	to := target.Slug + "/" + target.Definition.Config.InitialStage
	t.result.Transitions = append(t.result.Transitions, models.StageTransition{FromStage: from, ToStage: to, Condition: "handoff"})
	slog.Info("Engine.finish: flow handoff", "conversationID", t.conv.ID, "from", from, "to", to, "preserveData", h.PreserveData)

	t.flow = target
	t.working = data
	t.conv.FlowSlug = target.Slug
	t.conv.Stage = target.Definition.Config.InitialStage
	t.conv.Actions = map[string]ActionRecord{}
	t.conv.Rejected = map[string][]string{}
	t.conv.PendingTypos = map[string]PendingTypo{}
	return false, nil
}

func (t *turn) plan() replyPlan {
	stage, _ := t.flow.Stage(t.conv.Stage)
	p := replyPlan{
		flow:          t.flow,
		stage:         stage,
		status:        t.conv.Status,
		rejections:    t.rejections,
		policyMessage: t.conv.PolicyMessage,
	}
	if t.conv.Status == models.StatusActive || t.conv.Status == models.StatusPaused {
		p.missing = t.e.trans.Missing(t.flow, stage, t.working)
	}
	return p
}

// respond words the reply and commits. With a streaming responder the commit happens first and the
// finished reply is written to history afterwards.
func (t *turn) respond(ctx context.Context, sink func(string) error) (*TurnResult, error) {
	e, conv := t.e, t.conv
	plan := t.plan()
	t.result.Flow = t.flow.Slug
	t.result.Stage = conv.Stage
	t.result.Status = conv.Status
	t.result.Missing = plan.missing
	t.result.Rejections = t.rejections

	streamer, canStream := e.responder.(StreamingResponder)
	if sink != nil && canStream {
		if err := t.commit(ctx); err != nil {
			return nil, err
		}
		reply, err := streamer.StreamResponse(ctx, plan.Prompt(), conv.History, sink)
		if err != nil {
			slog.Warn("Engine.respond: streaming failed", "conversationID", conv.ID, "error", err, "partial", len(reply))
			if reply == "" {
				reply = plan.Fallback()
				if serr := sink(reply); serr != nil {
					slog.Warn("Engine.respond: sink rejected fallback", "conversationID", conv.ID, "error", serr)
				}
			}
		}
		t.recordReply(reply)
		if err := e.states.Save(ctx, conv); err != nil {
			slog.Warn("Engine.respond: history not saved after streaming", "conversationID", conv.ID, "error", err)
		}
		t.result.Reply = reply
		t.finishMetrics()
		return t.result, nil
	}

	reply := ""
	if e.responder != nil {
		out, err := e.responder.GenerateResponse(ctx, plan.Prompt(), conv.History)
		if err != nil {
			slog.Warn("Engine.respond: generation failed, using fallback", "conversationID", conv.ID, "error", err)
		} else {
			reply = out
		}
	}
	if strings.TrimSpace(reply) == "" {
		reply = plan.Fallback()
	}
	t.recordReply(reply)
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	if sink != nil {
		if err := sink(reply); err != nil {
			slog.Warn("Engine.respond: sink failed", "conversationID", conv.ID, "error", err)
		}
	}
	t.result.Reply = reply
	t.finishMetrics()
	return t.result, nil
}

func (t *turn) recordReply(reply string) {
	if t.conv.Status == models.StatusActive || t.conv.Status == models.StatusPaused {
		t.conv.LastQuestion = reply
	}
	t.conv.AppendHistory(models.ChatRoleAssistant, reply)
}

func (t *turn) commit(ctx context.Context) error {
	c := store.TurnCommit{UserID: t.userID, ConversationID: t.conv.ID, State: t.conv.FlowState()}
	for _, slug := range t.patchOrder {
		if p := t.patches[slug]; len(p) > 0 {
			c.Patches = append(c.Patches, store.DataPatch{FlowSlug: slug, Patch: p})
		}
	}
	if err := t.e.store.CommitTurn(ctx, c); err != nil {
		return fmt.Errorf("commit turn for %s: %w", t.conv.ID, err)
	}
	return nil
}

func (t *turn) finishMetrics() {
	if t.e.recorder != nil {
		t.e.recorder.TurnProcessed(t.result.Flow, t.result.Status)
	}
	slog.Debug("Engine.ProcessTurn: turn processed", "conversationID", t.conv.ID, "flow", t.result.Flow,
		"stage", t.result.Stage, "status", t.result.Status, "transitions", len(t.result.Transitions))
}

// closed answers a message sent after the flow finished. Nothing but history changes.
func (t *turn) closed(ctx context.Context, message string, sink func(string) error) (*TurnResult, error) {
	plan := t.plan()
	reply := plan.Fallback()
	t.conv.AppendHistory(models.ChatRoleUser, message)
	t.conv.AppendHistory(models.ChatRoleAssistant, reply)
	if err := t.e.states.Save(ctx, t.conv); err != nil {
		return nil, fmt.Errorf("save conversation %s: %w", t.conv.ID, err)
	}
	if sink != nil {
		if err := sink(reply); err != nil {
			slog.Warn("Engine.closed: sink failed", "conversationID", t.conv.ID, "error", err)
		}
	}
	t.result.Flow = t.flow.Slug
	t.result.Stage = t.conv.Stage
	t.result.Status = t.conv.Status
	t.result.Reply = reply
	t.finishMetrics()
	return t.result, nil
}

// ConversationView is a read-only snapshot for inspection.
type ConversationView struct {
	ConversationID string                    `json:"conversationId"`
	Flow           string                    `json:"flow"`
	Stage          string                    `json:"stage"`
	Status         models.ConversationStatus `json:"status"`
	Missing        []string                  `json:"missing,omitempty"`
	Data           map[string]any            `json:"data"`
	History        []models.ChatMessage      `json:"history,omitempty"`
}

// Inspect returns the conversation with the user data of flowSlug, defaulting to its current flow.
func (e *Engine) Inspect(ctx context.Context, conversationID, userID, flowSlug string) (*ConversationView, error) {
	conv, err := e.states.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %q", ErrConversationNotFound, conversationID)
	}
	if flowSlug == "" {
		flowSlug = conv.FlowSlug
	}
	flow, err := e.registry.Get(flowSlug)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = conversationID
	}
	data, err := e.store.GetUserData(ctx, userID, flow.Slug)
	if err != nil {
		return nil, err
	}
	view := &ConversationView{
		ConversationID: conv.ID,
		Flow:           flow.Slug,
		Stage:          conv.Stage,
		Status:         conv.Status,
		Data:           data,
		History:        conv.History,
	}
	if flow.Slug == conv.FlowSlug {
		if stage, ok := flow.Stage(conv.Stage); ok && conv.Status != models.StatusCompleted && conv.Status != models.StatusEnded {
			view.Missing = e.trans.Missing(flow, stage, data)
		}
	}
	return view, nil
}

// Reset forgets where a conversation is. Collected user data is kept.
func (e *Engine) Reset(ctx context.Context, conversationID string) error {
	return e.states.Reset(ctx, conversationID)
}

func copyData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// fingerprint identifies an action input; encoding/json sorts map keys.
func fingerprint(payload map[string]any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte(fmt.Sprint(payload))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}
