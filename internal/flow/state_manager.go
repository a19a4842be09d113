package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/store"
)

// Keys of FlowState.StateData.
const (
	DataKeyStatus        = "status"
	DataKeyLastQuestion  = "last_question"
	DataKeyHistory       = "history"
	DataKeyRejected      = "rejected"
	DataKeyPendingTypos  = "pending_typos"
	DataKeyActions       = "actions"
	DataKeyPolicyMessage = "policy_message"
)

// MaxHistory bounds the stored conversation history.
const MaxHistory = 20

// PendingTypo is a suspected typo awaiting the user's confirmation.
type PendingTypo struct {
	Original   string `json:"original"`
	Suggestion string `json:"suggestion"`
}

// ActionRecord is the last outcome of a stage action and the input it ran with.
type ActionRecord struct {
	Fingerprint string           `json:"fingerprint"`
	Success     bool             `json:"success"`
	ErrorCode   models.ErrorCode `json:"errorCode,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Conversation is the decoded per-conversation state.
type Conversation struct {
	ID            string
	FlowSlug      string
	Stage         string
	Status        models.ConversationStatus
	LastQuestion  string
	PolicyMessage string // last recovery message, repeated while paused
	History       []models.ChatMessage
	Rejected      map[string][]string
	PendingTypos  map[string]PendingTypo
	Actions       map[string]ActionRecord
	CreatedAt     time.Time
	New           bool
}

// FirstTurn reports whether nothing has been asked yet.
func (c *Conversation) FirstTurn() bool {
	return c.LastQuestion == "" && len(c.History) == 0
}

// AppendHistory adds an entry, keeping the last MaxHistory.
func (c *Conversation) AppendHistory(role models.ChatRole, content string) {
	if content == "" {
		return
	}
	c.History = append(c.History, models.ChatMessage{Role: role, Content: content})
	if len(c.History) > MaxHistory {
		c.History = c.History[len(c.History)-MaxHistory:]
	}
}

// Reject remembers a rejected value for field.
func (c *Conversation) Reject(field, value string) {
	for _, v := range c.Rejected[field] {
		if v == value {
			return
		}
	}
	c.Rejected[field] = append(c.Rejected[field], value)
}

// StoreBasedStateManager persists conversations as FlowState rows.
type StoreBasedStateManager struct {
	store store.Store
}

// NewStoreBasedStateManager creates a state manager backed by st.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	return &StoreBasedStateManager{store: st}
}

// Load returns the conversation, or nil if it does not exist.
func (sm *StoreBasedStateManager) Load(ctx context.Context, conversationID string) (*Conversation, error) {
	fs, err := sm.store.GetFlowState(ctx, conversationID)
	if err != nil {
		slog.Error("StateManager.Load: get flow state failed", "error", err, "conversationID", conversationID)
		return nil, err
	}
	if fs == nil {
		return nil, nil
	}
	return decodeConversation(fs), nil
}

// New returns a fresh conversation positioned at the flow's initial stage.
func (sm *StoreBasedStateManager) New(conversationID string, flow *models.FlowDefinition) *Conversation {
	return &Conversation{
		ID:           conversationID,
		FlowSlug:     flow.Slug,
		Stage:        flow.Definition.Config.InitialStage,
		Status:       models.StatusActive,
		Rejected:     map[string][]string{},
		PendingTypos: map[string]PendingTypo{},
		Actions:      map[string]ActionRecord{},
		New:          true,
	}
}

// Save writes the conversation without touching user data.
func (sm *StoreBasedStateManager) Save(ctx context.Context, c *Conversation) error {
	if err := sm.store.SaveFlowState(ctx, c.FlowState()); err != nil {
		slog.Error("StateManager.Save failed", "error", err, "conversationID", c.ID)
		return err
	}
	return nil
}

// Reset deletes the conversation state. Collected user data is kept.
func (sm *StoreBasedStateManager) Reset(ctx context.Context, conversationID string) error {
	if err := sm.store.DeleteFlowState(ctx, conversationID); err != nil {
		slog.Error("StateManager.Reset failed", "error", err, "conversationID", conversationID)
		return err
	}
	slog.Info("StateManager.Reset succeeded", "conversationID", conversationID)
	return nil
}

// FlowState encodes the conversation for storage.
func (c *Conversation) FlowState() models.FlowState {
	data := map[string]string{DataKeyStatus: string(c.Status)}
	if c.LastQuestion != "" {
		data[DataKeyLastQuestion] = c.LastQuestion
	}
	if c.PolicyMessage != "" {
		data[DataKeyPolicyMessage] = c.PolicyMessage
	}
	putJSON(data, DataKeyHistory, c.History, len(c.History))
	putJSON(data, DataKeyRejected, c.Rejected, len(c.Rejected))
	putJSON(data, DataKeyPendingTypos, c.PendingTypos, len(c.PendingTypos))
	putJSON(data, DataKeyActions, c.Actions, len(c.Actions))
	return models.FlowState{
		ConversationID: c.ID,
		FlowSlug:       c.FlowSlug,
		CurrentStage:   c.Stage,
		StateData:      data,
		CreatedAt:      c.CreatedAt,
	}
}

func putJSON(data map[string]string, key string, v any, n int) {
	if n == 0 {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Conversation.FlowState: encode failed", "key", key, "error", err)
		return
	}
	data[key] = string(b)
}

func decodeConversation(fs *models.FlowState) *Conversation {
	c := &Conversation{
		ID:           fs.ConversationID,
		FlowSlug:     fs.FlowSlug,
		Stage:        fs.CurrentStage,
		Status:       models.StatusActive,
		Rejected:     map[string][]string{},
		PendingTypos: map[string]PendingTypo{},
		Actions:      map[string]ActionRecord{},
		CreatedAt:    fs.CreatedAt,
	}
	if s := fs.StateData[DataKeyStatus]; s != "" {
		c.Status = models.ConversationStatus(s)
	}
	c.LastQuestion = fs.StateData[DataKeyLastQuestion]
	c.PolicyMessage = fs.StateData[DataKeyPolicyMessage]
	getJSON(fs.StateData, DataKeyHistory, &c.History)
	getJSON(fs.StateData, DataKeyRejected, &c.Rejected)
	getJSON(fs.StateData, DataKeyPendingTypos, &c.PendingTypos)
	getJSON(fs.StateData, DataKeyActions, &c.Actions)
	if c.Rejected == nil {
		c.Rejected = map[string][]string{}
	}
	if c.PendingTypos == nil {
		c.PendingTypos = map[string]PendingTypo{}
	}
	if c.Actions == nil {
		c.Actions = map[string]ActionRecord{}
	}
	return c
}

// getJSON decodes one entry; a corrupt entry is dropped rather than failing the turn.
func getJSON(data map[string]string, key string, v any) {
	raw, ok := data[key]
	if !ok || raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		slog.Warn("decodeConversation: dropping corrupt state entry", "key", key, "error", err)
	}
}
