// Package models defines conversation state structures for OnboardPipe flows.
package models

import "time"

// ConversationStatus is the lifecycle status of a conversation within a flow.
type ConversationStatus string

const (
	// StatusActive means the conversation is collecting fields.
	StatusActive ConversationStatus = "active"
	// StatusPaused means an action failed and the stage waits for corrected input.
	StatusPaused ConversationStatus = "paused"
	// StatusCompleted means the flow reached a terminal stage.
	StatusCompleted ConversationStatus = "completed"
	// StatusEnded means an error policy ended the flow.
	StatusEnded ConversationStatus = "ended"
)

// FlowState represents where a conversation currently is in a flow.
type FlowState struct {
	ConversationID string            `json:"conversation_id"`
	FlowSlug       string            `json:"flow_slug"`
	CurrentStage   string            `json:"current_stage"`
	StateData      map[string]string `json:"state_data,omitempty"` // per-conversation bookkeeping (history, last question, rejected values)
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// UserData is the collected field map of one user within one flow.
type UserData struct {
	UserID         string         `json:"user_id"`
	FlowSlug       string         `json:"flow_slug"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Data           map[string]any `json:"data"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StageTransition records one hop taken by the transition engine.
type StageTransition struct {
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`
	Condition string `json:"condition,omitempty"` // the rule that selected the target, if any
}

// ChatRole is the author of a history entry.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry of the bounded conversation history.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}
