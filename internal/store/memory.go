package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/util"
)

// InMemoryStore is a process-local Durable store.
type InMemoryStore struct {
	mu       sync.RWMutex
	userData map[userKey]map[string]any
	states   map[string]models.FlowState
	dedup    map[string]*DedupRecord
	outbox   map[string]*OutboxMessage

	lastEnqueue time.Time // keeps outbox CreatedAt strictly increasing
}

type userKey struct{ user, flow string }

var _ Durable = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		userData: map[userKey]map[string]any{},
		states:   map[string]models.FlowState{},
		dedup:    map[string]*DedupRecord{},
		outbox:   map[string]*OutboxMessage{},
	}
}

func (s *InMemoryStore) GetUserData(_ context.Context, userID, flowSlug string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]any{}
	for k, v := range s.userData[userKey{userID, flowSlug}] {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) SetUserData(_ context.Context, userID, flowSlug string, patch map[string]any, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(userID, flowSlug, patch)
	return nil
}

func (s *InMemoryStore) applyLocked(userID, flowSlug string, patch map[string]any) {
	key := userKey{userID, flowSlug}
	data, ok := s.userData[key]
	if !ok {
		data = map[string]any{}
		s.userData[key] = data
	}
	mergePatch(data, patch)
}

func (s *InMemoryStore) GetFlowState(_ context.Context, conversationID string) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[conversationID]
	if !ok {
		return nil, nil
	}
	st.StateData = copyStrings(st.StateData)
	return &st, nil
}

func (s *InMemoryStore) SaveFlowState(_ context.Context, state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveStateLocked(state)
	return nil
}

func (s *InMemoryStore) saveStateLocked(state models.FlowState) {
	now := time.Now()
	if prev, ok := s.states[state.ConversationID]; ok && state.CreatedAt.IsZero() {
		state.CreatedAt = prev.CreatedAt
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	state.StateData = copyStrings(state.StateData)
	s.states[state.ConversationID] = state
}

func (s *InMemoryStore) DeleteFlowState(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, conversationID)
	return nil
}

func (s *InMemoryStore) CommitTurn(_ context.Context, c TurnCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range c.Patches {
		s.applyLocked(c.UserID, p.FlowSlug, p.Patch)
	}
	s.saveStateLocked(c.State)
	slog.Debug("InMemoryStore.CommitTurn", "conversationID", c.ConversationID, "patches", len(c.Patches))
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, ConversationID: conversationID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.dedup[messageID]; ok {
		now := time.Now()
		r.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) ForgetInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.dedup[messageID]; ok && r.ProcessedAt == nil {
		delete(s.dedup, messageID)
	}
	return nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(conversationID, recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	if !now.After(s.lastEnqueue) {
		now = s.lastEnqueue.Add(time.Nanosecond)
	}
	s.lastEnqueue = now
	id := util.GenerateRandomID("outbox_", 32)
	s.outbox[id] = &OutboxMessage{
		ID: id, ConversationID: conversationID, Recipient: recipient, Kind: kind, PayloadJSON: payloadJSON,
		Status: OutboxStatusQueued, DedupeKey: dedupeKey, CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// head is the oldest pending message per conversation; busy marks conversations with a send in flight
	head := map[string]*OutboxMessage{}
	busy := map[string]bool{}
	for _, m := range s.outbox {
		if m.ConversationID == "" {
			continue
		}
		switch m.Status {
		case OutboxStatusSending:
			busy[m.ConversationID] = true
		case OutboxStatusQueued:
			if h, ok := head[m.ConversationID]; !ok || m.CreatedAt.Before(h.CreatedAt) {
				head[m.ConversationID] = m
			}
		}
	}
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		if m.ConversationID != "" && (busy[m.ConversationID] || head[m.ConversationID] != m) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		m.Status = OutboxStatusSending
		locked := now
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusSent
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		next := nextAttemptAt
		m.NextAttemptAt = &next
		m.LockedAt = nil
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// GetOutboxMessage returns a copy of one queued message, for inspection in tests and tooling.
func (s *InMemoryStore) GetOutboxMessage(id string) (*OutboxMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
