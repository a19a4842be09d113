package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeStateData(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state data: %w", err)
	}
	return string(b), nil
}

// scanFlowState scans a FlowState from a single row. sql.ErrNoRows is returned unwrapped.
func scanFlowState(row *sql.Row) (*models.FlowState, error) {
	var st models.FlowState
	var stateData sql.NullString
	err := row.Scan(&st.ConversationID, &st.FlowSlug, &st.CurrentStage, &stateData, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if stateData.Valid && stateData.String != "" {
		if err := json.Unmarshal([]byte(stateData.String), &st.StateData); err != nil {
			return nil, fmt.Errorf("failed to decode state data for %s: %w", st.ConversationID, err)
		}
	}
	return &st, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.ConversationID, &m.Recipient, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
