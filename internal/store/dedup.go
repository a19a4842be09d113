package store

import (
	"database/sql"
	"fmt"
	"time"
)

// DedupRecord is one inbound channel message seen by the service.
type DedupRecord struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
}

// DedupRepo makes inbound webhooks idempotent: providers redeliver on timeouts.
type DedupRepo interface {
	// IsDuplicate reports whether messageID was already recorded.
	IsDuplicate(messageID string) (bool, error)
	// RecordInbound inserts messageID. It returns false if the message was already recorded.
	RecordInbound(messageID, conversationID string) (bool, error)
	// MarkProcessed stamps the time the turn for messageID finished.
	MarkProcessed(messageID string) error
	// ForgetInbound removes an unprocessed record so that a redelivery is accepted again.
	ForgetInbound(messageID string) error
}

// dedupQueries holds the dialect-specific statements shared by the SQL stores.
type dedupQueries struct {
	exists, insert, processed, forget string
}

var (
	sqliteDedup = dedupQueries{
		exists:    `SELECT message_id FROM inbound_dedup WHERE message_id = ?`,
		insert:    `INSERT OR IGNORE INTO inbound_dedup (message_id, conversation_id, received_at) VALUES (?, ?, ?)`,
		processed: `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		forget:    `DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`,
	}
	postgresDedup = dedupQueries{
		exists:    `SELECT message_id FROM inbound_dedup WHERE message_id = $1`,
		insert:    `INSERT INTO inbound_dedup (message_id, conversation_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		processed: `UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
		forget:    `DELETE FROM inbound_dedup WHERE message_id = $1 AND processed_at IS NULL`,
	}
)

func (q dedupQueries) isDuplicate(db *sql.DB, messageID string) (bool, error) {
	var id string
	err := db.QueryRow(q.exists, messageID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (q dedupQueries) record(db *sql.DB, messageID, conversationID string) (bool, error) {
	result, err := db.Exec(q.insert, messageID, conversationID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (q dedupQueries) markProcessed(db *sql.DB, messageID string) error {
	if _, err := db.Exec(q.processed, time.Now(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (q dedupQueries) forgetInbound(db *sql.DB, messageID string) error {
	if _, err := db.Exec(q.forget, messageID); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsDuplicate(messageID string) (bool, error) {
	return sqliteDedup.isDuplicate(s.db, messageID)
}

func (s *SQLiteStore) RecordInbound(messageID, conversationID string) (bool, error) {
	return sqliteDedup.record(s.db, messageID, conversationID)
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	return sqliteDedup.markProcessed(s.db, messageID)
}

func (s *SQLiteStore) ForgetInbound(messageID string) error {
	return sqliteDedup.forgetInbound(s.db, messageID)
}

func (s *PostgresStore) IsDuplicate(messageID string) (bool, error) {
	return postgresDedup.isDuplicate(s.db, messageID)
}

func (s *PostgresStore) RecordInbound(messageID, conversationID string) (bool, error) {
	return postgresDedup.record(s.db, messageID, conversationID)
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	return postgresDedup.markProcessed(s.db, messageID)
}

func (s *PostgresStore) ForgetInbound(messageID string) error {
	return postgresDedup.forgetInbound(s.db, messageID)
}
