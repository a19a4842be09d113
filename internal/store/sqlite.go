// Package store provides storage backends for OnboardPipe.
//
// This file implements an SQLite-backed store for user data and conversation state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Durable = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer connection keeps transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) GetUserData(ctx context.Context, userID, flowSlug string) (map[string]any, error) {
	return sqliteUserData(ctx, s.db, userID, flowSlug)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteUserData(ctx context.Context, q queryer, userID, flowSlug string) (map[string]any, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT data FROM user_data WHERE user_id = ? AND flow_slug = ?`, userID, flowSlug).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user data for %s/%s: %w", userID, flowSlug, err)
	}
	data := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("failed to decode user data for %s/%s: %w", userID, flowSlug, err)
		}
	}
	return data, nil
}

func (s *SQLiteStore) SetUserData(ctx context.Context, userID, flowSlug string, patch map[string]any, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := sqliteMergeUserData(ctx, tx, userID, flowSlug, patch, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func sqliteMergeUserData(ctx context.Context, tx *sql.Tx, userID, flowSlug string, patch map[string]any, conversationID string) error {
	data, err := sqliteUserData(ctx, tx, userID, flowSlug)
	if err != nil {
		return err
	}
	mergePatch(data, patch)
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode user data: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_data (user_id, flow_slug, conversation_id, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, flow_slug) DO UPDATE SET
			data = excluded.data,
			conversation_id = COALESCE(excluded.conversation_id, user_data.conversation_id),
			updated_at = excluded.updated_at`,
		userID, flowSlug, nilIfEmpty(conversationID), string(encoded), time.Now())
	if err != nil {
		slog.Error("SQLiteStore.SetUserData failed", "error", err, "userID", userID, "flow", flowSlug)
		return fmt.Errorf("failed to save user data for %s/%s: %w", userID, flowSlug, err)
	}
	return nil
}

func (s *SQLiteStore) GetFlowState(ctx context.Context, conversationID string) (*models.FlowState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, flow_slug, current_stage, state_data, created_at, updated_at
		FROM flow_states WHERE conversation_id = ?`, conversationID)
	state, err := scanFlowState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetFlowState failed", "error", err, "conversationID", conversationID)
		return nil, err
	}
	return state, nil
}

func (s *SQLiteStore) SaveFlowState(ctx context.Context, state models.FlowState) error {
	return sqliteSaveFlowState(ctx, s.db, state)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteSaveFlowState(ctx context.Context, e execer, state models.FlowState) error {
	stateData, err := encodeStateData(state.StateData)
	if err != nil {
		return err
	}
	now := time.Now()
	created := state.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO flow_states (conversation_id, flow_slug, current_stage, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			flow_slug = excluded.flow_slug,
			current_stage = excluded.current_stage,
			state_data = excluded.state_data,
			updated_at = excluded.updated_at`,
		state.ConversationID, state.FlowSlug, state.CurrentStage, stateData, created, now)
	if err != nil {
		slog.Error("SQLiteStore.SaveFlowState failed", "error", err, "conversationID", state.ConversationID)
		return fmt.Errorf("failed to save flow state for %s: %w", state.ConversationID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteFlowState(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM flow_states WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete flow state for %s: %w", conversationID, err)
	}
	return nil
}

func (s *SQLiteStore) CommitTurn(ctx context.Context, c TurnCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range c.Patches {
		if err := sqliteMergeUserData(ctx, tx, c.UserID, p.FlowSlug, p.Patch, c.ConversationID); err != nil {
			return err
		}
	}
	if err := sqliteSaveFlowState(ctx, tx, c.State); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn for %s: %w", c.ConversationID, err)
	}
	slog.Debug("SQLiteStore.CommitTurn", "conversationID", c.ConversationID, "patches", len(c.Patches))
	return nil
}
