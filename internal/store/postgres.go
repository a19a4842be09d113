// Package store provides storage backends for OnboardPipe.
//
// This file implements a PostgreSQL-backed store. User data lives in a jsonb column merged server-side.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Durable = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetUserData(ctx context.Context, userID, flowSlug string) (map[string]any, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM user_data WHERE user_id = $1 AND flow_slug = $2`, userID, flowSlug).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user data for %s/%s: %w", userID, flowSlug, err)
	}
	data := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to decode user data for %s/%s: %w", userID, flowSlug, err)
		}
	}
	return data, nil
}

func (s *PostgresStore) SetUserData(ctx context.Context, userID, flowSlug string, patch map[string]any, conversationID string) error {
	return pgMergeUserData(ctx, s.db, userID, flowSlug, patch, conversationID)
}

// pgMergeUserData merges in one statement: set keys with ||, removed keys with - text[].
func pgMergeUserData(ctx context.Context, e execer, userID, flowSlug string, patch map[string]any, conversationID string) error {
	set, del := splitPatch(patch)
	encoded, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode user data: %w", err)
	}
	if del == nil {
		del = []string{}
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO user_data (user_id, flow_slug, conversation_id, data, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (user_id, flow_slug) DO UPDATE SET
			data = (user_data.data || EXCLUDED.data) - $6::text[],
			conversation_id = COALESCE(EXCLUDED.conversation_id, user_data.conversation_id),
			updated_at = EXCLUDED.updated_at`,
		userID, flowSlug, nilIfEmpty(conversationID), string(encoded), time.Now(), pq.Array(del))
	if err != nil {
		slog.Error("PostgresStore.SetUserData failed", "error", err, "userID", userID, "flow", flowSlug)
		return fmt.Errorf("failed to save user data for %s/%s: %w", userID, flowSlug, err)
	}
	return nil
}

func (s *PostgresStore) GetFlowState(ctx context.Context, conversationID string) (*models.FlowState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, flow_slug, current_stage, state_data::text, created_at, updated_at
		FROM flow_states WHERE conversation_id = $1`, conversationID)
	state, err := scanFlowState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetFlowState failed", "error", err, "conversationID", conversationID)
		return nil, err
	}
	return state, nil
}

func (s *PostgresStore) SaveFlowState(ctx context.Context, state models.FlowState) error {
	return pgSaveFlowState(ctx, s.db, state)
}

func pgSaveFlowState(ctx context.Context, e execer, state models.FlowState) error {
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
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		ON CONFLICT (conversation_id) DO UPDATE SET
			flow_slug = EXCLUDED.flow_slug,
			current_stage = EXCLUDED.current_stage,
			state_data = EXCLUDED.state_data,
			updated_at = EXCLUDED.updated_at`,
		state.ConversationID, state.FlowSlug, state.CurrentStage, stateData, created, now)
	if err != nil {
		slog.Error("PostgresStore.SaveFlowState failed", "error", err, "conversationID", state.ConversationID)
		return fmt.Errorf("failed to save flow state for %s: %w", state.ConversationID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteFlowState(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM flow_states WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("failed to delete flow state for %s: %w", conversationID, err)
	}
	return nil
}

func (s *PostgresStore) CommitTurn(ctx context.Context, c TurnCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range c.Patches {
		if err := pgMergeUserData(ctx, tx, c.UserID, p.FlowSlug, p.Patch, c.ConversationID); err != nil {
			return err
		}
	}
	if err := pgSaveFlowState(ctx, tx, c.State); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn for %s: %w", c.ConversationID, err)
	}
	return nil
}
