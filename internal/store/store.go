// Package store provides durable storage for collected user data and conversation state.
//
// The in-memory store backs tests and single-process runs; SQLite and Postgres back deployments.
package store

import (
	"context"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Store is the sole durable store of the flow core.
type Store interface {
	// GetUserData returns the collected fields of userID within flowSlug. A missing record yields an empty map.
	GetUserData(ctx context.Context, userID, flowSlug string) (map[string]any, error)
	// SetUserData merges patch into the stored fields. A nil value deletes the key.
	SetUserData(ctx context.Context, userID, flowSlug string, patch map[string]any, conversationID string) error

	// GetFlowState returns the state of a conversation, or nil if it has none.
	GetFlowState(ctx context.Context, conversationID string) (*models.FlowState, error)
	SaveFlowState(ctx context.Context, state models.FlowState) error
	DeleteFlowState(ctx context.Context, conversationID string) error

	// CommitTurn applies every user data patch and the conversation state atomically.
	CommitTurn(ctx context.Context, c TurnCommit) error

	Close() error
}

// DataPatch is one user data write inside a TurnCommit.
type DataPatch struct {
	FlowSlug string
	Patch    map[string]any
}

// TurnCommit is the complete outcome of one processed turn.
type TurnCommit struct {
	UserID         string
	ConversationID string
	Patches        []DataPatch
	State          models.FlowState
}

// Opts holds configuration for stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithDSN sets the data source name.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(path string) Option { return WithDSN(path) }

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option { return WithDSN(dsn) }

// DetectDSNType returns the database/sql driver name for dsn.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Durable is a Store that also persists inbound dedup records and the outbound queue.
type Durable interface {
	Store
	DedupRepo
	OutboxRepo
}

// Open returns the store selected by dsn. An empty dsn selects the in-memory store.
func Open(dsn string) (Durable, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// splitPatch separates a patch into values to set and keys to delete.
func splitPatch(patch map[string]any) (set map[string]any, del []string) {
	set = make(map[string]any, len(patch))
	for k, v := range patch {
		if v == nil {
			del = append(del, k)
			continue
		}
		set[k] = v
	}
	return set, del
}

// mergePatch applies patch to data in place.
func mergePatch(data, patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(data, k)
			continue
		}
		data[k] = v
	}
}
