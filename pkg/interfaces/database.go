package interfaces

import (
	"context"

	"discosync/pkg/types"
)

// DatabaseManager is the collaborator store: feature flags and the session lifecycle audit log.
// ARCHITECTURAL DISCOVERY: Live session state never touches the database; only the
// capability gate and the record of authorized SESSION_START/SESSION_END do
type DatabaseManager interface {
	// EnsureFeatureFlags inserts any flag from defaults that is not stored yet.
	// Existing values are never overwritten
	EnsureFeatureFlags(ctx context.Context, defaults map[string]bool) error

	// GetFeatureFlags lists every stored flag ordered by name
	GetFeatureFlags(ctx context.Context) ([]*types.FeatureFlag, error)

	// IsFeatureEnabled reads one flag; an unknown flag yields ErrFeatureNotFound
	IsFeatureEnabled(ctx context.Context, name string) (bool, error)

	// RecordSessionEvent appends one lifecycle event
	RecordSessionEvent(ctx context.Context, event *types.SessionEvent) error

	// ListSessionEvents returns the most recent events, newest first
	ListSessionEvents(ctx context.Context, limit int) ([]*types.SessionEvent, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
