package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "discosync/pkg/database"
	"discosync/pkg/interfaces"
	"discosync/pkg/types"
)

// Database manager error types
var (
	ErrManagerClosed  = errors.New("database manager is closed")
	ErrWriteTimeout   = errors.New("write operation timeout")
	ErrInvalidEvent   = errors.New("session event is missing session key or type")
	ErrInvalidFlag    = errors.New("feature flag name cannot be empty")
	ErrInvalidLimit   = errors.New("limit must be positive")
	defaultRetryDelay = 5 * time.Second
)

// MaxEventListLimit caps ListSessionEvents.
const MaxEventListLimit = 500

// Manager implements the DatabaseManager interface
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          zerolog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the store, applies pragmas and the embedded migrations, and
// starts the single writer goroutine.
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewEmbeddedMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		log:          logger.With().Str("component", "database").Logger(),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   defaultRetryDelay,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: A failed write is retried exactly once after a delay
			err := op.operation(m.db)
			if err != nil {
				m.log.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("database write failed, retrying")
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
				if err != nil {
					m.log.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.log.Debug().Msg("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// EnsureFeatureFlags inserts the flags from defaults that are not stored yet.
// FUNCTIONAL DISCOVERY: Administrators own the stored values; configuration only
// seeds a fresh store and never overwrites
func (m *Manager) EnsureFeatureFlags(ctx context.Context, defaults map[string]bool) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for name, enabled := range defaults {
			if name == "" {
				return ErrInvalidFlag
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO feature_flags (name, enabled) VALUES (?, ?)`,
				name, enabled,
			); err != nil {
				return fmt.Errorf("failed to seed feature flag %s: %w", name, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit feature flags: %w", err)
		}
		return nil
	})
}

// SetFeatureFlag stores a flag value, creating it when absent.
func (m *Manager) SetFeatureFlag(ctx context.Context, name string, enabled bool, updatedBy string) error {
	if name == "" {
		return ErrInvalidFlag
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO feature_flags (name, enabled, updated_at, updated_by)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				enabled = excluded.enabled,
				updated_at = excluded.updated_at,
				updated_by = excluded.updated_by
		`, name, enabled, time.Now().UTC(), updatedBy)
		if err != nil {
			return fmt.Errorf("failed to set feature flag %s: %w", name, err)
		}
		return nil
	})
}

// GetFeatureFlags lists every stored flag ordered by name.
func (m *Manager) GetFeatureFlags(ctx context.Context) ([]*types.FeatureFlag, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT name, enabled, updated_at, updated_by
		FROM feature_flags
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query feature flags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	flags := make([]*types.FeatureFlag, 0)
	for rows.Next() {
		var flag types.FeatureFlag
		var updatedAt sql.NullTime
		var updatedBy sql.NullString
		if err := rows.Scan(&flag.Name, &flag.Enabled, &updatedAt, &updatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan feature flag row: %w", err)
		}
		if updatedAt.Valid {
			t := updatedAt.Time.UTC()
			flag.UpdatedAt = &t
		}
		if updatedBy.Valid {
			flag.UpdatedBy = &updatedBy.String
		}
		flags = append(flags, &flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feature flag rows: %w", err)
	}
	return flags, nil
}

// IsFeatureEnabled reads one flag.
func (m *Manager) IsFeatureEnabled(ctx context.Context, name string) (bool, error) {
	var enabled bool
	err := m.db.QueryRowContext(ctx, `SELECT enabled FROM feature_flags WHERE name = ?`, name).Scan(&enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, interfaces.ErrFeatureNotFound
		}
		return false, fmt.Errorf("failed to query feature flag %s: %w", name, err)
	}
	return enabled, nil
}

// RecordSessionEvent appends one lifecycle event, assigning an ID and timestamp when missing.
func (m *Manager) RecordSessionEvent(ctx context.Context, event *types.SessionEvent) error {
	if event == nil || event.SessionKey == "" || event.Type == "" {
		return ErrInvalidEvent
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO session_events (id, session_key, type, course_id, course_name, course_image, coach_email, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			event.ID,
			event.SessionKey,
			event.Type,
			event.CourseID,
			event.CourseName,
			event.CourseImage,
			event.CoachEmail,
			event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session event: %w", err)
		}
		return nil
	})
}

// ListSessionEvents returns the most recent events, newest first.
func (m *Manager) ListSessionEvents(ctx context.Context, limit int) ([]*types.SessionEvent, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if limit > MaxEventListLimit {
		limit = MaxEventListLimit
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_key, type, course_id, course_name, course_image, coach_email, created_at
		FROM session_events
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*types.SessionEvent, 0)
	for rows.Next() {
		var event types.SessionEvent
		var courseID, courseName, courseImage sql.NullString
		if err := rows.Scan(
			&event.ID,
			&event.SessionKey,
			&event.Type,
			&courseID,
			&courseName,
			&courseImage,
			&event.CoachEmail,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session event row: %w", err)
		}
		event.CourseID = nullable(courseID)
		event.CourseName = nullable(courseName)
		event.CourseImage = nullable(courseImage)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session event rows: %w", err)
	}
	return events, nil
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM feature_flags").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

var _ interfaces.DatabaseManager = (*Manager)(nil)
