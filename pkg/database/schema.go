package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"feature_flags":     "Capability switches",
	"session_events":    "Session lifecycle audit log",
	"schema_migrations": "Migration tracking",
}

var requiredIndexes = map[string]string{
	"idx_session_events_created": "Recent event listing",
	"idx_session_events_session": "Per-session event lookups",
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	flagColumns := map[string]string{
		"name":       "TEXT",
		"enabled":    "INTEGER",
		"updated_at": "DATETIME",
		"updated_by": "TEXT",
	}
	if err := v.validateColumns("feature_flags", flagColumns); err != nil {
		return fmt.Errorf("feature_flags table structure invalid: %w", err)
	}

	eventColumns := map[string]string{
		"id":           "TEXT",
		"session_key":  "TEXT",
		"type":         "TEXT",
		"course_id":    "TEXT",
		"course_name":  "TEXT",
		"course_image": "TEXT",
		"coach_email":  "TEXT",
		"created_at":   "DATETIME",
	}
	if err := v.validateColumns("session_events", eventColumns); err != nil {
		return fmt.Errorf("session_events table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that CHECK constraints are enforced
// ARCHITECTURAL DISCOVERY: Probes run inside a transaction that is always
// rolled back so validation never leaves rows behind
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO session_events (id, session_key, type)
		VALUES ('constraint-probe', 'probe', 'PLAY')
	`); err == nil {
		return fmt.Errorf("check constraint not enforced: session event type")
	}

	if _, err := tx.Exec(`
		INSERT INTO feature_flags (name, enabled) VALUES ('CONSTRAINT_PROBE', 2)
	`); err == nil {
		return fmt.Errorf("check constraint not enforced: feature flag value")
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return err
		}
		found[name] = strings.ToUpper(colType)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, colType := range expected {
		got, ok := found[column]
		if !ok {
			return fmt.Errorf("missing column %s", column)
		}
		if got != colType {
			return fmt.Errorf("column %s has type %s, expected %s", column, got, colType)
		}
	}
	return nil
}
