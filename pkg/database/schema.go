package database

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a migrated database has the shape the archive
// store expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check.
func (v *SchemaValidator) Validate(ctx context.Context) error {
	if err := v.ValidateTablesExist(ctx); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(ctx); err != nil {
		return err
	}
	return v.ValidateIndexes(ctx)
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist(ctx context.Context) error {
	for _, table := range []string{"messages", "schema_migrations"} {
		exists, err := v.objectExists(ctx, "table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types.
// TECHNICAL DISCOVERY: SQLite reports the declared type verbatim, so the
// comparison is exact.
func (v *SchemaValidator) ValidateTableStructure(ctx context.Context) error {
	messageColumns := map[string]string{
		"id":        "TEXT",
		"room":      "TEXT",
		"user":      "TEXT",
		"text":      "TEXT",
		"timestamp": "DATETIME",
	}

	if err := v.validateColumns(ctx, "messages", messageColumns); err != nil {
		return fmt.Errorf("messages table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that the lookup indexes exist
func (v *SchemaValidator) ValidateIndexes(ctx context.Context) error {
	requiredIndexes := map[string]string{
		"idx_messages_room_time": "room history and counts",
		"idx_messages_user":      "per-user lookups",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists(ctx, "index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

func (v *SchemaValidator) objectExists(ctx context.Context, kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(ctx context.Context, tableName string, expected map[string]string) error {
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue interface{}
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, wantType := range expected {
		gotType, exists := found[column]
		if !exists {
			return fmt.Errorf("column %s not found", column)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", column, gotType, wantType)
		}
	}
	return nil
}
