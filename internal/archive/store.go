// Package archive persists broadcast chat events to SQLite off the hot path.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	dbconfig "roomrelay/pkg/database"
	"roomrelay/pkg/types"
)

// Store implements interfaces.MessageStore on SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewStore opens the database, applies the embedded migrations and checks
// the resulting schema.
func NewStore(ctx context.Context, cfg *dbconfig.Config, logger zerolog.Logger) (*Store, error) {
	db, err := dbconfig.Open(cfg)
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "archive_store").Logger()

	applied, err := dbconfig.NewMigrationManager(db, dbconfig.Migrations()).ApplyMigrations(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate archive database: %w", err)
	}
	if len(applied) > 0 {
		logger.Info().Strs("versions", applied).Msg("applied archive migrations")
	}

	if err := dbconfig.NewSchemaValidator(db).Validate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive schema invalid: %w", err)
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// StoreMessage inserts one event. A missing ID or timestamp is filled in.
func (s *Store) StoreMessage(ctx context.Context, message *types.ArchivedMessage) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room, user, text, timestamp) VALUES (?, ?, ?, ?, ?)`,
		message.ID,
		message.Room,
		message.User,
		message.Text,
		message.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// CountMessages returns the number of archived events for room.
func (s *Store) CountMessages(ctx context.Context, room string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE room = ?`, room).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// HealthCheck validates both connectivity and a basic read.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages LIMIT 1`).Scan(&one); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close releases the database. Calling it again is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
