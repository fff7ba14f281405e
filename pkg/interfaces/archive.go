package interfaces

import (
	"context"

	"roomrelay/pkg/types"
)

// Archiver accepts broadcast chat events fire-and-forget. Implementations
// must not block the caller.
type Archiver interface {
	Archive(message types.ArchivedMessage)
}

// MessageStore persists archived chat events.
type MessageStore interface {
	// StoreMessage writes one event.
	StoreMessage(ctx context.Context, message *types.ArchivedMessage) error

	// CountMessages returns the number of stored events for a room.
	CountMessages(ctx context.Context, room string) (int, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying database.
	Close() error
}

// NopArchiver discards every event; used when archiving is disabled.
type NopArchiver struct{}

// Archive does nothing.
func (NopArchiver) Archive(types.ArchivedMessage) {}
