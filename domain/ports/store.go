package ports

import (
	"context"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

// AuditLog is the append-only security event sequence.
type AuditLog interface {
	// Append assigns the next sequence number to ev and persists it.
	Append(ctx context.Context, ev *entities.SecurityEvent) error

	// Read returns up to n events with Seq >= from, in order.
	Read(ctx context.Context, from uint64, n int) ([]entities.SecurityEvent, error)

	Close() error
}

// ModuleStore persists module bytes by content hash.
type ModuleStore interface {
	Put(ctx context.Context, hash string, data []byte) error

	// Get returns *entities.NotFound for unknown hashes.
	Get(ctx context.Context, hash string) ([]byte, error)

	Close() error
}
