// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/campuscompanion/companion/internal/domain"
)

// Repository persists student profiles and conversation turns.
type Repository interface {
	// GetProfile retrieves a profile by user ID. A missing profile is (nil, nil).
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)

	// UpsertProfile creates or updates a profile record.
	UpsertProfile(ctx context.Context, profile *domain.Profile) error

	// AppendMessages adds turns to a conversation session owned by userID.
	AppendMessages(ctx context.Context, userID, sessionID string, msgs []domain.StoredMessage) error

	// RecentMessages returns up to limit of the latest turns, oldest first.
	RecentMessages(ctx context.Context, userID, sessionID string, limit int) ([]domain.StoredMessage, error)

	// CleanupMessages removes turns older than ttl.
	CleanupMessages(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
