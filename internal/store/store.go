// Package store persists users, devices and sessions. The Store interface is
// the single persistence boundary of the broker; SQLiteStore is the shipped
// implementation.
package store

import (
	"context"
	"errors"

	"termbroker/internal/model"
)

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a uniqueness or foreign-key constraint was violated.
	ErrConflict = errors.New("constraint violation")
	// ErrUnavailable means the backing store could not serve the request.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is implemented by *sql.DB-backed stores. All implementations must be
// safe for concurrent use; writes to one logical record are atomic.
type Store interface {
	SaveUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	// UpdateUser rewrites the user row and replaces its device set in one
	// transaction.
	UpdateUser(ctx context.Context, user *model.User) error

	SaveSession(ctx context.Context, sess *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// GetUserSessions lists a user's sessions ordered by last activity,
	// newest first.
	GetUserSessions(ctx context.Context, userID string) ([]model.Session, error)
	UpdateSession(ctx context.Context, sess *model.Session) error
	UpdateSessionActivity(ctx context.Context, id string, at int64) error
	// GetInactiveSessions returns sessions whose last activity predates
	// cutoff and that have not already been marked inactive.
	GetInactiveSessions(ctx context.Context, cutoff int64) ([]model.Session, error)
	// CleanupOldSessions deletes inactive sessions whose last activity is
	// older than the given number of days, returning the delete count.
	CleanupOldSessions(ctx context.Context, olderThanDays int) (int64, error)

	Vacuum(ctx context.Context) error
	Close() error
}
