// Package update defines the persisted records backing the data-plane
// update coordinator: the named mutual-exclusion lock and the append-only
// history log.
package update

import (
	"context"
	"time"
)

// HistoryLevel classifies a history entry.
type HistoryLevel string

const (
	LevelInfo     HistoryLevel = "info"
	LevelWarning  HistoryLevel = "warning"
	LevelError    HistoryLevel = "error"
	LevelCritical HistoryLevel = "critical"
)

// HistoryEntry is one append-only record of an update action.
type HistoryEntry struct {
	ID        uint
	Level     HistoryLevel
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Lock is the single named mutual-exclusion record. At most one live
// instance exists per name; stale iff ExpiresAt is in the past.
type Lock struct {
	Name      string
	OwnerID   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Stale reports whether the lock has expired at the given instant.
func (l *Lock) Stale(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LockRepository persists the update lock. Acquire must be an atomic
// conditional write: it succeeds only when no live lock exists.
type LockRepository interface {
	// Acquire claims the named lock for ownerID until expiresAt. Returns
	// the live holder and false when another non-stale lock exists.
	Acquire(ctx context.Context, name, ownerID string, expiresAt time.Time) (held *Lock, acquired bool, err error)
	Get(ctx context.Context, name string) (*Lock, error)
	// Release deletes the lock when owned by ownerID.
	Release(ctx context.Context, name, ownerID string) error
	// ForceRelease deletes the lock regardless of owner.
	ForceRelease(ctx context.Context, name string) error
}

// HistoryRepository appends and pages update history.
type HistoryRepository interface {
	Append(ctx context.Context, entry *HistoryEntry) error
	// List returns entries newest first.
	List(ctx context.Context, offset, limit int) ([]HistoryEntry, int64, error)
}
