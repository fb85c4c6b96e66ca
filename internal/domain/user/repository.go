package user

import (
	"context"
	"time"
)

// InboundRef is a compact reference to an enabled inbound of a user.
type InboundRef struct {
	InboundID uint
	Tag       string
	Priority  int
}

// ActiveProjection is the compact shape loaded by the stats collector and
// the online tracker: active users with their enabled inbounds. Direct
// user-inbound relations win over group-derived ones; groups fill gaps.
type ActiveProjection struct {
	ID       uint
	Email    string
	UUID     string
	Inbounds []InboundRef
}

// StatKeys mirrors User.StatKeys for the projection.
func (p *ActiveProjection) StatKeys() []string {
	keys := make([]string, 0, 2)
	if p.Email != "" {
		keys = append(keys, p.Email)
	}
	if p.UUID != "" && p.UUID != p.Email {
		keys = append(keys, p.UUID)
	}
	return keys
}

// Repository is the persistence contract for users.
type Repository interface {
	GetByID(ctx context.Context, id uint) (*User, error)
	GetByUUID(ctx context.Context, uuid string) (*User, error)
	ListActive(ctx context.Context) ([]*User, error)

	// ListActiveProjections returns active users joined with their enabled
	// inbounds, including group-derived relations deduplicated by user id.
	ListActiveProjections(ctx context.Context) ([]ActiveProjection, error)

	// IncrementUsage atomically adds the deltas to the user's counters and
	// appends a traffic log row in the same transaction.
	IncrementUsage(ctx context.Context, userID uint, upload, download uint64, at time.Time) error

	// UpdateStatus transitions a user's lifecycle status.
	UpdateStatus(ctx context.Context, userID uint, status Status) error

	// ResetUsage zeroes both counters. Explicit resets are the only allowed
	// non-monotonic counter change.
	ResetUsage(ctx context.Context, userID uint) error
}
