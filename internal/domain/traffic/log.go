// Package traffic defines the append-only connection and traffic logs the
// online tracker and stats collector read and write.
package traffic

import (
	"context"
	"time"
)

// ConnectionAction is the kind of a connection log entry.
type ConnectionAction string

const (
	ActionConnect    ConnectionAction = "connect"
	ActionDisconnect ConnectionAction = "disconnect"
)

// ConnectionLog is one observed connect or disconnect event.
type ConnectionLog struct {
	ID        uint
	UserID    uint
	InboundID uint
	Action    ConnectionAction
	ClientIP  string
	CreatedAt time.Time
}

// TrafficLog is one attributed per-user traffic delta.
type TrafficLog struct {
	ID        uint
	UserID    uint
	Upload    uint64
	Download  uint64
	CreatedAt time.Time
}

// ConnectionLogRepository reads and appends connection events.
type ConnectionLogRepository interface {
	Append(ctx context.Context, entry *ConnectionLog) error
	// ListSince returns all entries newer than the cutoff, newest first.
	ListSince(ctx context.Context, since time.Time) ([]ConnectionLog, error)
	// DistinctIPsSince returns the distinct client IPs a user connected from
	// within the window. Used by the IP-limit enforcer.
	DistinctIPsSince(ctx context.Context, userID uint, since time.Time) ([]string, error)
}

// TrafficLogRepository reads appended traffic deltas. Appending happens
// inside user.Repository.IncrementUsage to keep counter and log atomic.
type TrafficLogRepository interface {
	ListSince(ctx context.Context, since time.Time) ([]TrafficLog, error)
	LatestPerUserSince(ctx context.Context, since time.Time) (map[uint]time.Time, error)
}
