// Package lifecycle moves users between lifecycle states as quotas fill
// and expiry dates pass, and kicks the reconciler when anything changed.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"oneui/internal/domain/user"
	"oneui/internal/shared/logger"
)

// disconnecter drops a user's live devices, satisfied by *devices.Enforcer.
type disconnecter interface {
	Disconnect(ctx context.Context, userID uint, deviceID string) (devices, ips int)
}

// dirtyMarker schedules a reconcile pass, satisfied by *reconcile.Queue.
type dirtyMarker interface {
	MarkDirty()
}

// Sweeper scans active users and demotes those over quota or past expiry.
// Both transitions remove the user from the next generated config, so a
// sweep that changed anything marks the config dirty.
type Sweeper struct {
	users   user.Repository
	devices disconnecter
	queue   dirtyMarker
	logger  logger.Interface
	now     func() time.Time
}

func NewSweeper(users user.Repository, devices disconnecter, queue dirtyMarker, log logger.Interface) *Sweeper {
	return &Sweeper{
		users:   users,
		devices: devices,
		queue:   queue,
		logger:  log.Named("lifecycle"),
		now:     time.Now,
	}
}

// Sweep runs one pass. Per-user failures are collected, not fatal, so one
// bad row never blocks the rest of the sweep.
func (s *Sweeper) Sweep(ctx context.Context) error {
	activeUsers, err := s.users.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active users: %w", err)
	}

	now := s.now()
	changed := 0
	var firstErr error
	for _, u := range activeUsers {
		target, reason := s.transition(u, now)
		if target == "" {
			continue
		}
		if err := s.users.UpdateStatus(ctx, u.ID, target); err != nil {
			s.logger.Errorw("failed to update user status",
				"user_id", u.ID, "target", target, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		changed++
		s.logger.Infow("user demoted", "user_id", u.ID, "status", target, "reason", reason)
		if s.devices != nil {
			s.devices.Disconnect(ctx, u.ID, "")
		}
	}

	if changed > 0 && s.queue != nil {
		s.queue.MarkDirty()
	}
	return firstErr
}

// transition decides the demotion for one user. Expiry wins over quota
// when both apply.
func (s *Sweeper) transition(u *user.User, now time.Time) (user.Status, string) {
	if u.Expired(now) {
		return user.StatusExpired, "expire date passed"
	}
	if u.OverQuota() {
		return user.StatusLimited, fmt.Sprintf("quota reached (%d/%d bytes)", u.TotalUsed(), u.DataLimit)
	}
	return "", ""
}
