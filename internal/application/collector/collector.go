// Package collector periodically samples the data plane's traffic counters,
// converts them into monotonic deltas, and persists per-user usage.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"oneui/internal/domain/user"
	"oneui/internal/shared/logger"
	"oneui/internal/xray/stats"
)

// statClient is the stat-query seam, satisfied by *stats.Client.
type statClient interface {
	QueryStat(ctx context.Context, pattern string, reset bool) (stats.Result, error)
}

// TrafficObserver is notified of every positive per-user delta, letting the
// online tracker treat metered traffic as a liveness signal.
type TrafficObserver interface {
	ObserveTraffic(userID uint, upload, download uint64, at time.Time)
}

// State is the collector's derived health.
type State string

const (
	StateStarting State = "starting"
	StateHealthy  State = "healthy"
	StateStale    State = "stale"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// Status is the operator-facing collector snapshot.
type Status struct {
	State               State     `json:"state"`
	LastRunAt           time.Time `json:"lastRunAt,omitzero"`
	LastSuccessAt       time.Time `json:"lastSuccessAt,omitzero"`
	LastErrorAt         time.Time `json:"lastErrorAt,omitzero"`
	LastError           string    `json:"lastError,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OnlineUsers         int       `json:"onlineUsers"`
	LastUsersScanned    int       `json:"lastUsersScanned"`
	LastUsersUpdated    int       `json:"lastUsersUpdated"`
	LastTrafficBytes    uint64    `json:"lastTrafficBytes"`
	LastDurationMs      int64     `json:"lastDurationMs"`
	IntervalSec         int       `json:"intervalSec"`
}

// sample is one counter reading awaiting baseline commit. Baselines advance
// only after the derived delta is safely persisted, so a failed write leaves
// the delta claimable by the next pass.
type sample struct {
	key     string
	current uint64
}

// Collector owns the sampling loop state: the per-counter baselines and the
// health bookkeeping. Ticks are driven externally by the scheduler.
//
// Two locks split the hot path from observation: tickMu serializes passes
// and resets, mu guards the status so Status() stays responsive while a
// pass is wedged on a slow transport.
type Collector struct {
	users    user.Repository
	client   statClient
	observer TrafficObserver
	logger   logger.Interface
	interval time.Duration
	now      func() time.Time

	tickMu    sync.Mutex
	baselines map[string]uint64
	// per-pass transport tallies, touched only under tickMu
	queryErrors    int
	querySuccesses int

	mu            sync.Mutex
	status        Status
	stopped       bool
	inTick        bool
	tickStartedAt time.Time
}

func New(users user.Repository, client statClient, observer TrafficObserver, intervalSec int, log logger.Interface) *Collector {
	if intervalSec < 5 {
		intervalSec = 5
	}
	return &Collector{
		users:     users,
		client:    client,
		observer:  observer,
		logger:    log.Named("collector"),
		interval:  time.Duration(intervalSec) * time.Second,
		now:       time.Now,
		baselines: make(map[string]uint64),
		status:    Status{State: StateStarting, IntervalSec: intervalSec},
	}
}

// Tick runs one full sampling pass. Safe for concurrent callers; passes are
// serialized.
func (c *Collector) Tick(ctx context.Context) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	start := c.now()
	c.mu.Lock()
	c.status.LastRunAt = start.UTC()
	c.inTick = true
	c.tickStartedAt = start
	c.mu.Unlock()

	scanned, updated, traffic, err := c.pass(ctx, start)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTick = false
	c.status.LastDurationMs = c.now().Sub(start).Milliseconds()
	c.status.LastUsersScanned = scanned
	if err != nil {
		c.status.ConsecutiveFailures++
		c.status.LastError = err.Error()
		c.status.LastErrorAt = c.now().UTC()
		c.logger.Warnw("collector tick failed",
			"error", err, "consecutive_failures", c.status.ConsecutiveFailures)
		return err
	}
	c.status.ConsecutiveFailures = 0
	c.status.LastError = ""
	c.status.LastSuccessAt = c.now().UTC()
	c.status.OnlineUsers = updated
	c.status.LastUsersUpdated = updated
	c.status.LastTrafficBytes = traffic
	return nil
}

func (c *Collector) pass(ctx context.Context, now time.Time) (scanned, updated int, traffic uint64, err error) {
	projections, err := c.users.ListActiveProjections(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to load active users: %w", err)
	}
	scanned = len(projections)

	// Inbounds with exactly one effective user can attribute inbound-scoped
	// counters to that user when user-scoped metering is absent.
	soleUser := soleUserByInbound(projections)
	c.queryErrors, c.querySuccesses = 0, 0

	for i := range projections {
		p := &projections[i]
		upload, download, samples := c.sampleUser(ctx, p, soleUser)
		if upload == 0 && download == 0 {
			c.commit(samples)
			continue
		}
		if err := c.users.IncrementUsage(ctx, p.ID, upload, download, now); err != nil {
			// Uncommitted baselines keep the delta claimable next pass.
			return scanned, updated, traffic, fmt.Errorf("failed to persist usage for user %d: %w", p.ID, err)
		}
		c.commit(samples)
		updated++
		traffic += upload + download
		if c.observer != nil {
			c.observer.ObserveTraffic(p.ID, upload, download, now)
		}
	}

	if c.queryErrors > 0 && c.querySuccesses == 0 {
		return scanned, updated, traffic,
			fmt.Errorf("data plane unreachable: %d stat queries failed", c.queryErrors)
	}
	return scanned, updated, traffic, nil
}

// sampleUser reads both directions for one user. The first stat key the
// data plane knows wins; the single-user inbound fallback covers protocols
// that meter per inbound only.
func (c *Collector) sampleUser(ctx context.Context, p *user.ActiveProjection, soleUser map[string]uint) (upload, download uint64, samples []sample) {
	for _, key := range p.StatKeys() {
		upKey := stats.UplinkKey(stats.ScopeUser, key)
		downKey := stats.DownlinkKey(stats.ScopeUser, key)
		up, upFound := c.query(ctx, upKey)
		down, downFound := c.query(ctx, downKey)
		if upFound || downFound {
			upload = c.delta(upKey, up)
			download = c.delta(downKey, down)
			samples = []sample{{upKey, up}, {downKey, down}}
			return upload, download, samples
		}
	}

	for _, ref := range p.Inbounds {
		if soleUser[ref.Tag] != p.ID {
			continue
		}
		upKey := stats.UplinkKey(stats.ScopeInbound, ref.Tag)
		downKey := stats.DownlinkKey(stats.ScopeInbound, ref.Tag)
		up, upFound := c.query(ctx, upKey)
		down, downFound := c.query(ctx, downKey)
		if upFound || downFound {
			upload += c.delta(upKey, up)
			download += c.delta(downKey, down)
			samples = append(samples, sample{upKey, up}, sample{downKey, down})
		}
	}
	return upload, download, samples
}

func (c *Collector) query(ctx context.Context, pattern string) (uint64, bool) {
	res, err := c.client.QueryStat(ctx, pattern, false)
	if err != nil {
		c.queryErrors++
		c.logger.Debugw("stat query failed", "pattern", pattern, "error", err)
		return 0, false
	}
	c.querySuccesses++
	return res.Value, res.Found
}

// delta converts a cumulative counter into a non-negative increment without
// touching the baseline. A counter below its baseline means the data plane
// restarted; the sample contributes nothing and commit reseeds the baseline.
func (c *Collector) delta(key string, current uint64) uint64 {
	base, seen := c.baselines[key]
	if !seen || current < base {
		return 0
	}
	return current - base
}

func (c *Collector) commit(samples []sample) {
	for _, s := range samples {
		c.baselines[s.key] = s.current
	}
}

// Reset zeroes the data plane counters matching pattern and drops every
// baseline. The baselines clear even when the data plane call fails: unseen
// keys reseed with a zero delta, so a cleared map never overcounts.
func (c *Collector) Reset(ctx context.Context, pattern string) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	_, qerr := c.client.QueryStat(ctx, pattern, true)
	c.baselines = make(map[string]uint64)
	if qerr != nil {
		c.logger.Warnw("counter reset failed, baselines cleared anyway",
			"pattern", pattern, "error", qerr)
		return fmt.Errorf("failed to reset data plane counters: %w", qerr)
	}
	c.logger.Infow("counters reset", "pattern", pattern)
	return nil
}

// ResetBaselines drops every baseline, typically after a config apply or a
// detected data-plane restart.
func (c *Collector) ResetBaselines() {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	c.baselines = make(map[string]uint64)
	c.logger.Infow("collector baselines reset")
}

// Stop marks the collector stopped for status reporting.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

// Status derives the current health from tick bookkeeping. A pass that has
// been in flight for more than five intervals reports degraded even though
// no tick result has landed yet.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.status
	now := c.now()
	switch {
	case c.stopped:
		status.State = StateStopped
	case status.LastRunAt.IsZero():
		status.State = StateStarting
	case c.inTick && now.Sub(c.tickStartedAt) > 5*c.interval:
		status.State = StateDegraded
	case status.ConsecutiveFailures > 0:
		status.State = StateDegraded
	case now.Sub(status.LastSuccessAt) > 3*c.interval:
		status.State = StateStale
	default:
		status.State = StateHealthy
	}
	return status
}

// Interval is the configured sampling period, used by the scheduler.
func (c *Collector) Interval() time.Duration { return c.interval }

func soleUserByInbound(projections []user.ActiveProjection) map[string]uint {
	counts := make(map[string]int)
	owner := make(map[string]uint)
	for i := range projections {
		for _, ref := range projections[i].Inbounds {
			counts[ref.Tag]++
			owner[ref.Tag] = projections[i].ID
		}
	}
	for tag, n := range counts {
		if n != 1 {
			delete(owner, tag)
		}
	}
	return owner
}
