// Package online derives per-user presence from several independent
// signals: connection logs, metered traffic, client heartbeats, and the
// device tracker. Signals are best-effort; a failing source degrades to
// zero instead of failing the view.
package online

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"oneui/internal/application/devices"
	"oneui/internal/domain/traffic"
	"oneui/internal/domain/user"
	"oneui/internal/shared/logger"
	"oneui/internal/xray/stats"
)

// Presence is one user's derived state.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceIdle    Presence = "idle"
	PresenceOffline Presence = "offline"
)

// InboundRef names an inbound inside a heartbeat entry.
type InboundRef struct {
	ID  uint   `json:"id"`
	Tag string `json:"tag,omitempty"`
}

// HeartbeatEntry is the derived per-user presence record, keyed by the
// user's UUID in the cache.
type HeartbeatEntry struct {
	UserID         uint              `json:"userId"`
	UUID           string            `json:"uuid,omitempty"`
	Email          string            `json:"email"`
	Online         bool              `json:"online"`
	State          Presence          `json:"state"`
	LastSeenAt     time.Time         `json:"lastSeenAt,omitzero"`
	OnlineWindowMs int64             `json:"onlineWindowMs"`
	ActiveInbounds []uint            `json:"activeInbounds,omitempty"`
	CurrentInbound *InboundRef       `json:"currentInbound,omitempty"`
	ClientIPs      []string          `json:"clientIps,omitempty"`
	Devices        int               `json:"devices"`
	Uplink         traffic.ByteCount `json:"uplink"`
	Downlink       traffic.ByteCount `json:"downlink"`
	Sources        []string          `json:"sources,omitempty"`
}

// Snapshot is one consistent presence view over every active user.
type Snapshot struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	Total       int              `json:"total"`
	Online      int              `json:"online"`
	Idle        int              `json:"idle"`
	Offline     int              `json:"offline"`
	Sessions    []HeartbeatEntry `json:"sessions"`
}

// statClient is the live-counter seam, satisfied by *stats.Client.
type statClient interface {
	QueryStat(ctx context.Context, pattern string, reset bool) (stats.Result, error)
}

// Options carries the presence windows, clamped on construction.
type Options struct {
	TTL             time.Duration // online window for connects and heartbeats
	IdleTTL         time.Duration // idle window, must exceed TTL
	DeviceTTL       time.Duration // active-device window, within [TTL, IdleTTL]
	RefreshInterval time.Duration // cache lifetime
}

func (o *Options) normalize() {
	if o.TTL <= 0 {
		o.TTL = 60 * time.Second
	}
	if o.TTL < 5*time.Second {
		o.TTL = 5 * time.Second
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = 75 * time.Second
	}
	if o.IdleTTL < 30*time.Second {
		o.IdleTTL = 30 * time.Second
	}
	if o.IdleTTL <= o.TTL {
		o.IdleTTL = o.TTL + 15*time.Second
	}
	if o.DeviceTTL <= 0 {
		o.DeviceTTL = 60 * time.Second
	}
	if o.DeviceTTL < o.TTL {
		o.DeviceTTL = o.TTL
	}
	if o.DeviceTTL > o.IdleTTL {
		o.DeviceTTL = o.IdleTTL
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 5 * time.Second
	}
	if o.RefreshInterval < time.Second {
		o.RefreshInterval = time.Second
	}
}

// lookback is how far back refresh reads the logs and keeps observations.
func (o Options) lookback() time.Duration {
	lb := 4 * o.TTL
	if lb < 15*time.Minute {
		lb = 15 * time.Minute
	}
	return lb
}

// trafficTTL is the window in which metered traffic counts as liveness:
// at least the online window, at most five minutes.
func (o Options) trafficTTL() time.Duration {
	limit := o.IdleTTL
	if limit > 5*time.Minute {
		limit = 5 * time.Minute
	}
	if limit < o.TTL {
		limit = o.TTL
	}
	return limit
}

// Tracker merges presence signals into a cached heartbeat view. Reads
// refresh the cache when it is older than the refresh interval; concurrent
// refreshes collapse into one via singleflight.
type Tracker struct {
	users   user.Repository
	trafLog traffic.TrafficLogRepository
	connLog traffic.ConnectionLogRepository
	devices *devices.Tracker
	client  statClient
	opts    Options
	logger  logger.Interface
	now     func() time.Time

	mu          sync.Mutex
	observed    map[uint]time.Time
	entries     map[string]HeartbeatEntry
	byUser      map[uint]HeartbeatEntry
	snapshot    *Snapshot
	refreshedAt time.Time

	group singleflight.Group
}

func NewTracker(
	users user.Repository,
	trafLog traffic.TrafficLogRepository,
	connLog traffic.ConnectionLogRepository,
	deviceTracker *devices.Tracker,
	client statClient,
	opts Options,
	log logger.Interface,
) *Tracker {
	opts.normalize()
	return &Tracker{
		users:    users,
		trafLog:  trafLog,
		connLog:  connLog,
		devices:  deviceTracker,
		client:   client,
		opts:     opts,
		logger:   log.Named("online"),
		now:      time.Now,
		observed: make(map[uint]time.Time),
		entries:  make(map[string]HeartbeatEntry),
		byUser:   make(map[uint]HeartbeatEntry),
	}
}

// Heartbeat records a direct liveness ping from a client.
func (t *Tracker) Heartbeat(userID uint) {
	now := t.now()
	t.mu.Lock()
	t.observed[userID] = now
	t.mu.Unlock()
}

// ObserveTraffic lets the stats collector feed metered traffic in as a
// liveness signal.
func (t *Tracker) ObserveTraffic(userID uint, _, _ uint64, at time.Time) {
	t.mu.Lock()
	if at.After(t.observed[userID]) {
		t.observed[userID] = at
	}
	t.mu.Unlock()
}

// GetHeartbeatByUUID returns the cached entry for one user, refreshing the
// cache first if stale. ok is false for unknown or inactive users.
func (t *Tracker) GetHeartbeatByUUID(ctx context.Context, uuid string) (HeartbeatEntry, bool, error) {
	if err := t.ensureFresh(ctx); err != nil {
		return HeartbeatEntry{}, false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[uuid]
	return entry, ok, nil
}

// GetHeartbeatMapByUserID returns cached entries for the requested users.
// Unknown ids are simply absent from the result.
func (t *Tracker) GetHeartbeatMapByUserID(ctx context.Context, ids []uint) (map[uint]HeartbeatEntry, error) {
	if err := t.ensureFresh(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint]HeartbeatEntry, len(ids))
	for _, id := range ids {
		if entry, ok := t.byUser[id]; ok {
			out[id] = entry
		}
	}
	return out, nil
}

// GetOnlineUsers returns every currently online user.
func (t *Tracker) GetOnlineUsers(ctx context.Context) ([]HeartbeatEntry, error) {
	snapshot, err := t.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []HeartbeatEntry
	for _, entry := range snapshot.Sessions {
		if entry.Online {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Snapshot returns the full presence view.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := t.ensureFresh(ctx); err != nil {
		return Snapshot{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot == nil {
		return Snapshot{GeneratedAt: t.now().UTC()}, nil
	}
	return *t.snapshot, nil
}

// OnlineCount is a convenience for gauges and health endpoints.
func (t *Tracker) OnlineCount(ctx context.Context) int {
	snapshot, err := t.Snapshot(ctx)
	if err != nil {
		t.logger.Warnw("presence snapshot failed", "error", err)
		return 0
	}
	return snapshot.Online
}

func (t *Tracker) ensureFresh(ctx context.Context) error {
	t.mu.Lock()
	fresh := !t.refreshedAt.IsZero() && t.now().Sub(t.refreshedAt) < t.opts.RefreshInterval
	t.mu.Unlock()
	if fresh {
		return nil
	}
	_, err, _ := t.group.Do("refresh", func() (any, error) {
		return nil, t.refresh(ctx)
	})
	return err
}

func (t *Tracker) refresh(ctx context.Context) error {
	now := t.now()
	cutoff := now.Add(-t.opts.lookback())

	projections, err := t.users.ListActiveProjections(ctx)
	if err != nil {
		return err
	}

	trafficSeen := t.trafficSince(ctx, cutoff)
	conns := t.connectionsSince(ctx, cutoff)

	t.mu.Lock()
	observed := make(map[uint]time.Time, len(t.observed))
	for id, at := range t.observed {
		if at.Before(cutoff) {
			delete(t.observed, id)
			continue
		}
		observed[id] = at
	}
	t.mu.Unlock()

	entries := make(map[string]HeartbeatEntry, len(projections))
	byUser := make(map[uint]HeartbeatEntry, len(projections))
	snapshot := Snapshot{GeneratedAt: now.UTC(), Total: len(projections)}
	for i := range projections {
		entry := t.derive(ctx, &projections[i], now, observed, trafficSeen, conns)
		switch entry.State {
		case PresenceOnline:
			snapshot.Online++
		case PresenceIdle:
			snapshot.Idle++
		default:
			snapshot.Offline++
		}
		snapshot.Sessions = append(snapshot.Sessions, entry)
		if entry.UUID != "" {
			entries[entry.UUID] = entry
		}
		byUser[entry.UserID] = entry
	}

	t.mu.Lock()
	t.entries = entries
	t.byUser = byUser
	t.snapshot = &snapshot
	t.refreshedAt = now
	t.mu.Unlock()
	return nil
}

// derive folds every signal for one user into a heartbeat entry.
func (t *Tracker) derive(
	ctx context.Context,
	p *user.ActiveProjection,
	now time.Time,
	observed, trafficSeen map[uint]time.Time,
	conns map[uint]*connHistory,
) HeartbeatEntry {
	entry := HeartbeatEntry{UserID: p.ID, UUID: p.UUID, Email: p.Email, State: PresenceOffline}

	tagByInbound := make(map[uint]string, len(p.Inbounds))
	for _, ref := range p.Inbounds {
		tagByInbound[ref.InboundID] = ref.Tag
	}

	var lastSeen time.Time
	note := func(at time.Time, source string) {
		if at.IsZero() {
			return
		}
		if at.After(lastSeen) {
			lastSeen = at
		}
		entry.Sources = appendUnique(entry.Sources, source)
	}

	inbounds := map[uint]struct{}{}
	ips := map[string]struct{}{}

	var openConnect bool
	if h := conns[p.ID]; h != nil {
		var newest *traffic.ConnectionLog
		for i := range h.connects {
			c := &h.connects[i]
			if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
				newest = c
			}
			if now.Sub(c.CreatedAt) > t.opts.IdleTTL {
				continue
			}
			if c.ClientIP != "" {
				ips[c.ClientIP] = struct{}{}
			}
			if now.Sub(c.CreatedAt) <= t.opts.TTL && c.InboundID != 0 {
				inbounds[c.InboundID] = struct{}{}
			}
		}
		if newest != nil {
			// A newer disconnect closes the session, so the connect no
			// longer counts toward last-seen or the open-connect signal.
			if newest.CreatedAt.After(h.lastDisconnect) {
				note(newest.CreatedAt, "connection")
			}
			if now.Sub(newest.CreatedAt) <= t.opts.IdleTTL {
				openConnect = newest.CreatedAt.After(h.lastDisconnect)
				if newest.InboundID != 0 {
					entry.CurrentInbound = &InboundRef{
						ID:  newest.InboundID,
						Tag: tagByInbound[newest.InboundID],
					}
				}
			}
		}
	}
	connectActive := len(inbounds) > 0

	trafficTTL := t.opts.trafficTTL()
	trafficAt := trafficSeen[p.ID]
	trafficActive := !trafficAt.IsZero() && now.Sub(trafficAt) <= trafficTTL
	note(trafficAt, "traffic")

	obsAt := observed[p.ID]
	heartbeatActive := !obsAt.IsZero() && now.Sub(obsAt) <= t.opts.TTL
	note(obsAt, "heartbeat")

	var anyDevice bool
	if t.devices != nil {
		active := t.devices.ListActive(p.ID, t.opts.DeviceTTL)
		entry.Devices = len(active)
		anyDevice = len(active) > 0
		for _, d := range active {
			if d.InboundID != 0 {
				inbounds[d.InboundID] = struct{}{}
			}
			if d.IP != "" {
				ips[d.IP] = struct{}{}
			}
		}
		if anyDevice {
			note(active[0].LastSeen, "device")
		}
	}

	entry.ActiveInbounds = sortedIDs(inbounds)
	entry.ClientIPs = sortedIPs(ips)
	entry.Online = len(inbounds) > 0 || heartbeatActive || trafficActive || openConnect || anyDevice
	if !lastSeen.IsZero() {
		entry.LastSeenAt = lastSeen.UTC()
	}

	switch {
	case entry.Online:
		entry.State = PresenceOnline
	case !lastSeen.IsZero() && now.Sub(lastSeen) <= t.opts.IdleTTL:
		entry.State = PresenceIdle
	default:
		entry.State = PresenceOffline
	}

	// The window reflects the strongest signal holding the user online.
	switch {
	case connectActive || heartbeatActive:
		entry.OnlineWindowMs = t.opts.TTL.Milliseconds()
	case trafficActive:
		entry.OnlineWindowMs = trafficTTL.Milliseconds()
	case openConnect:
		entry.OnlineWindowMs = t.opts.IdleTTL.Milliseconds()
	case anyDevice:
		entry.OnlineWindowMs = t.opts.DeviceTTL.Milliseconds()
	default:
		entry.OnlineWindowMs = t.opts.IdleTTL.Milliseconds()
	}

	if entry.Online {
		entry.Uplink, entry.Downlink = t.liveCounters(ctx, p)
	}
	return entry
}

// liveCounters reads the absolute data-plane counters for one user. Any
// failure reads as zero; presence never fails on the stat transport.
func (t *Tracker) liveCounters(ctx context.Context, p *user.ActiveProjection) (up, down traffic.ByteCount) {
	if t.client == nil {
		return 0, 0
	}
	for _, key := range p.StatKeys() {
		upRes, upErr := t.client.QueryStat(ctx, stats.UplinkKey(stats.ScopeUser, key), false)
		downRes, downErr := t.client.QueryStat(ctx, stats.DownlinkKey(stats.ScopeUser, key), false)
		if upErr != nil || downErr != nil {
			continue
		}
		if upRes.Found || downRes.Found {
			return traffic.ByteCount(upRes.Value), traffic.ByteCount(downRes.Value)
		}
	}
	t.logger.Debugw("live counters unavailable", "user_id", p.ID)
	return 0, 0
}

func (t *Tracker) trafficSince(ctx context.Context, cutoff time.Time) map[uint]time.Time {
	if t.trafLog == nil {
		return nil
	}
	seen, err := t.trafLog.LatestPerUserSince(ctx, cutoff)
	if err != nil {
		t.logger.Warnw("traffic log unavailable, presence degrades", "error", err)
		return nil
	}
	return seen
}

// connHistory is one user's connection log slice within the lookback.
type connHistory struct {
	connects       []traffic.ConnectionLog
	lastDisconnect time.Time
}

func (t *Tracker) connectionsSince(ctx context.Context, cutoff time.Time) map[uint]*connHistory {
	if t.connLog == nil {
		return nil
	}
	entries, err := t.connLog.ListSince(ctx, cutoff)
	if err != nil {
		t.logger.Warnw("connection log unavailable, presence degrades", "error", err)
		return nil
	}
	hist := make(map[uint]*connHistory)
	for _, entry := range entries {
		h := hist[entry.UserID]
		if h == nil {
			h = &connHistory{}
			hist[entry.UserID] = h
		}
		switch entry.Action {
		case traffic.ActionConnect:
			h.connects = append(h.connects, entry)
		case traffic.ActionDisconnect:
			if entry.CreatedAt.After(h.lastDisconnect) {
				h.lastDisconnect = entry.CreatedAt
			}
		}
	}
	return hist
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

func sortedIDs(set map[uint]struct{}) []uint {
	if len(set) == 0 {
		return nil
	}
	out := make([]uint, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

func sortedIPs(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for ip := range set {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}
