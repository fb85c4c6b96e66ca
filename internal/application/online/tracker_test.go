package online

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oneui/internal/application/devices"
	"oneui/internal/domain/traffic"
	"oneui/internal/domain/user"
	"oneui/internal/shared/logger"
	"oneui/internal/xray/stats"
)

type fakeUserRepo struct {
	projections []user.ActiveProjection
	err         error
	calls       int
}

func (f *fakeUserRepo) ListActiveProjections(context.Context) ([]user.ActiveProjection, error) {
	f.calls++
	return f.projections, f.err
}

func (f *fakeUserRepo) GetByID(context.Context, uint) (*user.User, error)     { return nil, nil }
func (f *fakeUserRepo) GetByUUID(context.Context, string) (*user.User, error) { return nil, nil }
func (f *fakeUserRepo) ListActive(context.Context) ([]*user.User, error)      { return nil, nil }
func (f *fakeUserRepo) IncrementUsage(context.Context, uint, uint64, uint64, time.Time) error {
	return nil
}
func (f *fakeUserRepo) UpdateStatus(context.Context, uint, user.Status) error { return nil }
func (f *fakeUserRepo) ResetUsage(context.Context, uint) error                { return nil }

type fakeTrafficLog struct {
	latest map[uint]time.Time
	err    error
}

func (f *fakeTrafficLog) ListSince(context.Context, time.Time) ([]traffic.TrafficLog, error) {
	return nil, nil
}

func (f *fakeTrafficLog) LatestPerUserSince(context.Context, time.Time) (map[uint]time.Time, error) {
	return f.latest, f.err
}

type fakeConnLog struct {
	entries []traffic.ConnectionLog
	err     error
}

func (f *fakeConnLog) Append(context.Context, *traffic.ConnectionLog) error { return nil }
func (f *fakeConnLog) ListSince(context.Context, time.Time) ([]traffic.ConnectionLog, error) {
	return f.entries, f.err
}
func (f *fakeConnLog) DistinctIPsSince(context.Context, uint, time.Time) ([]string, error) {
	return nil, nil
}

type fakeStatClient struct {
	values map[string]uint64
	errs   map[string]error
}

func (f *fakeStatClient) QueryStat(_ context.Context, pattern string, _ bool) (stats.Result, error) {
	if err := f.errs[pattern]; err != nil {
		return stats.Result{}, err
	}
	v, ok := f.values[pattern]
	return stats.Result{Value: v, Found: ok}, nil
}

type fixture struct {
	tracker *Tracker
	users   *fakeUserRepo
	trafLog *fakeTrafficLog
	connLog *fakeConnLog
	devices *devices.Tracker
	client  *fakeStatClient
	now     time.Time
}

func newFixture(userIDs ...uint) *fixture {
	users := &fakeUserRepo{}
	for _, id := range userIDs {
		users.projections = append(users.projections, user.ActiveProjection{
			ID:    id,
			Email: fmt.Sprintf("u%d@example.com", id),
			UUID:  fmt.Sprintf("uuid-%d", id),
		})
	}
	fix := &fixture{
		users:   users,
		trafLog: &fakeTrafficLog{latest: map[uint]time.Time{}},
		connLog: &fakeConnLog{},
		devices: devices.NewTracker(1800),
		client:  &fakeStatClient{values: map[string]uint64{}, errs: map[string]error{}},
		now:     time.Now(),
	}
	fix.tracker = NewTracker(fix.users, fix.trafLog, fix.connLog, fix.devices, fix.client, Options{
		TTL:             60 * time.Second,
		IdleTTL:         75 * time.Second,
		DeviceTTL:       60 * time.Second,
		RefreshInterval: time.Second,
	}, logger.NewNop())
	fix.tracker.now = func() time.Time { return fix.now }
	return fix
}

func entryOf(t *testing.T, snapshot Snapshot, userID uint) HeartbeatEntry {
	t.Helper()
	for _, entry := range snapshot.Sessions {
		if entry.UserID == userID {
			return entry
		}
	}
	t.Fatalf("user %d missing from snapshot", userID)
	return HeartbeatEntry{}
}

func TestSnapshotHeartbeatWindows(t *testing.T) {
	fix := newFixture(1, 2, 3)

	// User 1 just pinged; user 2 pinged past the online window but inside
	// the idle window; user 3 never pinged.
	fix.tracker.Heartbeat(1)
	fix.now = fix.now.Add(-70 * time.Second)
	fix.tracker.Heartbeat(2)
	fix.now = fix.now.Add(70 * time.Second)

	snapshot, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)

	online := entryOf(t, snapshot, 1)
	assert.Equal(t, PresenceOnline, online.State)
	assert.True(t, online.Online)
	assert.Equal(t, int64(60000), online.OnlineWindowMs)
	assert.Contains(t, online.Sources, "heartbeat")

	idle := entryOf(t, snapshot, 2)
	assert.Equal(t, PresenceIdle, idle.State)
	assert.False(t, idle.Online)

	assert.Equal(t, PresenceOffline, entryOf(t, snapshot, 3).State)
	assert.Equal(t, 3, snapshot.Total)
	assert.Equal(t, 1, snapshot.Online)
	assert.Equal(t, 1, snapshot.Idle)
	assert.Equal(t, 1, snapshot.Offline)
}

func TestSnapshotConnectWithinOnlineWindow(t *testing.T) {
	fix := newFixture(1)
	fix.users.projections[0].Inbounds = []user.InboundRef{{InboundID: 1, Tag: "vless-in"}}
	fix.connLog.entries = []traffic.ConnectionLog{
		{UserID: 1, InboundID: 1, Action: traffic.ActionConnect, ClientIP: "203.0.113.9",
			CreatedAt: fix.now.Add(-40 * time.Second)},
	}

	snapshot, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)

	entry := entryOf(t, snapshot, 1)
	assert.True(t, entry.Online)
	assert.Equal(t, int64(60000), entry.OnlineWindowMs)
	assert.Equal(t, []uint{1}, entry.ActiveInbounds)
	require.NotNil(t, entry.CurrentInbound)
	assert.Equal(t, uint(1), entry.CurrentInbound.ID)
	assert.Equal(t, "vless-in", entry.CurrentInbound.Tag)
	assert.Equal(t, []string{"203.0.113.9"}, entry.ClientIPs)
	assert.Contains(t, entry.Sources, "connection")
}

func TestSnapshotOpenConnectOutlivesOnlineWindow(t *testing.T) {
	fix := newFixture(1)
	// Connect is past the 60s online window but inside the 75s idle window
	// with no disconnect after it, so the session still counts as open.
	fix.connLog.entries = []traffic.ConnectionLog{
		{UserID: 1, InboundID: 2, Action: traffic.ActionConnect, CreatedAt: fix.now.Add(-70 * time.Second)},
	}

	snapshot, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)

	entry := entryOf(t, snapshot, 1)
	assert.True(t, entry.Online)
	assert.Equal(t, int64(75000), entry.OnlineWindowMs)
	assert.Empty(t, entry.ActiveInbounds)
	require.NotNil(t, entry.CurrentInbound)
	assert.Equal(t, uint(2), entry.CurrentInbound.ID)
}

func TestSnapshotDisconnectClosesSession(t *testing.T) {
	fix := newFixture(1, 2)
	fix.connLog.entries = []traffic.ConnectionLog{
		{UserID: 1, Action: traffic.ActionConnect, CreatedAt: fix.now.Add(-5 * time.Second)},
		{UserID: 2, Action: traffic.ActionConnect, CreatedAt: fix.now.Add(-20 * time.Second)},
		{UserID: 2, Action: traffic.ActionDisconnect, CreatedAt: fix.now.Add(-5 * time.Second)},
	}

	snapshot, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PresenceOnline, entryOf(t, snapshot, 1).State)
	// The disconnect outdates user 2's connect.
	assert.Equal(t, PresenceOffline, entryOf(t, snapshot, 2).State)
}

func TestSnapshotTrafficSignal(t *testing.T) {
	fix := newFixture(1)
	fix.trafLog.latest[1] = fix.now.Add(-10 * time.Second)

	snapshot, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)
	entry := entryOf(t, snapshot, 1)
	assert.Equal(t, PresenceOnline, entry.State)
	assert.Contains(t, entry.Sources, "traffic")
	// Traffic liveness uses the idle window here: max(ttl, min(idle, 5m)).
	assert.Equal(t, int64(75000), entry.OnlineWindowMs)
}

func TestObserveTrafficFeedsHeartbeat(t *testing.T) {
	fix := newFixture(1)
	fix.tracker.ObserveTraffic(1, 100, 200, fix.now)

	snapshot, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PresenceOnline, entryOf(t, snapshot, 1).State)
}

func TestSnapshotDeviceSignal(t *testing.T) {
	fix := newFixture(1)
	fix.devices.Touch(1, devices.TouchInfo{DeviceID: "phone", InboundID: 4, IP: "10.0.0.1"})

	snapshot, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)
	entry := entryOf(t, snapshot, 1)
	assert.Equal(t, PresenceOnline, entry.State)
	assert.Equal(t, 1, entry.Devices)
	assert.Equal(t, []uint{4}, entry.ActiveInbounds)
	assert.Equal(t, []string{"10.0.0.1"}, entry.ClientIPs)
	assert.Contains(t, entry.Sources, "device")
	assert.Equal(t, int64(60000), entry.OnlineWindowMs)
}

func TestSnapshotMergesConnectionAndDeviceIPs(t *testing.T) {
	fix := newFixture(1)
	fix.connLog.entries = []traffic.ConnectionLog{
		{UserID: 1, InboundID: 1, Action: traffic.ActionConnect, ClientIP: "203.0.113.9",
			CreatedAt: fix.now.Add(-10 * time.Second)},
	}
	fix.devices.Touch(1, devices.TouchInfo{DeviceID: "phone", IP: "10.0.0.1"})

	snapshot, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "203.0.113.9"}, entryOf(t, snapshot, 1).ClientIPs)
}

func TestSnapshotLiveCountersForOnlineUsers(t *testing.T) {
	fix := newFixture(1, 2)
	fix.tracker.Heartbeat(1)
	fix.client.values["user>>>u1@example.com>>>traffic>>>uplink"] = 1111
	fix.client.values["user>>>u1@example.com>>>traffic>>>downlink"] = 2222
	// Offline user 2 has counters too; they must stay unqueried zeros.
	fix.client.values["user>>>u2@example.com>>>traffic>>>uplink"] = 9999

	snapshot, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)

	online := entryOf(t, snapshot, 1)
	assert.Equal(t, traffic.ByteCount(1111), online.Uplink)
	assert.Equal(t, traffic.ByteCount(2222), online.Downlink)

	offline := entryOf(t, snapshot, 2)
	assert.Zero(t, offline.Uplink)
	assert.Zero(t, offline.Downlink)
}

func TestSnapshotLiveCountersFallBackToUUIDKey(t *testing.T) {
	fix := newFixture(1)
	fix.tracker.Heartbeat(1)
	fix.client.values["user>>>uuid-1>>>traffic>>>uplink"] = 500

	snapshot, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, traffic.ByteCount(500), entryOf(t, snapshot, 1).Uplink)
}

func TestSnapshotLiveCounterFailureReadsZero(t *testing.T) {
	fix := newFixture(1)
	fix.tracker.Heartbeat(1)
	fix.client.errs["user>>>u1@example.com>>>traffic>>>uplink"] = errors.New("api down")
	fix.client.errs["user>>>uuid-1>>>traffic>>>uplink"] = errors.New("api down")

	snapshot, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)
	entry := entryOf(t, snapshot, 1)
	assert.True(t, entry.Online)
	assert.Zero(t, entry.Uplink)
	assert.Zero(t, entry.Downlink)
}

func TestGetHeartbeatByUUID(t *testing.T) {
	fix := newFixture(1)
	fix.tracker.Heartbeat(1)

	entry, ok, err := fix.tracker.GetHeartbeatByUUID(context.Background(), "uuid-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint(1), entry.UserID)
	assert.Equal(t, "u1@example.com", entry.Email)
	assert.True(t, entry.Online)

	_, ok, err = fix.tracker.GetHeartbeatByUUID(context.Background(), "uuid-404")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetHeartbeatMapByUserID(t *testing.T) {
	fix := newFixture(1, 2, 3)
	fix.tracker.Heartbeat(2)

	got, err := fix.tracker.GetHeartbeatMapByUserID(context.Background(), []uint{2, 3, 404})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[2].Online)
	assert.False(t, got[3].Online)
	_, present := got[404]
	assert.False(t, present)
}

func TestGetOnlineUsers(t *testing.T) {
	fix := newFixture(1, 2, 3)
	fix.tracker.Heartbeat(1)
	fix.tracker.Heartbeat(3)

	online, err := fix.tracker.GetOnlineUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, online, 2)
	assert.Equal(t, uint(1), online[0].UserID)
	assert.Equal(t, uint(3), online[1].UserID)
}

func TestSnapshotDegradesWhenLogsFail(t *testing.T) {
	fix := newFixture(1)
	fix.trafLog.err = errors.New("table locked")
	fix.connLog.err = errors.New("table locked")
	fix.tracker.Heartbeat(1)

	snapshot, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PresenceOnline, entryOf(t, snapshot, 1).State)
}

func TestSnapshotFailsWithoutUsers(t *testing.T) {
	fix := newFixture()
	fix.users.err = errors.New("db down")
	_, err := fix.tracker.Snapshot(context.Background())
	require.Error(t, err)

	assert.Equal(t, 0, fix.tracker.OnlineCount(context.Background()))
}

func TestSnapshotCachedWithinRefreshInterval(t *testing.T) {
	fix := newFixture(1)

	_, err := fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)
	_, err = fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fix.users.calls)

	// Past the refresh interval the next call hits the repositories again.
	fix.now = fix.now.Add(2 * time.Second)
	_, err = fix.tracker.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fix.users.calls)
}

func TestOptionsNormalize(t *testing.T) {
	var opts Options
	opts.normalize()
	assert.Equal(t, 60*time.Second, opts.TTL)
	assert.Equal(t, 75*time.Second, opts.IdleTTL)
	assert.Equal(t, 60*time.Second, opts.DeviceTTL)
	assert.Equal(t, 5*time.Second, opts.RefreshInterval)

	opts = Options{TTL: time.Second, IdleTTL: 2 * time.Second, DeviceTTL: time.Hour, RefreshInterval: time.Millisecond}
	opts.normalize()
	assert.Equal(t, 5*time.Second, opts.TTL)
	// Idle floor is 30s and always exceeds the online window.
	assert.Equal(t, 30*time.Second, opts.IdleTTL)
	assert.Equal(t, 30*time.Second, opts.DeviceTTL)
	assert.Equal(t, time.Second, opts.RefreshInterval)
}
