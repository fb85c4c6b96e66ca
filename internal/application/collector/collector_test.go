package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oneui/internal/domain/user"
	"oneui/internal/shared/logger"
	"oneui/internal/xray/stats"
)

type usageDelta struct {
	userID   uint
	upload   uint64
	download uint64
}

type fakeUserRepo struct {
	projections []user.ActiveProjection
	listErr     error
	incErr      error
	increments  []usageDelta
}

func (f *fakeUserRepo) GetByID(context.Context, uint) (*user.User, error)     { return nil, nil }
func (f *fakeUserRepo) GetByUUID(context.Context, string) (*user.User, error) { return nil, nil }
func (f *fakeUserRepo) ListActive(context.Context) ([]*user.User, error)      { return nil, nil }
func (f *fakeUserRepo) UpdateStatus(context.Context, uint, user.Status) error { return nil }
func (f *fakeUserRepo) ResetUsage(context.Context, uint) error                { return nil }

func (f *fakeUserRepo) ListActiveProjections(context.Context) ([]user.ActiveProjection, error) {
	return f.projections, f.listErr
}

func (f *fakeUserRepo) IncrementUsage(_ context.Context, userID uint, upload, download uint64, _ time.Time) error {
	if f.incErr != nil {
		return f.incErr
	}
	f.increments = append(f.increments, usageDelta{userID: userID, upload: upload, download: download})
	return nil
}

type statCall struct {
	pattern string
	reset   bool
}

type fakeStats struct {
	values      map[string]uint64 // pattern -> cumulative counter
	err         error
	errPatterns map[string]error
	calls       []statCall
}

func (f *fakeStats) QueryStat(_ context.Context, pattern string, reset bool) (stats.Result, error) {
	f.calls = append(f.calls, statCall{pattern: pattern, reset: reset})
	if f.err != nil {
		return stats.Result{}, f.err
	}
	if err, ok := f.errPatterns[pattern]; ok {
		return stats.Result{}, err
	}
	value, found := f.values[pattern]
	return stats.Result{Value: value, Found: found}, nil
}

type recordingObserver struct {
	seen []uint
}

func (r *recordingObserver) ObserveTraffic(userID uint, _, _ uint64, _ time.Time) {
	r.seen = append(r.seen, userID)
}

func projection(id uint, email, uuid string, tags ...string) user.ActiveProjection {
	p := user.ActiveProjection{ID: id, Email: email, UUID: uuid}
	for _, tag := range tags {
		p.Inbounds = append(p.Inbounds, user.InboundRef{Tag: tag})
	}
	return p
}

func TestTickComputesDeltasAgainstBaseline(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "uuid-a", "vless-main"),
	}}
	client := &fakeStats{values: map[string]uint64{
		"user>>>alice@node>>>traffic>>>uplink":   1000,
		"user>>>alice@node>>>traffic>>>downlink": 5000,
	}}
	c := New(repo, client, nil, 10, logger.NewNop())

	// First tick establishes baselines only.
	require.NoError(t, c.Tick(context.Background()))
	assert.Empty(t, repo.increments)

	client.values["user>>>alice@node>>>traffic>>>uplink"] = 1300
	client.values["user>>>alice@node>>>traffic>>>downlink"] = 7000
	require.NoError(t, c.Tick(context.Background()))

	require.Len(t, repo.increments, 1)
	assert.Equal(t, usageDelta{userID: 1, upload: 300, download: 2000}, repo.increments[0])
}

func TestTickClampsCounterRegression(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "", "vless-main"),
	}}
	client := &fakeStats{values: map[string]uint64{
		"user>>>alice@node>>>traffic>>>uplink":   9000,
		"user>>>alice@node>>>traffic>>>downlink": 9000,
	}}
	c := New(repo, client, nil, 10, logger.NewNop())
	require.NoError(t, c.Tick(context.Background()))

	// The data plane restarted: counters fell below the baseline.
	client.values["user>>>alice@node>>>traffic>>>uplink"] = 100
	client.values["user>>>alice@node>>>traffic>>>downlink"] = 100
	require.NoError(t, c.Tick(context.Background()))
	assert.Empty(t, repo.increments)

	// The fresh baseline carries the next delta.
	client.values["user>>>alice@node>>>traffic>>>uplink"] = 250
	client.values["user>>>alice@node>>>traffic>>>downlink"] = 100
	require.NoError(t, c.Tick(context.Background()))
	require.Len(t, repo.increments, 1)
	assert.Equal(t, usageDelta{userID: 1, upload: 150, download: 0}, repo.increments[0])
}

func TestTickFallsBackToSecondStatKey(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "uuid-a", "vless-main"),
	}}
	// Only the UUID key is metered.
	client := &fakeStats{values: map[string]uint64{
		"user>>>uuid-a>>>traffic>>>downlink": 4000,
	}}
	c := New(repo, client, nil, 10, logger.NewNop())
	require.NoError(t, c.Tick(context.Background()))

	client.values["user>>>uuid-a>>>traffic>>>downlink"] = 4500
	require.NoError(t, c.Tick(context.Background()))
	require.Len(t, repo.increments, 1)
	assert.Equal(t, usageDelta{userID: 1, download: 500}, repo.increments[0])
}

func TestTickSingleUserInboundFallback(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "", "wg-tunnel"),
	}}
	// No user-scoped stats at all; the inbound has exactly one user.
	client := &fakeStats{values: map[string]uint64{
		"inbound>>>wg-tunnel>>>traffic>>>uplink":   100,
		"inbound>>>wg-tunnel>>>traffic>>>downlink": 200,
	}}
	c := New(repo, client, nil, 10, logger.NewNop())
	require.NoError(t, c.Tick(context.Background()))

	client.values["inbound>>>wg-tunnel>>>traffic>>>uplink"] = 160
	client.values["inbound>>>wg-tunnel>>>traffic>>>downlink"] = 900
	require.NoError(t, c.Tick(context.Background()))
	require.Len(t, repo.increments, 1)
	assert.Equal(t, usageDelta{userID: 1, upload: 60, download: 700}, repo.increments[0])
}

func TestTickSharedInboundNeverAttributed(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "", "shared-in"),
		projection(2, "bob@node", "", "shared-in"),
	}}
	client := &fakeStats{values: map[string]uint64{
		"inbound>>>shared-in>>>traffic>>>uplink":   100,
		"inbound>>>shared-in>>>traffic>>>downlink": 200,
	}}
	c := New(repo, client, nil, 10, logger.NewNop())
	require.NoError(t, c.Tick(context.Background()))

	client.values["inbound>>>shared-in>>>traffic>>>uplink"] = 5000
	require.NoError(t, c.Tick(context.Background()))
	assert.Empty(t, repo.increments)
}

func TestTickNotifiesObserverAndCountsOnline(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "", "in-a"),
		projection(2, "bob@node", "", "in-b"),
	}}
	client := &fakeStats{values: map[string]uint64{
		"user>>>alice@node>>>traffic>>>uplink":   0,
		"user>>>alice@node>>>traffic>>>downlink": 0,
		"user>>>bob@node>>>traffic>>>uplink":     0,
		"user>>>bob@node>>>traffic>>>downlink":   0,
	}}
	observer := &recordingObserver{}
	c := New(repo, client, observer, 10, logger.NewNop())
	require.NoError(t, c.Tick(context.Background()))

	// Only alice moves traffic.
	client.values["user>>>alice@node>>>traffic>>>downlink"] = 1234
	require.NoError(t, c.Tick(context.Background()))

	assert.Equal(t, []uint{1}, observer.seen)
	assert.Equal(t, 1, c.Status().OnlineUsers)
}

func TestTickFailedPersistKeepsDelta(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "", "in-a"),
	}}
	client := &fakeStats{values: map[string]uint64{
		"user>>>alice@node>>>traffic>>>uplink":   1000,
		"user>>>alice@node>>>traffic>>>downlink": 1000,
	}}
	c := New(repo, client, nil, 10, logger.NewNop())
	require.NoError(t, c.Tick(context.Background()))

	client.values["user>>>alice@node>>>traffic>>>uplink"] = 1400
	repo.incErr = errors.New("db write refused")
	require.Error(t, c.Tick(context.Background()))
	assert.Empty(t, repo.increments)

	// The baseline did not advance past the failed write, so the same
	// delta lands once the store recovers.
	repo.incErr = nil
	require.NoError(t, c.Tick(context.Background()))
	require.Len(t, repo.increments, 1)
	assert.Equal(t, usageDelta{userID: 1, upload: 400, download: 0}, repo.increments[0])
}

func TestTickAllQueriesFailingIsUnreachable(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "", "in-a"),
	}}
	client := &fakeStats{values: map[string]uint64{
		"user>>>alice@node>>>traffic>>>uplink":   1000,
		"user>>>alice@node>>>traffic>>>downlink": 1000,
	}}
	c := New(repo, client, nil, 10, logger.NewNop())
	require.NoError(t, c.Tick(context.Background()))

	client.err = errors.New("connection refused")
	err := c.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
	assert.Equal(t, 1, c.Status().ConsecutiveFailures)

	// Baselines survived the outage: the next reachable pass yields the
	// accumulated delta, not a reseed.
	client.err = nil
	client.values["user>>>alice@node>>>traffic>>>uplink"] = 1250
	require.NoError(t, c.Tick(context.Background()))
	require.Len(t, repo.increments, 1)
	assert.Equal(t, usageDelta{userID: 1, upload: 250, download: 0}, repo.increments[0])
}

func TestTickPartialQueryFailureIsNotUnreachable(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "", "in-a"),
		projection(2, "bob@node", "", "in-b"),
	}}
	client := &fakeStats{
		values: map[string]uint64{
			"user>>>bob@node>>>traffic>>>uplink":   10,
			"user>>>bob@node>>>traffic>>>downlink": 10,
		},
		errPatterns: map[string]error{
			"user>>>alice@node>>>traffic>>>uplink":   errors.New("timeout"),
			"user>>>alice@node>>>traffic>>>downlink": errors.New("timeout"),
		},
	}
	c := New(repo, client, nil, 10, logger.NewNop())
	assert.NoError(t, c.Tick(context.Background()))
}

func TestResetIssuesDataPlaneResetAndClearsBaselines(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "", "in-a"),
	}}
	client := &fakeStats{values: map[string]uint64{
		"user>>>alice@node>>>traffic>>>uplink":   1000,
		"user>>>alice@node>>>traffic>>>downlink": 1000,
	}}
	c := New(repo, client, nil, 10, logger.NewNop())
	require.NoError(t, c.Tick(context.Background()))

	require.NoError(t, c.Reset(context.Background(), "user>>>"))
	last := client.calls[len(client.calls)-1]
	assert.Equal(t, statCall{pattern: "user>>>", reset: true}, last)

	// Counters restarted from zero on the data plane; the pass reseeds.
	client.values["user>>>alice@node>>>traffic>>>uplink"] = 50
	client.values["user>>>alice@node>>>traffic>>>downlink"] = 50
	require.NoError(t, c.Tick(context.Background()))
	assert.Empty(t, repo.increments)
}

func TestResetClearsBaselinesEvenWhenDataPlaneFails(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "", "in-a"),
	}}
	client := &fakeStats{values: map[string]uint64{
		"user>>>alice@node>>>traffic>>>uplink":   1000,
		"user>>>alice@node>>>traffic>>>downlink": 1000,
	}}
	c := New(repo, client, nil, 10, logger.NewNop())
	require.NoError(t, c.Tick(context.Background()))

	client.err = errors.New("connection refused")
	require.Error(t, c.Reset(context.Background(), ""))

	client.err = nil
	client.values["user>>>alice@node>>>traffic>>>uplink"] = 2000
	require.NoError(t, c.Tick(context.Background()))
	assert.Empty(t, repo.increments)
}

func TestResetBaselinesDropsHistory(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "", "in-a"),
	}}
	client := &fakeStats{values: map[string]uint64{
		"user>>>alice@node>>>traffic>>>uplink":   1000,
		"user>>>alice@node>>>traffic>>>downlink": 1000,
	}}
	c := New(repo, client, nil, 10, logger.NewNop())
	require.NoError(t, c.Tick(context.Background()))

	c.ResetBaselines()

	// Post-reset, the current counters only re-establish baselines.
	client.values["user>>>alice@node>>>traffic>>>uplink"] = 2000
	require.NoError(t, c.Tick(context.Background()))
	assert.Empty(t, repo.increments)
}

func TestStatusLifecycle(t *testing.T) {
	repo := &fakeUserRepo{}
	client := &fakeStats{values: map[string]uint64{}}
	c := New(repo, client, nil, 10, logger.NewNop())

	assert.Equal(t, StateStarting, c.Status().State)

	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, StateHealthy, c.Status().State)

	repo.listErr = errors.New("db gone")
	require.Error(t, c.Tick(context.Background()))
	status := c.Status()
	assert.Equal(t, StateDegraded, status.State)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Contains(t, status.LastError, "db gone")

	// Recovery clears the failure streak.
	repo.listErr = nil
	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, StateHealthy, c.Status().State)

	// No successful tick within three intervals means stale.
	c.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	assert.Equal(t, StateStale, c.Status().State)

	c.Stop()
	assert.Equal(t, StateStopped, c.Status().State)
}

func TestStatusReportsPassCounters(t *testing.T) {
	repo := &fakeUserRepo{projections: []user.ActiveProjection{
		projection(1, "alice@node", "", "in-a"),
		projection(2, "bob@node", "", "in-b"),
	}}
	client := &fakeStats{values: map[string]uint64{
		"user>>>alice@node>>>traffic>>>uplink":   0,
		"user>>>alice@node>>>traffic>>>downlink": 0,
		"user>>>bob@node>>>traffic>>>uplink":     0,
		"user>>>bob@node>>>traffic>>>downlink":   0,
	}}
	c := New(repo, client, nil, 10, logger.NewNop())
	require.NoError(t, c.Tick(context.Background()))

	client.values["user>>>alice@node>>>traffic>>>uplink"] = 300
	client.values["user>>>alice@node>>>traffic>>>downlink"] = 700
	require.NoError(t, c.Tick(context.Background()))

	status := c.Status()
	assert.Equal(t, 2, status.LastUsersScanned)
	assert.Equal(t, 1, status.LastUsersUpdated)
	assert.Equal(t, uint64(1000), status.LastTrafficBytes)
	assert.False(t, status.LastSuccessAt.IsZero())
	assert.GreaterOrEqual(t, status.LastDurationMs, int64(0))
}

func TestStatusWatchdogFlagsWedgedPass(t *testing.T) {
	c := New(&fakeUserRepo{}, &fakeStats{}, nil, 10, logger.NewNop())
	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, StateHealthy, c.Status().State)

	// Simulate a pass stuck on a slow transport for over five intervals.
	c.mu.Lock()
	c.inTick = true
	c.tickStartedAt = time.Now().Add(-time.Minute)
	c.mu.Unlock()
	assert.Equal(t, StateDegraded, c.Status().State)

	c.mu.Lock()
	c.inTick = false
	c.mu.Unlock()
	assert.Equal(t, StateHealthy, c.Status().State)
}

func TestIntervalClampedToFloor(t *testing.T) {
	c := New(&fakeUserRepo{}, &fakeStats{}, nil, 1, logger.NewNop())
	assert.Equal(t, 5*time.Second, c.Interval())
}
