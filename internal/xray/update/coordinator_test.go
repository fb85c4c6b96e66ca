package update

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oneui/internal/domain/update"
	"oneui/internal/infrastructure/config"
	"oneui/internal/shared/errors"
	"oneui/internal/shared/logger"
	"oneui/internal/xray/runtime"
)

type memLockRepo struct {
	lock *update.Lock
}

func (m *memLockRepo) Acquire(_ context.Context, name, ownerID string, expiresAt time.Time) (*update.Lock, bool, error) {
	now := time.Now()
	if m.lock != nil && !m.lock.Stale(now) && m.lock.OwnerID != ownerID {
		held := *m.lock
		return &held, false, nil
	}
	m.lock = &update.Lock{Name: name, OwnerID: ownerID, ExpiresAt: expiresAt, CreatedAt: now}
	held := *m.lock
	return &held, true, nil
}

func (m *memLockRepo) Get(context.Context, string) (*update.Lock, error) {
	if m.lock == nil {
		return nil, nil
	}
	held := *m.lock
	return &held, nil
}

func (m *memLockRepo) Release(_ context.Context, _ string, ownerID string) error {
	if m.lock != nil && m.lock.OwnerID == ownerID {
		m.lock = nil
	}
	return nil
}

func (m *memLockRepo) ForceRelease(context.Context, string) error {
	m.lock = nil
	return nil
}

type memHistoryRepo struct {
	entries []update.HistoryEntry
}

func (m *memHistoryRepo) Append(_ context.Context, entry *update.HistoryEntry) error {
	entry.ID = uint(len(m.entries) + 1)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	// Newest first, matching the persistence contract.
	m.entries = append([]update.HistoryEntry{*entry}, m.entries...)
	return nil
}

func (m *memHistoryRepo) List(_ context.Context, offset, limit int) ([]update.HistoryEntry, int64, error) {
	if offset >= len(m.entries) {
		return nil, int64(len(m.entries)), nil
	}
	end := offset + limit
	if end > len(m.entries) {
		end = len(m.entries)
	}
	return m.entries[offset:end], int64(len(m.entries)), nil
}

func (m *memHistoryRepo) messages() []string {
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Message)
	}
	return out
}

// scriptRunner fakes docker and the update script. The longest matching
// prefix wins so specific invocations can override defaults.
type scriptRunner struct {
	results map[string]runtime.CommandResult
	calls   []string
}

func (f *scriptRunner) Run(_ context.Context, name string, args ...string) (runtime.CommandResult, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, key)
	best := ""
	var bestRes runtime.CommandResult
	for prefix, res := range f.results {
		if strings.HasPrefix(key, prefix) && len(prefix) > len(best) {
			best, bestRes = prefix, res
		}
	}
	if best != "" {
		return bestRes, nil
	}
	return runtime.CommandResult{ExitCode: 0}, nil
}

type fakeInspector struct {
	seq []bool
	i   int
}

func (f *fakeInspector) Inspect(context.Context) runtime.Status {
	running := true
	if len(f.seq) > 0 {
		idx := f.i
		if idx >= len(f.seq) {
			idx = len(f.seq) - 1
		}
		running = f.seq[idx]
		f.i++
	}
	return runtime.Status{Mode: runtime.ModeContainer, Running: running}
}

type fixture struct {
	coordinator *Coordinator
	locks       *memLockRepo
	history     *memHistoryRepo
	runner      *scriptRunner
	inspector   *fakeInspector
	script      string
	backupDir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "update.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))
	compose := filepath.Join(dir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(compose, []byte("services: {}\n"), 0o644))

	cfg := config.UpdateConfig{
		Enabled:                 true,
		ScriptPath:              script,
		ComposeFile:             compose,
		TimeoutMs:               int((20 * time.Minute).Milliseconds()),
		RequireCanaryBeforeFull: true,
		CanaryWindowMinutes:     240,
		DefaultChannel:          "stable",
		BackupDir:               filepath.Join(dir, "backups"),
		BackupRetention:         10,
	}
	xrayCfg := config.XrayConfig{
		ContainerName:  "xray",
		VerifyAttempts: 1,
	}
	fix := &fixture{
		locks:     &memLockRepo{},
		history:   &memHistoryRepo{},
		inspector: &fakeInspector{},
		script:    script,
		backupDir: cfg.BackupDir,
	}
	fix.runner = &scriptRunner{results: map[string]runtime.CommandResult{
		"docker info":                                {Stdout: "27.3.1\n"},
		"docker inspect --format {{.State.Status}}":  {Stdout: "running\n"},
		"docker inspect --format {{.Config.Image}}":  {Stdout: "teddysun/xray:25.1.0\n"},
	}}
	fix.coordinator = NewCoordinator(cfg, xrayCfg, fix.locks, fix.history,
		fix.runner, fix.inspector, logger.NewNop())
	return fix
}

func (fix *fixture) seedBackup(t *testing.T, stamp string) Backup {
	t.Helper()
	backup := Backup{
		Tag:       "oneui-backup-" + stamp,
		Image:     "oneui-backup:" + stamp,
		Ref:       "teddysun/xray:25.1.0",
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(backup)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(fix.backupDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fix.backupDir, backup.Tag+".json"), raw, 0o644))
	return backup
}

func checkByID(t *testing.T, result PreflightResult, id string) Check {
	t.Helper()
	for _, check := range result.Checks {
		if check.ID == id {
			return check
		}
	}
	t.Fatalf("check %s not found", id)
	return Check{}
}

func findCall(t *testing.T, calls []string, substr string) string {
	t.Helper()
	for _, call := range calls {
		if strings.Contains(call, substr) {
			return call
		}
	}
	t.Fatalf("no call containing %q", substr)
	return ""
}

func noCall(t *testing.T, calls []string, substr string) {
	t.Helper()
	for _, call := range calls {
		if strings.Contains(call, substr) {
			t.Fatalf("unexpected call %q", call)
		}
	}
}

func TestPreflightAllGreen(t *testing.T) {
	fix := newFixture(t)
	result, err := fix.coordinator.Preflight(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Ready)

	var ids []string
	for _, check := range result.Checks {
		ids = append(ids, check.ID)
		assert.True(t, check.OK, check.ID)
	}
	assert.Equal(t, []string{
		"script_exists", "script_executable", "compose_file", "runtime_reachable",
		"container_present", "version_readable", "dry_run", "no_live_lock",
	}, ids)

	assert.False(t, checkByID(t, result, "version_readable").Blocking)
	assert.Equal(t, "teddysun/xray:25.1.0", checkByID(t, result, "version_readable").Metadata["image"])
	assert.Contains(t, findCall(t, fix.runner.calls, "--dry-run"), "--stable --dry-run --yes")
}

func TestPreflightNonExecutableScript(t *testing.T) {
	fix := newFixture(t)
	require.NoError(t, os.Chmod(fix.script, 0o644))

	result, err := fix.coordinator.Preflight(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Ready)
	check := checkByID(t, result, "script_executable")
	assert.False(t, check.OK)
	assert.True(t, check.Blocking)
	// The dry run is pointless once a blocking check failed.
	assert.Equal(t, "skipped: earlier checks failed", checkByID(t, result, "dry_run").Detail)
}

func TestPreflightUnreadableVersionDoesNotBlock(t *testing.T) {
	fix := newFixture(t)
	fix.runner.results["docker inspect --format {{.Config.Image}}"] = runtime.CommandResult{ExitCode: 1}

	result, err := fix.coordinator.Preflight(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Ready)
	assert.False(t, checkByID(t, result, "version_readable").OK)
}

func TestPreflightFlagsLiveLock(t *testing.T) {
	fix := newFixture(t)
	fix.locks.lock = &update.Lock{
		Name:      "xray-update",
		OwnerID:   "someone-else",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}

	result, err := fix.coordinator.Preflight(context.Background())
	require.NoError(t, err)
	check := checkByID(t, result, "no_live_lock")
	assert.False(t, check.OK)
	assert.Contains(t, check.Detail, "someone-else")
}

func TestRunCanaryHappyPath(t *testing.T) {
	fix := newFixture(t)

	result, err := fix.coordinator.RunCanary(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, ScopeCanary, result.Scope)
	assert.Equal(t, "stable", result.Channel)
	assert.True(t, strings.HasPrefix(result.BackupTag, "oneui-backup-"))
	assert.Equal(t, "teddysun/xray:25.1.0", result.VersionFrom)
	assert.Equal(t, "teddysun/xray:25.1.0", result.VersionTo)

	assert.Contains(t, fix.history.messages(), "update started")
	assert.Contains(t, fix.history.messages(), "update succeeded")
	assert.Nil(t, fix.locks.lock, "lock released after the run")

	updateCall := findCall(t, fix.runner.calls, "--canary")
	assert.True(t, strings.HasSuffix(updateCall, "--stable --canary --no-restart --yes"), updateCall)
	findCall(t, fix.runner.calls, "docker tag teddysun/xray:25.1.0 oneui-backup:")

	backups, err := fix.coordinator.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, result.BackupTag, backups[0].Tag)
	assert.Equal(t, "teddysun/xray:25.1.0", backups[0].Ref)
}

func TestRunWithExplicitImage(t *testing.T) {
	fix := newFixture(t)

	result, err := fix.coordinator.RunCanary(context.Background(),
		RunOptions{Image: "ghcr.io/xtls/xray-core:1.8.24"})
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/xtls/xray-core:1.8.24", result.Image)

	call := findCall(t, fix.runner.calls, "--canary")
	assert.Contains(t, call, "--image ghcr.io/xtls/xray-core:1.8.24")
	assert.NotContains(t, call, "--stable")
}

func TestRunFullRequiresRecentCanary(t *testing.T) {
	fix := newFixture(t)

	_, err := fix.coordinator.RunFull(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition))
	assert.Empty(t, fix.runner.calls, "refusal must not touch the runtime")

	// A successful canary inside the window unblocks the full rollout.
	_, err = fix.coordinator.RunCanary(context.Background(), RunOptions{})
	require.NoError(t, err)
	result, err := fix.coordinator.RunFull(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, ScopeFull, result.Scope)

	fullCall := findCall(t, fix.runner.calls, "--stable --yes")
	assert.NotContains(t, fullCall, "--canary")
}

func TestRunFullForceBypassesCanaryGate(t *testing.T) {
	fix := newFixture(t)
	result, err := fix.coordinator.RunFull(context.Background(), RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, ScopeFull, result.Scope)
}

func TestRunFailsWhenLockHeld(t *testing.T) {
	fix := newFixture(t)
	fix.locks.lock = &update.Lock{
		Name:      "xray-update",
		OwnerID:   "someone-else",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}

	_, err := fix.coordinator.RunCanary(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestRunTakesOverStaleLock(t *testing.T) {
	fix := newFixture(t)
	fix.locks.lock = &update.Lock{
		Name:      "xray-update",
		OwnerID:   "dead-instance",
		ExpiresAt: time.Now().Add(-time.Minute),
	}

	_, err := fix.coordinator.RunCanary(context.Background(), RunOptions{})
	require.NoError(t, err)
}

func TestRunPreflightBlockedStopsRun(t *testing.T) {
	fix := newFixture(t)
	fix.runner.results["docker info"] = runtime.CommandResult{ExitCode: 1, Stderr: "daemon down"}

	_, err := fix.coordinator.RunCanary(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition))
	assert.Contains(t, err.Error(), "runtime_reachable")
	noCall(t, fix.runner.calls, "--canary")
}

func TestRunScriptFailureRestoresBackup(t *testing.T) {
	fix := newFixture(t)
	fix.runner.results[fix.script+" --stable --canary"] = runtime.CommandResult{ExitCode: 1, Stderr: "pull failed"}

	_, err := fix.coordinator.RunCanary(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnavailable))
	assert.Contains(t, fix.history.messages(), "update failed, backup restored")
	findCall(t, fix.runner.calls, "--image oneui-backup:")
	assert.Nil(t, fix.locks.lock)
}

func TestRunScriptFailureNoRollbackKeepsState(t *testing.T) {
	fix := newFixture(t)
	fix.runner.results[fix.script+" --stable --canary"] = runtime.CommandResult{ExitCode: 1}

	_, err := fix.coordinator.RunCanary(context.Background(), RunOptions{NoRollback: true})
	require.Error(t, err)
	assert.Contains(t, fix.history.messages(), "update failed")
	noCall(t, fix.runner.calls, "--image oneui-backup:")
}

func TestRunUnhealthyAfterUpdateRollsBack(t *testing.T) {
	fix := newFixture(t)
	// First health probe fails after the update; the one after the restore
	// succeeds.
	fix.inspector.seq = []bool{false, true}

	_, err := fix.coordinator.RunCanary(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnavailable))
	assert.Contains(t, err.Error(), "not healthy")
	assert.Contains(t, fix.history.messages(), "update failed, backup restored")
	findCall(t, fix.runner.calls, "--image oneui-backup:")
}

func TestRunDisabled(t *testing.T) {
	fix := newFixture(t)
	fix.coordinator.cfg.Enabled = false
	_, err := fix.coordinator.RunCanary(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition))
}

func TestRunUnknownChannel(t *testing.T) {
	fix := newFixture(t)
	_, err := fix.coordinator.RunCanary(context.Background(), RunOptions{Channel: "nightly"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestBackupPruneKeepsRetention(t *testing.T) {
	fix := newFixture(t)
	fix.coordinator.cfg.BackupRetention = 2
	fix.seedBackup(t, "20250101-000000")
	fix.seedBackup(t, "20250102-000000")
	fix.seedBackup(t, "20250103-000000")

	_, err := fix.coordinator.RunCanary(context.Background(), RunOptions{})
	require.NoError(t, err)

	// The run added a fourth backup; only the two newest survive.
	backups, err := fix.coordinator.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.True(t, strings.HasPrefix(backups[0].Tag, "oneui-backup-2"), backups[0].Tag)
	assert.Equal(t, "oneui-backup-20250103-000000", backups[1].Tag)

	findCall(t, fix.runner.calls, "docker rmi oneui-backup:20250101-000000")
	findCall(t, fix.runner.calls, "docker rmi oneui-backup:20250102-000000")
}

func TestRollbackDefaultsToNewest(t *testing.T) {
	fix := newFixture(t)
	fix.seedBackup(t, "20250101-000000")
	newest := fix.seedBackup(t, "20250102-000000")

	restored, err := fix.coordinator.Rollback(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, newest.Tag, restored.Tag)
	findCall(t, fix.runner.calls, "--image oneui-backup:20250102-000000 --yes")
	assert.Contains(t, fix.history.messages(), "rollback succeeded")
	assert.Nil(t, fix.locks.lock)
}

func TestRollbackUnknownTag(t *testing.T) {
	fix := newFixture(t)
	_, err := fix.coordinator.Rollback(context.Background(), "latest")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestRollbackNoBackups(t *testing.T) {
	fix := newFixture(t)
	_, err := fix.coordinator.Rollback(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestRollbackRecordsFailure(t *testing.T) {
	fix := newFixture(t)
	backup := fix.seedBackup(t, "20250101-000000")
	fix.runner.results[fix.script+" --image "+backup.Image] = runtime.CommandResult{ExitCode: 1, Stderr: "image missing"}

	_, err := fix.coordinator.Rollback(context.Background(), backup.Tag)
	require.Error(t, err)
	assert.Contains(t, fix.history.messages(), "rollback failed")
	require.NotEmpty(t, fix.history.entries)
	assert.Equal(t, update.LevelCritical, fix.history.entries[0].Level)
}

func TestUnlockSemantics(t *testing.T) {
	fix := newFixture(t)

	t.Run("no lock is a no-op", func(t *testing.T) {
		result, err := fix.coordinator.Unlock(context.Background(), "", false)
		require.NoError(t, err)
		assert.False(t, result.Unlocked)
		assert.False(t, result.HadLock)
	})

	t.Run("live lock needs force", func(t *testing.T) {
		fix.locks.lock = &update.Lock{OwnerID: "other", ExpiresAt: time.Now().Add(time.Hour)}
		_, err := fix.coordinator.Unlock(context.Background(), "cleanup", false)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

		result, err := fix.coordinator.Unlock(context.Background(), "cleanup", true)
		require.NoError(t, err)
		assert.True(t, result.Unlocked)
		assert.True(t, result.HadLock)
		assert.True(t, result.Forced)
		assert.False(t, result.Stale)
		assert.Nil(t, fix.locks.lock)
	})

	t.Run("stale lock clears without force", func(t *testing.T) {
		expired := time.Now().Add(-time.Minute)
		fix.locks.lock = &update.Lock{OwnerID: "op-1", ExpiresAt: expired}
		result, err := fix.coordinator.Unlock(context.Background(), "", false)
		require.NoError(t, err)
		assert.True(t, result.Unlocked)
		assert.True(t, result.Stale)
		assert.False(t, result.Forced)
		assert.Equal(t, "op-1", result.PreviousOwnerID)
		require.NotNil(t, result.PreviousExpiresAt)
		assert.True(t, result.PreviousExpiresAt.Equal(expired))
		assert.Nil(t, fix.locks.lock)
	})
}

func TestGetPolicyCanaryGate(t *testing.T) {
	fix := newFixture(t)

	policy, err := fix.coordinator.GetPolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "container", policy.Mode)
	assert.True(t, policy.UpdatesEnabled)
	assert.True(t, policy.RequireCanaryBeforeFull)
	assert.Equal(t, 240, policy.CanaryWindowMinutes)
	assert.Equal(t, "stable", policy.DefaultChannel)
	assert.False(t, policy.CanaryReady)
	assert.Nil(t, policy.LastSuccessfulCanaryAt)

	require.NoError(t, fix.history.Append(context.Background(), &update.HistoryEntry{
		Message:  "update succeeded",
		Metadata: map[string]any{"scope": "canary"},
	}))

	policy, err = fix.coordinator.GetPolicy(context.Background())
	require.NoError(t, err)
	assert.True(t, policy.CanaryReady)
	require.NotNil(t, policy.LastSuccessfulCanaryAt)
}
