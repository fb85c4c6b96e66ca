// Package update coordinates data-plane image updates: preflight checks,
// canary and full rollouts behind a database lock, image backups, health
// verification, and rollback.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"oneui/internal/domain/update"
	"oneui/internal/infrastructure/config"
	"oneui/internal/shared/constants"
	"oneui/internal/shared/errors"
	"oneui/internal/shared/logger"
	"oneui/internal/xray/runtime"
)

// Scope is the rollout breadth of one update run.
type Scope string

const (
	ScopeCanary Scope = "canary"
	ScopeFull   Scope = "full"
)

const (
	// backupImageRepo holds frozen copies of the deployed image.
	backupImageRepo = "oneui-backup"
	// backupFilePrefix names the metadata files and the backup tags.
	backupFilePrefix = "oneui-backup-"
	// backupStampLayout keeps tags lexicographically time-ordered.
	backupStampLayout = "20060102-150405"
)

// RunOptions tunes one update run.
type RunOptions struct {
	Channel    string // stable or latest, empty uses the configured default
	Image      string // explicit image reference, overrides the channel
	NoRollback bool   // keep the failed state instead of restoring the backup
	Force      bool   // skip preflight gating and the canary requirement
}

// RunResult summarizes a completed run.
type RunResult struct {
	Scope       Scope     `json:"scope"`
	Channel     string    `json:"channel,omitempty"`
	Image       string    `json:"image,omitempty"`
	BackupTag   string    `json:"backupTag"`
	VersionFrom string    `json:"versionFrom,omitempty"`
	VersionTo   string    `json:"versionTo,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// Check is one preflight probe outcome. Ready gating only considers
// blocking checks.
type Check struct {
	ID       string            `json:"id"`
	Label    string            `json:"label"`
	OK       bool              `json:"ok"`
	Blocking bool              `json:"blocking"`
	Detail   string            `json:"detail,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PreflightResult aggregates all probes in execution order.
type PreflightResult struct {
	Ready  bool    `json:"ready"`
	Checks []Check `json:"checks"`
}

// Policy reports the update rules and the canary gate state.
type Policy struct {
	Mode                    string     `json:"mode"`
	UpdatesEnabled          bool       `json:"updatesEnabled"`
	RequireCanaryBeforeFull bool       `json:"requireCanaryBeforeFull"`
	CanaryWindowMinutes     int        `json:"canaryWindowMinutes"`
	DefaultChannel          string     `json:"defaultChannel"`
	UpdateTimeoutMs         int        `json:"updateTimeoutMs"`
	CanaryReady             bool       `json:"canaryReady"`
	LastSuccessfulCanaryAt  *time.Time `json:"lastSuccessfulCanaryAt,omitempty"`
}

// UnlockResult reports what an unlock actually did.
type UnlockResult struct {
	Unlocked          bool       `json:"unlocked"`
	HadLock           bool       `json:"hadLock"`
	Forced            bool       `json:"forced"`
	Stale             bool       `json:"stale"`
	PreviousOwnerID   string     `json:"previousOwnerId,omitempty"`
	PreviousExpiresAt *time.Time `json:"previousExpiresAt,omitempty"`
}

// LockStatus reports the current lock for operators.
type LockStatus struct {
	Held      bool      `json:"held"`
	Stale     bool      `json:"stale"`
	OwnerID   string    `json:"ownerId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Backup is one retained image backup. Image is the frozen copy under the
// backup repository; Ref is the deployed reference it was taken from.
type Backup struct {
	Tag       string    `json:"tag"`
	Image     string    `json:"image"`
	Ref       string    `json:"ref,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// inspector is the runtime-detection seam used for health verification.
type inspector interface {
	Inspect(ctx context.Context) runtime.Status
}

// Coordinator serializes update operations through the database lock and
// drives the update script.
type Coordinator struct {
	cfg       config.UpdateConfig
	xray      config.XrayConfig
	locks     update.LockRepository
	history   update.HistoryRepository
	runner    runtime.Runner
	inspector inspector
	logger    logger.Interface
	ownerID   string
	now       func() time.Time
}

func NewCoordinator(
	cfg config.UpdateConfig,
	xrayCfg config.XrayConfig,
	locks update.LockRepository,
	history update.HistoryRepository,
	runner runtime.Runner,
	insp inspector,
	log logger.Interface,
) *Coordinator {
	if cfg.LockName == "" {
		cfg.LockName = constants.UpdateLockName
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = int((20 * time.Minute).Milliseconds())
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = 10
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "stable"
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = "/usr/local/oneui/backups"
	}
	return &Coordinator{
		cfg:       cfg,
		xray:      xrayCfg,
		locks:     locks,
		history:   history,
		runner:    runner,
		inspector: insp,
		logger:    log.Named("update"),
		ownerID:   uuid.NewString(),
		now:       time.Now,
	}
}

// GetPolicy reports the configured rules plus whether a recent canary
// clears the way for a full rollout.
func (c *Coordinator) GetPolicy(ctx context.Context) (Policy, error) {
	policy := Policy{
		Mode:                    string(c.inspector.Inspect(ctx).Mode),
		UpdatesEnabled:          c.cfg.Enabled,
		RequireCanaryBeforeFull: c.cfg.RequireCanaryBeforeFull,
		CanaryWindowMinutes:     c.canaryWindow(),
		DefaultChannel:          c.cfg.DefaultChannel,
		UpdateTimeoutMs:         c.cfg.TimeoutMs,
	}
	last, err := c.lastCanarySuccess(ctx)
	if err != nil {
		return Policy{}, err
	}
	policy.LastSuccessfulCanaryAt = last
	policy.CanaryReady = last != nil &&
		c.now().Sub(*last) <= time.Duration(c.canaryWindow())*time.Minute
	return policy, nil
}

// Preflight runs every readiness probe without mutating anything.
func (c *Coordinator) Preflight(ctx context.Context) (PreflightResult, error) {
	return c.preflight(ctx, false)
}

// preflight probes in a fixed order. skipLock elides the lock check for
// callers that already hold the lock themselves.
func (c *Coordinator) preflight(ctx context.Context, skipLock bool) (PreflightResult, error) {
	result := PreflightResult{Ready: true}
	add := func(check Check) {
		result.Checks = append(result.Checks, check)
		if check.Blocking && !check.OK {
			result.Ready = false
		}
	}

	info, statErr := os.Stat(c.cfg.ScriptPath)
	exists := statErr == nil
	add(Check{ID: "script_exists", Label: "Update script present", OK: exists, Blocking: true,
		Detail: pathDetail(c.cfg.ScriptPath, statErr)})
	executable := exists && info.Mode()&0o111 != 0
	detail := ""
	switch {
	case !exists:
		detail = "script missing"
	case !executable:
		detail = c.cfg.ScriptPath + " is not executable"
	}
	add(Check{ID: "script_executable", Label: "Update script executable", OK: executable, Blocking: true,
		Detail: detail})

	if c.cfg.ComposeFile == "" {
		add(Check{ID: "compose_file", Label: "Compose file present", OK: true, Detail: "not configured"})
	} else {
		_, err := os.Stat(c.cfg.ComposeFile)
		add(Check{ID: "compose_file", Label: "Compose file present", OK: err == nil, Blocking: true,
			Detail: pathDetail(c.cfg.ComposeFile, err)})
	}

	res, err := c.runner.Run(ctx, "docker", "info", "--format", "{{.ServerVersion}}")
	reachable := err == nil && res.ExitCode == 0
	runtimeCheck := Check{ID: "runtime_reachable", Label: "Container runtime reachable",
		OK: reachable, Blocking: true, Detail: runDetail(res, err)}
	if reachable {
		runtimeCheck.Metadata = map[string]string{"serverVersion": strings.TrimSpace(res.Stdout)}
	}
	add(runtimeCheck)

	if c.xray.ContainerName == "" {
		add(Check{ID: "container_present", Label: "Data-plane container present", OK: true,
			Detail: "not configured"})
		add(Check{ID: "version_readable", Label: "Deployed image readable", OK: false,
			Detail: "no container name configured"})
	} else {
		res, err = c.runner.Run(ctx, "docker", "inspect", "--format", "{{.State.Status}}", c.xray.ContainerName)
		present := err == nil && res.ExitCode == 0
		containerCheck := Check{ID: "container_present", Label: "Data-plane container present",
			OK: present, Blocking: true, Detail: runDetail(res, err),
			Metadata: map[string]string{"container": c.xray.ContainerName}}
		if present {
			containerCheck.Metadata["state"] = strings.TrimSpace(res.Stdout)
		}
		add(containerCheck)

		image := c.currentImage(ctx)
		versionCheck := Check{ID: "version_readable", Label: "Deployed image readable", OK: image != ""}
		if image != "" {
			versionCheck.Metadata = map[string]string{"image": image}
		}
		add(versionCheck)
	}

	if result.Ready {
		res, err = c.runner.Run(ctx, c.cfg.ScriptPath, "--"+c.cfg.DefaultChannel, "--dry-run", "--yes")
		add(Check{ID: "dry_run", Label: "Update script dry run",
			OK: err == nil && res.ExitCode == 0, Blocking: true, Detail: runDetail(res, err)})
	} else {
		add(Check{ID: "dry_run", Label: "Update script dry run", OK: false, Blocking: true,
			Detail: "skipped: earlier checks failed"})
	}

	if !skipLock {
		lock, err := c.locks.Get(ctx, c.cfg.LockName)
		if err != nil {
			return result, errors.NewInternalError("failed to read update lock").WithCause(err)
		}
		lockCheck := Check{ID: "no_live_lock", Label: "No live update lock", OK: true, Blocking: true}
		if lock != nil && !lock.Stale(c.now()) {
			lockCheck.OK = false
			lockCheck.Detail = fmt.Sprintf("held by %s until %s", lock.OwnerID, lock.ExpiresAt.Format(time.RFC3339))
			lockCheck.Metadata = map[string]string{"ownerId": lock.OwnerID}
		}
		add(lockCheck)
	}
	return result, nil
}

// RunCanary rehearses the update on the canary path without restarting
// the main rollout.
func (c *Coordinator) RunCanary(ctx context.Context, opts RunOptions) (*RunResult, error) {
	return c.run(ctx, ScopeCanary, opts)
}

// RunFull rolls the update out everywhere. Unless forced, a successful
// canary within the configured window must exist first.
func (c *Coordinator) RunFull(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if c.cfg.RequireCanaryBeforeFull && !opts.Force {
		last, err := c.lastCanarySuccess(ctx)
		if err != nil {
			return nil, err
		}
		window := time.Duration(c.canaryWindow()) * time.Minute
		if last == nil || c.now().Sub(*last) > window {
			return nil, errors.NewPreconditionError("full update requires a successful canary",
				fmt.Sprintf("no canary success within the last %d minutes", c.canaryWindow()))
		}
	}
	return c.run(ctx, ScopeFull, opts)
}

// Rollback restores a backup under the lock. An empty tag picks the
// newest backup.
func (c *Coordinator) Rollback(ctx context.Context, backupTag string) (Backup, error) {
	release, err := c.acquireLock(ctx)
	if err != nil {
		return Backup{}, err
	}
	defer release()

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	backup, err := c.findBackup(backupTag)
	if err != nil {
		return Backup{}, err
	}

	c.record(ctx, update.LevelWarning, "rollback started", map[string]any{"backup_tag": backup.Tag})
	if err := c.restore(ctx, backup); err != nil {
		c.record(ctx, update.LevelCritical, "rollback failed", map[string]any{
			"backup_tag": backup.Tag, "detail": err.Error(),
		})
		return Backup{}, err
	}
	c.record(ctx, update.LevelInfo, "rollback succeeded", map[string]any{"backup_tag": backup.Tag})
	return backup, nil
}

// Unlock clears the update lock. Stale locks always clear; a live lock
// needs force.
func (c *Coordinator) Unlock(ctx context.Context, reason string, force bool) (UnlockResult, error) {
	lock, err := c.locks.Get(ctx, c.cfg.LockName)
	if err != nil {
		return UnlockResult{}, errors.NewInternalError("failed to read update lock").WithCause(err)
	}
	if lock == nil {
		return UnlockResult{}, nil
	}
	stale := lock.Stale(c.now())
	if !stale && !force {
		return UnlockResult{}, errors.NewConflictError("update lock is live",
			fmt.Sprintf("held by %s until %s", lock.OwnerID, lock.ExpiresAt.Format(time.RFC3339)))
	}
	if err := c.locks.ForceRelease(ctx, c.cfg.LockName); err != nil {
		return UnlockResult{}, errors.NewInternalError("failed to release update lock").WithCause(err)
	}
	expiresAt := lock.ExpiresAt
	c.record(ctx, update.LevelWarning, "update lock cleared", map[string]any{
		"previous_owner": lock.OwnerID, "forced": force, "stale": stale, "reason": reason,
	})
	return UnlockResult{
		Unlocked:          true,
		HadLock:           true,
		Forced:            force,
		Stale:             stale,
		PreviousOwnerID:   lock.OwnerID,
		PreviousExpiresAt: &expiresAt,
	}, nil
}

// Status reports the lock state for operator endpoints.
func (c *Coordinator) Status(ctx context.Context) (LockStatus, error) {
	lock, err := c.locks.Get(ctx, c.cfg.LockName)
	if err != nil {
		return LockStatus{}, errors.NewInternalError("failed to read update lock").WithCause(err)
	}
	if lock == nil {
		return LockStatus{}, nil
	}
	return LockStatus{
		Held:      true,
		Stale:     lock.Stale(c.now()),
		OwnerID:   lock.OwnerID,
		ExpiresAt: lock.ExpiresAt,
	}, nil
}

// History pages the update history, newest first.
func (c *Coordinator) History(ctx context.Context, offset, limit int) ([]update.HistoryEntry, int64, error) {
	return c.history.List(ctx, offset, limit)
}

// ListBackups returns retained backups, newest first.
func (c *Coordinator) ListBackups() ([]Backup, error) {
	entries, err := os.ReadDir(c.cfg.BackupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewInternalError("failed to read backup directory").WithCause(err)
	}
	var backups []Backup
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, backupFilePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(c.cfg.BackupDir, name))
		if err != nil {
			c.logger.Warnw("unreadable backup metadata", "file", name, "error", err)
			continue
		}
		var backup Backup
		if err := json.Unmarshal(raw, &backup); err != nil {
			c.logger.Warnw("corrupt backup metadata", "file", name, "error", err)
			continue
		}
		backups = append(backups, backup)
	}
	// Tags embed a UTC stamp, so lexicographic order is age order.
	sort.Slice(backups, func(a, b int) bool { return backups[a].Tag > backups[b].Tag })
	return backups, nil
}

func (c *Coordinator) run(ctx context.Context, scope Scope, opts RunOptions) (*RunResult, error) {
	if !c.cfg.Enabled {
		return nil, errors.NewPreconditionError("updates are disabled")
	}
	channel := opts.Channel
	if channel == "" {
		channel = c.cfg.DefaultChannel
	}
	if opts.Image == "" && channel != "stable" && channel != "latest" {
		return nil, errors.NewValidationError("unknown update channel", channel)
	}

	release, err := c.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if !opts.Force {
		preflight, err := c.preflight(ctx, true)
		if err != nil {
			return nil, err
		}
		if !preflight.Ready {
			return nil, errors.NewPreconditionError("preflight checks failed", failedCheckIDs(preflight))
		}
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	backup, err := c.createBackup(ctx)
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		Scope:       scope,
		Channel:     channel,
		Image:       opts.Image,
		BackupTag:   backup.Tag,
		VersionFrom: backup.Ref,
		StartedAt:   c.now().UTC(),
	}
	c.record(ctx, update.LevelInfo, "update started", map[string]any{
		"scope": string(scope), "channel": channel, "image": opts.Image, "backup_tag": backup.Tag,
	})

	res, runErr := c.runner.Run(ctx, c.cfg.ScriptPath, scriptArgs(scope, channel, opts.Image)...)
	if runErr != nil || res.ExitCode != 0 {
		return nil, c.failRun(ctx, scope, backup, opts.NoRollback,
			errors.NewUnavailableError("update script failed", runDetail(res, runErr)))
	}
	if err := c.verifyHealthy(ctx); err != nil {
		return nil, c.failRun(ctx, scope, backup, opts.NoRollback,
			errors.NewUnavailableError("data plane not healthy after update").WithCause(err))
	}

	result.FinishedAt = c.now().UTC()
	result.VersionTo = c.currentImage(ctx)
	c.record(ctx, update.LevelInfo, "update succeeded", map[string]any{
		"scope":        string(scope),
		"channel":      channel,
		"backup_tag":   backup.Tag,
		"version_from": result.VersionFrom,
		"version_to":   result.VersionTo,
	})
	c.pruneBackups(ctx)
	return result, nil
}

// failRun records the failure and restores the backup unless rollback is
// disabled. The original error always propagates.
func (c *Coordinator) failRun(ctx context.Context, scope Scope, backup Backup, noRollback bool, cause error) error {
	meta := map[string]any{"scope": string(scope), "backup_tag": backup.Tag, "detail": cause.Error()}
	if noRollback {
		c.record(ctx, update.LevelError, "update failed", meta)
		return cause
	}
	if err := c.restore(ctx, backup); err != nil {
		meta["rollback_error"] = err.Error()
		c.record(ctx, update.LevelCritical, "update failed and rollback failed", meta)
		return cause
	}
	meta["rolled_back"] = true
	c.record(ctx, update.LevelError, "update failed, backup restored", meta)
	return cause
}

// restore redeploys a backup image and waits for the data plane to come
// back healthy.
func (c *Coordinator) restore(ctx context.Context, backup Backup) error {
	res, err := c.runner.Run(ctx, c.cfg.ScriptPath, "--image", backup.Image, "--yes")
	if err != nil || res.ExitCode != 0 {
		return errors.NewUnavailableError("restore script failed", runDetail(res, err))
	}
	return c.verifyHealthy(ctx)
}

// createBackup freezes the deployed image under the backup repository and
// writes a metadata file beside it.
func (c *Coordinator) createBackup(ctx context.Context) (Backup, error) {
	ref := c.currentImage(ctx)
	if ref == "" {
		return Backup{}, errors.NewUnavailableError("cannot determine deployed image for backup")
	}
	stamp := c.now().UTC().Format(backupStampLayout)
	backup := Backup{
		Tag:       backupFilePrefix + stamp,
		Image:     backupImageRepo + ":" + stamp,
		Ref:       ref,
		CreatedAt: c.now().UTC(),
	}
	res, err := c.runner.Run(ctx, "docker", "tag", ref, backup.Image)
	if err != nil || res.ExitCode != 0 {
		return Backup{}, errors.NewUnavailableError("failed to tag backup image", runDetail(res, err))
	}
	if err := c.writeBackupFile(backup); err != nil {
		c.logger.Warnw("failed to persist backup metadata", "tag", backup.Tag, "error", err)
	}
	return backup, nil
}

func (c *Coordinator) writeBackupFile(backup Backup) error {
	if err := os.MkdirAll(c.cfg.BackupDir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.cfg.BackupDir, backup.Tag+".json"), raw, 0o644)
}

func (c *Coordinator) findBackup(tag string) (Backup, error) {
	backups, err := c.ListBackups()
	if err != nil {
		return Backup{}, err
	}
	if tag == "" {
		if len(backups) == 0 {
			return Backup{}, errors.NewNotFoundError("no backups available")
		}
		return backups[0], nil
	}
	for _, backup := range backups {
		if backup.Tag == tag {
			return backup, nil
		}
	}
	// A well-formed tag still maps to its image when the metadata file is
	// gone.
	if stamp, ok := strings.CutPrefix(tag, backupFilePrefix); ok && stamp != "" {
		return Backup{Tag: tag, Image: backupImageRepo + ":" + stamp}, nil
	}
	return Backup{}, errors.NewNotFoundError("unknown backup tag", tag)
}

// pruneBackups trims backups beyond the retention, oldest first. Failures
// never fail the run.
func (c *Coordinator) pruneBackups(ctx context.Context) {
	backups, err := c.ListBackups()
	if err != nil {
		c.logger.Warnw("failed to list backups", "error", err)
		return
	}
	if len(backups) <= c.cfg.BackupRetention {
		return
	}
	for _, backup := range backups[c.cfg.BackupRetention:] {
		if res, err := c.runner.Run(ctx, "docker", "rmi", backup.Image); err != nil || res.ExitCode != 0 {
			c.logger.Warnw("failed to remove backup image", "image", backup.Image, "detail", runDetail(res, err))
		}
		if err := os.Remove(filepath.Join(c.cfg.BackupDir, backup.Tag+".json")); err != nil {
			c.logger.Warnw("failed to remove backup metadata", "tag", backup.Tag, "error", err)
			continue
		}
		c.logger.Debugw("pruned backup", "tag", backup.Tag)
	}
}

// verifyHealthy polls the runtime with the same bounded retry discipline
// the apply pipeline uses.
func (c *Coordinator) verifyHealthy(ctx context.Context) error {
	attempts := c.xray.VerifyAttempts
	if attempts <= 0 {
		attempts = 6
	}
	interval := time.Duration(c.xray.VerifyIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(interval))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if status := c.inspector.Inspect(ctx); status.Running {
			return nil
		}
		return retry.RetryableError(fmt.Errorf("data plane not running yet"))
	})
}

// currentImage reads the deployed image reference from the runtime.
func (c *Coordinator) currentImage(ctx context.Context) string {
	if c.xray.ContainerName == "" {
		return ""
	}
	res, err := c.runner.Run(ctx, "docker", "inspect", "--format", "{{.Config.Image}}", c.xray.ContainerName)
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// acquireLock claims the update lock, taking over stale locks. The
// returned release func is safe to call after expiry.
func (c *Coordinator) acquireLock(ctx context.Context) (func(), error) {
	expiresAt := c.now().Add(time.Duration(c.cfg.TimeoutMs) * time.Millisecond)
	held, acquired, err := c.locks.Acquire(ctx, c.cfg.LockName, c.ownerID, expiresAt)
	if err != nil {
		return nil, errors.NewInternalError("failed to acquire update lock").WithCause(err)
	}
	if !acquired {
		detail := ""
		if held != nil {
			detail = fmt.Sprintf("held by %s until %s", held.OwnerID, held.ExpiresAt.Format(time.RFC3339))
		}
		return nil, errors.NewConflictError("another update is in progress", detail)
	}
	return func() {
		if err := c.locks.Release(context.Background(), c.cfg.LockName, c.ownerID); err != nil {
			c.logger.Warnw("failed to release update lock", "error", err)
		}
	}, nil
}

// lastCanarySuccess scans recent history for the newest canary success.
func (c *Coordinator) lastCanarySuccess(ctx context.Context) (*time.Time, error) {
	entries, _, err := c.history.List(ctx, 0, 50)
	if err != nil {
		return nil, errors.NewInternalError("failed to read update history").WithCause(err)
	}
	for _, entry := range entries {
		if entry.Message == "update succeeded" && entry.Metadata["scope"] == string(ScopeCanary) {
			at := entry.CreatedAt
			return &at, nil
		}
	}
	return nil, nil
}

func (c *Coordinator) canaryWindow() int {
	if c.cfg.CanaryWindowMinutes <= 0 {
		return 240
	}
	return c.cfg.CanaryWindowMinutes
}

func (c *Coordinator) record(ctx context.Context, level update.HistoryLevel, message string, metadata map[string]any) {
	entry := &update.HistoryEntry{Level: level, Message: message, Metadata: metadata}
	if err := c.history.Append(ctx, entry); err != nil {
		c.logger.Warnw("failed to append update history", "message", message, "error", err)
	}
}

func (c *Coordinator) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMs)*time.Millisecond)
}

// scriptArgs builds the update-procedure flag set: a channel or pinned
// image, canary modifiers, and the non-interactive confirmation.
func scriptArgs(scope Scope, channel, image string) []string {
	var args []string
	if image != "" {
		args = append(args, "--image", image)
	} else {
		args = append(args, "--"+channel)
	}
	if scope == ScopeCanary {
		args = append(args, "--canary", "--no-restart")
	}
	return append(args, "--yes")
}

func failedCheckIDs(result PreflightResult) string {
	var failed []string
	for _, check := range result.Checks {
		if check.Blocking && !check.OK {
			failed = append(failed, check.ID)
		}
	}
	return strings.Join(failed, ", ")
}

func pathDetail(path string, err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", path, err)
}

func runDetail(res runtime.CommandResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res.ExitCode != 0 {
		if res.Stderr != "" {
			return fmt.Sprintf("exit %d: %s", res.ExitCode, res.Stderr)
		}
		return fmt.Sprintf("exit %d", res.ExitCode)
	}
	return ""
}
