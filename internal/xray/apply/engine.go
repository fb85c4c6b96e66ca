package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"oneui/internal/infrastructure/config"
	"oneui/internal/shared/errors"
	"oneui/internal/shared/logger"
	"oneui/internal/xray/configgen"
	"oneui/internal/xray/runtime"
)

// Method selects how a written config is picked up by the data plane.
type Method string

const (
	// MethodHot reloads in place and falls back to a restart on failure.
	MethodHot Method = "hot"
	// MethodRestart always restarts the data plane.
	MethodRestart Method = "restart"
	// MethodNone writes the config without touching the process.
	MethodNone Method = "none"
)

// Result reports what an apply actually did. EffectiveMethod diverges from
// RequestedMethod when a hot reload fell back to a restart.
type Result struct {
	RequestedMethod Method `json:"requestedMethod"`
	EffectiveMethod Method `json:"effectiveMethod"`
	FallbackUsed    bool   `json:"fallbackUsed"`
	SnapshotID      string `json:"snapshotId,omitempty"`
	ConfDir         string `json:"confDir,omitempty"`
	RolledBack      bool   `json:"rolledBack,omitempty"`
}

// inspector is the runtime-detection seam used by the engine.
type inspector interface {
	Inspect(ctx context.Context) runtime.Status
}

// controllerFactory resolves a controller for a detected mode.
type controllerFactory interface {
	ForMode(mode runtime.Mode) runtime.Controller
}

// Engine drives the apply pipeline end to end. One apply runs at a time;
// callers serialize through the reconciler.
type Engine struct {
	cfg       config.XrayConfig
	store     *SnapshotStore
	inspector inspector
	factory   controllerFactory
	fragments *configgen.FragmentWriter
	logger    logger.Interface
}

func NewEngine(
	cfg config.XrayConfig,
	store *SnapshotStore,
	insp inspector,
	factory controllerFactory,
	log logger.Interface,
) *Engine {
	engine := &Engine{
		cfg:       cfg,
		store:     store,
		inspector: insp,
		factory:   factory,
		logger:    log.Named("apply"),
	}
	if cfg.ConfDir != "" {
		engine.fragments = configgen.NewFragmentWriter(cfg.ConfDir)
	}
	return engine
}

// Apply installs a generated document: snapshot the current config, write
// the candidate, validate it in the active runtime, then reload or
// restart. A failed validation restores the previous bytes without
// touching the runtime; a failed activation restores and restarts.
func (e *Engine) Apply(ctx context.Context, doc *configgen.Document, method Method, createSnapshot bool) (Result, error) {
	if method == "" {
		method = MethodRestart
		if e.cfg.HotReload {
			method = MethodHot
		}
	}
	result := Result{RequestedMethod: method, EffectiveMethod: method}

	candidate, err := doc.Encode()
	if err != nil {
		return result, errors.NewInternalError("failed to encode config document").WithCause(err)
	}

	prev, prevExists, err := e.readCurrent()
	if err != nil {
		return result, err
	}
	if createSnapshot && prevExists {
		meta, err := e.store.Capture(prev, "before-apply")
		if err != nil {
			return result, errors.NewInternalError("failed to snapshot current config").WithCause(err)
		}
		result.SnapshotID = meta.ID
	}

	if err := writeFileAtomic(e.cfg.ConfigPath, candidate); err != nil {
		return result, errors.NewInternalError("failed to write config").WithCause(err)
	}
	if e.fragments != nil {
		if err := e.fragments.Write(doc); err != nil {
			return result, errors.NewInternalError("failed to write config fragments").WithCause(err)
		}
		result.ConfDir = e.cfg.ConfDir
	}

	status := e.inspector.Inspect(ctx)
	controller := e.factory.ForMode(status.Mode)

	test, err := controller.Test(ctx, e.cfg.ConfigPath)
	if err != nil {
		e.restorePrevious(prev, prevExists)
		return result, errors.NewUnavailableError("config validation could not run").WithCause(err)
	}
	if !test.OK {
		// The runtime never saw the candidate; restoring bytes is enough.
		e.restorePrevious(prev, prevExists)
		return result, errors.NewValidationError("generated config failed validation", test.Output)
	}

	if method == MethodNone {
		return result, nil
	}

	if method == MethodHot {
		hotErr := controller.Reload(ctx)
		if hotErr == nil {
			hotErr = e.verifyRunning(ctx)
		}
		if hotErr == nil {
			e.logApplied(result, status.Mode)
			return result, nil
		}
		// The candidate stays in place: the fallback restart applies the
		// new config, it does not roll back.
		e.logger.Warnw("hot reload failed, falling back to restart", "error", hotErr)
		result.FallbackUsed = true
		result.EffectiveMethod = MethodRestart
	}

	if err := controller.Restart(ctx); err != nil {
		return e.recover(ctx, controller, result, prev, prevExists,
			errors.NewUnavailableError("data plane restart failed").WithCause(err))
	}
	if err := e.verifyRunning(ctx); err != nil {
		return e.recover(ctx, controller, result, prev, prevExists,
			errors.NewUnavailableError("data plane not healthy after apply").WithCause(err))
	}
	e.logApplied(result, status.Mode)
	return result, nil
}

// Rollback restores a snapshot's config and restarts. The live config is
// snapshotted first so a rollback is itself reversible.
func (e *Engine) Rollback(ctx context.Context, snapshotID string) (Result, error) {
	result := Result{
		RequestedMethod: MethodRestart,
		EffectiveMethod: MethodRestart,
		RolledBack:      true,
	}

	configBytes, _, err := e.store.Read(snapshotID)
	if err != nil {
		return result, errors.NewNotFoundError("snapshot not found").WithCause(err)
	}
	if prev, err := os.ReadFile(e.cfg.ConfigPath); err == nil {
		meta, err := e.store.Capture(prev, "before-rollback")
		if err != nil {
			return result, errors.NewInternalError("failed to snapshot current config").WithCause(err)
		}
		result.SnapshotID = meta.ID
	}
	if err := writeFileAtomic(e.cfg.ConfigPath, configBytes); err != nil {
		return result, errors.NewInternalError("failed to restore snapshot config").WithCause(err)
	}
	e.restoreFragments(configBytes)

	status := e.inspector.Inspect(ctx)
	controller := e.factory.ForMode(status.Mode)
	if err := controller.Restart(ctx); err != nil {
		return result, errors.NewUnavailableError("restart after rollback failed").WithCause(err)
	}
	if err := e.verifyRunning(ctx); err != nil {
		return result, errors.NewUnavailableError("data plane not running after rollback").WithCause(err)
	}
	e.logger.Infow("rolled back config", "snapshot", snapshotID)
	return result, nil
}

// Snapshots exposes the store for status and rollback endpoints.
func (e *Engine) Snapshots() *SnapshotStore { return e.store }

// readCurrent loads the live config bytes; a missing file is not an error.
func (e *Engine) readCurrent() ([]byte, bool, error) {
	prev, err := os.ReadFile(e.cfg.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.NewInternalError("failed to read current config").WithCause(err)
	}
	return prev, true, nil
}

// restorePrevious puts the prior bytes back after a rejected candidate.
// With no prior config the candidate is removed instead.
func (e *Engine) restorePrevious(prev []byte, prevExists bool) {
	if !prevExists {
		if err := os.Remove(e.cfg.ConfigPath); err != nil && !os.IsNotExist(err) {
			e.logger.Errorw("failed to remove rejected config", "error", err)
		}
		return
	}
	if err := writeFileAtomic(e.cfg.ConfigPath, prev); err != nil {
		e.logger.Errorw("failed to restore previous config", "error", err)
		return
	}
	e.restoreFragments(prev)
}

// restoreFragments re-splits restored config bytes so the confdir never
// disagrees with the canonical file.
func (e *Engine) restoreFragments(raw []byte) {
	if e.fragments == nil {
		return
	}
	var doc configgen.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		e.logger.Warnw("could not re-fragment restored config", "error", err)
		return
	}
	if err := e.fragments.Write(&doc); err != nil {
		e.logger.Warnw("failed to restore config fragments", "error", err)
	}
}

// recover restores the previous config and restarts after a failed
// activation. The original error always wins over recovery errors.
func (e *Engine) recover(ctx context.Context, controller runtime.Controller, result Result, prev []byte, prevExists bool, cause error) (Result, error) {
	e.logger.Errorw("apply failed, restoring previous config",
		"snapshot", result.SnapshotID, "error", cause)
	if !prevExists {
		return result, errors.NewUnavailableError("apply failed with no previous config to restore").WithCause(cause)
	}
	e.restorePrevious(prev, prevExists)
	result.RolledBack = true
	if err := controller.Restart(ctx); err != nil {
		e.logger.Errorw("restart after rollback failed", "error", err)
	}
	return result, cause
}

// verifyRunning polls the runtime until it reports running or attempts
// run out.
func (e *Engine) verifyRunning(ctx context.Context) error {
	attempts := e.cfg.VerifyAttempts
	if attempts <= 0 {
		attempts = 6
	}
	interval := time.Duration(e.cfg.VerifyIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}

	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(interval))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if status := e.inspector.Inspect(ctx); status.Running {
			return nil
		}
		return retry.RetryableError(fmt.Errorf("data plane not running yet"))
	})
}

func (e *Engine) logApplied(result Result, mode runtime.Mode) {
	e.logger.Infow("config applied",
		"requested", result.RequestedMethod,
		"effective", result.EffectiveMethod,
		"fallback_used", result.FallbackUsed,
		"snapshot", result.SnapshotID,
		"mode", mode)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
