// Package scheduler provides unified scheduler management using gocron v2.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"oneui/internal/shared/logger"
)

// TickJob is one scheduled unit of work.
type TickJob interface {
	Tick(ctx context.Context) error
}

// TickFunc adapts a plain function to TickJob.
type TickFunc func(ctx context.Context) error

func (f TickFunc) Tick(ctx context.Context) error { return f(ctx) }

// Manager owns the single gocron scheduler behind every periodic job:
// stats collection, presence refresh, the lifecycle sweep, and the
// periodic full reconcile.
type Manager struct {
	scheduler gocron.Scheduler
	logger    logger.Interface

	started   bool
	startedMu sync.RWMutex
}

func NewManager(log logger.Interface) (*Manager, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, err
	}
	return &Manager{
		scheduler: scheduler,
		logger:    log.Named("scheduler"),
	}, nil
}

// RegisterCollectorJob drives the stats collector at its sampling
// interval. Singleton mode keeps a slow pass from overlapping the next.
func (m *Manager) RegisterCollectorJob(job TickJob, interval time.Duration) error {
	return m.register("stats-collector", job, interval, []string{"stats", "collector"}, true)
}

// RegisterPresenceJob keeps the online snapshot warm so stream clients
// never pay the refresh cost.
func (m *Manager) RegisterPresenceJob(job TickJob, interval time.Duration) error {
	return m.register("presence-refresh", job, interval, []string{"online", "presence"}, true)
}

// RegisterLifecycleJob runs the quota and expiry sweep.
func (m *Manager) RegisterLifecycleJob(job TickJob, interval time.Duration) error {
	return m.register("lifecycle-sweep", job, interval, []string{"lifecycle", "quota", "expiry"}, true)
}

// RegisterReconcileJob schedules the periodic full reconcile that catches
// drift the event-driven queue missed.
func (m *Manager) RegisterReconcileJob(job TickJob, interval time.Duration) error {
	return m.register("full-reconcile", job, interval, []string{"reconcile"}, false)
}

func (m *Manager) register(name string, job TickJob, interval time.Duration, tags []string, immediate bool) error {
	opts := []gocron.JobOption{
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags(tags...),
		gocron.WithName(name),
	}
	if immediate {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	_, err := m.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			start := time.Now()
			if err := job.Tick(ctx); err != nil {
				m.logger.Errorw("scheduled job failed",
					"job", name, "error", err, "duration", time.Since(start))
				return
			}
			m.logger.Debugw("scheduled job completed",
				"job", name, "duration", time.Since(start))
		}),
		opts...,
	)
	if err != nil {
		return err
	}
	m.logger.Infow("registered scheduled job", "job", name, "interval", interval)
	return nil
}

// Start begins executing registered jobs. Idempotent.
func (m *Manager) Start() {
	m.startedMu.Lock()
	defer m.startedMu.Unlock()
	if m.started {
		return
	}
	m.scheduler.Start()
	m.started = true
	m.logger.Infow("scheduler started", "jobs", len(m.scheduler.Jobs()))
}

// Shutdown stops the scheduler and waits for running jobs.
func (m *Manager) Shutdown() error {
	m.startedMu.Lock()
	defer m.startedMu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	return m.scheduler.Shutdown()
}
