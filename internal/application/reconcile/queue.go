package reconcile

import (
	"context"
	"time"

	"oneui/internal/shared/goroutine"
	"oneui/internal/shared/logger"
	"oneui/internal/xray/apply"
)

// reconcileFunc is what the queue drives, satisfied by Reconciler.Reconcile.
type reconcileFunc func(ctx context.Context) (apply.Result, error)

// Queue coalesces dirty marks into reconcile passes. Marks arriving while
// a pass runs or during the debounce window fold into the next pass, so a
// burst of changes costs one apply.
type Queue struct {
	reconcile reconcileFunc
	debounce  time.Duration
	dirty     chan struct{}
	logger    logger.Interface
}

func NewQueue(reconcile reconcileFunc, debounce time.Duration, log logger.Interface) *Queue {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Queue{
		reconcile: reconcile,
		debounce:  debounce,
		dirty:     make(chan struct{}, 1),
		logger:    log.Named("reconcile"),
	}
}

// MarkDirty schedules a reconcile pass. Never blocks; redundant marks
// collapse.
func (q *Queue) MarkDirty() {
	select {
	case q.dirty <- struct{}{}:
	default:
	}
}

// Start launches the queue loop until the context is canceled.
func (q *Queue) Start(ctx context.Context) {
	goroutine.SafeGo(q.logger, "reconcile-queue", func() {
		q.run(ctx)
	})
}

func (q *Queue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.dirty:
		}

		// Debounce: let the burst finish before applying.
		timer := time.NewTimer(q.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		// Drain marks accumulated during the window; this pass covers them.
		select {
		case <-q.dirty:
		default:
		}

		if _, err := q.reconcile(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Errorw("reconcile pass failed, will retry on next change", "error", err)
		}
	}
}
