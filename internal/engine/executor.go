package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sunshow/workgear/sessionstore/internal/db"
	"github.com/sunshow/workgear/sessionstore/internal/event"
	"github.com/sunshow/workgear/sessionstore/internal/operator"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// ExecutorOptions tunes the worker loop.
type ExecutorOptions struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	// Clock stamps session times and monitor schedules. Defaults to time.Now.
	Clock func() time.Time
}

func (o *ExecutorOptions) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Executor drives stored sessions: it promotes retry-waiting tasks, advances
// group tasks and runs READY tasks through the operator registry.
type Executor struct {
	db       *db.Client
	eventBus *event.Bus
	registry *operator.Registry
	logger   *zap.SugaredLogger
	workerID string
	opts     ExecutorOptions
}

// NewExecutor creates a new executor
func NewExecutor(
	dbClient *db.Client,
	eventBus *event.Bus,
	registry *operator.Registry,
	logger *zap.SugaredLogger,
	opts ExecutorOptions,
) *Executor {
	opts.setDefaults()
	return &Executor{
		db:       dbClient,
		eventBus: eventBus,
		registry: registry,
		logger:   logger,
		workerID: fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		opts:     opts,
	}
}

// WorkerID identifies this executor in logs.
func (e *Executor) WorkerID() string { return e.workerID }

// Run polls for work until ctx is canceled.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Infow("Starting worker loop", "worker_id", e.workerID)
	for {
		n, err := e.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			e.logger.Errorw("Worker tick failed", "worker_id", e.workerID, "error", err)
		}

		wait := e.opts.PollInterval
		if n > 0 && err == nil {
			wait = 0
		}
		select {
		case <-ctx.Done():
			e.logger.Infow("Worker loop stopped", "worker_id", e.workerID)
			return nil
		case <-time.After(wait):
		}
	}
	e.logger.Infow("Worker loop stopped", "worker_id", e.workerID)
	return nil
}

// Tick runs one pass over the store and returns how many tasks changed state.
func (e *Executor) Tick(ctx context.Context) (int, error) {
	retried, err := e.db.PromoteRetryWaiting(ctx)
	if err != nil {
		return 0, fmt.Errorf("promote retry waiting: %w", err)
	}
	if retried > 0 {
		e.logger.Debugw("Promoted retry-waiting tasks", "count", retried)
	}

	advanced, err := e.advanceGroups(ctx)
	if err != nil {
		return retried, err
	}

	ran, err := e.runReadyTasks(ctx)
	if err != nil {
		return retried + advanced, err
	}
	return retried + advanced + ran, nil
}

// runReadyTasks claims a batch of READY tasks and runs them concurrently.
func (e *Executor) runReadyTasks(ctx context.Context) (int, error) {
	ids, err := e.db.FindAllReadyTaskIDs(ctx, e.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find ready tasks: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	results := make([]bool, len(ids))
	for i, id := range ids {
		g.Go(func() error {
			changed, err := e.runTask(gctx, id)
			if err != nil {
				e.logger.Errorw("Task execution failed",
					"worker_id", e.workerID,
					"task_id", id,
					"error", err,
				)
			}
			results[i] = changed
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, changed := range results {
		if changed {
			count++
		}
	}
	return count, ctx.Err()
}

// claim is what runTask takes out of the lock.
type claim struct {
	task     *session.StoredTask
	canceled bool
}

// runTask moves one READY task to RUNNING (or CANCELED), runs its operator
// outside the lock and records the outcome.
func (e *Executor) runTask(ctx context.Context, id int64) (bool, error) {
	c, found, err := db.WithLockedTaskDetails(ctx, e.db, id, func(tc *db.TaskControl, task *session.StoredTask) (claim, error) {
		if tc.State() != session.StateReady {
			return claim{}, nil
		}
		if task.StateFlags.IsCancelRequested() {
			// drop any error left by an earlier attempt
			ok, err := tc.SetStateWithStateParamsUpdate(session.StateCanceled, task.StateParams.Remove(retryCountKey), nil)
			if err != nil || !ok {
				return claim{}, err
			}
			return claim{task: task, canceled: true}, nil
		}
		ok, err := tc.SetState(session.StateRunning)
		if err != nil || !ok {
			return claim{}, err
		}
		task.State = session.StateRunning
		return claim{task: task}, nil
	})
	if err != nil {
		return false, fmt.Errorf("lock task %d: %w", id, err)
	}
	if !found || c.task == nil {
		// gone, or claimed by another worker
		return false, nil
	}

	task := c.task
	if c.canceled {
		e.logger.Infow("Task canceled", "task_id", task.ID, "task", task.FullName)
		e.publishTaskEvent(task, event.TaskCanceled, session.StateCanceled, nil)
		e.promoteSiblings(ctx, task)
		return true, nil
	}

	e.logger.Infow("Running task",
		"worker_id", e.workerID,
		"task_id", task.ID,
		"task", task.FullName,
		"session_id", task.SessionID,
	)
	e.publishTaskEvent(task, event.TaskStarted, session.StateRunning, nil)

	out := e.execute(ctx, task)
	if err := e.recordOutcome(ctx, task, out); err != nil {
		return true, err
	}
	e.promoteSiblings(ctx, task)
	return true, nil
}

// promoteSiblings lets downstream tasks of a finished task start without
// waiting for the next group pass.
func (e *Executor) promoteSiblings(ctx context.Context, task *session.StoredTask) {
	if task.ParentID == nil {
		return
	}
	if _, err := e.db.PromoteBlockedChildren(ctx, *task.ParentID); err != nil {
		e.logger.Warnw("Failed to promote siblings", "task_id", task.ID, "parent_id", *task.ParentID, "error", err)
	}
}

// publishEvent is a helper to publish events through the event bus
func (e *Executor) publishEvent(evt *event.Event) {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Publish(evt)
}

func (e *Executor) publishTaskEvent(task *session.StoredTask, eventType string, state session.TaskStateCode, data map[string]any) {
	e.publishEvent(&event.Event{
		Type:      eventType,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		TaskName:  task.FullName,
		State:     state.String(),
		Data:      data,
	})
}
