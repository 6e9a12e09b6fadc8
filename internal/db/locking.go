package db

import (
	"context"
	"fmt"
	"time"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// TaskControl mutates one locked task. It is bound to the transaction that
// holds the lock and must not be used after the lock callback returns.
type TaskControl struct {
	q     *queries
	id    int64
	state session.TaskStateCode
}

func newTaskControl(q *queries, id int64, state session.TaskStateCode) *TaskControl {
	return &TaskControl{q: q, id: id, state: state}
}

// ID returns the locked task's id.
func (tc *TaskControl) ID() int64 { return tc.id }

// State returns the state the control last observed or wrote.
func (tc *TaskControl) State() session.TaskStateCode { return tc.state }

// SetState transitions the locked task. false means the stored state no
// longer matched.
func (tc *TaskControl) SetState(next session.TaskStateCode) (bool, error) {
	ok, err := tc.q.setState(tc.id, tc.state, next)
	if ok {
		tc.state = next
	}
	return ok, err
}

// SetStateWithRetry transitions the task and schedules its retry.
func (tc *TaskControl) SetStateWithRetry(next session.TaskStateCode, retryInterval time.Duration) (bool, error) {
	ok, err := tc.q.setStateWithRetry(tc.id, tc.state, next, retryInterval)
	if ok {
		tc.state = next
	}
	return ok, err
}

// SetStateWithSuccessDetails transitions the task and records its report and
// carry params. The error column is cleared.
func (tc *TaskControl) SetStateWithSuccessDetails(next session.TaskStateCode, stateParams config.Config, report session.TaskReport) (bool, error) {
	ok, err := tc.SetState(next)
	if !ok || err != nil {
		return ok, err
	}
	carry := report.CarryParams
	return true, tc.q.setStateDetails(tc.id, stateParams, &carry, nil, newReportDocument(report))
}

// SetStateWithErrorDetails transitions the task and records taskErr.
// retryInterval is optional; when set retry_at is scheduled too.
func (tc *TaskControl) SetStateWithErrorDetails(next session.TaskStateCode, stateParams config.Config, retryInterval *time.Duration, taskErr config.Config) (bool, error) {
	ok, err := tc.transition(next, retryInterval)
	if !ok || err != nil {
		return ok, err
	}
	return true, tc.q.setStateDetails(tc.id, stateParams, nil, &taskErr, nil)
}

// SetStateWithStateParamsUpdate transitions the task and replaces its state
// params, clearing the other details.
func (tc *TaskControl) SetStateWithStateParamsUpdate(next session.TaskStateCode, stateParams config.Config, retryInterval *time.Duration) (bool, error) {
	ok, err := tc.transition(next, retryInterval)
	if !ok || err != nil {
		return ok, err
	}
	return true, tc.q.setStateDetails(tc.id, stateParams, nil, nil, nil)
}

func (tc *TaskControl) transition(next session.TaskStateCode, retryInterval *time.Duration) (bool, error) {
	if retryInterval != nil {
		return tc.SetStateWithRetry(next, *retryInterval)
	}
	return tc.SetState(next)
}

// AddSubtask inserts a child of the locked task.
func (tc *TaskControl) AddSubtask(task session.Task) (int64, error) {
	parent := tc.id
	task.ParentID = &parent
	if task.SessionID == 0 {
		var sessionIDs []int64
		if err := tc.q.db.Raw(`SELECT session_id FROM tasks WHERE id = ?`, tc.id).Scan(&sessionIDs).Error; err != nil {
			return 0, fmt.Errorf("lookup session of task %d: %w", tc.id, err)
		}
		if len(sessionIDs) == 0 {
			return 0, databaseState("locked task id=%d is missing", tc.id)
		}
		task.SessionID = sessionIDs[0]
	}
	return tc.q.addSubtask(task)
}

// AddDependencies records dependency edges inside the lock's transaction.
func (tc *TaskControl) AddDependencies(downstream int64, upstreams []int64) error {
	return tc.q.addDependencies(downstream, upstreams)
}

// IsAnyProgressibleChild checks the locked task's children.
func (tc *TaskControl) IsAnyProgressibleChild() (bool, error) {
	return tc.q.isAnyProgressibleChild(tc.id)
}

// CollectChildrenErrors returns error documents of the locked task's children.
func (tc *TaskControl) CollectChildrenErrors() ([]config.Config, error) {
	return tc.q.collectChildrenErrors(tc.id)
}

// PromoteBlockedChildren promotes the locked task's unblocked children.
func (tc *TaskControl) PromoteBlockedChildren() (int, error) {
	return tc.q.promoteBlockedChildren(tc.id)
}

// CancelBlockedDescendants cancels the tasks under the locked task that never
// left BLOCKED. Used when a canceled group closes.
func (tc *TaskControl) CancelBlockedDescendants() (int, error) {
	return tc.q.cancelBlockedDescendants(tc.id)
}

// ─── Locks ───

func (q *queries) lockTask(query string, args ...any) (*summaryRow, error) {
	var rows []summaryRow
	if err := q.db.Raw(query+q.c.dialect.forUpdate(), args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// withLock is the shared lock primitive: begin, lock the row, run fn, commit.
// Any error or panic from fn rolls back. found is false when no row matched.
func withLock[T any](ctx context.Context, c *Client, withDetails bool, fn func(*TaskControl, *session.StoredTask) (T, error), query string, args ...any) (T, bool, error) {
	var (
		result T
		found  bool
	)
	err := c.transaction(ctx, func(q *queries) error {
		found = false
		summary, err := q.lockTask(query, args...)
		if err != nil || summary == nil {
			return err
		}

		var task *session.StoredTask
		if withDetails {
			task, err = q.getTaskByID(summary.ID)
			if err != nil {
				return err
			}
		}

		r, err := fn(newTaskControl(q, summary.ID, session.TaskStateCode(summary.State)), task)
		if err != nil {
			return err
		}
		result, found = r, true
		return nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return result, found, nil
}

const lockTaskQuery = `SELECT id, parent_id, state, updated_at FROM tasks WHERE id = ?`

const lockRootTaskQuery = `SELECT id, parent_id, state, updated_at FROM tasks WHERE session_id = ? AND parent_id IS NULL`

// WithLockedTask runs fn while holding the row lock of taskID. The bool is
// false when the task does not exist.
func WithLockedTask[T any](ctx context.Context, c *Client, taskID int64, fn func(tc *TaskControl) (T, error)) (T, bool, error) {
	return withLock(ctx, c, false, func(tc *TaskControl, _ *session.StoredTask) (T, error) {
		return fn(tc)
	}, lockTaskQuery, taskID)
}

// WithLockedTaskDetails is WithLockedTask that also hands fn the full task
// as read under the lock.
func WithLockedTaskDetails[T any](ctx context.Context, c *Client, taskID int64, fn func(tc *TaskControl, task *session.StoredTask) (T, error)) (T, bool, error) {
	return withLock(ctx, c, true, fn, lockTaskQuery, taskID)
}

// WithLockedRootTask locks the root task of sessionID.
func WithLockedRootTask[T any](ctx context.Context, c *Client, sessionID int64, fn func(tc *TaskControl, task *session.StoredTask) (T, error)) (T, bool, error) {
	return withLock(ctx, c, true, fn, lockRootTaskQuery, sessionID)
}
