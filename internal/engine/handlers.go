package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/db"
	"github.com/sunshow/workgear/sessionstore/internal/event"
	"github.com/sunshow/workgear/sessionstore/internal/operator"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// retryCountKey counts failed attempts in a task's state params.
const retryCountKey = "retry_count"

// ─── Task Execution ───

// outcome is the result of one operator run.
type outcome struct {
	operator string
	result   *operator.Result
	// carry is what the task's upstreams handed down
	carry config.Config
	err   error
}

func (e *Executor) execute(ctx context.Context, task *session.StoredTask) *outcome {
	out := &outcome{carry: config.New()}

	sess, err := e.db.GetSessionByID(ctx, task.SessionID)
	if err != nil {
		out.err = fmt.Errorf("load session: %w", err)
		return out
	}

	params, carry, err := e.buildParams(ctx, sess, task)
	if err != nil {
		out.err = err
		return out
	}
	out.carry = carry

	cfg, err := RenderConfig(task.LocalConfig, templateContext(params, task, sess))
	if err != nil {
		out.err = err
		return out
	}

	op, command, err := e.registry.Resolve(cfg)
	if err != nil {
		out.err = err
		return out
	}
	out.operator = op.Name()

	out.result, out.err = runOperator(ctx, op, &operator.Request{
		TaskID:      task.ID,
		SessionID:   task.SessionID,
		FullName:    task.FullName,
		Command:     command,
		Config:      cfg,
		Params:      params,
		StateParams: task.StateParams,
		Attempt:     task.StateParams.GetInt(retryCountKey, 0) + 1,
	})
	if out.err == nil && out.result == nil {
		out.result = &operator.Result{}
	}
	return out
}

// runOperator turns an operator panic into a task error.
func runOperator(ctx context.Context, op operator.Operator, req *operator.Request) (res *operator.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operator %s panicked: %v", op.Name(), r)
		}
	}()
	return op.Run(ctx, req)
}

// buildParams layers session params, the export params of the task and its
// ancestors (outermost first) and the carry params of the upstreams of the
// task and its ancestors.
func (e *Executor) buildParams(ctx context.Context, sess *session.StoredSession, task *session.StoredTask) (config.Config, config.Config, error) {
	relations, err := e.db.GetTaskRelations(ctx, task.SessionID)
	if err != nil {
		return config.Config{}, config.Config{}, fmt.Errorf("load task relations: %w", err)
	}
	byID := make(map[int64]session.TaskRelation, len(relations))
	for _, r := range relations {
		byID[r.ID] = r
	}

	chain := []int64{task.ID}
	for p := task.ParentID; p != nil; p = byID[*p].ParentID {
		chain = append(chain, *p)
		if len(chain) > len(relations)+1 {
			return config.Config{}, config.Config{}, fmt.Errorf("task %d: parent chain does not terminate", task.ID)
		}
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	exports, err := e.db.GetExportParams(ctx, chain)
	if err != nil {
		return config.Config{}, config.Config{}, fmt.Errorf("load export params: %w", err)
	}
	// upstreams of ancestors hand their carry down to every descendant
	var upstreams []int64
	for _, id := range chain {
		if id == task.ID {
			upstreams = append(upstreams, task.Upstreams...)
		} else {
			upstreams = append(upstreams, byID[id].Upstreams...)
		}
	}
	carries, err := e.db.GetCarryParams(ctx, upstreams)
	if err != nil {
		return config.Config{}, config.Config{}, fmt.Errorf("load carry params: %w", err)
	}

	params := sess.Params
	for _, ex := range exports {
		params = params.Merge(ex)
	}
	carry := config.New()
	for _, c := range carries {
		carry = carry.Merge(c)
	}
	return params.Merge(carry), carry, nil
}

// recordOutcome writes SUCCESS, RETRY_WAITING or ERROR for a RUNNING task.
func (e *Executor) recordOutcome(ctx context.Context, task *session.StoredTask, out *outcome) error {
	var (
		next      session.TaskStateCode
		eventType string
		data      map[string]any
	)

	ok, _, err := db.WithLockedTask(ctx, e.db, task.ID, func(tc *db.TaskControl) (bool, error) {
		if tc.State() != session.StateRunning {
			return false, nil
		}

		if out.err == nil {
			next, eventType = session.StateSuccess, event.TaskSucceeded
			stateParams := task.StateParams.Remove(retryCountKey).Merge(out.result.StateParams)
			return tc.SetStateWithSuccessDetails(next, stateParams, session.TaskReport{
				Outputs:     out.result.Outputs,
				CarryParams: out.carry.Merge(out.result.CarryParams),
			})
		}

		errCfg := config.New().Set("message", out.err.Error())
		if out.operator != "" {
			errCfg = errCfg.Set("operator", out.operator)
		}
		data = map[string]any{"error": out.err.Error()}

		retries := task.StateParams.GetInt(retryCountKey, 0)
		interval, retry := retryPolicy(task.LocalConfig, retries, out.err)
		if !retry {
			next, eventType = session.StateError, event.TaskFailed
			return tc.SetStateWithErrorDetails(next, task.StateParams, nil, errCfg)
		}

		next, eventType = session.StateRetryWaiting, event.TaskRetrying
		data["retry_in"] = interval.String()
		stateParams := task.StateParams.Set(retryCountKey, retries+1)
		return tc.SetStateWithErrorDetails(next, stateParams, &interval, errCfg)
	})
	if err != nil {
		return fmt.Errorf("record outcome of task %d: %w", task.ID, err)
	}
	if !ok {
		e.logger.Warnw("Task left RUNNING before its outcome was recorded", "task_id", task.ID)
		return nil
	}

	if out.err != nil {
		e.logger.Warnw("Task failed",
			"task_id", task.ID,
			"task", task.FullName,
			"state", next.String(),
			"error", out.err,
		)
	} else {
		e.logger.Infow("Task succeeded", "task_id", task.ID, "task", task.FullName)
	}
	e.publishTaskEvent(task, eventType, next, data)
	return nil
}

// retryPolicy decides whether a failed attempt is retried and after how long.
// A RetryableError always retries; other errors retry while the task's
// _retry limit allows.
func retryPolicy(cfg config.Config, retries int, err error) (time.Duration, bool) {
	if re, ok := operator.AsRetryable(err); ok {
		return re.Interval, true
	}
	if retries >= cfg.GetInt(retryLimitKey, 0) {
		return 0, false
	}
	return configDuration(cfg, retryIntervalKey, 0), true
}

// configDuration reads a Go duration string or a number of seconds.
func configDuration(cfg config.Config, key string, def time.Duration) time.Duration {
	s := cfg.GetString(key, "")
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second))
	}
	return def
}

// ─── Group Advancement ───

// advanceGroups walks every PLANNED task, promotes its children and closes
// groups that can no longer progress.
func (e *Executor) advanceGroups(ctx context.Context) (int, error) {
	var (
		lastID int64
		total  int
	)
	for {
		planned, err := e.db.FindTasksByState(ctx, session.StatePlanned, lastID, e.opts.BatchSize)
		if err != nil {
			return total, fmt.Errorf("find planned tasks: %w", err)
		}
		for _, t := range planned {
			lastID = t.ID
			n, err := e.advanceGroup(ctx, t.ID)
			if err != nil {
				e.logger.Errorw("Failed to advance group", "task_id", t.ID, "error", err)
				continue
			}
			total += n
		}
		if len(planned) < e.opts.BatchSize {
			return total, nil
		}
	}
}

type groupStep struct {
	promoted int
	stalled  bool
}

func (e *Executor) advanceGroup(ctx context.Context, id int64) (int, error) {
	step, _, err := db.WithLockedTask(ctx, e.db, id, func(tc *db.TaskControl) (groupStep, error) {
		if tc.State() != session.StatePlanned {
			return groupStep{}, nil
		}
		n, err := tc.PromoteBlockedChildren()
		if err != nil || n > 0 {
			return groupStep{promoted: n}, err
		}
		progressible, err := tc.IsAnyProgressibleChild()
		return groupStep{stalled: !progressible}, err
	})
	if err != nil {
		return 0, err
	}
	if !step.stalled {
		return step.promoted, nil
	}
	finished, err := e.finishGroup(ctx, id)
	if err != nil || !finished {
		return 0, err
	}
	return 1, nil
}

// finishGroup closes a PLANNED task none of whose children can progress:
// GROUP_ERROR when a child failed, CANCELED when cancel was requested,
// otherwise SUCCESS carrying the children's carry params.
func (e *Executor) finishGroup(ctx context.Context, id int64) (bool, error) {
	task, err := e.db.GetTaskByID(ctx, id)
	if err != nil {
		return false, err
	}
	carry, err := e.childrenCarry(ctx, task)
	if err != nil {
		return false, err
	}

	var next session.TaskStateCode
	ok, _, err := db.WithLockedTaskDetails(ctx, e.db, id, func(tc *db.TaskControl, t *session.StoredTask) (bool, error) {
		if tc.State() != session.StatePlanned {
			return false, nil
		}
		// children may have been added since the check above
		progressible, err := tc.IsAnyProgressibleChild()
		if err != nil || progressible {
			return false, err
		}

		childErrors, err := tc.CollectChildrenErrors()
		if err != nil {
			return false, err
		}
		switch {
		case len(childErrors) > 0:
			next = session.StateGroupError
			errCfg := config.New().
				Set("message", fmt.Sprintf("%d child task(s) failed", len(childErrors))).
				Set("children", childErrors)
			return tc.SetStateWithErrorDetails(next, t.StateParams, nil, errCfg)
		case t.StateFlags.IsCancelRequested():
			next = session.StateCanceled
			ok, err := tc.SetState(next)
			if err != nil || !ok {
				return ok, err
			}
			if _, err := tc.CancelBlockedDescendants(); err != nil {
				return false, err
			}
			return true, nil
		default:
			next = session.StateSuccess
			return tc.SetStateWithSuccessDetails(next, t.StateParams, session.TaskReport{CarryParams: carry})
		}
	})
	if err != nil || !ok {
		return false, err
	}

	e.logger.Infow("Group finished", "task_id", task.ID, "task", task.FullName, "state", next.String())
	e.publishTaskEvent(task, event.GroupFinished, next, nil)
	if task.IsRoot() {
		e.publishEvent(&event.Event{
			Type:      event.SessionFinished,
			SessionID: task.SessionID,
			TaskID:    task.ID,
			State:     next.String(),
		})
	} else {
		e.promoteSiblings(ctx, task)
	}
	return true, nil
}

// childrenCarry merges the carry params of a task's children in id order.
func (e *Executor) childrenCarry(ctx context.Context, task *session.StoredTask) (config.Config, error) {
	relations, err := e.db.GetTaskRelations(ctx, task.SessionID)
	if err != nil {
		return config.Config{}, fmt.Errorf("load task relations: %w", err)
	}
	var children []int64
	for _, r := range relations {
		if r.ParentID != nil && *r.ParentID == task.ID {
			children = append(children, r.ID)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })

	carries, err := e.db.GetCarryParams(ctx, children)
	if err != nil {
		return config.Config{}, fmt.Errorf("load carry params: %w", err)
	}
	merged := config.New()
	for _, c := range carries {
		merged = merged.Merge(c)
	}
	return merged, nil
}
