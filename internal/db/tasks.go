package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// ─── Task Insertion ───

func (q *queries) insertTask(task session.Task) (int64, error) {
	local, err := configColumn(task.LocalConfig)
	if err != nil {
		return 0, fmt.Errorf("encode local config: %w", err)
	}
	export, err := configColumn(task.ExportConfig)
	if err != nil {
		return 0, fmt.Errorf("encode export config: %w", err)
	}

	t := TaskModel{
		SessionID: task.SessionID,
		ParentID:  task.ParentID,
		TaskType:  int(task.TaskType),
		State:     int16(task.State),
		UpdatedAt: q.c.now(),
	}
	if err := q.db.Create(&t).Error; err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	if err := q.db.Create(&TaskDetailModel{
		ID:           t.ID,
		FullName:     task.FullName,
		LocalConfig:  local,
		ExportConfig: export,
	}).Error; err != nil {
		return 0, fmt.Errorf("insert task details: %w", err)
	}
	if err := q.db.Create(&TaskStateDetailModel{ID: t.ID}).Error; err != nil {
		return 0, fmt.Errorf("insert task state details: %w", err)
	}
	return t.ID, nil
}

func (q *queries) addRootTask(task session.Task) (*session.StoredTask, error) {
	var existing []int64
	if err := q.db.Raw(`
		SELECT id FROM tasks WHERE session_id = ? AND parent_id IS NULL LIMIT 1
	`, task.SessionID).Scan(&existing).Error; err != nil {
		return nil, fmt.Errorf("check root task: %w", err)
	}
	if len(existing) > 0 {
		return nil, conflict(nil, "root task of session id=%d", task.SessionID)
	}

	task.ParentID = nil
	id, err := q.insertTask(task)
	if err != nil {
		return nil, err
	}
	stored, err := q.getTaskByID(id)
	if errors.Is(err, ErrNotFound) {
		return nil, databaseState("task id=%d is not found after insert", id)
	}
	return stored, err
}

func (q *queries) addSubtask(task session.Task) (int64, error) {
	if task.ParentID == nil {
		return 0, fmt.Errorf("add subtask %q: parent id is required", task.FullName)
	}
	return q.insertTask(task)
}

func (q *queries) addDependencies(downstream int64, upstreams []int64) error {
	if len(upstreams) == 0 {
		return nil
	}
	deps := make([]TaskDependencyModel, len(upstreams))
	for i, up := range upstreams {
		deps[i] = TaskDependencyModel{UpstreamID: up, DownstreamID: downstream}
	}
	if err := q.db.Create(&deps).Error; err != nil {
		return fmt.Errorf("insert task dependencies: %w", err)
	}
	return nil
}

// AddRootTask inserts the root task of a session and hands it to fn while
// the insert transaction is still open. fn may be nil.
func (c *Client) AddRootTask(ctx context.Context, task session.Task, fn func(tc *TaskControl, stored *session.StoredTask) error) (*session.StoredTask, error) {
	var stored *session.StoredTask
	err := c.transaction(ctx, func(q *queries) error {
		var err error
		stored, err = q.addRootTask(task)
		if err != nil {
			return err
		}
		if fn != nil {
			return fn(newTaskControl(q, stored.ID, stored.State), stored)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add root task: %w", err)
	}
	return stored, nil
}

// AddSubtask inserts a task under an existing parent.
func (c *Client) AddSubtask(ctx context.Context, task session.Task) (int64, error) {
	var id int64
	err := c.transaction(ctx, func(q *queries) error {
		var err error
		id, err = q.addSubtask(task)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("add subtask: %w", err)
	}
	return id, nil
}

// AddDependencies records that downstream waits for every task in upstreams.
func (c *Client) AddDependencies(ctx context.Context, downstream int64, upstreams []int64) error {
	return c.transaction(ctx, func(q *queries) error {
		return q.addDependencies(downstream, upstreams)
	})
}

// InsertDependency records a single upstream → downstream edge.
func (c *Client) InsertDependency(ctx context.Context, downstream, upstream int64) error {
	return c.withRetry(ctx, func() error {
		return c.queries(ctx).addDependencies(downstream, []int64{upstream})
	})
}

// ─── Task Queries ───

func (q *queries) selectTaskDetails() string {
	return `
		SELECT t.id, t.session_id, s.site_id, t.parent_id, t.task_type, t.state, t.state_flags,
		       t.retry_at, t.updated_at,
		       td.full_name, td.local_config, td.export_config,
		       ts.state_params, ts.carry_params, ts.error, ts.report,
		       (SELECT ` + q.c.dialect.groupConcat("upstream_id") + ` FROM task_dependencies
		        WHERE downstream_id = t.id) AS upstream_ids
		FROM tasks t
		JOIN sessions s ON s.id = t.session_id
		JOIN task_details td ON td.id = t.id
		JOIN task_state_details ts ON ts.id = t.id`
}

func (q *queries) getTaskByID(id int64) (*session.StoredTask, error) {
	var rows []taskRow
	if err := q.db.Raw(q.selectTaskDetails()+` WHERE t.id = ?`, id).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if len(rows) == 0 {
		return nil, notFound("task id=%d", id)
	}
	return rows[0].toStoredTask()
}

func toStoredTasks(rows []taskRow) ([]*session.StoredTask, error) {
	tasks := make([]*session.StoredTask, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toStoredTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// GetTaskByID returns the joined view of a task.
func (c *Client) GetTaskByID(ctx context.Context, id int64) (*session.StoredTask, error) {
	return c.queries(ctx).getTaskByID(id)
}

// GetTaskRelations returns parent and upstream ids of every task in a session.
func (c *Client) GetTaskRelations(ctx context.Context, sessionID int64) ([]session.TaskRelation, error) {
	var rows []relationRow
	err := c.db.WithContext(ctx).Raw(`
		SELECT t.id, t.parent_id,
		       (SELECT `+c.dialect.groupConcat("upstream_id")+` FROM task_dependencies
		        WHERE downstream_id = t.id) AS upstream_ids
		FROM tasks t
		WHERE t.session_id = ?
		ORDER BY t.id
	`, sessionID).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get task relations: %w", err)
	}
	relations := make([]session.TaskRelation, len(rows))
	for i := range rows {
		relations[i] = rows[i].toRelation()
	}
	return relations, nil
}

// FindAllReadyTaskIDs returns up to limit READY task ids, oldest change first.
func (c *Client) FindAllReadyTaskIDs(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	err := c.db.WithContext(ctx).Raw(`
		SELECT id FROM tasks
		WHERE state = `+stateLiteral(session.StateReady)+`
		ORDER BY updated_at, id
		LIMIT ?
	`, limit).Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("find ready tasks: %w", err)
	}
	return ids, nil
}

// FindRecentlyChangedTasks pages through tasks changed at or after
// updatedSince in (updated_at, id) order. Pass the last row's UpdatedAt and
// ID to fetch the next page.
func (c *Client) FindRecentlyChangedTasks(ctx context.Context, updatedSince time.Time, lastID int64, limit int) ([]session.TaskStateSummary, error) {
	since := updatedSince.UTC()
	var rows []summaryRow
	err := c.db.WithContext(ctx).Raw(`
		SELECT id, parent_id, state, updated_at
		FROM tasks
		WHERE updated_at > ?
		OR (updated_at = ? AND id > ?)
		ORDER BY updated_at ASC, id ASC
		LIMIT ?
	`, since, since, lastID, limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find recently changed tasks: %w", err)
	}
	return toSummaries(rows), nil
}

// FindTasksByState pages through tasks in one state in id order.
func (c *Client) FindTasksByState(ctx context.Context, state session.TaskStateCode, lastID int64, limit int) ([]session.TaskStateSummary, error) {
	var rows []summaryRow
	err := c.db.WithContext(ctx).Raw(`
		SELECT id, parent_id, state, updated_at
		FROM tasks
		WHERE state = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, int16(state), lastID, limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find tasks by state: %w", err)
	}
	return toSummaries(rows), nil
}

func toSummaries(rows []summaryRow) []session.TaskStateSummary {
	out := make([]session.TaskStateSummary, len(rows))
	for i := range rows {
		out[i] = rows[i].toSummary()
	}
	return out
}

// ─── State Transitions ───

// setState is the compare-and-set primitive. A false result with a nil error
// means another writer moved the task first.
func (q *queries) setState(id int64, expected, to session.TaskStateCode) (bool, error) {
	if err := session.CheckTransition(expected, to); err != nil {
		return false, fmt.Errorf("task id=%d: %w", id, err)
	}
	res := q.db.Exec(`
		UPDATE tasks SET updated_at = ?, state = ?
		WHERE id = ? AND state = ?
	`, q.c.now(), int16(to), id, int16(expected))
	if res.Error != nil {
		return false, fmt.Errorf("set task state: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (q *queries) setStateWithRetry(id int64, expected, to session.TaskStateCode, retryInterval time.Duration) (bool, error) {
	if err := session.CheckTransition(expected, to); err != nil {
		return false, fmt.Errorf("task id=%d: %w", id, err)
	}
	now := q.c.now()
	res := q.db.Exec(`
		UPDATE tasks SET updated_at = ?, state = ?, retry_at = ?
		WHERE id = ? AND state = ?
	`, now, int16(to), now.Add(retryInterval), id, int16(expected))
	if res.Error != nil {
		return false, fmt.Errorf("set task state with retry: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// setStateDetails overwrites every state detail column; nil clears one.
func (q *queries) setStateDetails(id int64, stateParams config.Config, carryParams, taskErr *config.Config, report *reportDocument) error {
	sp, err := configColumn(stateParams)
	if err != nil {
		return fmt.Errorf("encode state params: %w", err)
	}
	cp, err := optionalConfigColumn(carryParams)
	if err != nil {
		return fmt.Errorf("encode carry params: %w", err)
	}
	te, err := optionalConfigColumn(taskErr)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	var rep *string
	if report != nil {
		r, err := encodeReport(report)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		rep = &r
	}

	res := q.db.Exec(`
		UPDATE task_state_details
		SET state_params = ?, carry_params = ?, error = ?, report = ?
		WHERE id = ?
	`, sp, cp, te, rep, id)
	if res.Error != nil {
		return fmt.Errorf("set task state details: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return databaseState("task_state_details id=%d is missing", id)
	}
	return nil
}

// SetState moves a task from expected to next if it is still in expected.
func (c *Client) SetState(ctx context.Context, id int64, expected, next session.TaskStateCode) (bool, error) {
	var ok bool
	err := c.withRetry(ctx, func() error {
		var err error
		ok, err = c.queries(ctx).setState(id, expected, next)
		return err
	})
	return ok, err
}

// SetStateWithRetry is SetState that also schedules retry_at = now + interval.
func (c *Client) SetStateWithRetry(ctx context.Context, id int64, expected, next session.TaskStateCode, interval time.Duration) (bool, error) {
	var ok bool
	err := c.withRetry(ctx, func() error {
		var err error
		ok, err = c.queries(ctx).setStateWithRetry(id, expected, next, interval)
		return err
	})
	return ok, err
}

// RequestCancelSession flags every unfinished task of the session for
// cancellation. Flags are never cleared, and tasks promoted later keep them.
func (c *Client) RequestCancelSession(ctx context.Context, sessionID int64) (bool, error) {
	var n int64
	err := c.withRetry(ctx, func() error {
		res := c.db.WithContext(ctx).Exec(`
			UPDATE tasks
			SET state_flags = `+c.dialect.bitOr("state_flags", strconv.Itoa(int(session.CancelRequested)))+`
			WHERE session_id = ?
			AND state IN `+stateList(session.NotDoneStates()),
			sessionID)
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return false, fmt.Errorf("request cancel session: %w", err)
	}
	if n > 0 {
		c.logger.Infow("Session cancel requested", "session_id", sessionID, "tasks", n)
	}
	return n > 0, nil
}

func (q *queries) collectChildrenErrors(parentID int64) ([]config.Config, error) {
	var raw []string
	err := q.db.Raw(`
		SELECT ts.error FROM tasks t
		JOIN task_state_details ts ON t.id = ts.id
		WHERE t.parent_id = ? AND ts.error IS NOT NULL
		ORDER BY t.id
	`, parentID).Scan(&raw).Error
	if err != nil {
		return nil, fmt.Errorf("collect children errors: %w", err)
	}
	errs := make([]config.Config, 0, len(raw))
	for _, r := range raw {
		c, err := config.Parse([]byte(r))
		if err != nil {
			return nil, fmt.Errorf("collect children errors: %w", err)
		}
		errs = append(errs, c)
	}
	return errs, nil
}

// CollectChildrenErrors returns the recorded error documents of a task's
// direct children.
func (c *Client) CollectChildrenErrors(ctx context.Context, parentID int64) ([]config.Config, error) {
	return c.queries(ctx).collectChildrenErrors(parentID)
}

// GetExportParams returns export configs in the order of ids. Unknown ids
// are skipped.
func (c *Client) GetExportParams(ctx context.Context, ids []int64) ([]config.Config, error) {
	return c.getIDConfigs(ctx, "SELECT id, export_config AS config FROM task_details WHERE id IN ?", ids)
}

// GetCarryParams returns carry params in the order of ids. Unknown ids are
// skipped.
func (c *Client) GetCarryParams(ctx context.Context, ids []int64) ([]config.Config, error) {
	return c.getIDConfigs(ctx, "SELECT id, carry_params AS config FROM task_state_details WHERE id IN ?", ids)
}

func (c *Client) getIDConfigs(ctx context.Context, query string, ids []int64) ([]config.Config, error) {
	if len(ids) == 0 {
		return []config.Config{}, nil
	}
	var rows []idConfigRow
	if err := c.db.WithContext(ctx).Raw(query, ids).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("get task configs: %w", err)
	}
	byID := make(map[int64]config.Config, len(rows))
	for _, r := range rows {
		cfg, err := parseConfigColumn(r.Config)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", r.ID, err)
		}
		byID[r.ID] = cfg
	}
	out := make([]config.Config, 0, len(ids))
	for _, id := range ids {
		if cfg, ok := byID[id]; ok {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func optionalConfigColumn(c *config.Config) (*string, error) {
	if c == nil {
		return nil, nil
	}
	s, err := configColumn(*c)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
