package db

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// ─── Dependency Resolution ───

// blockedByUpstream matches a task (aliased tasks) that has at least one
// upstream not yet in a can-run-downstream state.
func (q *queries) blockedByUpstream() string {
	return `EXISTS (
			SELECT * FROM tasks up
			JOIN task_dependencies dep ON up.id = dep.upstream_id
			WHERE dep.downstream_id = tasks.id
			AND up.state NOT IN ` + stateList(q.c.canRunDownstream) + `
		)`
}

func (q *queries) isAnyProgressibleChild(parentID int64) (bool, error) {
	var ids []int64
	err := q.db.Raw(`
		SELECT id FROM tasks
		WHERE parent_id = ?
		AND (
			state IN `+stateList(session.ProgressingStates())+`
			OR (state = `+stateLiteral(session.StateBlocked)+` AND NOT `+q.blockedByUpstream()+`)
		)
		LIMIT 1
	`, parentID).Scan(&ids).Error
	if err != nil {
		return false, fmt.Errorf("find progressible child: %w", err)
	}
	return len(ids) > 0, nil
}

// promoteBlockedChildren moves every unblocked BLOCKED child of parentID in
// one statement: grouping-only tasks become PLANNED, cancel-requested tasks
// become CANCELED and the rest become READY. Nothing moves unless the parent
// itself can run children.
func (q *queries) promoteBlockedChildren(parentID int64) (int, error) {
	res := q.db.Exec(`
		UPDATE tasks
		SET updated_at = ?, state = CASE
			WHEN task_type = `+strconv.Itoa(int(session.TaskTypeGroupingOnly))+` THEN `+stateLiteral(session.StatePlanned)+`
			WHEN `+q.c.dialect.bitAnd("state_flags", strconv.Itoa(int(session.CancelRequested)))+` != 0 THEN `+stateLiteral(session.StateCanceled)+`
			ELSE `+stateLiteral(session.StateReady)+`
		END
		WHERE state = `+stateLiteral(session.StateBlocked)+`
		AND parent_id = ?
		AND EXISTS (
			SELECT * FROM tasks pt
			WHERE pt.id = tasks.parent_id
			AND pt.state IN `+stateList(session.CanRunChildrenStates())+`
		)
		AND NOT `+q.blockedByUpstream(),
		q.c.now(), parentID)
	if res.Error != nil {
		return 0, fmt.Errorf("promote blocked children: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (q *queries) promoteRetryWaiting() (int, error) {
	query := `
		UPDATE tasks SET updated_at = ?, state = ` + stateLiteral(session.StateReady) + `
		WHERE state IN ` + stateList([]session.TaskStateCode{session.StateRetryWaiting, session.StateGroupRetryWaiting})
	now := q.c.now()
	args := []any{now}
	if !q.c.unconditionalRetrySweep {
		query += ` AND (retry_at IS NULL OR retry_at <= ?)`
		args = append(args, now)
	}
	res := q.db.Exec(query, args...)
	if res.Error != nil {
		return 0, fmt.Errorf("promote retry waiting: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// cancelBlockedDescendants moves every BLOCKED task under parentID, at any
// depth below BLOCKED groups, to CANCELED.
func (q *queries) cancelBlockedDescendants(parentID int64) (int, error) {
	total := 0
	parents := []int64{parentID}
	for len(parents) > 0 {
		var ids []int64
		err := q.db.Raw(`
			SELECT id FROM tasks
			WHERE parent_id IN ? AND state = `+stateLiteral(session.StateBlocked)+`
			ORDER BY id
		`, parents).Scan(&ids).Error
		if err != nil {
			return total, fmt.Errorf("find blocked descendants: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		res := q.db.Exec(`
			UPDATE tasks SET updated_at = ?, state = `+stateLiteral(session.StateCanceled)+`
			WHERE id IN ? AND state = `+stateLiteral(session.StateBlocked),
			q.c.now(), ids)
		if res.Error != nil {
			return total, fmt.Errorf("cancel blocked descendants: %w", res.Error)
		}
		total += int(res.RowsAffected)
		parents = ids
	}
	return total, nil
}

// IsAnyProgressibleChild reports whether a child of parentID is progressing
// or is BLOCKED with every upstream able to run its downstreams.
func (c *Client) IsAnyProgressibleChild(ctx context.Context, parentID int64) (bool, error) {
	return c.queries(ctx).isAnyProgressibleChild(parentID)
}

// PromoteBlockedChildren promotes the unblocked BLOCKED children of parentID
// and returns how many rows moved.
func (c *Client) PromoteBlockedChildren(ctx context.Context, parentID int64) (int, error) {
	var n int
	err := c.withRetry(ctx, func() error {
		var err error
		n, err = c.queries(ctx).promoteBlockedChildren(parentID)
		return err
	})
	return n, err
}

// PromoteRetryWaiting moves RETRY_WAITING and GROUP_RETRY_WAITING tasks back
// to READY once their retry_at has passed.
func (c *Client) PromoteRetryWaiting(ctx context.Context) (int, error) {
	var n int
	err := c.withRetry(ctx, func() error {
		var err error
		n, err = c.queries(ctx).promoteRetryWaiting()
		return err
	})
	if n > 0 {
		c.logger.Debugw("Retry waiting tasks promoted", "count", n)
	}
	return n, err
}
