package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// ─── Session Monitors ───

// MonitorFunc handles one due monitor. It returns the next run time, or nil
// to delete the monitor.
type MonitorFunc func(monitor *session.StoredSessionMonitor) (*time.Time, error)

func (q *queries) addMonitors(sessionID int64, monitors []session.SessionMonitor) error {
	if len(monitors) == 0 {
		return nil
	}
	now := q.c.now()
	models := make([]SessionMonitorModel, len(monitors))
	for i, m := range monitors {
		cfg, err := configColumn(m.Config)
		if err != nil {
			return fmt.Errorf("encode monitor config: %w", err)
		}
		models[i] = SessionMonitorModel{
			SessionID:   sessionID,
			Config:      cfg,
			NextRunTime: m.NextRunTime.Unix(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	if err := q.db.Create(&models).Error; err != nil {
		return fmt.Errorf("insert session monitors: %w", err)
	}
	return nil
}

// AddMonitors attaches monitors to an existing session.
func (c *Client) AddMonitors(ctx context.Context, sessionID int64, monitors []session.SessionMonitor) error {
	return c.transaction(ctx, func(q *queries) error {
		return q.addMonitors(sessionID, monitors)
	})
}

// LockDueMonitors locks up to limit monitors whose next run time is at or
// before now and calls fn for each one in the same transaction. A monitor
// whose callback fails or panics is left untouched; the others are still
// rescheduled or deleted and committed. Callback failures are returned
// together once the batch is done.
func (c *Client) LockDueMonitors(ctx context.Context, now time.Time, limit int, fn MonitorFunc) error {
	var callbackErrs error
	err := c.transaction(ctx, func(q *queries) error {
		callbackErrs = nil

		var rows []SessionMonitorModel
		err := q.db.Raw(`
			SELECT id, session_id, config, next_run_time, created_at, updated_at
			FROM session_monitors
			WHERE next_run_time <= ?
			ORDER BY next_run_time, id
			LIMIT ?`+c.dialect.forUpdate(),
			now.Unix(), limit).Scan(&rows).Error
		if err != nil {
			return fmt.Errorf("lock due monitors: %w", err)
		}

		for i := range rows {
			monitor, err := toStoredMonitor(&rows[i])
			if err != nil {
				callbackErrs = multierr.Append(callbackErrs, err)
				continue
			}

			next, err := runMonitor(fn, monitor)
			if err != nil {
				callbackErrs = multierr.Append(callbackErrs, fmt.Errorf("session monitor id=%d: %w", monitor.ID, err))
				continue
			}

			if next != nil {
				err = q.db.Exec(`
					UPDATE session_monitors SET next_run_time = ?, updated_at = ?
					WHERE id = ?
				`, next.Unix(), c.now(), monitor.ID).Error
			} else {
				err = q.db.Exec(`DELETE FROM session_monitors WHERE id = ?`, monitor.ID).Error
			}
			if err != nil {
				return fmt.Errorf("update session monitor %d: %w", monitor.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return multierr.Append(err, callbackErrs)
	}
	return callbackErrs
}

func runMonitor(fn MonitorFunc, monitor *session.StoredSessionMonitor) (next *time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor panicked: %v", r)
		}
	}()
	return fn(monitor)
}
