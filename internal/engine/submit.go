package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/db"
	"github.com/sunshow/workgear/sessionstore/internal/event"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// ─── Session Lifecycle ───

// SubmitRequest describes one run of a definition.
type SubmitRequest struct {
	SiteID int
	// Name is the session name; defaults to the definition name.
	Name        string
	Params      config.Config
	Relation    *session.SessionRelation
	SessionTime *time.Time
}

// Submit stores a session for def with its whole task graph and monitors.
// The root starts PLANNED and every other task BLOCKED.
func (e *Executor) Submit(ctx context.Context, def *Definition, req SubmitRequest) (*session.StoredSession, error) {
	wf, err := Compile(def)
	if err != nil {
		return nil, fmt.Errorf("compile workflow: %w", err)
	}

	now := e.opts.Clock().UTC()
	sessionTime := now
	if req.SessionTime != nil {
		sessionTime = req.SessionTime.UTC()
	}
	name := req.Name
	if name == "" {
		name = def.Name
	}

	monitors := make([]session.SessionMonitor, 0, len(def.Monitors))
	for _, m := range def.Monitors {
		monitors = append(monitors, session.SessionMonitor{
			Config:      m,
			NextRunTime: firstRunTime(m, now),
		})
	}

	stored, err := e.db.NewSession(ctx, req.SiteID, session.Session{
		Name:   name,
		Params: def.Params.Merge(req.Params),
		Options: session.SessionOptions{
			Timezone:    def.Timezone,
			SessionTime: &sessionTime,
		},
	}, req.Relation, func(b *db.SessionBuilder) error {
		return buildGraph(b, wf, monitors)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Infow("Session submitted",
		"session_id", stored.ID,
		"workflow", def.Name,
		"task_count", len(wf.Tasks),
	)
	e.publishEvent(&event.Event{
		Type:      event.SessionSubmitted,
		SessionID: stored.ID,
		Data:      map[string]any{"workflow": def.Name, "task_count": len(wf.Tasks)},
	})
	return stored, nil
}

func buildGraph(b *db.SessionBuilder, wf *Workflow, monitors []session.SessionMonitor) error {
	ids := make([]int64, len(wf.Tasks))
	for i := range wf.Tasks {
		t := &wf.Tasks[i]
		task := session.Task{
			FullName:     t.FullName,
			TaskType:     t.TaskType,
			LocalConfig:  t.Config,
			ExportConfig: t.Export,
		}
		if t.IsRoot() {
			task.State = session.StatePlanned
			root, err := b.AddRootTask(task)
			if err != nil {
				return err
			}
			ids[i] = root.ID
			continue
		}

		task.State = session.StateBlocked
		task.ParentID = &ids[t.ParentIndex]
		id, err := b.AddSubtask(task)
		if err != nil {
			return fmt.Errorf("add task %s: %w", t.FullName, err)
		}
		ids[i] = id
	}

	for i := range wf.Tasks {
		t := &wf.Tasks[i]
		if len(t.UpstreamIndexes) == 0 {
			continue
		}
		upstreams := make([]int64, len(t.UpstreamIndexes))
		for j, idx := range t.UpstreamIndexes {
			upstreams[j] = ids[idx]
		}
		if err := b.AddDependencies(ids[i], upstreams); err != nil {
			return fmt.Errorf("add dependencies of %s: %w", t.FullName, err)
		}
	}

	if len(monitors) > 0 {
		return b.AddMonitors(monitors)
	}
	return nil
}

// CancelSession flags every task of a session for cancellation. Tasks already
// running finish; everything else ends CANCELED as the executor reaches it.
func (e *Executor) CancelSession(ctx context.Context, siteID int, sessionID int64) (bool, error) {
	if _, err := e.db.SessionStore(siteID).GetSessionByID(ctx, sessionID); err != nil {
		return false, err
	}
	ok, err := e.db.RequestCancelSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if ok {
		e.publishEvent(&event.Event{Type: event.SessionCanceling, SessionID: sessionID})
	}
	return ok, nil
}
