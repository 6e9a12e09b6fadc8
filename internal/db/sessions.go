package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// Migrate creates or updates the schema
func (c *Client) Migrate(ctx context.Context) error {
	if err := c.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	c.logger.Infow("Schema migrated", "dialect", c.dialect.name())
	return nil
}

// GetStoreTime returns the database server's current time.
func (c *Client) GetStoreTime(ctx context.Context) (time.Time, error) {
	var (
		t   time.Time
		err error
	)
	if c.pool != nil {
		err = c.pool.QueryRow(ctx, `SELECT now()`).Scan(&t)
	} else {
		t, err = c.dialect.storeTime(c.db.WithContext(ctx))
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get store time: %w", err)
	}
	return t.UTC(), nil
}

// ─── Session Creation ───

// SessionBuilderFunc populates a freshly inserted session. It runs inside the
// session's insert transaction; returning an error discards the session.
type SessionBuilderFunc func(b *SessionBuilder) error

// SessionBuilder adds the task graph and monitors of a new session.
type SessionBuilder struct {
	q       *queries
	session *session.StoredSession
}

// Session returns the stored session being built.
func (b *SessionBuilder) Session() *session.StoredSession {
	return b.session
}

// AddRootTask inserts the session's root task.
func (b *SessionBuilder) AddRootTask(task session.Task) (*session.StoredTask, error) {
	task.SessionID = b.session.ID
	task.ParentID = nil
	return b.q.addRootTask(task)
}

// AddSubtask inserts a non-root task and returns its id.
func (b *SessionBuilder) AddSubtask(task session.Task) (int64, error) {
	task.SessionID = b.session.ID
	return b.q.addSubtask(task)
}

// AddDependencies records that downstream waits for each of upstreams.
func (b *SessionBuilder) AddDependencies(downstream int64, upstreams []int64) error {
	return b.q.addDependencies(downstream, upstreams)
}

// AddMonitors attaches scheduled monitors to the session.
func (b *SessionBuilder) AddMonitors(monitors []session.SessionMonitor) error {
	return b.q.addMonitors(b.session.ID, monitors)
}

// NewSession inserts a session, its optional relation and whatever build adds,
// all in one transaction. A name already used in the derived namespace fails
// with ErrConflict.
func (c *Client) NewSession(ctx context.Context, siteID int, s session.Session, rel *session.SessionRelation, build SessionBuilderFunc) (*session.StoredSession, error) {
	nsType, nsID := session.Namespace(siteID, rel)

	var stored *session.StoredSession
	err := c.transaction(ctx, func(q *queries) error {
		id, err := q.insertSession(siteID, nsType, nsID, s)
		if err != nil {
			return err
		}
		if rel != nil {
			if err := q.insertSessionRelation(id, rel); err != nil {
				return err
			}
		}

		stored, err = q.getSession(siteID, id)
		if errors.Is(err, ErrNotFound) {
			return databaseState("session id=%d is not found after insert", id)
		} else if err != nil {
			return err
		}

		if build != nil {
			return build(&SessionBuilder{q: q, session: stored})
		}
		return nil
	})
	if err != nil {
		if c.dialect.isUniqueViolation(err) {
			return nil, conflict(err, "session name=%q in %s namespace %d", s.Name, nsType, nsID)
		}
		return nil, fmt.Errorf("new session: %w", err)
	}

	c.logger.Infow("Session created",
		"session_id", stored.ID,
		"site_id", siteID,
		"name", s.Name,
		"namespace", nsType.String(),
	)
	return stored, nil
}

func (q *queries) insertSession(siteID int, nsType session.NamespaceType, nsID int, s session.Session) (int64, error) {
	params, err := configColumn(s.Params)
	if err != nil {
		return 0, fmt.Errorf("encode session params: %w", err)
	}
	m := SessionModel{
		SiteID:        siteID,
		NamespaceType: int16(nsType),
		NamespaceID:   nsID,
		Name:          s.Name,
		Params:        params,
		Options:       datatypes.NewJSONType(s.Options),
		CreatedAt:     q.c.now(),
	}
	if err := q.db.Create(&m).Error; err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return m.ID, nil
}

func (q *queries) insertSessionRelation(id int64, rel *session.SessionRelation) error {
	m := SessionRelationModel{
		ID:               id,
		RepositoryID:     rel.RepositoryID,
		RevisionID:       rel.RevisionID,
		WorkflowSourceID: rel.WorkflowSourceID,
	}
	if err := q.db.Create(&m).Error; err != nil {
		return fmt.Errorf("insert session relation: %w", err)
	}
	return nil
}

// ─── Session Queries ───

func (q *queries) getSession(siteID int, id int64) (*session.StoredSession, error) {
	var m SessionModel
	err := q.db.Where("site_id = ? AND id = ?", siteID, id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("session id=%d", id)
	} else if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return toStoredSession(&m)
}

// GetSessionByID looks a session up without site scoping. It is meant for
// in-process collaborators such as monitor handlers.
func (c *Client) GetSessionByID(ctx context.Context, id int64) (*session.StoredSession, error) {
	var m SessionModel
	err := c.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("session id=%d", id)
	} else if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return toStoredSession(&m)
}

// IsAnyNotDoneWorkflows reports whether some session's root task is still
// in progress.
func (c *Client) IsAnyNotDoneWorkflows(ctx context.Context) (bool, error) {
	var ids []int64
	err := c.db.WithContext(ctx).Raw(`
		SELECT id FROM tasks
		WHERE parent_id IS NULL
		AND state IN `+stateList(session.NotDoneStates())+`
		LIMIT 1
	`).Scan(&ids).Error
	if err != nil {
		return false, fmt.Errorf("find not done workflows: %w", err)
	}
	return len(ids) > 0, nil
}

// SessionStore is the site-scoped read view of sessions. Anything outside
// the site is reported as not found.
type SessionStore struct {
	c      *Client
	siteID int
}

// SessionStore returns the view of sessions belonging to siteID.
func (c *Client) SessionStore(siteID int) *SessionStore {
	return &SessionStore{c: c, siteID: siteID}
}

func (s *SessionStore) GetSessionByID(ctx context.Context, id int64) (*session.StoredSession, error) {
	return s.c.queries(ctx).getSession(s.siteID, id)
}

// GetSessionByName returns the most recent session with this name in the site.
func (s *SessionStore) GetSessionByName(ctx context.Context, name string) (*session.StoredSession, error) {
	var m SessionModel
	err := s.c.db.WithContext(ctx).
		Where("site_id = ? AND name = ?", s.siteID, name).
		Order("id DESC").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("session name=%s", name)
	} else if err != nil {
		return nil, fmt.Errorf("get session by name: %w", err)
	}
	return toStoredSession(&m)
}

// GetSessions lists sessions newest first. lastID is the smallest id of the
// previous page, 0 for the first page.
func (s *SessionStore) GetSessions(ctx context.Context, pageSize int, lastID int64) ([]*session.StoredSession, error) {
	var models []SessionModel
	err := s.c.db.WithContext(ctx).
		Where("site_id = ? AND id < ?", s.siteID, descCursor(lastID)).
		Order("id DESC").
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	return toStoredSessions(models)
}

// GetSessionsOfRepository lists sessions created from a repository, newest first.
func (s *SessionStore) GetSessionsOfRepository(ctx context.Context, repositoryID int, pageSize int, lastID int64) ([]*session.StoredSession, error) {
	return s.listByRelation(ctx, "sr.repository_id = ?", repositoryID, pageSize, lastID)
}

// GetSessionsOfWorkflow lists sessions of one workflow source, newest first.
func (s *SessionStore) GetSessionsOfWorkflow(ctx context.Context, workflowSourceID int, pageSize int, lastID int64) ([]*session.StoredSession, error) {
	return s.listByRelation(ctx, "sr.workflow_source_id = ?", workflowSourceID, pageSize, lastID)
}

func (s *SessionStore) listByRelation(ctx context.Context, cond string, relID int, pageSize int, lastID int64) ([]*session.StoredSession, error) {
	var models []SessionModel
	err := s.c.db.WithContext(ctx).
		Select("sessions.*").
		Joins("JOIN session_relations sr ON sr.id = sessions.id").
		Where("sessions.site_id = ? AND sessions.id < ?", s.siteID, descCursor(lastID)).
		Where(cond, relID).
		Order("sessions.id DESC").
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("get sessions by relation: %w", err)
	}
	return toStoredSessions(models)
}

// GetRootState returns the state of the session's root task.
func (s *SessionStore) GetRootState(ctx context.Context, sessionID int64) (session.TaskStateCode, error) {
	var states []int16
	err := s.c.db.WithContext(ctx).Raw(`
		SELECT t.state FROM tasks t
		JOIN sessions s ON t.session_id = s.id
		WHERE s.site_id = ? AND s.id = ? AND t.parent_id IS NULL
		LIMIT 1
	`, s.siteID, sessionID).Scan(&states).Error
	if err != nil {
		return 0, fmt.Errorf("get root state: %w", err)
	}
	if len(states) == 0 {
		return 0, notFound("session id=%d", sessionID)
	}
	return session.TaskStateCode(states[0]), nil
}

// GetTasks pages through a session's tasks in id order. lastID is the
// largest id of the previous page, 0 for the first page.
func (s *SessionStore) GetTasks(ctx context.Context, sessionID int64, pageSize int, lastID int64) ([]*session.StoredTask, error) {
	q := s.c.queries(ctx)
	var rows []taskRow
	err := q.db.Raw(q.selectTaskDetails()+`
		WHERE t.id > ? AND s.site_id = ? AND t.session_id = ?
		ORDER BY t.id
		LIMIT ?
	`, lastID, s.siteID, sessionID, pageSize).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	return toStoredTasks(rows)
}

func descCursor(lastID int64) int64 {
	if lastID <= 0 {
		return math.MaxInt64
	}
	return lastID
}
