package db

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// taskRow is the joined tasks / task_details / task_state_details row.
type taskRow struct {
	ID           int64      `gorm:"column:id"`
	SessionID    int64      `gorm:"column:session_id"`
	SiteID       int        `gorm:"column:site_id"`
	ParentID     *int64     `gorm:"column:parent_id"`
	TaskType     int        `gorm:"column:task_type"`
	State        int16      `gorm:"column:state"`
	StateFlags   int        `gorm:"column:state_flags"`
	RetryAt      *time.Time `gorm:"column:retry_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
	FullName     string     `gorm:"column:full_name"`
	LocalConfig  *string    `gorm:"column:local_config"`
	ExportConfig *string    `gorm:"column:export_config"`
	StateParams  *string    `gorm:"column:state_params"`
	CarryParams  *string    `gorm:"column:carry_params"`
	Error        *string    `gorm:"column:error"`
	Report       *string    `gorm:"column:report"`
	UpstreamIDs  *string    `gorm:"column:upstream_ids"`
}

// summaryRow is the lightweight tasks row used by locks and change feeds.
type summaryRow struct {
	ID        int64     `gorm:"column:id"`
	ParentID  *int64    `gorm:"column:parent_id"`
	State     int16     `gorm:"column:state"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

type relationRow struct {
	ID          int64   `gorm:"column:id"`
	ParentID    *int64  `gorm:"column:parent_id"`
	UpstreamIDs *string `gorm:"column:upstream_ids"`
}

type idConfigRow struct {
	ID     int64   `gorm:"column:id"`
	Config *string `gorm:"column:config"`
}

// reportDocument is the stored shape of the report column.
type reportDocument struct {
	In  []config.Config `json:"in"`
	Out []config.Config `json:"out"`
}

func parseConfigColumn(s *string) (config.Config, error) {
	if s == nil {
		return config.New(), nil
	}
	return config.Parse([]byte(*s))
}

func configColumn(c config.Config) (string, error) {
	b, err := c.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *taskRow) toStoredTask() (*session.StoredTask, error) {
	local, err := parseConfigColumn(r.LocalConfig)
	if err != nil {
		return nil, fmt.Errorf("task %d local_config: %w", r.ID, err)
	}
	export, err := parseConfigColumn(r.ExportConfig)
	if err != nil {
		return nil, fmt.Errorf("task %d export_config: %w", r.ID, err)
	}
	stateParams, err := parseConfigColumn(r.StateParams)
	if err != nil {
		return nil, fmt.Errorf("task %d state_params: %w", r.ID, err)
	}
	carry, err := parseConfigColumn(r.CarryParams)
	if err != nil {
		return nil, fmt.Errorf("task %d carry_params: %w", r.ID, err)
	}

	report := session.TaskReport{
		Inputs:      []config.Config{},
		Outputs:     []config.Config{},
		CarryParams: carry,
	}
	if r.Report != nil && *r.Report != "" {
		var doc reportDocument
		if err := json.Unmarshal([]byte(*r.Report), &doc); err != nil {
			return nil, fmt.Errorf("task %d report: %w", r.ID, err)
		}
		if doc.In != nil {
			report.Inputs = doc.In
		}
		if doc.Out != nil {
			report.Outputs = doc.Out
		}
	}

	var taskErr *config.Config
	if r.Error != nil {
		e, err := config.Parse([]byte(*r.Error))
		if err != nil {
			return nil, fmt.Errorf("task %d error: %w", r.ID, err)
		}
		taskErr = &e
	}

	upstreams := parseIDList(r.UpstreamIDs)
	sort.Slice(upstreams, func(i, j int) bool { return upstreams[i] < upstreams[j] })

	return &session.StoredTask{
		Task: session.Task{
			SessionID:    r.SessionID,
			ParentID:     r.ParentID,
			FullName:     r.FullName,
			TaskType:     session.TaskType(r.TaskType),
			State:        session.TaskStateCode(r.State),
			LocalConfig:  local,
			ExportConfig: export,
		},
		ID:          r.ID,
		SiteID:      r.SiteID,
		StateFlags:  session.TaskStateFlags(r.StateFlags),
		Upstreams:   upstreams,
		UpdatedAt:   r.UpdatedAt.UTC(),
		RetryAt:     utcPtr(r.RetryAt),
		StateParams: stateParams,
		Report:      report,
		Error:       taskErr,
	}, nil
}

func (r *summaryRow) toSummary() session.TaskStateSummary {
	return session.TaskStateSummary{
		ID:        r.ID,
		ParentID:  r.ParentID,
		State:     session.TaskStateCode(r.State),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func (r *relationRow) toRelation() session.TaskRelation {
	upstreams := parseIDList(r.UpstreamIDs)
	sort.Slice(upstreams, func(i, j int) bool { return upstreams[i] < upstreams[j] })
	return session.TaskRelation{ID: r.ID, ParentID: r.ParentID, Upstreams: upstreams}
}

func toStoredSession(m *SessionModel) (*session.StoredSession, error) {
	params, err := config.Parse([]byte(m.Params))
	if err != nil {
		return nil, fmt.Errorf("session %d params: %w", m.ID, err)
	}
	return &session.StoredSession{
		Session: session.Session{
			Name:    m.Name,
			Params:  params,
			Options: m.Options.Data(),
		},
		ID:            m.ID,
		SiteID:        m.SiteID,
		NamespaceType: session.NamespaceType(m.NamespaceType),
		NamespaceID:   m.NamespaceID,
		CreatedAt:     m.CreatedAt.UTC(),
	}, nil
}

func toStoredSessions(models []SessionModel) ([]*session.StoredSession, error) {
	out := make([]*session.StoredSession, 0, len(models))
	for i := range models {
		s, err := toStoredSession(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func toStoredMonitor(m *SessionMonitorModel) (*session.StoredSessionMonitor, error) {
	cfg, err := config.Parse([]byte(m.Config))
	if err != nil {
		return nil, fmt.Errorf("session monitor %d config: %w", m.ID, err)
	}
	return &session.StoredSessionMonitor{
		SessionMonitor: session.SessionMonitor{
			Config:      cfg,
			NextRunTime: time.Unix(m.NextRunTime, 0).UTC(),
		},
		ID:        m.ID,
		SessionID: m.SessionID,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func newReportDocument(r session.TaskReport) *reportDocument {
	doc := &reportDocument{In: r.Inputs, Out: r.Outputs}
	if doc.In == nil {
		doc.In = []config.Config{}
	}
	if doc.Out == nil {
		doc.Out = []config.Config{}
	}
	return doc
}

func encodeReport(doc *reportDocument) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
