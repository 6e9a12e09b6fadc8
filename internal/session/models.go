package session

import (
	"time"

	"github.com/sunshow/workgear/sessionstore/internal/config"
)

// NamespaceType classifies what a session is scoped to.
type NamespaceType int16

const (
	NamespaceSite       NamespaceType = 0
	NamespaceRepository NamespaceType = 1
	NamespaceWorkflow   NamespaceType = 3
)

func (n NamespaceType) String() string {
	switch n {
	case NamespaceSite:
		return "site"
	case NamespaceRepository:
		return "repository"
	case NamespaceWorkflow:
		return "workflow"
	default:
		return "unknown"
	}
}

// SessionOptions are structured per-run options stored as JSON.
type SessionOptions struct {
	Timezone    string     `json:"timezone,omitempty"`
	SessionTime *time.Time `json:"session_time,omitempty"`
}

// Session is a workflow run before it is stored.
type Session struct {
	Name    string
	Params  config.Config
	Options SessionOptions
}

// SessionRelation links a session to the versioned workflow it came from.
type SessionRelation struct {
	RepositoryID     int
	RevisionID       int
	WorkflowSourceID *int
}

// Namespace derives the (type, id) pair a session with this relation is
// stored under. A nil relation means site scope.
func Namespace(siteID int, rel *SessionRelation) (NamespaceType, int) {
	switch {
	case rel == nil:
		return NamespaceSite, siteID
	case rel.WorkflowSourceID != nil:
		return NamespaceWorkflow, *rel.WorkflowSourceID
	default:
		return NamespaceRepository, rel.RepositoryID
	}
}

// StoredSession is a persisted session.
type StoredSession struct {
	Session
	ID            int64
	SiteID        int
	NamespaceType NamespaceType
	NamespaceID   int
	CreatedAt     time.Time
}

// Task is a DAG node before it is stored.
type Task struct {
	SessionID    int64
	ParentID     *int64
	FullName     string
	TaskType     TaskType
	State        TaskStateCode
	LocalConfig  config.Config
	ExportConfig config.Config
}

// TaskReport is the structured outcome of a successful task.
type TaskReport struct {
	Inputs      []config.Config
	Outputs     []config.Config
	CarryParams config.Config
}

// StoredTask is the full joined view of a task.
type StoredTask struct {
	Task
	ID          int64
	SiteID      int
	StateFlags  TaskStateFlags
	Upstreams   []int64
	UpdatedAt   time.Time
	RetryAt     *time.Time
	StateParams config.Config
	Report      TaskReport
	Error       *config.Config
}

// IsRoot reports whether the task is its session's root.
func (t *StoredTask) IsRoot() bool { return t.ParentID == nil }

// TaskStateSummary is the lightweight row view returned by change feeds and
// locks.
type TaskStateSummary struct {
	ID        int64
	ParentID  *int64
	State     TaskStateCode
	UpdatedAt time.Time
}

// TaskRelation is the structural view of a task: parent and upstreams.
type TaskRelation struct {
	ID        int64
	ParentID  *int64
	Upstreams []int64
}

// SessionMonitor is a scheduled re-check attached to a session.
type SessionMonitor struct {
	Config      config.Config
	NextRunTime time.Time
}

// StoredSessionMonitor is a persisted monitor.
type StoredSessionMonitor struct {
	SessionMonitor
	ID        int64
	SessionID int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
