package db

import (
	"time"

	"gorm.io/datatypes"

	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// SessionModel 会话 (one workflow run)
type SessionModel struct {
	ID            int64                                    `gorm:"primaryKey;autoIncrement"`
	SiteID        int                                      `gorm:"not null;uniqueIndex:idx_sessions_namespace_name,priority:1"`
	NamespaceType int16                                    `gorm:"not null;uniqueIndex:idx_sessions_namespace_name,priority:2"`
	NamespaceID   int                                      `gorm:"not null;uniqueIndex:idx_sessions_namespace_name,priority:3"`
	Name          string                                   `gorm:"not null;uniqueIndex:idx_sessions_namespace_name,priority:4"`
	Params        string                                   `gorm:"type:text;not null"` // JSON document
	Options       datatypes.JSONType[session.SessionOptions] `gorm:"not null"`
	CreatedAt     time.Time                                `gorm:"not null"`
}

func (SessionModel) TableName() string { return "sessions" }

// SessionRelationModel 会话来源 (repository / revision / workflow)
type SessionRelationModel struct {
	ID               int64 `gorm:"primaryKey;autoIncrement:false"`
	RepositoryID     int   `gorm:"not null;index"`
	RevisionID       int   `gorm:"not null"`
	WorkflowSourceID *int  `gorm:"index"`
}

func (SessionRelationModel) TableName() string { return "session_relations" }

// TaskModel 任务节点
type TaskModel struct {
	ID         int64      `gorm:"primaryKey;autoIncrement;index:idx_tasks_updated_at_id,priority:2"`
	SessionID  int64      `gorm:"not null;index"`
	ParentID   *int64     `gorm:"index"`
	TaskType   int        `gorm:"not null"`
	State      int16      `gorm:"not null;index"`
	StateFlags int        `gorm:"not null;default:0"`
	RetryAt    *time.Time
	UpdatedAt  time.Time `gorm:"not null;index:idx_tasks_updated_at_id,priority:1"`
}

func (TaskModel) TableName() string { return "tasks" }

// TaskDetailModel 任务静态定义
type TaskDetailModel struct {
	ID           int64  `gorm:"primaryKey;autoIncrement:false"`
	FullName     string `gorm:"type:text;not null"`
	LocalConfig  string `gorm:"type:text"`
	ExportConfig string `gorm:"type:text"`
}

func (TaskDetailModel) TableName() string { return "task_details" }

// TaskStateDetailModel 任务运行时状态
type TaskStateDetailModel struct {
	ID          int64   `gorm:"primaryKey;autoIncrement:false"`
	StateParams *string `gorm:"type:text"`
	CarryParams *string `gorm:"type:text"`
	Error       *string `gorm:"type:text"`
	Report      *string `gorm:"type:text"`
}

func (TaskStateDetailModel) TableName() string { return "task_state_details" }

// TaskDependencyModel 任务依赖 (upstream → downstream)
type TaskDependencyModel struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	UpstreamID   int64 `gorm:"not null;index"`
	DownstreamID int64 `gorm:"not null;index"`
}

func (TaskDependencyModel) TableName() string { return "task_dependencies" }

// SessionMonitorModel 会话定时检查
type SessionMonitorModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	SessionID   int64     `gorm:"not null;index"`
	Config      string    `gorm:"type:text;not null"`
	NextRunTime int64     `gorm:"not null;index"` // epoch seconds
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (SessionMonitorModel) TableName() string { return "session_monitors" }

func allModels() []any {
	return []any{
		&SessionModel{},
		&SessionRelationModel{},
		&TaskModel{},
		&TaskDetailModel{},
		&TaskStateDetailModel{},
		&TaskDependencyModel{},
		&SessionMonitorModel{},
	}
}
