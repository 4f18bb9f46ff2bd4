package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus enumerates scheduler task states persisted in Postgres.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskLeased    TaskStatus = "LEASED"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

// Task kinds dispatched by the scheduler.
const (
	TaskKindSubmission = "submission"
	TaskKindDocuments  = "documents"
	TaskKindSweep      = "sweep"
)

// ScheduledTask backs the durable work scheduler. A task row survives process
// restarts; the scheduler leases at most one row per Key at a time, which is
// what gives handlers per-key exclusivity.
type ScheduledTask struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Key             string        `gorm:"type:varchar(100);not null;index" json:"key"`
	Kind            string        `gorm:"type:varchar(30);not null;index" json:"kind"`
	Payload         string        `gorm:"type:jsonb;not null;default:'{}'" json:"payload"`
	Status          TaskStatus    `gorm:"type:varchar(20);not null;default:'QUEUED';index" json:"status"`
	Attempts        int           `gorm:"not null;default:0" json:"attempts"`
	NextRunAt       time.Time     `gorm:"not null;index" json:"next_run_at"`
	LeaseExpiresAt  *time.Time    `json:"lease_expires_at"`
	RequiresNetwork bool          `gorm:"not null;default:true" json:"requires_network"`
	BackoffBase     time.Duration `gorm:"not null;default:0" json:"backoff_base"` // nanoseconds
	LastError       string        `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (ScheduledTask) TableName() string { return "scheduled_tasks" }

// Active reports whether the task still occupies its key.
func (t *ScheduledTask) Active() bool {
	return t.Status == TaskQueued || t.Status == TaskLeased
}
