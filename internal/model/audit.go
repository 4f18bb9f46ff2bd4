package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActionCreateSubmission = "CREATE_SUBMISSION"
	ActionRetrySubmission  = "RETRY_SUBMISSION"
	ActionCancelSubmission = "CANCEL_SUBMISSION"
	ActionTriggerPending   = "TRIGGER_PENDING"

	// Pipeline-driven actions
	ActionSubmissionSucceeded = "SUBMISSION_SUCCEEDED"
	ActionSubmissionFailed    = "SUBMISSION_FAILED"
	ActionSubmissionDropped   = "SUBMISSION_DROPPED"
	ActionDocumentCompleted   = "DOCUMENT_COMPLETED"
)

// AuditLog tracks Who, What, and When for pipeline state changes
type AuditLog struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	DeviceID   string    `gorm:"type:varchar(64);index" json:"device_id"` // Empty when the pipeline itself acted
	Action     string    `gorm:"type:varchar(50);not null;index" json:"action"`
	EntityID   string    `gorm:"type:varchar(50);index" json:"entity_id"`        // Submission or document id
	EntityName string    `gorm:"type:varchar(255)" json:"entity_name,omitempty"` // Human readable label
	Details    string    `gorm:"type:jsonb" json:"details"`                      // Serialized JSON payload of the action
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}
