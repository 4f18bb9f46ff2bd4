package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubmissionStatus enumerates the lifecycle of a pending loan submission.
type SubmissionStatus string

const (
	SubmissionPending    SubmissionStatus = "PENDING"
	SubmissionSubmitting SubmissionStatus = "SUBMITTING"
	SubmissionSuccess    SubmissionStatus = "SUCCESS"
	SubmissionFailed     SubmissionStatus = "FAILED"
	SubmissionCancelled  SubmissionStatus = "CANCELLED"
)

// CanTransitionTo reports whether the status machine allows moving to next.
// SUCCESS and FAILED are reachable only from SUBMITTING; FAILED may re-enter
// PENDING on a scheduled or manual retry.
func (s SubmissionStatus) CanTransitionTo(next SubmissionStatus) bool {
	switch s {
	case SubmissionPending:
		return next == SubmissionSubmitting || next == SubmissionCancelled
	case SubmissionSubmitting:
		return next == SubmissionSuccess || next == SubmissionFailed ||
			next == SubmissionPending || next == SubmissionCancelled
	case SubmissionFailed:
		return next == SubmissionPending || next == SubmissionCancelled
	case SubmissionSuccess, SubmissionCancelled:
		return false
	default:
		return false
	}
}

// Terminal reports whether no further automatic transition occurs from s.
func (s SubmissionStatus) Terminal() bool {
	switch s {
	case SubmissionSuccess, SubmissionFailed, SubmissionCancelled:
		return true
	case SubmissionPending, SubmissionSubmitting:
		return false
	default:
		return false
	}
}

// PendingLoanSubmission is the durable work record for one loan application
// attempt. LocalID is the client-generated identity and never changes;
// ServerLoanID is written exactly once, the first time the remote loan object
// is created, and acts as the idempotency anchor across retries.
type PendingLoanSubmission struct {
	LocalID       uuid.UUID        `gorm:"type:uuid;primaryKey" json:"local_id"`
	ServerLoanID  *string          `gorm:"type:varchar(64);uniqueIndex" json:"server_loan_id"`
	Status        SubmissionStatus `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	LoanAmount    decimal.Decimal  `gorm:"type:decimal(18,4);not null" json:"loan_amount"`
	TenorMonths   int              `gorm:"not null" json:"tenor_months"`
	Purpose       string           `gorm:"type:varchar(255);not null" json:"purpose"`
	Latitude      float64          `json:"latitude"`
	Longitude     float64          `json:"longitude"`
	DocumentPaths string           `gorm:"type:jsonb;not null;default:'{}'" json:"document_paths"` // kind -> local path, consumed once into rows
	RetryCount    int              `gorm:"not null;default:0" json:"retry_count"`
	FailureReason string           `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (PendingLoanSubmission) TableName() string { return "pending_loan_submissions" }
