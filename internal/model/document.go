package model

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus enumerates the lifecycle of a single document upload.
type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "PENDING"
	DocumentUploading DocumentStatus = "UPLOADING"
	DocumentCompleted DocumentStatus = "COMPLETED"
	DocumentFailed    DocumentStatus = "FAILED"
)

// CanTransitionTo reports whether the document status machine allows moving
// to next. COMPLETED is terminal; FAILED is terminal for automatic retries
// but may re-enter PENDING when the owning submission is retried manually.
func (s DocumentStatus) CanTransitionTo(next DocumentStatus) bool {
	switch s {
	case DocumentPending:
		return next == DocumentUploading
	case DocumentUploading:
		return next == DocumentCompleted || next == DocumentPending || next == DocumentFailed
	case DocumentFailed:
		return next == DocumentPending
	case DocumentCompleted:
		return false
	default:
		return false
	}
}

// Document kinds required by the loan product.
const (
	DocKindIdentityCard = "IDENTITY_CARD"
	DocKindSelfie       = "SELFIE"
	DocKindPayslip      = "PAYSLIP"
)

// PendingDocumentUpload is the durable per-document unit of work. Once
// COMPLETED the remote identifiers are set and the row is never re-uploaded.
type PendingDocumentUpload struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SubmissionID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"submission_id"`
	DocumentKind       string         `gorm:"type:varchar(40);not null" json:"document_kind"`
	LocalFilePath      string         `gorm:"type:varchar(500);not null" json:"local_file_path"`
	CompressedFilePath *string        `gorm:"type:varchar(500)" json:"compressed_file_path"`
	ContentType        string         `gorm:"type:varchar(100);not null;default:'image/jpeg'" json:"content_type"`
	Status             DocumentStatus `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	RetryCount         int            `gorm:"not null;default:0" json:"retry_count"`
	RemoteDocumentID   *string        `gorm:"type:varchar(64)" json:"remote_document_id"`
	RemoteObjectKey    *string        `gorm:"type:varchar(255)" json:"remote_object_key"`
	FailureReason      string         `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (PendingDocumentUpload) TableName() string { return "pending_document_uploads" }

// UploadSourcePath returns the compressed copy when one exists, otherwise
// the original file.
func (d *PendingDocumentUpload) UploadSourcePath() string {
	if d.CompressedFilePath != nil && *d.CompressedFilePath != "" {
		return *d.CompressedFilePath
	}
	return d.LocalFilePath
}
