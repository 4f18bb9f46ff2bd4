package repository

import (
	"context"
	"time"

	"loanpipe/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DocumentRepository defines data access for PendingDocumentUpload records
type DocumentRepository interface {
	Create(ctx context.Context, doc *model.PendingDocumentUpload) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.PendingDocumentUpload, error)
	ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]model.PendingDocumentUpload, error)
	ListIncomplete(ctx context.Context, submissionID uuid.UUID) ([]model.PendingDocumentUpload, error)
	Update(ctx context.Context, doc *model.PendingDocumentUpload) error
	MarkCompleted(ctx context.Context, id uuid.UUID, remoteDocumentID, remoteObjectKey string) error
	ResetFailed(ctx context.Context, submissionID uuid.UUID) error
	ListSweepable(ctx context.Context, completedBefore time.Time) ([]model.PendingDocumentUpload, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository returns a new instance of DocumentRepository
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Create(ctx context.Context, doc *model.PendingDocumentUpload) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	return GetDB(ctx, r.db).Create(doc).Error
}

func (r *documentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.PendingDocumentUpload, error) {
	var doc model.PendingDocumentUpload
	if err := GetDB(ctx, r.db).First(&doc, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]model.PendingDocumentUpload, error) {
	var docs []model.PendingDocumentUpload
	if err := GetDB(ctx, r.db).Where("submission_id = ?", submissionID).Order("created_at ASC").Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *documentRepository) ListIncomplete(ctx context.Context, submissionID uuid.UUID) ([]model.PendingDocumentUpload, error) {
	var docs []model.PendingDocumentUpload
	err := GetDB(ctx, r.db).
		Where("submission_id = ? AND status <> ?", submissionID, model.DocumentCompleted).
		Order("created_at ASC").
		Find(&docs).Error
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *documentRepository) Update(ctx context.Context, doc *model.PendingDocumentUpload) error {
	return GetDB(ctx, r.db).Save(doc).Error
}

// MarkCompleted records the remote identifiers and flips the row to
// COMPLETED in a single write. A completed row is never re-uploaded.
func (r *documentRepository) MarkCompleted(ctx context.Context, id uuid.UUID, remoteDocumentID, remoteObjectKey string) error {
	return GetDB(ctx, r.db).
		Model(&model.PendingDocumentUpload{}).
		Where("id = ? AND status <> ?", id, model.DocumentCompleted).
		Updates(map[string]any{
			"status":             model.DocumentCompleted,
			"remote_document_id": remoteDocumentID,
			"remote_object_key":  remoteObjectKey,
			"failure_reason":     "",
		}).Error
}

// ResetFailed flips terminal FAILED documents of a submission back to
// PENDING with a fresh retry budget, used by user-initiated retry.
func (r *documentRepository) ResetFailed(ctx context.Context, submissionID uuid.UUID) error {
	return GetDB(ctx, r.db).
		Model(&model.PendingDocumentUpload{}).
		Where("submission_id = ? AND status = ?", submissionID, model.DocumentFailed).
		Updates(map[string]any{
			"status":         model.DocumentPending,
			"retry_count":    0,
			"failure_reason": "",
		}).Error
}

func (r *documentRepository) ListSweepable(ctx context.Context, completedBefore time.Time) ([]model.PendingDocumentUpload, error) {
	var docs []model.PendingDocumentUpload
	err := GetDB(ctx, r.db).
		Where("status = ? AND updated_at < ?", model.DocumentCompleted, completedBefore).
		Find(&docs).Error
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *documentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return GetDB(ctx, r.db).Where("id = ?", id).Delete(&model.PendingDocumentUpload{}).Error
}
