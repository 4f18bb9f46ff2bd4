package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"loanpipe/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrServerIDAlreadySet is returned when a second write to the
	// server_loan_id anchor is attempted. The first write wins.
	ErrServerIDAlreadySet = errors.New("server loan id already set")
	// ErrInvalidTransition is returned when a status update would violate
	// the submission state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// SubmissionEvent describes a change to a pending submission, delivered to
// live-view subscribers.
type SubmissionEvent struct {
	LocalID    uuid.UUID                    `json:"local_id"`
	Deleted    bool                         `json:"deleted"`
	Submission *model.PendingLoanSubmission `json:"submission,omitempty"`
}

// SubmissionRepository defines data access for PendingLoanSubmission records.
// Every mutation publishes a SubmissionEvent so the facade can keep its live
// pending view current.
type SubmissionRepository interface {
	Create(ctx context.Context, sub *model.PendingLoanSubmission) error
	GetByID(ctx context.Context, localID uuid.UUID) (*model.PendingLoanSubmission, error)
	ListPending(ctx context.Context) ([]model.PendingLoanSubmission, error)
	ListByStatus(ctx context.Context, status model.SubmissionStatus) ([]model.PendingLoanSubmission, error)
	SetServerLoanID(ctx context.Context, localID uuid.UUID, serverLoanID string) error
	TransitionStatus(ctx context.Context, localID uuid.UUID, next model.SubmissionStatus, retryCount int, failureReason string) error
	ClearDocumentPaths(ctx context.Context, localID uuid.UUID) error
	DeleteCascade(ctx context.Context, localID uuid.UUID) error
	Watch(buffer int) (<-chan SubmissionEvent, func())
}

type submissionRepository struct {
	db *gorm.DB

	mu       sync.Mutex
	watchers map[int]chan SubmissionEvent
	nextID   int
}

// NewSubmissionRepository returns a new instance of SubmissionRepository
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{
		db:       db,
		watchers: make(map[int]chan SubmissionEvent),
	}
}

func (r *submissionRepository) Create(ctx context.Context, sub *model.PendingLoanSubmission) error {
	if sub.LocalID == uuid.Nil {
		sub.LocalID = uuid.New()
	}
	if err := GetDB(ctx, r.db).Create(sub).Error; err != nil {
		return err
	}
	r.publish(SubmissionEvent{LocalID: sub.LocalID, Submission: sub})
	return nil
}

func (r *submissionRepository) GetByID(ctx context.Context, localID uuid.UUID) (*model.PendingLoanSubmission, error) {
	var sub model.PendingLoanSubmission
	if err := GetDB(ctx, r.db).First(&sub, "local_id = ?", localID).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListPending returns every submission still visible to the user as "in
// flight": PENDING, SUBMITTING and terminal FAILED (which keeps its retry and
// cancel actions). SUCCESS and CANCELLED rows are deleted, not listed.
func (r *submissionRepository) ListPending(ctx context.Context) ([]model.PendingLoanSubmission, error) {
	var subs []model.PendingLoanSubmission
	err := GetDB(ctx, r.db).
		Where("status IN ?", []model.SubmissionStatus{
			model.SubmissionPending,
			model.SubmissionSubmitting,
			model.SubmissionFailed,
		}).
		Order("created_at DESC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *submissionRepository) ListByStatus(ctx context.Context, status model.SubmissionStatus) ([]model.PendingLoanSubmission, error) {
	var subs []model.PendingLoanSubmission
	if err := GetDB(ctx, r.db).Where("status = ?", status).Order("created_at ASC").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// SetServerLoanID persists the idempotency anchor. The guarded UPDATE only
// matches rows where the anchor is still null, so a retry that races a
// previous success cannot overwrite it.
func (r *submissionRepository) SetServerLoanID(ctx context.Context, localID uuid.UUID, serverLoanID string) error {
	res := GetDB(ctx, r.db).
		Model(&model.PendingLoanSubmission{}).
		Where("local_id = ? AND server_loan_id IS NULL", localID).
		Update("server_loan_id", serverLoanID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		existing, err := r.GetByID(ctx, localID)
		if err != nil {
			return err
		}
		if existing.ServerLoanID != nil {
			return ErrServerIDAlreadySet
		}
		return gorm.ErrRecordNotFound
	}
	r.notifyChanged(ctx, localID)
	return nil
}

// TransitionStatus moves a submission along the state machine, updating the
// retry counter and failure reason in the same write.
func (r *submissionRepository) TransitionStatus(ctx context.Context, localID uuid.UUID, next model.SubmissionStatus, retryCount int, failureReason string) error {
	sub, err := r.GetByID(ctx, localID)
	if err != nil {
		return err
	}
	if !sub.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, next)
	}
	updates := map[string]any{
		"status":         next,
		"retry_count":    retryCount,
		"failure_reason": failureReason,
	}
	if err := GetDB(ctx, r.db).Model(sub).Updates(updates).Error; err != nil {
		return err
	}
	r.notifyChanged(ctx, localID)
	return nil
}

// ClearDocumentPaths erases the legacy kind->path map after it has been
// materialized into per-document rows.
func (r *submissionRepository) ClearDocumentPaths(ctx context.Context, localID uuid.UUID) error {
	return GetDB(ctx, r.db).
		Model(&model.PendingLoanSubmission{}).
		Where("local_id = ?", localID).
		Update("document_paths", "{}").Error
}

// DeleteCascade removes the submission together with its document-upload
// rows so a cancel leaves nothing orphaned.
func (r *submissionRepository) DeleteCascade(ctx context.Context, localID uuid.UUID) error {
	err := GetDB(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("submission_id = ?", localID).Delete(&model.PendingDocumentUpload{}).Error; err != nil {
			return fmt.Errorf("failed to delete document uploads: %w", err)
		}
		if err := tx.Where("local_id = ?", localID).Delete(&model.PendingLoanSubmission{}).Error; err != nil {
			return fmt.Errorf("failed to delete submission: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(SubmissionEvent{LocalID: localID, Deleted: true})
	return nil
}

// Watch registers a live-view subscriber. The returned cancel func must be
// called when the subscriber goes away. Slow subscribers drop events rather
// than block writers.
func (r *submissionRepository) Watch(buffer int) (<-chan SubmissionEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan SubmissionEvent, buffer)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if existing, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(existing)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

func (r *submissionRepository) notifyChanged(ctx context.Context, localID uuid.UUID) {
	sub, err := r.GetByID(ctx, localID)
	if err != nil {
		return
	}
	r.publish(SubmissionEvent{LocalID: localID, Submission: sub})
}

func (r *submissionRepository) publish(event SubmissionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}
