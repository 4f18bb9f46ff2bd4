package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"loanpipe/internal/model"
	"loanpipe/internal/repository"
	"loanpipe/internal/scheduler"
	"loanpipe/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrSubmissionNotFound is returned for commands against unknown ids.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrNotRetriable is returned when retry is requested for a submission
	// that is not in a retriable terminal state.
	ErrNotRetriable = errors.New("submission is not in a retriable state")
	// ErrAlreadySucceeded is returned when cancel is requested after success.
	ErrAlreadySucceeded = errors.New("submission already succeeded")
)

// --- DTOs ---

type DocumentInput struct {
	Kind        string `json:"kind" binding:"required"`
	Path        string `json:"path" binding:"required"`
	ContentType string `json:"content_type"`
}

type CreateSubmissionDTO struct {
	LocalID       string            `json:"local_id"` // optional client-generated id
	LoanAmount    string            `json:"loan_amount" binding:"required"`
	TenorMonths   int               `json:"tenor_months" binding:"required,min=1"`
	Purpose       string            `json:"purpose" binding:"required"`
	Latitude      float64           `json:"latitude"`
	Longitude     float64           `json:"longitude"`
	Documents     []DocumentInput   `json:"documents"`
	DocumentPaths map[string]string `json:"document_paths"` // legacy kind->path map
}

type DocumentResponse struct {
	ID               string `json:"id"`
	DocumentKind     string `json:"document_kind"`
	Status           string `json:"status"`
	RetryCount       int    `json:"retry_count"`
	RemoteDocumentID string `json:"remote_document_id,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

type SubmissionResponse struct {
	LocalID       string             `json:"local_id"`
	ServerLoanID  string             `json:"server_loan_id,omitempty"`
	Status        string             `json:"status"`
	LoanAmount    string             `json:"loan_amount"`
	TenorMonths   int                `json:"tenor_months"`
	Purpose       string             `json:"purpose"`
	RetryCount    int                `json:"retry_count"`
	FailureReason string             `json:"failure_reason,omitempty"`
	CreatedAt     string             `json:"created_at"`
	UpdatedAt     string             `json:"updated_at"`
	Documents     []DocumentResponse `json:"documents,omitempty"`
}

// --- Interface ---

// SubmissionFacade is the command surface consumed by the presentation
// layer. It only reads records and issues commands; all mutation of pipeline
// state happens inside the orchestration services.
type SubmissionFacade interface {
	Create(ctx context.Context, deviceID string, dto CreateSubmissionDTO) (SubmissionResponse, error)
	Get(ctx context.Context, localID string) (SubmissionResponse, error)
	ListPending(ctx context.Context) ([]SubmissionResponse, error)
	Retry(ctx context.Context, deviceID, localID string) (SubmissionResponse, error)
	Cancel(ctx context.Context, deviceID, localID string) error
	Trigger(ctx context.Context, deviceID string) (int, error)
	ObservePending(ctx context.Context) ([]SubmissionResponse, <-chan repository.SubmissionEvent, func(), error)
	ListAudit(ctx context.Context, page, limit int) ([]model.AuditLog, int64, error)
}

type submissionFacade struct {
	subs   repository.SubmissionRepository
	docs   repository.DocumentRepository
	audit  repository.AuditRepository
	txm    repository.TransactionManager
	queue  WorkQueue
	policy *RetryPolicy
}

func NewSubmissionFacade(
	subs repository.SubmissionRepository,
	docs repository.DocumentRepository,
	audit repository.AuditRepository,
	txm repository.TransactionManager,
	queue WorkQueue,
	policy *RetryPolicy,
) SubmissionFacade {
	return &submissionFacade{
		subs:   subs,
		docs:   docs,
		audit:  audit,
		txm:    txm,
		queue:  queue,
		policy: policy,
	}
}

// --- Implementation ---

func (f *submissionFacade) Create(ctx context.Context, deviceID string, dto CreateSubmissionDTO) (SubmissionResponse, error) {
	amount, err := decimal.NewFromString(dto.LoanAmount)
	if err != nil {
		return SubmissionResponse{}, fmt.Errorf("invalid loan_amount: %w", err)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return SubmissionResponse{}, errors.New("loan_amount must be positive")
	}

	localID := uuid.New()
	if dto.LocalID != "" {
		parsed, parseErr := uuid.Parse(dto.LocalID)
		if parseErr != nil {
			return SubmissionResponse{}, fmt.Errorf("invalid local_id: %w", parseErr)
		}
		localID = parsed
	}

	pathsJSON := "{}"
	if len(dto.DocumentPaths) > 0 {
		b, marshalErr := json.Marshal(dto.DocumentPaths)
		if marshalErr != nil {
			return SubmissionResponse{}, fmt.Errorf("invalid document_paths: %w", marshalErr)
		}
		pathsJSON = string(b)
	}

	sub := &model.PendingLoanSubmission{
		LocalID:       localID,
		Status:        model.SubmissionPending,
		LoanAmount:    amount,
		TenorMonths:   dto.TenorMonths,
		Purpose:       dto.Purpose,
		Latitude:      dto.Latitude,
		Longitude:     dto.Longitude,
		DocumentPaths: pathsJSON,
	}

	err = f.txm.RunInTx(ctx, func(txCtx context.Context) error {
		if createErr := f.subs.Create(txCtx, sub); createErr != nil {
			return fmt.Errorf("failed to create submission: %w", createErr)
		}
		for _, input := range dto.Documents {
			contentType := input.ContentType
			if contentType == "" {
				contentType = "image/jpeg"
			}
			doc := &model.PendingDocumentUpload{
				SubmissionID:  localID,
				DocumentKind:  input.Kind,
				LocalFilePath: input.Path,
				ContentType:   contentType,
				Status:        model.DocumentPending,
			}
			if createErr := f.docs.Create(txCtx, doc); createErr != nil {
				return fmt.Errorf("failed to create document row: %w", createErr)
			}
		}
		return f.auditLog(txCtx, deviceID, model.ActionCreateSubmission, sub.LocalID.String(), dto.Purpose, map[string]any{
			"loan_amount": dto.LoanAmount,
			"documents":   len(dto.Documents),
		})
	})
	if err != nil {
		return SubmissionResponse{}, err
	}

	f.enqueueSubmission(ctx, localID, repository.UniqueKeep)
	logger.Info(ctx, "submission created", "local_id", localID, "documents", len(dto.Documents))
	return f.Get(ctx, localID.String())
}

func (f *submissionFacade) Get(ctx context.Context, localID string) (SubmissionResponse, error) {
	id, err := uuid.Parse(localID)
	if err != nil {
		return SubmissionResponse{}, fmt.Errorf("invalid local_id: %w", err)
	}
	sub, err := f.subs.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SubmissionResponse{}, ErrSubmissionNotFound
	}
	if err != nil {
		return SubmissionResponse{}, err
	}
	docs, err := f.docs.ListBySubmission(ctx, id)
	if err != nil {
		return SubmissionResponse{}, err
	}
	return toSubmissionResponse(sub, docs), nil
}

func (f *submissionFacade) ListPending(ctx context.Context) ([]SubmissionResponse, error) {
	subs, err := f.subs.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]SubmissionResponse, 0, len(subs))
	for i := range subs {
		result = append(result, toSubmissionResponse(&subs[i], nil))
	}
	return result, nil
}

// Retry clears a terminal FAILED submission back to PENDING with a fresh
// budget and schedules an immediate re-invocation.
func (f *submissionFacade) Retry(ctx context.Context, deviceID, localID string) (SubmissionResponse, error) {
	id, err := uuid.Parse(localID)
	if err != nil {
		return SubmissionResponse{}, fmt.Errorf("invalid local_id: %w", err)
	}

	err = f.txm.RunInTx(ctx, func(txCtx context.Context) error {
		sub, loadErr := f.subs.GetByID(txCtx, id)
		if errors.Is(loadErr, gorm.ErrRecordNotFound) {
			return ErrSubmissionNotFound
		}
		if loadErr != nil {
			return loadErr
		}
		if sub.Status != model.SubmissionFailed {
			return ErrNotRetriable
		}
		if transErr := f.subs.TransitionStatus(txCtx, id, model.SubmissionPending, 0, ""); transErr != nil {
			return transErr
		}
		if resetErr := f.docs.ResetFailed(txCtx, id); resetErr != nil {
			return fmt.Errorf("failed to reset failed documents: %w", resetErr)
		}
		return f.auditLog(txCtx, deviceID, model.ActionRetrySubmission, id.String(), "", nil)
	})
	if err != nil {
		return SubmissionResponse{}, err
	}

	f.enqueueSubmission(ctx, id, repository.UniqueReplace)
	logger.Info(ctx, "submission retry requested", "local_id", id)
	return f.Get(ctx, localID)
}

// Cancel deletes the submission and its document records. A unit of work
// already in flight for the key tolerates the rows having disappeared.
func (f *submissionFacade) Cancel(ctx context.Context, deviceID, localID string) error {
	id, err := uuid.Parse(localID)
	if err != nil {
		return fmt.Errorf("invalid local_id: %w", err)
	}

	sub, err := f.subs.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSubmissionNotFound
	}
	if err != nil {
		return err
	}
	if sub.Status == model.SubmissionSuccess {
		return ErrAlreadySucceeded
	}

	if err := f.queue.CancelKey(ctx, SubmissionTaskKey(id)); err != nil {
		logger.Warn(ctx, "failed to cancel submission task", "error", err)
	}
	if err := f.queue.CancelKey(ctx, DocumentsTaskKey(id)); err != nil {
		logger.Warn(ctx, "failed to cancel documents task", "error", err)
	}
	if err := f.subs.DeleteCascade(ctx, id); err != nil {
		return fmt.Errorf("failed to delete submission: %w", err)
	}
	if err := f.auditLog(ctx, deviceID, model.ActionCancelSubmission, id.String(), sub.Purpose, nil); err != nil {
		logger.Warn(ctx, "failed to write audit log", "error", err)
	}
	logger.Info(ctx, "submission cancelled", "local_id", id)
	return nil
}

// Trigger asks the scheduler to run every PENDING submission now, used on
// pull-to-refresh and when connectivity returns.
func (f *submissionFacade) Trigger(ctx context.Context, deviceID string) (int, error) {
	pending, err := f.subs.ListByStatus(ctx, model.SubmissionPending)
	if err != nil {
		return 0, err
	}
	for i := range pending {
		f.enqueueSubmission(ctx, pending[i].LocalID, repository.UniqueReplace)
	}
	if err := f.auditLog(ctx, deviceID, model.ActionTriggerPending, "", "", map[string]any{"count": len(pending)}); err != nil {
		logger.Warn(ctx, "failed to write audit log", "error", err)
	}
	return len(pending), nil
}

// ObservePending returns the current non-terminal snapshot plus a live event
// stream. The caller must invoke cancel when done.
func (f *submissionFacade) ObservePending(ctx context.Context) ([]SubmissionResponse, <-chan repository.SubmissionEvent, func(), error) {
	events, cancel := f.subs.Watch(32)
	snapshot, err := f.ListPending(ctx)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return snapshot, events, cancel, nil
}

func (f *submissionFacade) ListAudit(ctx context.Context, page, limit int) ([]model.AuditLog, int64, error) {
	return f.audit.List(ctx, page, limit)
}

// --- Helpers ---

func (f *submissionFacade) enqueueSubmission(ctx context.Context, localID uuid.UUID, uniqueness repository.Uniqueness) {
	err := f.queue.Enqueue(ctx, SubmissionTaskKey(localID), model.TaskKindSubmission,
		TaskPayload{LocalID: localID},
		scheduler.Options{
			RequiresNetwork: true,
			Uniqueness:      uniqueness,
			BackoffBase:     f.policy.Config().SubmissionBackoffBase,
		})
	if err != nil {
		logger.Warn(ctx, "failed to enqueue submission task", "local_id", localID, "error", err)
	}
}

func (f *submissionFacade) auditLog(ctx context.Context, deviceID, action, entityID, entityName string, details map[string]any) error {
	payload := "{}"
	if details != nil {
		b, err := json.Marshal(details)
		if err == nil {
			payload = string(b)
		}
	}
	return f.audit.Log(ctx, &model.AuditLog{
		DeviceID:   deviceID,
		Action:     action,
		EntityID:   entityID,
		EntityName: entityName,
		Details:    payload,
	})
}

func toSubmissionResponse(sub *model.PendingLoanSubmission, docs []model.PendingDocumentUpload) SubmissionResponse {
	resp := SubmissionResponse{
		LocalID:       sub.LocalID.String(),
		Status:        string(sub.Status),
		LoanAmount:    sub.LoanAmount.String(),
		TenorMonths:   sub.TenorMonths,
		Purpose:       sub.Purpose,
		RetryCount:    sub.RetryCount,
		FailureReason: sub.FailureReason,
		CreatedAt:     sub.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     sub.UpdatedAt.Format(time.RFC3339),
	}
	if sub.ServerLoanID != nil {
		resp.ServerLoanID = *sub.ServerLoanID
	}
	for i := range docs {
		doc := &docs[i]
		dr := DocumentResponse{
			ID:            doc.ID.String(),
			DocumentKind:  doc.DocumentKind,
			Status:        string(doc.Status),
			RetryCount:    doc.RetryCount,
			FailureReason: doc.FailureReason,
		}
		if doc.RemoteDocumentID != nil {
			dr.RemoteDocumentID = *doc.RemoteDocumentID
		}
		resp.Documents = append(resp.Documents, dr)
	}
	return resp
}
