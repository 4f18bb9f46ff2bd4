package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"loanpipe/internal/model"
	"loanpipe/internal/repository"
	"loanpipe/internal/remote"
	"loanpipe/pkg/imaging"
	"loanpipe/pkg/logger"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BatchResult summarizes one pass over a submission's outstanding documents.
type BatchResult int

const (
	// BatchAllCompleted: every required document is COMPLETED.
	BatchAllCompleted BatchResult = iota
	// BatchSomeRetriable: at least one document is not done but still has
	// retry budget.
	BatchSomeRetriable
	// BatchHardFailure: at least one document is terminally FAILED and none
	// are retriable.
	BatchHardFailure
)

// DocumentConfig tunes the upload sub-pipeline.
type DocumentConfig struct {
	MaxRetries        int
	CompressThreshold int64 // bytes; files larger than this get a compressed copy
	CompressQuality   int
	SweepRetention    time.Duration
}

func DefaultDocumentConfig() DocumentConfig {
	return DocumentConfig{
		MaxRetries:        3,
		CompressThreshold: 1 << 20, // 1 MiB
		CompressQuality:   imaging.DefaultQuality,
		SweepRetention:    7 * 24 * time.Hour,
	}
}

// DocumentService executes the upload sub-pipeline for single documents:
// compress, request a write target, transfer bytes, record completion.
type DocumentService interface {
	Process(ctx context.Context, docID uuid.UUID, loanID string) error
	ProcessAll(ctx context.Context, submissionID uuid.UUID, loanID string) (BatchResult, error)
	Sweep(ctx context.Context) (int, error)
}

type documentService struct {
	docs        repository.DocumentRepository
	audit       repository.AuditRepository
	api         remote.LoanAPI
	transferrer remote.Transferrer
	cfg         DocumentConfig
}

func NewDocumentService(
	docs repository.DocumentRepository,
	audit repository.AuditRepository,
	api remote.LoanAPI,
	transferrer remote.Transferrer,
	cfg DocumentConfig,
) DocumentService {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultDocumentConfig()
	}
	return &documentService{
		docs:        docs,
		audit:       audit,
		api:         api,
		transferrer: transferrer,
		cfg:         cfg,
	}
}

// Process runs the upload pipeline for one document. Failures never
// propagate past this boundary: they are recorded on the row and nil is
// returned unless the record store itself breaks.
func (s *documentService) Process(ctx context.Context, docID uuid.UUID, loanID string) error {
	doc, err := s.docs.GetByID(ctx, docID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Cancelled mid-flight; nothing to do.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load document %s: %w", docID, err)
	}

	if doc.Status == model.DocumentCompleted {
		return nil
	}
	if doc.Status == model.DocumentFailed {
		// Terminal until the user retries the submission.
		return nil
	}

	doc.Status = model.DocumentUploading
	if err := s.docs.Update(ctx, doc); err != nil {
		return fmt.Errorf("mark uploading: %w", err)
	}

	if uploadErr := s.upload(ctx, doc, loanID); uploadErr != nil {
		return s.recordFailure(ctx, doc, uploadErr)
	}
	return nil
}

func (s *documentService) upload(ctx context.Context, doc *model.PendingDocumentUpload, loanID string) error {
	if err := s.compressIfNeeded(ctx, doc); err != nil {
		return err
	}

	target, err := s.api.RequestUploadTarget(ctx, loanID, doc.DocumentKind, doc.ContentType)
	if err != nil {
		return err
	}
	if target.ContentType == "" {
		target.ContentType = doc.ContentType
	}

	if err := s.transferrer.Transfer(ctx, target, doc.UploadSourcePath()); err != nil {
		return err
	}

	if err := s.docs.MarkCompleted(ctx, doc.ID, target.DocumentID, target.ObjectKey); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	s.auditLog(ctx, model.ActionDocumentCompleted, doc)
	logger.Info(ctx, "document uploaded",
		"document_id", doc.ID,
		"kind", doc.DocumentKind,
		"object_key", target.ObjectKey,
	)
	return nil
}

// compressIfNeeded produces a compressed copy for oversized source files and
// records its path. The original stays on disk for possible re-use.
func (s *documentService) compressIfNeeded(ctx context.Context, doc *model.PendingDocumentUpload) error {
	if s.cfg.CompressThreshold <= 0 {
		return nil
	}
	if doc.CompressedFilePath != nil && *doc.CompressedFilePath != "" {
		return nil // earlier attempt already produced one
	}

	size, err := imaging.FileSize(doc.LocalFilePath)
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}
	if size <= s.cfg.CompressThreshold {
		return nil
	}

	compressed, err := imaging.CompressToJPEG(doc.LocalFilePath, s.cfg.CompressQuality)
	if err != nil {
		return fmt.Errorf("compress %s: %w", doc.LocalFilePath, err)
	}
	doc.CompressedFilePath = &compressed
	if err := s.docs.Update(ctx, doc); err != nil {
		return fmt.Errorf("record compressed path: %w", err)
	}
	logger.Debug(ctx, "document compressed", "document_id", doc.ID, "path", compressed)
	return nil
}

// recordFailure bumps the retry counter and either requeues the document as
// PENDING or parks it as terminal FAILED once the budget is spent.
func (s *documentService) recordFailure(ctx context.Context, doc *model.PendingDocumentUpload, cause error) error {
	doc.RetryCount++
	doc.FailureReason = cause.Error()
	if doc.RetryCount < s.cfg.MaxRetries {
		doc.Status = model.DocumentPending
	} else {
		doc.Status = model.DocumentFailed
	}
	if err := s.docs.Update(ctx, doc); err != nil {
		return fmt.Errorf("record document failure: %w", err)
	}
	logger.Warn(ctx, "document upload attempt failed",
		"document_id", doc.ID,
		"kind", doc.DocumentKind,
		"retry_count", doc.RetryCount,
		"status", doc.Status,
		"error", cause,
	)
	return nil
}

// ProcessAll runs every non-completed document for the submission and
// reports whether the barrier is satisfied, worth re-checking, or hopeless.
func (s *documentService) ProcessAll(ctx context.Context, submissionID uuid.UUID, loanID string) (BatchResult, error) {
	pending, err := s.docs.ListIncomplete(ctx, submissionID)
	if err != nil {
		return BatchSomeRetriable, fmt.Errorf("list incomplete documents: %w", err)
	}

	for _, doc := range pending {
		if doc.Status == model.DocumentFailed {
			continue
		}
		if err := s.Process(ctx, doc.ID, loanID); err != nil {
			return BatchSomeRetriable, err
		}
	}

	remaining, err := s.docs.ListIncomplete(ctx, submissionID)
	if err != nil {
		return BatchSomeRetriable, fmt.Errorf("list incomplete documents: %w", err)
	}
	if len(remaining) == 0 {
		return BatchAllCompleted, nil
	}
	for _, doc := range remaining {
		if doc.Status != model.DocumentFailed {
			return BatchSomeRetriable, nil
		}
	}
	return BatchHardFailure, nil
}

// Sweep removes local file artifacts of documents that completed before the
// retention window. Rows are kept; only disk space is reclaimed.
func (s *documentService) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.SweepRetention)
	docs, err := s.docs.ListSweepable(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list sweepable documents: %w", err)
	}

	swept := 0
	for _, doc := range docs {
		if doc.CompressedFilePath != nil && *doc.CompressedFilePath != "" {
			if err := os.Remove(*doc.CompressedFilePath); err != nil && !os.IsNotExist(err) {
				logger.Warn(ctx, "failed to remove compressed artifact", "path", *doc.CompressedFilePath, "error", err)
				continue
			}
		}
		if err := os.Remove(doc.LocalFilePath); err != nil && !os.IsNotExist(err) {
			logger.Warn(ctx, "failed to remove local artifact", "path", doc.LocalFilePath, "error", err)
			continue
		}
		cleared := doc
		cleared.CompressedFilePath = nil
		if err := s.docs.Update(ctx, &cleared); err != nil {
			logger.Warn(ctx, "failed to clear swept paths", "document_id", doc.ID, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		logger.Info(ctx, "swept completed document artifacts", "count", swept)
	}
	return swept, nil
}

func (s *documentService) auditLog(ctx context.Context, action string, doc *model.PendingDocumentUpload) {
	entry := &model.AuditLog{
		Action:     action,
		EntityID:   doc.ID.String(),
		EntityName: doc.DocumentKind,
		Details:    fmt.Sprintf(`{"submission_id":%q,"kind":%q}`, doc.SubmissionID, doc.DocumentKind),
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		logger.Warn(ctx, "failed to write audit log", "action", action, "error", err)
	}
}
