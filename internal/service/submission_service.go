package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"loanpipe/internal/model"
	"loanpipe/internal/remote"
	"loanpipe/internal/repository"
	"loanpipe/internal/scheduler"
	"loanpipe/pkg/logger"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkQueue is the slice of the scheduler the services depend on.
type WorkQueue interface {
	Enqueue(ctx context.Context, key, kind string, payload any, opts scheduler.Options) error
	CancelKey(ctx context.Context, key string) error
}

// SubmissionTaskKey is the scheduler key for a submission's orchestration.
func SubmissionTaskKey(localID uuid.UUID) string { return localID.String() }

// DocumentsTaskKey is the scheduler key for document-only work.
func DocumentsTaskKey(localID uuid.UUID) string { return "docs:" + localID.String() }

// TaskPayload is the serialized payload of pipeline tasks.
type TaskPayload struct {
	LocalID uuid.UUID `json:"local_id"`
}

// SubmissionOrchestrator drives the per-submission state machine:
// create-remote-if-needed, ensure documents uploaded, finalize.
type SubmissionOrchestrator struct {
	subs      repository.SubmissionRepository
	docs      repository.DocumentRepository
	audit     repository.AuditRepository
	api       remote.LoanAPI
	documents DocumentService
	policy    *RetryPolicy
	notifier  Notifier
	queue     WorkQueue
}

// Notifier matches the notify package sink; declared here so the service
// layer does not depend on the Kafka wiring.
type Notifier interface {
	NotifySuccess(ctx context.Context, localID uuid.UUID)
	NotifyFailure(ctx context.Context, localID uuid.UUID, reason string)
}

func NewSubmissionOrchestrator(
	subs repository.SubmissionRepository,
	docs repository.DocumentRepository,
	audit repository.AuditRepository,
	api remote.LoanAPI,
	documents DocumentService,
	policy *RetryPolicy,
	notifier Notifier,
	queue WorkQueue,
) *SubmissionOrchestrator {
	return &SubmissionOrchestrator{
		subs:      subs,
		docs:      docs,
		audit:     audit,
		api:       api,
		documents: documents,
		policy:    policy,
		notifier:  notifier,
		queue:     queue,
	}
}

// HandleTask adapts Run to the scheduler handler contract.
func (o *SubmissionOrchestrator) HandleTask(ctx context.Context, task model.ScheduledTask) scheduler.Outcome {
	var payload TaskPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil || payload.LocalID == uuid.Nil {
		return scheduler.Fail(fmt.Errorf("malformed submission task payload: %q", task.Payload))
	}
	return o.Run(ctx, payload.LocalID)
}

// Run executes one orchestration attempt for the submission. Every
// remote-affecting step checks current state first, so a rerun after a crash
// or duplicate invocation is safe.
func (o *SubmissionOrchestrator) Run(ctx context.Context, localID uuid.UUID) scheduler.Outcome {
	ctx = context.WithValue(ctx, logger.SubmissionIDKey, localID.String())

	sub, err := o.subs.GetByID(ctx, localID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Cancelled while the task was queued; treat as done.
		logger.Info(ctx, "submission gone before orchestration, skipping")
		return scheduler.Succeed()
	}
	if err != nil {
		return scheduler.Retry(fmt.Errorf("load submission: %w", err))
	}

	switch sub.Status {
	case model.SubmissionSuccess, model.SubmissionCancelled, model.SubmissionFailed:
		// Terminal; only an explicit user retry re-enters the pipeline.
		return scheduler.Succeed()
	case model.SubmissionPending:
		if err := o.subs.TransitionStatus(ctx, localID, model.SubmissionSubmitting, sub.RetryCount, ""); err != nil {
			return scheduler.Retry(fmt.Errorf("mark submitting: %w", err))
		}
		sub.Status = model.SubmissionSubmitting
	case model.SubmissionSubmitting:
		// A previous run lost its lease mid-flight; resume where it left off.
	}

	loanID, err := o.ensureRemoteLoan(ctx, sub)
	if err != nil {
		return o.handleFailure(ctx, sub, err)
	}

	if err := o.materializeDocumentRows(ctx, sub); err != nil {
		return o.handleFailure(ctx, sub, err)
	}

	result, err := o.documents.ProcessAll(ctx, sub.LocalID, loanID)
	if err != nil {
		return o.handleFailure(ctx, sub, err)
	}
	switch result {
	case BatchSomeRetriable:
		// Hand outstanding documents to the coordinator on its own cheaper
		// cadence, and re-check the barrier shortly.
		o.enqueueDocumentWork(ctx, sub.LocalID)
		return o.handleFailure(ctx, sub, ErrWaitingOnDocuments)
	case BatchHardFailure:
		return o.handleFailure(ctx, sub, ErrDocumentsFailed)
	case BatchAllCompleted:
	}

	// Brief settle delay so the remote side observes all uploads before the
	// finalize call.
	if err := o.settle(ctx); err != nil {
		return scheduler.Retry(err)
	}

	status, err := o.api.GetLoanStatus(ctx, loanID)
	if err != nil {
		return o.handleFailure(ctx, sub, err)
	}
	if status == remote.LoanStatusDraft {
		if err := o.api.FinalizeSubmission(ctx, loanID); err != nil {
			return o.handleFailure(ctx, sub, err)
		}
	} else {
		// Finalize already landed on a previous attempt whose acknowledgment
		// was lost.
		logger.Info(ctx, "remote loan already submitted, skipping finalize", "remote_status", status)
	}

	if err := o.subs.TransitionStatus(ctx, localID, model.SubmissionSuccess, sub.RetryCount, ""); err != nil {
		return scheduler.Retry(fmt.Errorf("mark success: %w", err))
	}
	o.notifier.NotifySuccess(ctx, localID)
	o.auditLog(ctx, model.ActionSubmissionSucceeded, sub, "")
	logger.Info(ctx, "submission finalized", "loan_id", loanID)
	return scheduler.Succeed()
}

// ensureRemoteLoan creates the remote loan object exactly once. The id is
// persisted immediately after creation, before any further step, so a retry
// never calls CreateLoan again.
func (o *SubmissionOrchestrator) ensureRemoteLoan(ctx context.Context, sub *model.PendingLoanSubmission) (string, error) {
	if sub.ServerLoanID != nil && *sub.ServerLoanID != "" {
		return *sub.ServerLoanID, nil
	}

	loanID, err := o.api.CreateLoan(ctx, remote.CreateLoanRequest{
		Amount:      sub.LoanAmount,
		TenorMonths: sub.TenorMonths,
		Purpose:     sub.Purpose,
		Latitude:    sub.Latitude,
		Longitude:   sub.Longitude,
	})
	if err != nil {
		return "", err
	}

	err = o.subs.SetServerLoanID(ctx, sub.LocalID, loanID)
	if errors.Is(err, repository.ErrServerIDAlreadySet) {
		// A concurrent or earlier run won the anchor; use the stored id.
		stored, loadErr := o.subs.GetByID(ctx, sub.LocalID)
		if loadErr != nil {
			return "", fmt.Errorf("reload submission after anchor conflict: %w", loadErr)
		}
		return *stored.ServerLoanID, nil
	}
	if err != nil {
		return "", fmt.Errorf("persist server loan id: %w", err)
	}
	sub.ServerLoanID = &loanID
	logger.Info(ctx, "remote loan created", "loan_id", loanID)
	return loanID, nil
}

// materializeDocumentRows converts the legacy kind->path map into
// per-document rows on the first orchestration run. The map is cleared
// afterwards and ignored from then on.
func (o *SubmissionOrchestrator) materializeDocumentRows(ctx context.Context, sub *model.PendingLoanSubmission) error {
	if sub.DocumentPaths == "" || sub.DocumentPaths == "{}" {
		return nil
	}

	existing, err := o.docs.ListBySubmission(ctx, sub.LocalID)
	if err != nil {
		return fmt.Errorf("list document rows: %w", err)
	}
	if len(existing) > 0 {
		// Rows already materialized; the map is stale.
		return o.subs.ClearDocumentPaths(ctx, sub.LocalID)
	}

	var paths map[string]string
	if err := json.Unmarshal([]byte(sub.DocumentPaths), &paths); err != nil {
		return fmt.Errorf("decode document paths map: %w", err)
	}
	for kind, path := range paths {
		doc := &model.PendingDocumentUpload{
			SubmissionID:  sub.LocalID,
			DocumentKind:  kind,
			LocalFilePath: path,
			ContentType:   "image/jpeg",
			Status:        model.DocumentPending,
		}
		if err := o.docs.Create(ctx, doc); err != nil {
			return fmt.Errorf("materialize document row for %s: %w", kind, err)
		}
	}
	logger.Info(ctx, "materialized document rows", "count", len(paths))
	return o.subs.ClearDocumentPaths(ctx, sub.LocalID)
}

func (o *SubmissionOrchestrator) settle(ctx context.Context) error {
	delay := o.policy.Config().SettleDelay
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleFailure routes every step failure through the retry policy and
// translates the decision into record state plus a scheduler outcome.
func (o *SubmissionOrchestrator) handleFailure(ctx context.Context, sub *model.PendingLoanSubmission, cause error) scheduler.Outcome {
	if o.policy.Classify(cause) == NonRetriable {
		// Waiting cannot help; drop the records instead of leaving them in a
		// retry loop, and tell the user right away.
		if err := o.subs.DeleteCascade(ctx, sub.LocalID); err != nil {
			logger.Error(ctx, "failed to delete rejected submission", "error", err)
		}
		_ = o.queue.CancelKey(ctx, DocumentsTaskKey(sub.LocalID))
		o.notifier.NotifyFailure(ctx, sub.LocalID, cause.Error())
		o.auditLog(ctx, model.ActionSubmissionDropped, sub, cause.Error())
		logger.Warn(ctx, "submission rejected, records dropped", "error", cause)
		return scheduler.Fail(cause)
	}

	if errors.Is(cause, ErrWaitingOnDocuments) {
		// Dependency-not-ready: short fixed delay, no budget spent.
		if err := o.subs.TransitionStatus(ctx, sub.LocalID, model.SubmissionPending, sub.RetryCount, cause.Error()); err != nil {
			logger.Warn(ctx, "failed to park waiting submission", "error", err)
		}
		return scheduler.RetryIn(o.policy.Config().WaitingDelay, cause)
	}

	if o.policy.BudgetLeft(sub.RetryCount) {
		nextCount := sub.RetryCount + 1
		if err := o.subs.TransitionStatus(ctx, sub.LocalID, model.SubmissionPending, nextCount, cause.Error()); err != nil {
			logger.Warn(ctx, "failed to park submission for retry", "error", err)
		}
		delay := o.policy.SubmissionDelay(nextCount)
		logger.Warn(ctx, "submission attempt failed, retry scheduled",
			"retry_count", nextCount, "delay", delay, "error", cause)
		return scheduler.RetryIn(delay, cause)
	}

	// Budget exhausted: park as terminal FAILED so the user can retry or
	// cancel manually.
	if err := o.subs.TransitionStatus(ctx, sub.LocalID, model.SubmissionFailed, sub.RetryCount, cause.Error()); err != nil {
		logger.Error(ctx, "failed to mark submission failed", "error", err)
	}
	o.notifier.NotifyFailure(ctx, sub.LocalID, cause.Error())
	o.auditLog(ctx, model.ActionSubmissionFailed, sub, cause.Error())
	logger.Error(ctx, "submission failed terminally", "retry_count", sub.RetryCount, "error", cause)
	return scheduler.Fail(cause)
}

func (o *SubmissionOrchestrator) enqueueDocumentWork(ctx context.Context, localID uuid.UUID) {
	err := o.queue.Enqueue(ctx, DocumentsTaskKey(localID), model.TaskKindDocuments,
		TaskPayload{LocalID: localID},
		scheduler.Options{
			RequiresNetwork: true,
			Uniqueness:      repository.UniqueKeep,
			BackoffBase:     o.policy.Config().DocumentBackoffBase,
		})
	if err != nil {
		logger.Warn(ctx, "failed to enqueue document work", "error", err)
	}
}

// HandleDocumentsTask processes outstanding documents for a submission when
// only document work remains, without touching the submission state machine.
func (o *SubmissionOrchestrator) HandleDocumentsTask(ctx context.Context, task model.ScheduledTask) scheduler.Outcome {
	var payload TaskPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil || payload.LocalID == uuid.Nil {
		return scheduler.Fail(fmt.Errorf("malformed documents task payload: %q", task.Payload))
	}
	ctx = context.WithValue(ctx, logger.SubmissionIDKey, payload.LocalID.String())

	sub, err := o.subs.GetByID(ctx, payload.LocalID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return scheduler.Succeed()
	}
	if err != nil {
		return scheduler.Retry(err)
	}
	if sub.ServerLoanID == nil || *sub.ServerLoanID == "" {
		// Upload targets need the resolved loan id; the orchestrator will
		// re-dispatch document work after creation.
		return scheduler.Succeed()
	}

	result, err := o.documents.ProcessAll(ctx, sub.LocalID, *sub.ServerLoanID)
	if err != nil {
		return scheduler.Retry(err)
	}
	switch result {
	case BatchAllCompleted:
		// Barrier satisfied: kick the orchestrator without waiting for its
		// long backoff.
		enqueueErr := o.queue.Enqueue(ctx, SubmissionTaskKey(sub.LocalID), model.TaskKindSubmission,
			TaskPayload{LocalID: sub.LocalID},
			scheduler.Options{
				RequiresNetwork: true,
				Uniqueness:      repository.UniqueReplace,
				BackoffBase:     o.policy.Config().SubmissionBackoffBase,
			})
		if enqueueErr != nil {
			logger.Warn(ctx, "failed to requeue submission after documents", "error", enqueueErr)
		}
		return scheduler.Succeed()
	case BatchHardFailure:
		return scheduler.Fail(ErrDocumentsFailed)
	default:
		return scheduler.Retry(ErrWaitingOnDocuments)
	}
}

// sweepInterval is how often completed-document artifacts are reclaimed.
const sweepInterval = 6 * time.Hour

// HandleSweepTask runs the periodic artifact sweep. It always reschedules
// itself so the sweep keeps running for the life of the process.
func (o *SubmissionOrchestrator) HandleSweepTask(ctx context.Context, _ model.ScheduledTask) scheduler.Outcome {
	if _, err := o.documents.Sweep(ctx); err != nil {
		return scheduler.RetryIn(sweepInterval, err)
	}
	return scheduler.RetryIn(sweepInterval, nil)
}

func (o *SubmissionOrchestrator) auditLog(ctx context.Context, action string, sub *model.PendingLoanSubmission, detail string) {
	payload, _ := json.Marshal(map[string]any{
		"status": sub.Status,
		"reason": detail,
	})
	entry := &model.AuditLog{
		Action:     action,
		EntityID:   sub.LocalID.String(),
		EntityName: sub.Purpose,
		Details:    string(payload),
	}
	if err := o.audit.Log(ctx, entry); err != nil {
		logger.Warn(ctx, "failed to write audit log", "action", action, "error", err)
	}
}
