package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loanpipe/internal/model"
	"loanpipe/internal/remote"
	"loanpipe/internal/repository"
	"loanpipe/internal/scheduler"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// In-memory doubles for the repository and remote interfaces. They keep the
// same guard semantics as the real implementations (anchor write-once, status
// transition checks) so orchestration tests exercise real behavior.

type fakeSubmissionRepo struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*model.PendingLoanSubmission

	deleted []uuid.UUID
}

func newFakeSubmissionRepo() *fakeSubmissionRepo {
	return &fakeSubmissionRepo{subs: make(map[uuid.UUID]*model.PendingLoanSubmission)}
}

func (r *fakeSubmissionRepo) Create(_ context.Context, sub *model.PendingLoanSubmission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.LocalID == uuid.Nil {
		sub.LocalID = uuid.New()
	}
	cp := *sub
	r.subs[sub.LocalID] = &cp
	return nil
}

func (r *fakeSubmissionRepo) GetByID(_ context.Context, localID uuid.UUID) (*model.PendingLoanSubmission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[localID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeSubmissionRepo) ListPending(_ context.Context) ([]model.PendingLoanSubmission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PendingLoanSubmission
	for _, sub := range r.subs {
		switch sub.Status {
		case model.SubmissionPending, model.SubmissionSubmitting, model.SubmissionFailed:
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (r *fakeSubmissionRepo) ListByStatus(_ context.Context, status model.SubmissionStatus) ([]model.PendingLoanSubmission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PendingLoanSubmission
	for _, sub := range r.subs {
		if sub.Status == status {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (r *fakeSubmissionRepo) SetServerLoanID(_ context.Context, localID uuid.UUID, serverLoanID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[localID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if sub.ServerLoanID != nil {
		return repository.ErrServerIDAlreadySet
	}
	sub.ServerLoanID = &serverLoanID
	return nil
}

func (r *fakeSubmissionRepo) TransitionStatus(_ context.Context, localID uuid.UUID, next model.SubmissionStatus, retryCount int, failureReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[localID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if !sub.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, sub.Status, next)
	}
	sub.Status = next
	sub.RetryCount = retryCount
	sub.FailureReason = failureReason
	return nil
}

func (r *fakeSubmissionRepo) ClearDocumentPaths(_ context.Context, localID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[localID]; ok {
		sub.DocumentPaths = "{}"
	}
	return nil
}

func (r *fakeSubmissionRepo) DeleteCascade(_ context.Context, localID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, localID)
	r.deleted = append(r.deleted, localID)
	return nil
}

func (r *fakeSubmissionRepo) Watch(buffer int) (<-chan repository.SubmissionEvent, func()) {
	ch := make(chan repository.SubmissionEvent, buffer)
	return ch, func() { close(ch) }
}

type fakeDocumentRepo struct {
	mu    sync.Mutex
	docs  map[uuid.UUID]*model.PendingDocumentUpload
	order []uuid.UUID
}

func newFakeDocumentRepo() *fakeDocumentRepo {
	return &fakeDocumentRepo{docs: make(map[uuid.UUID]*model.PendingDocumentUpload)}
}

func (r *fakeDocumentRepo) Create(_ context.Context, doc *model.PendingDocumentUpload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	cp := *doc
	r.docs[doc.ID] = &cp
	r.order = append(r.order, doc.ID)
	return nil
}

func (r *fakeDocumentRepo) GetByID(_ context.Context, id uuid.UUID) (*model.PendingDocumentUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *doc
	return &cp, nil
}

func (r *fakeDocumentRepo) ListBySubmission(_ context.Context, submissionID uuid.UUID) ([]model.PendingDocumentUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PendingDocumentUpload
	for _, id := range r.order {
		if doc, ok := r.docs[id]; ok && doc.SubmissionID == submissionID {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (r *fakeDocumentRepo) ListIncomplete(_ context.Context, submissionID uuid.UUID) ([]model.PendingDocumentUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PendingDocumentUpload
	for _, id := range r.order {
		if doc, ok := r.docs[id]; ok && doc.SubmissionID == submissionID && doc.Status != model.DocumentCompleted {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (r *fakeDocumentRepo) Update(_ context.Context, doc *model.PendingDocumentUpload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *doc
	r.docs[doc.ID] = &cp
	return nil
}

func (r *fakeDocumentRepo) MarkCompleted(_ context.Context, id uuid.UUID, remoteDocumentID, remoteObjectKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if doc.Status == model.DocumentCompleted {
		return nil
	}
	doc.Status = model.DocumentCompleted
	doc.RemoteDocumentID = &remoteDocumentID
	doc.RemoteObjectKey = &remoteObjectKey
	doc.FailureReason = ""
	return nil
}

func (r *fakeDocumentRepo) ResetFailed(_ context.Context, submissionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, doc := range r.docs {
		if doc.SubmissionID == submissionID && doc.Status == model.DocumentFailed {
			doc.Status = model.DocumentPending
			doc.RetryCount = 0
			doc.FailureReason = ""
		}
	}
	return nil
}

func (r *fakeDocumentRepo) ListSweepable(_ context.Context, completedBefore time.Time) ([]model.PendingDocumentUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PendingDocumentUpload
	for _, id := range r.order {
		if doc, ok := r.docs[id]; ok && doc.Status == model.DocumentCompleted && doc.UpdatedAt.Before(completedBefore) {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (r *fakeDocumentRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}

type fakeAuditRepo struct {
	mu      sync.Mutex
	entries []model.AuditLog
}

func (r *fakeAuditRepo) Log(_ context.Context, entry *model.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *fakeAuditRepo) List(_ context.Context, _, _ int) ([]model.AuditLog, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AuditLog(nil), r.entries...), int64(len(r.entries)), nil
}

func (r *fakeAuditRepo) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeLoanAPI struct {
	mu sync.Mutex

	createCalls   int
	finalizeCalls int

	loanID      string
	loanStatus  string
	createErr   error
	statusErr   error
	finalizeErr error
	targetErr   error
}

func (a *fakeLoanAPI) CreateLoan(_ context.Context, _ remote.CreateLoanRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createCalls++
	if a.createErr != nil {
		return "", a.createErr
	}
	if a.loanID == "" {
		a.loanID = "LOAN-1"
	}
	return a.loanID, nil
}

func (a *fakeLoanAPI) GetLoanStatus(_ context.Context, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.statusErr != nil {
		return "", a.statusErr
	}
	if a.loanStatus == "" {
		return remote.LoanStatusDraft, nil
	}
	return a.loanStatus, nil
}

func (a *fakeLoanAPI) FinalizeSubmission(_ context.Context, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalizeCalls++
	return a.finalizeErr
}

func (a *fakeLoanAPI) RequestUploadTarget(_ context.Context, loanID, documentKind, contentType string) (*remote.UploadTarget, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.targetErr != nil {
		return nil, a.targetErr
	}
	return &remote.UploadTarget{
		UploadURL:   "https://store.example/" + documentKind,
		Bucket:      "loan-docs",
		ObjectKey:   loanID + "/" + documentKind,
		DocumentID:  "DOC-" + documentKind,
		ContentType: contentType,
	}, nil
}

type fakeTransferrer struct {
	mu    sync.Mutex
	calls int
	err   error
	paths []string
}

func (t *fakeTransferrer) Transfer(_ context.Context, _ *remote.UploadTarget, filePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	t.paths = append(t.paths, filePath)
	return t.err
}

type enqueuedTask struct {
	key  string
	kind string
	opts scheduler.Options
}

type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []enqueuedTask
	cancelled []string
}

func (q *fakeQueue) Enqueue(_ context.Context, key, kind string, _ any, opts scheduler.Options) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, enqueuedTask{key: key, kind: kind, opts: opts})
	return nil
}

func (q *fakeQueue) CancelKey(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, key)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	successes []uuid.UUID
	failures  []string
}

func (n *fakeNotifier) NotifySuccess(_ context.Context, localID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, localID)
}

func (n *fakeNotifier) NotifyFailure(_ context.Context, _ uuid.UUID, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, reason)
}

type fakeTxManager struct{}

func (fakeTxManager) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return fn(ctx)
}
