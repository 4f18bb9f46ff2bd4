package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"loanpipe/internal/remote"
	"loanpipe/internal/scheduler"
)

// ErrWaitingOnDocuments is raised by the orchestrator when the document
// barrier is not satisfied yet. It is retriable with a short fixed delay and
// is not a failure of the submission itself.
var ErrWaitingOnDocuments = errors.New("waiting on documents to complete")

// ErrDocumentsFailed is raised when the document batch reported a hard
// failure. The submission keeps retrying on its own budget; a fresh run may
// still succeed after the user replaces a broken file.
var ErrDocumentsFailed = errors.New("one or more documents failed permanently")

// Classification splits failures into the two branches of §retry handling.
type Classification int

const (
	// Retriable failures may succeed later: timeouts, connectivity loss,
	// server-side transient errors, documents still uploading.
	Retriable Classification = iota
	// NonRetriable failures will not change by waiting: validation and
	// other client-error rejections.
	NonRetriable
)

// RetryConfig holds the retry budget and backoff tuning. Submission-level
// retries back off on an hours scale since the user sees them; document
// retries are cheaper and run on a minutes scale.
type RetryConfig struct {
	MaxRetries            int
	SubmissionBackoffBase time.Duration
	SubmissionBackoffCap  time.Duration
	DocumentBackoffBase   time.Duration
	DocumentBackoffCap    time.Duration
	WaitingDelay          time.Duration // fixed re-check delay for the document barrier
	SettleDelay           time.Duration // pause between barrier and finalize
}

// DefaultRetryConfig mirrors the recommended production tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            3,
		SubmissionBackoffBase: time.Hour,
		SubmissionBackoffCap:  24 * time.Hour,
		DocumentBackoffBase:   5 * time.Minute,
		DocumentBackoffCap:    time.Hour,
		WaitingDelay:          30 * time.Second,
		SettleDelay:           2 * time.Second,
	}
}

// RetryPolicy is the pure failure-classification and backoff decision logic.
type RetryPolicy struct {
	cfg RetryConfig
}

func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultRetryConfig()
	}
	return &RetryPolicy{cfg: cfg}
}

func (p *RetryPolicy) Config() RetryConfig { return p.cfg }

// Classify decides which branch a failure takes. Decisions are structural:
// the remote error's status code, never its message text.
func (p *RetryPolicy) Classify(err error) Classification {
	if err == nil {
		return Retriable
	}
	if errors.Is(err, ErrWaitingOnDocuments) || errors.Is(err, ErrDocumentsFailed) {
		return Retriable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Retriable
	}

	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusConflict:
			return Retriable
		}
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return NonRetriable
		}
		return Retriable
	}

	// Network-level failures and anything unrecognized: retry.
	return Retriable
}

// BudgetLeft reports whether another automatic attempt is allowed after
// retryCount recorded failures.
func (p *RetryPolicy) BudgetLeft(retryCount int) bool {
	return retryCount+1 < p.cfg.MaxRetries
}

// SubmissionDelay returns the wait before submission attempt n.
func (p *RetryPolicy) SubmissionDelay(attempts int) time.Duration {
	return scheduler.ExponentialBackoff(p.cfg.SubmissionBackoffBase, attempts, p.cfg.SubmissionBackoffCap)
}

// DocumentDelay returns the wait before document attempt n.
func (p *RetryPolicy) DocumentDelay(attempts int) time.Duration {
	return scheduler.ExponentialBackoff(p.cfg.DocumentBackoffBase, attempts, p.cfg.DocumentBackoffCap)
}
