package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"loanpipe/internal/remote"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	policy := NewRetryPolicy(DefaultRetryConfig())

	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"nil", nil, Retriable},
		{"plain network error", errors.New("dial tcp: connection refused"), Retriable},
		{"context deadline", context.DeadlineExceeded, Retriable},
		{"context canceled", context.Canceled, Retriable},
		{"waiting on documents", ErrWaitingOnDocuments, Retriable},
		{"documents failed", ErrDocumentsFailed, Retriable},
		{"wrapped waiting", fmt.Errorf("barrier: %w", ErrWaitingOnDocuments), Retriable},
		{"server error 500", &remote.APIError{StatusCode: http.StatusInternalServerError}, Retriable},
		{"server error 503", &remote.APIError{StatusCode: http.StatusServiceUnavailable}, Retriable},
		{"validation 422", &remote.APIError{StatusCode: http.StatusUnprocessableEntity}, NonRetriable},
		{"bad request 400", &remote.APIError{StatusCode: http.StatusBadRequest}, NonRetriable},
		{"unauthorized 401", &remote.APIError{StatusCode: http.StatusUnauthorized}, NonRetriable},
		{"timeout 408", &remote.APIError{StatusCode: http.StatusRequestTimeout}, Retriable},
		{"rate limited 429", &remote.APIError{StatusCode: http.StatusTooManyRequests}, Retriable},
		{"conflict 409", &remote.APIError{StatusCode: http.StatusConflict}, Retriable},
		{"wrapped api error", fmt.Errorf("create loan: %w", &remote.APIError{StatusCode: 422}), NonRetriable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Classify(tt.err))
		})
	}
}

func TestBudgetLeft(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries:            3,
		SubmissionBackoffBase: time.Hour,
		SubmissionBackoffCap:  24 * time.Hour,
	})

	assert.True(t, policy.BudgetLeft(0))
	assert.True(t, policy.BudgetLeft(1))
	assert.False(t, policy.BudgetLeft(2))
	assert.False(t, policy.BudgetLeft(5))
}

func TestSubmissionDelayDoublesAndCaps(t *testing.T) {
	policy := NewRetryPolicy(DefaultRetryConfig())

	assert.Equal(t, time.Hour, policy.SubmissionDelay(1))
	assert.Equal(t, 2*time.Hour, policy.SubmissionDelay(2))
	assert.Equal(t, 4*time.Hour, policy.SubmissionDelay(3))
	assert.Equal(t, 24*time.Hour, policy.SubmissionDelay(10))
}

func TestDocumentDelayUsesMinuteScale(t *testing.T) {
	policy := NewRetryPolicy(DefaultRetryConfig())

	assert.Equal(t, 5*time.Minute, policy.DocumentDelay(1))
	assert.Equal(t, 10*time.Minute, policy.DocumentDelay(2))
	assert.Equal(t, time.Hour, policy.DocumentDelay(20))
}

func TestZeroConfigFallsBackToDefaults(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{})
	assert.Equal(t, DefaultRetryConfig(), policy.Config())
}
