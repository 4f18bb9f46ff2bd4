package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLoan(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/loans", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req CreateLoanRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "debt consolidation", req.Purpose)

		json.NewEncoder(w).Encode(map[string]string{"loan_id": "LOAN-42"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-key", time.Second)
	loanID, err := client.CreateLoan(context.Background(), CreateLoanRequest{
		Amount:      decimal.NewFromInt(20000),
		TenorMonths: 24,
		Purpose:     "debt consolidation",
	})
	require.NoError(t, err)
	assert.Equal(t, "LOAN-42", loanID)
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestCreateLoanRejectsEmptyLoanID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	_, err := client.CreateLoan(context.Background(), CreateLoanRequest{})
	assert.Error(t, err)
}

func TestErrorResponsesBecomeAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{
			"code":    "VALIDATION_FAILED",
			"message": "amount exceeds product limit",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	_, err := client.CreateLoan(context.Background(), CreateLoanRequest{})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", apiErr.Code)
	assert.Equal(t, "amount exceeds product limit", apiErr.Message)
}

func TestErrorWithoutBodyUsesStatusText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	_, err := client.GetLoanStatus(context.Background(), "LOAN-1")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, http.StatusText(http.StatusServiceUnavailable), apiErr.Message)
}

func TestFinalizeSubmission(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	require.NoError(t, client.FinalizeSubmission(context.Background(), "LOAN-1"))
	assert.Equal(t, "/v1/loans/LOAN-1/submit", path)
}

func TestRequestUploadTarget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/loans/LOAN-1/documents", r.URL.Path)
		json.NewEncoder(w).Encode(UploadTarget{
			UploadURL:  "https://store.example/put",
			ObjectKey:  "LOAN-1/IDENTITY_CARD",
			DocumentID: "DOC-7",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	target, err := client.RequestUploadTarget(context.Background(), "LOAN-1", "IDENTITY_CARD", "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "DOC-7", target.DocumentID)
	assert.Equal(t, "LOAN-1/IDENTITY_CARD", target.ObjectKey)
}

func TestNetworkErrorIsNotAPIError(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "", 100*time.Millisecond)
	_, err := client.GetLoanStatus(context.Background(), "LOAN-1")
	require.Error(t, err)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr), "transport failures must stay plain errors")
}
