package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Remote loan lifecycle statuses reported by GetLoanStatus.
const (
	LoanStatusDraft     = "DRAFT"
	LoanStatusSubmitted = "SUBMITTED"
	LoanStatusApproved  = "APPROVED"
	LoanStatusRejected  = "REJECTED"
)

// APIError is a structured remote-service failure. Classification decisions
// are made on StatusCode and Code, never on message text.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// CreateLoanRequest carries the business fields of a submission.
type CreateLoanRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	TenorMonths int             `json:"tenor_months"`
	Purpose     string          `json:"purpose"`
	Latitude    float64         `json:"latitude"`
	Longitude   float64         `json:"longitude"`
}

// UploadTarget is the write target granted by the remote service for one
// document. UploadURL is a presigned PUT URL; Bucket and ObjectKey are set
// when the deployment transfers straight to the object store instead.
type UploadTarget struct {
	UploadURL   string `json:"upload_url,omitempty"`
	Bucket      string `json:"bucket,omitempty"`
	ObjectKey   string `json:"object_key"`
	DocumentID  string `json:"document_id"`
	ContentType string `json:"content_type,omitempty"`
}

// LoanAPI is the remote service surface consumed by the pipeline.
type LoanAPI interface {
	CreateLoan(ctx context.Context, req CreateLoanRequest) (loanID string, err error)
	GetLoanStatus(ctx context.Context, loanID string) (status string, err error)
	FinalizeSubmission(ctx context.Context, loanID string) error
	RequestUploadTarget(ctx context.Context, loanID, documentKind, contentType string) (*UploadTarget, error)
}

// Client is the HTTP JSON implementation of LoanAPI.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient returns a LoanAPI backed by the given base URL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreateLoan(ctx context.Context, req CreateLoanRequest) (string, error) {
	var resp struct {
		LoanID string `json:"loan_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/loans", req, &resp); err != nil {
		return "", fmt.Errorf("create loan: %w", err)
	}
	if resp.LoanID == "" {
		return "", errors.New("create loan: empty loan_id in response")
	}
	return resp.LoanID, nil
}

func (c *Client) GetLoanStatus(ctx context.Context, loanID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/loans/"+loanID, nil, &resp); err != nil {
		return "", fmt.Errorf("get loan status: %w", err)
	}
	return resp.Status, nil
}

func (c *Client) FinalizeSubmission(ctx context.Context, loanID string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/loans/"+loanID+"/submit", nil, nil); err != nil {
		return fmt.Errorf("finalize submission: %w", err)
	}
	return nil
}

func (c *Client) RequestUploadTarget(ctx context.Context, loanID, documentKind, contentType string) (*UploadTarget, error) {
	body := map[string]string{
		"document_kind": documentKind,
		"content_type":  contentType,
	}
	var target UploadTarget
	if err := c.do(ctx, http.MethodPost, "/v1/loans/"+loanID+"/documents", body, &target); err != nil {
		return nil, fmt.Errorf("request upload target: %w", err)
	}
	return &target, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
