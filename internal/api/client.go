// Package api provides an HTTP client for the vault service job API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerline/packwatch/pkg/models"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 30 * time.Second

// ErrJobNotFound is returned when the server does not know the job ID.
var ErrJobNotFound = errors.New("job not found")

// Client is an HTTP client for communicating with the vault service.
type Client struct {
	serverURL  string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new vault service API client.
func NewClient(serverURL, apiKey string) *Client {
	return NewClientWithHTTP(serverURL, apiKey, &http.Client{
		Timeout: DefaultTimeout,
	})
}

// NewClientWithHTTP creates a client over a caller-supplied HTTP client,
// used when proxy settings apply.
func NewClientWithHTTP(serverURL, apiKey string, httpClient *http.Client) *Client {
	return &Client{
		serverURL:  serverURL,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// CheckHealth checks if the vault service is reachable.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// CreateBackupJob asks the server to start a new profile backup job.
func (c *Client) CreateBackupJob(ctx context.Context) (*models.Job, error) {
	var job models.Job
	if err := c.post(ctx, "/api/v1/vault/backups", nil, &job); err != nil {
		return nil, fmt.Errorf("create backup job: %w", err)
	}
	return &job, nil
}

// CreateRestoreResult is the server response to a restore job creation.
type CreateRestoreResult struct {
	Job models.Job `json:"job"`
	// UploadURL is the one-time URL the restore package must be uploaded to.
	UploadURL string `json:"upload_url"`
}

// CreateRestoreJob asks the server to start a new profile restore job.
// The returned upload URL receives the restore package via UploadPackage.
func (c *Client) CreateRestoreJob(ctx context.Context) (*CreateRestoreResult, error) {
	var result CreateRestoreResult
	if err := c.post(ctx, "/api/v1/vault/restores", nil, &result); err != nil {
		return nil, fmt.Errorf("create restore job: %w", err)
	}
	return &result, nil
}

// GetJobStatus fetches the current server-reported status of a job.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := c.get(ctx, "/api/v1/vault/jobs/"+jobID, &job); err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	return &job, nil
}

// ListJobs fetches all jobs visible to the caller, newest first.
func (c *Client) ListJobs(ctx context.Context) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := c.get(ctx, "/api/v1/vault/jobs", &jobs); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// cancelResponse is the server response to a cancel request.
type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// CancelJob asks the server to cancel a job. It returns whether the server
// accepted the cancellation; false with a nil error means the server refused.
func (c *Client) CancelJob(ctx context.Context, jobID, reason string) (bool, error) {
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}

	var result cancelResponse
	if err := c.post(ctx, "/api/v1/vault/jobs/"+jobID+"/cancel", body, &result); err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return result.Success, nil
}

// ConfirmRestore resumes a restore job paused on user confirmation.
func (c *Client) ConfirmRestore(ctx context.Context, jobID string) error {
	var result map[string]any
	if err := c.post(ctx, "/api/v1/vault/jobs/"+jobID+"/confirm", nil, &result); err != nil {
		return fmt.Errorf("confirm restore: %w", err)
	}
	return nil
}

// UploadPackage uploads a restore package to the one-time URL returned by
// CreateRestoreJob. Once the upload resolves, the server moves the job out
// of its upload-pending state.
func (c *Client) UploadPackage(ctx context.Context, uploadURL string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, r)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload package: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upload returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, result)
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, body)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, result)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Request-ID", uuid.NewString())
}

func decodeResponse(resp *http.Response, result any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrJobNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	if result == nil {
		return nil
	}
	return json.Unmarshal(body, result)
}
