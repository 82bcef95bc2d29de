// Package client provides a Go client for the easel HTTP API.
//
// Usage:
//
//	c := client.New("https://easel.example.com",
//	    client.WithToken("sk_..."),
//	)
//
//	j, err := c.Submit(ctx, api.SubmitJobRequest{
//	    InputRef: ref,
//	    Style:    "pencil",
//	    Method:   "basic",
//	})
//
//	// Live notifications, or WaitForResult as a polling fallback.
//	sub, err := c.Subscribe(ctx)
//	for evt := range sub.C() { ... }
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/easelworks/easel/api"
	"github.com/easelworks/easel/id"
	"github.com/easelworks/easel/job"
)

// Client talks to a remote easel instance.
type Client struct {
	baseURL      string
	token        string
	httpc        *http.Client
	logger       *slog.Logger
	pollInterval time.Duration
}

// New creates a Client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		httpc:        &http.Client{Timeout: 30 * time.Second},
		logger:       slog.Default(),
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("easel/client: %d: %s", e.StatusCode, e.Message)
}

// Submit creates and enqueues a transformation job.
func (c *Client) Submit(ctx context.Context, req api.SubmitJobRequest) (*api.JobResponse, error) {
	var resp api.JobResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStatus fetches the current job record.
func (c *Client) GetStatus(ctx context.Context, jobID id.JobID) (*api.JobResponse, error) {
	var resp api.JobResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID.String(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel withdraws a job that no worker has claimed yet.
func (c *Client) Cancel(ctx context.Context, jobID id.JobID) (*api.JobResponse, error) {
	var resp api.JobResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns the caller's jobs, newest first.
func (c *Client) List(ctx context.Context, opts job.ListOpts) ([]api.JobResponse, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp []api.JobResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Styles returns the accepted style and method vocabulary.
// Stats returns per-state counts of the caller's jobs.
func (c *Client) Stats(ctx context.Context) (*api.JobStatsResponse, error) {
	var resp api.JobStatsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Styles(ctx context.Context) (*api.StylesResponse, error) {
	var resp api.StylesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/styles", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateUpload asks for a presigned PUT URL for a new input image.
func (c *Client) CreateUpload(ctx context.Context, filename string) (*api.CreateUploadResponse, error) {
	var resp api.CreateUploadResponse
	req := api.CreateUploadRequest{Filename: filename}
	if err := c.do(ctx, http.MethodPost, "/v1/uploads", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForResult polls until the job reaches a terminal state. It is
// the fallback for callers that cannot hold a websocket open.
func (c *Client) WaitForResult(ctx context.Context, jobID id.JobID) (*api.JobResponse, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		j, err := c.GetStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.State.Terminal() {
			return j, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// do performs one API round trip, decoding into out when it is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("easel/client: marshal request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("easel/client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("easel/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("easel/client: decode response: %w", err)
	}
	return nil
}

func (c *Client) apiError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
	}
	return apiErr
}
