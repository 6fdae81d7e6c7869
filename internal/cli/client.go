package cli

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
	"strings"
	"time"

	"github.com/me/calcjob/pkg/model"
)

const defaultClientTimeout = 30 * time.Second

// Client talks to a calcjobd server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a calcjob API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: defaultClientTimeout},
		Logger:     logger,
	}
}

// envelope is the server's response wrapper.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

// ListFilter selects jobs for ListJobs.
type ListFilter struct {
	State    string
	Computer string
	Limit    int
	Offset   int
}

func (f ListFilter) query() string {
	q := url.Values{}
	if f.State != "" {
		q.Set("state", f.State)
	}
	if f.Computer != "" {
		q.Set("computer", f.Computer)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// CreateJob submits a job description and returns the CREATED record.
func (c *Client) CreateJob(ctx context.Context, desc model.JobDescription) (*model.JobRecord, error) {
	var rec model.JobRecord
	if _, err := c.call(ctx, http.MethodPost, "/api/v1/jobs", model.CreateJobRequest{Job: desc}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetJob fetches one job record.
func (c *Client) GetJob(ctx context.Context, id string) (*model.JobRecord, error) {
	var rec model.JobRecord
	if _, err := c.call(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListJobs returns one page of jobs and the pagination block.
func (c *Client) ListJobs(ctx context.Context, f ListFilter) ([]model.JobRecord, *model.Pagination, error) {
	var jobs []model.JobRecord
	env, err := c.call(ctx, http.MethodGet, "/api/v1/jobs"+f.query(), nil, &jobs)
	if err != nil {
		return nil, nil, err
	}
	return jobs, env.Pagination, nil
}

// KillJob asks the server to cancel a job.
func (c *Client) KillJob(ctx context.Context, id string) (*model.KillResponse, error) {
	var kr model.KillResponse
	if _, err := c.call(ctx, http.MethodPut, "/api/v1/jobs/"+url.PathEscape(id)+"/kill", nil, &kr); err != nil {
		return nil, err
	}
	return &kr, nil
}

// call performs a request and decodes the envelope's data into out.
// A server-side error comes back as *model.APIError together with the envelope.
func (c *Client) call(ctx context.Context, method, path string, body, out any) (*envelope, error) {
	env, err := c.do(ctx, method, path, body)
	if err != nil {
		return env, err
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return env, fmt.Errorf("parse %s %s data: %w", method, path, err)
		}
	}
	return env, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*envelope, error) {
	target := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.Logger.Debug("api call", "method", method, "url", target,
		"status", resp.StatusCode, "duration", time.Since(start))

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	if env.Status == "error" && env.Error != nil {
		return &env, env.Error
	}
	return &env, nil
}
