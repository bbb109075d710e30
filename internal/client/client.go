// Package client talks to a running statekeeperd over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/statekeeper/internal/advisor"
	"github.com/fyrsmithlabs/statekeeper/internal/changelog"
	"github.com/fyrsmithlabs/statekeeper/internal/document"
	httpapi "github.com/fyrsmithlabs/statekeeper/internal/http"
	"github.com/fyrsmithlabs/statekeeper/internal/learning"
	"github.com/fyrsmithlabs/statekeeper/internal/persistence"
	"github.com/fyrsmithlabs/statekeeper/internal/query"
)

// ErrNotFound is returned when the server has nothing at the requested key.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response.
type APIError struct {
	Status           int
	Message          string
	PriorStateIntact bool
}

func (e *APIError) Error() string {
	if e.PriorStateIntact {
		return fmt.Sprintf("server returned %d: %s (prior state intact)", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Unwrap maps 404 responses to ErrNotFound.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client queries the statekeeperd API.
type Client struct {
	baseURL string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

// Health returns the daemon status.
func (c *Client) Health(ctx context.Context) (*httpapi.HealthResponse, error) {
	var out httpapi.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get reads the value at path. An empty path returns the whole document.
func (c *Client) Get(ctx context.Context, path string) (document.Value, error) {
	q := url.Values{}
	if path != "" {
		q.Set("path", path)
	}
	var out httpapi.StateResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/state", q, nil, &out); err != nil {
		return document.Null(), err
	}
	return out.Value, nil
}

// Set writes a JSON value at path.
func (c *Client) Set(ctx context.Context, path string, value json.RawMessage) error {
	return c.do(ctx, http.MethodPut, "/api/v1/state", nil, httpapi.SetStateRequest{Path: path, Value: value}, nil)
}

// Delete removes the value at path.
func (c *Client) Delete(ctx context.Context, path string) (bool, error) {
	var out httpapi.DeleteStateResponse
	if err := c.do(ctx, http.MethodDelete, "/api/v1/state", url.Values{"path": {path}}, nil, &out); err != nil {
		return false, err
	}
	return out.Removed, nil
}

// RecordAttempt reports a concluded fix attempt.
func (c *Client) RecordAttempt(ctx context.Context, rec *learning.FixAttemptRecord) (*learning.PatternAggregate, error) {
	var out learning.PatternAggregate
	if err := c.do(ctx, http.MethodPost, "/api/v1/attempts", nil, rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Aggregates lists the aggregates of issueType, or all when empty.
func (c *Client) Aggregates(ctx context.Context, issueType string) ([]*learning.PatternAggregate, error) {
	q := url.Values{}
	if issueType != "" {
		q.Set("issue_type", issueType)
	}
	var out []*learning.PatternAggregate
	if err := c.do(ctx, http.MethodGet, "/api/v1/aggregates", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Best returns the best-known method for issueType.
func (c *Client) Best(ctx context.Context, issueType string) (*learning.Solution, error) {
	var out learning.Solution
	if err := c.do(ctx, http.MethodGet, "/api/v1/best", url.Values{"issue_type": {issueType}}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Advice returns the advisory for an issue type or error message.
func (c *Client) Advice(ctx context.Context, issueType, errorMessage, component string) (*advisor.Advisory, error) {
	q := url.Values{}
	for k, v := range map[string]string{"issue_type": issueType, "error": errorMessage, "component": component} {
		if v != "" {
			q.Set(k, v)
		}
	}
	var out advisor.Advisory
	if err := c.do(ctx, http.MethodGet, "/api/v1/advice", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ask routes a free-text question.
func (c *Client) Ask(ctx context.Context, question string) (*query.Answer, error) {
	var out query.Answer
	if err := c.do(ctx, http.MethodPost, "/api/v1/query", nil, httpapi.QueryRequest{Question: question}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Save forces a save.
func (c *Client) Save(ctx context.Context) (*persistence.SaveResult, error) {
	var out persistence.SaveResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/save", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Generalize merges near-duplicate issue types and methods.
func (c *Client) Generalize(ctx context.Context) (*learning.GeneralizeReport, error) {
	var out learning.GeneralizeReport
	if err := c.do(ctx, http.MethodPost, "/api/v1/generalize", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Changes returns the newest limit in-memory change log entries under prefix.
func (c *Client) Changes(ctx context.Context, prefix string, since int64, limit int) ([]changelog.Entry, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out httpapi.ChangesResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/changes", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e httpapi.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.PriorStateIntact = e.PriorStateIntact
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
