// Package rest is a remote.Store that talks to the document API served by
// cmd/fieldsync-server.
package rest

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
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhle/fieldsync/internal/docapi"
	"github.com/nhle/fieldsync/internal/remote"
)

// Client is a thin HTTP client for the document API. It paces requests
// with a client-side rate limiter and retries HTTP 429 responses with
// exponential backoff.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

var _ remote.Store = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outgoing requests at rps. Zero disables pacing.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMaxRetries sets how many times a 429 response is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient creates a client for the document API rooted at baseURL
// (e.g., http://localhost:8080).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Insert(ctx context.Context, collection, id string, doc remote.Document) (string, bool, error) {
	var resp docapi.InsertResponse
	err := c.do(ctx, http.MethodPost, docsPath(collection), docapi.InsertRequest{ID: id, Doc: doc}, &resp)
	if err != nil {
		return "", false, err
	}
	return resp.ID, resp.Created, nil
}

func (c *Client) GetByID(ctx context.Context, collection, id string) (remote.Document, error) {
	var doc remote.Document
	if err := c.do(ctx, http.MethodGet, docPath(collection, id), nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) QueryByField(ctx context.Context, collection, field, value string) ([]remote.Document, error) {
	q := url.Values{}
	q.Set("field", field)
	q.Set("value", value)

	var resp docapi.QueryResponse
	if err := c.do(ctx, http.MethodGet, docsPath(collection)+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

func (c *Client) Update(ctx context.Context, collection, id string, patch remote.Document) error {
	return c.do(ctx, http.MethodPatch, docPath(collection, id), patch, nil)
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.do(ctx, http.MethodDelete, docPath(collection, id), nil, nil)
}

func (c *Client) IncrementField(ctx context.Context, collection, id, field string, delta int64) error {
	return c.do(ctx, http.MethodPost, docPath(collection, id)+"/increment",
		docapi.IncrementRequest{Field: field, Delta: delta}, nil)
}

// Ping fetches /healthz and reports whether the server answered 2xx.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func docsPath(collection string) string {
	return "/v1/collections/" + url.PathEscape(collection) + "/docs"
}

func docPath(collection, id string) string {
	return docsPath(collection) + "/" + url.PathEscape(id)
}

// do builds the request, paces it through the limiter, retries 429
// responses, and maps API errors onto remote sentinels.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	body interface{},
	result interface{},
) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing request %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			waitDuration := retryAfterDuration(resp, attempt)
			lastErr = fmt.Errorf("rate limited (429) on %s %s", method, path)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitDuration):
				continue
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(resp.StatusCode, method, path, respBody)
		}

		// No content to parse (e.g. 204).
		if result == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshaling response from %s %s: %w", method, path, err)
		}
		return nil
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

func statusError(status int, method, path string, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var apiErr docapi.ErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}

	var sentinel error
	switch status {
	case http.StatusNotFound:
		sentinel = remote.ErrNotFound
	case http.StatusConflict:
		sentinel = remote.ErrConflict
	}
	if sentinel != nil {
		return fmt.Errorf("%s %s: %s: %w", method, path, msg, sentinel)
	}
	return &StatusError{Status: status, Method: method, Path: path, Message: msg}
}

// StatusError is an unexpected non-2xx response.
type StatusError struct {
	Status  int
	Method  string
	Path    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d on %s %s: %s", e.Status, e.Method, e.Path, e.Message)
}

// IsServerError reports whether err is a 5xx response.
func IsServerError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status >= 500
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
