package kobo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kobo_connect/pkg/logger"
)

// ErrIncompleteAttachment is returned by FetchBytes in strict mode when the
// attachment never grew past the size threshold.
var ErrIncompleteAttachment = errors.New("attachment not ready after max wait")

// ErrMissingToken means an attachment was referenced but no kobotoken header was sent.
var ErrMissingToken = errors.New("'kobotoken' needs to be specified in headers to upload attachments")

// Options configures the Kobo API client.
type Options struct {
	BaseURL      string
	MediaURL     string
	LookupDelay  time.Duration
	MinBytes     int
	PollInterval time.Duration
	MaxWait      time.Duration
	Strict       bool
	HTTPClient   *http.Client
}

// Client talks to the Kobo REST API.
type Client struct {
	opts Options
	http *http.Client
}

// StatusError is a non-2xx answer from Kobo.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("kobo returned %d: %s", e.StatusCode, e.Body)
}

// NewClient creates a Kobo client.
func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.MinBytes <= 0 {
		opts.MinBytes = 1000
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	return &Client{opts: opts, http: hc}
}

// GetSubmission fetches the stored version of a submission by its numeric id.
func (c *Client) GetSubmission(ctx context.Context, token, asset, id string) (map[string]interface{}, error) {
	url := fmt.Sprintf("%s/api/v2/assets/%s/data/%s/?format=json", c.opts.BaseURL, asset, id)
	var doc map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, url, token, nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FetchBytes downloads an attachment, polling while the body is smaller than
// MinBytes. After MaxWait the last body is returned as is, unless Strict is set.
func (c *Client) FetchBytes(ctx context.Context, url, token string) ([]byte, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	deadline := time.Now().Add(c.opts.MaxWait)

	for attempt := 1; ; attempt++ {
		data, status, err := c.get(ctx, url, token)
		if err != nil {
			return nil, err
		}
		ok := status >= 200 && status < 300
		if ok && len(data) > c.opts.MinBytes {
			return data, nil
		}

		if !time.Now().Before(deadline) {
			if !ok {
				return nil, &StatusError{StatusCode: status, Body: truncate(string(data), 200)}
			}
			if c.opts.Strict {
				return data, ErrIncompleteAttachment
			}
			logger.Warnf("attachment %s still %d bytes after %d attempts, using it anyway", url, len(data), attempt)
			return data, nil
		}

		logger.Debugf("attachment %s not ready (status %d, %d bytes), retrying in %v", url, status, len(data), c.opts.PollInterval)
		if err := sleep(ctx, c.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

// Hook is the REST service definition Kobo calls for each submission.
type Hook map[string]interface{}

// NewHook builds a JSON REST service whose custom headers carry the directives.
func NewHook(name, endpoint string, headers map[string]interface{}) Hook {
	return Hook{
		"name":               name,
		"endpoint":           endpoint,
		"active":             true,
		"subset_fields":      []string{},
		"email_notification": true,
		"export_type":        "json",
		"auth_level":         "no_auth",
		"settings":           map[string]interface{}{"custom_headers": headers},
		"payload_template":   "",
	}
}

// CreateHook registers a REST service on the asset.
func (c *Client) CreateHook(ctx context.Context, token, asset string, hook Hook) error {
	url := fmt.Sprintf("%s/api/v2/assets/%s/hooks/", c.opts.BaseURL, asset)
	return c.doJSON(ctx, http.MethodPost, url, token, hook, nil)
}

// DuplicateHook copies an existing REST service, stripping server-owned fields.
func (c *Client) DuplicateHook(ctx context.Context, token, asset, hookID string) error {
	url := fmt.Sprintf("%s/api/v2/assets/%s/hooks/%s", c.opts.BaseURL, asset, hookID)
	var hook Hook
	if err := c.doJSON(ctx, http.MethodGet, url, token, nil, &hook); err != nil {
		return err
	}
	for _, k := range []string{"url", "logs_url", "asset", "uid", "success_count", "failed_count", "pending_count", "date_modified"} {
		delete(hook, k)
	}
	hook["name"] = "Duplicate of " + String(hook["name"])
	return c.CreateHook(ctx, token, asset, hook)
}

// Probe returns the HTTP status of the Kobo API root, or 0 when unreachable.
func (c *Client) Probe(ctx context.Context) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/api/v2", nil)
	if err != nil {
		return 0
	}
	resp, err := c.http.Do(req)
	if err != nil {
		logger.Warnf("kobo probe failed: %v", err)
		return 0
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode
}

func (c *Client) get(ctx context.Context, url, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Token "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("kobo request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read kobo response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) doJSON(ctx context.Context, method, url, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("kobo request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read kobo response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 500)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// TokenFetcher binds a Kobo token to FetchBytes for one request.
type TokenFetcher struct {
	Client *Client
	Token  string
}

// FetchBytes downloads url with the bound token.
func (f TokenFetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return f.Client.FetchBytes(ctx, url, f.Token)
}
