package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// response is a raw downstream answer.
type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *response) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// decode returns the body as JSON when possible, otherwise as text.
func (r *response) decode() interface{} {
	var v interface{}
	if err := json.Unmarshal(r.Body, &v); err == nil {
		return v
	}
	return string(r.Body)
}

func doRequest(ctx context.Context, hc *http.Client, method, url string, header map[string]string, body io.Reader) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func doJSON(ctx context.Context, hc *http.Client, method, url string, header map[string]string, payload interface{}) (*response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(b)
	}
	h := map[string]string{"Accept": "application/json"}
	if payload != nil {
		h["Content-Type"] = "application/json"
	}
	for k, v := range header {
		h[k] = v
	}
	return doRequest(ctx, hc, method, url, h, body)
}

func transportError(target string, err error) error {
	return &Error{Target: target, StatusCode: http.StatusBadGateway, Body: err.Error()}
}

func trimURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
