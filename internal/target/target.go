// Package target holds the downstream systems submissions are delivered to.
package target

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"kobo_connect/internal/directive"
	"kobo_connect/internal/domain"
	"kobo_connect/internal/payload"
)

// ErrUnsupported is returned for operations a target does not offer.
var ErrUnsupported = errors.New("operation not supported by target")

// Client is a downstream system. Find and UploadAttachment are used while
// building payloads; Create and Update deliver them.
type Client interface {
	payload.Resolver
	Create(ctx context.Context, entity string, fields map[string]interface{}) (interface{}, error)
	Update(ctx context.Context, entity string, key domain.UpdateKey, fields map[string]interface{}) (interface{}, error)
}

// Profile describes how a target interprets mapping headers.
type Profile struct {
	Name       string
	Directives directive.Options
	Policy     payload.Policy
	// Defaults are merged into the default entity payload after mapping.
	Defaults map[string]interface{}
	// ForceUpdate turns every delivery of the default entity into an update.
	ForceUpdate *domain.UpdateKey
	// PassthroughStatus forwards the downstream status code on rejection
	// instead of answering 500.
	PassthroughStatus bool
}

// Error is a non-success answer from a downstream system.
type Error struct {
	Target     string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Target, e.Body)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Target, e.StatusCode, e.Body)
}

// ConfigError is a missing or invalid request header.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// Headers are the lower-cased request headers of one webhook call.
type Headers map[string]string

// NewHeaders flattens an http.Header, keeping the first value of each name.
func NewHeaders(h http.Header) Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		out[strings.ToLower(k)] = v[0]
	}
	return out
}

// Get returns the header value for a case-insensitive name.
func (h Headers) Get(name string) string {
	return h[strings.ToLower(name)]
}

// Require returns the named headers or a ConfigError listing the missing ones.
func (h Headers) Require(names ...string) ([]string, error) {
	values := make([]string, len(names))
	var missing []string
	for i, n := range names {
		values[i] = strings.TrimSpace(h.Get(n))
		if values[i] == "" {
			missing = append(missing, "'"+n+"'")
		}
	}
	if len(missing) > 0 {
		return nil, &ConfigError{Message: "Missing required headers: " + strings.Join(missing, ", ")}
	}
	return values, nil
}

// Factory configures a client and profile from the request headers and the
// normalized submission.
type Factory func(h Headers, fields domain.Fields) (Client, Profile, error)

// Registry maps route names ("espocrm", "121", ...) to factories.
type Registry map[string]Factory

// unsupported implements the resolver half of Client for targets without lookups.
type unsupported struct {
	name string
}

func (u unsupported) Find(ctx context.Context, entity, field string, value interface{}) ([]domain.Record, error) {
	return nil, fmt.Errorf("%w: %s has no record lookup", ErrUnsupported, u.name)
}

func (u unsupported) UploadAttachment(ctx context.Context, up domain.AttachmentUpload) (string, error) {
	return "", fmt.Errorf("%w: %s has no attachment upload", ErrUnsupported, u.name)
}
