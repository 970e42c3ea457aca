package target

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kobo_connect/internal/directive"
	"kobo_connect/internal/domain"
	"kobo_connect/internal/kobo"
	"kobo_connect/internal/payload"
	"kobo_connect/pkg/logger"
)

const program121Name = "121"

// RegistrationEntity is the only entity of the 121 platform.
const RegistrationEntity = "registration"

// ValidationReason is sent with every registration update.
const ValidationReason = "Validated during field validation"

// Sessions caches 121 login tokens per platform URL.
type Sessions interface {
	Get(url, username, password string) (string, bool)
	Put(url, username, password, token string, expires time.Time)
	Delete(url string)
}

// Program121 imports and updates registrations of one 121 program.
type Program121 struct {
	unsupported
	baseURL   string
	username  string
	password  string
	programID string
	sessions  Sessions
	http      *http.Client
}

// NewProgram121 creates a client for programID on the platform at baseURL.
func NewProgram121(baseURL, username, password, programID string, sessions Sessions, hc *http.Client) *Program121 {
	return &Program121{
		unsupported: unsupported{name: program121Name},
		baseURL:     trimURL(baseURL),
		username:    username,
		password:    password,
		programID:   programID,
		sessions:    sessions,
		http:        hc,
	}
}

// Program121Options are the process-wide settings of the 121 targets.
type Program121Options struct {
	HTTPClient  *http.Client
	Sessions    Sessions
	Attachments payload.AttachmentMode
}

func profile121(opts Program121Options, missing payload.MissingPolicy) Profile {
	return Profile{
		Name: "121",
		Directives: directive.Options{
			Delimiter:     ".",
			DefaultEntity: RegistrationEntity,
			Reserved:      directive.DefaultReserved,
		},
		Policy: payload.Policy{
			Missing:     missing,
			Attachments: opts.Attachments,
			IntFields:   []string{"maxPayments", "paymentAmountMultiplier", "inclusionScore"},
			TextFields:  []string{"scope"},
		},
		PassthroughStatus: true,
	}
}

func client121(opts Program121Options, h Headers, fields domain.Fields) (*Program121, error) {
	v, err := h.Require("url121", "username121", "password121")
	if err != nil {
		return nil, err
	}
	programID := h.Get("programid")
	if programID == "" {
		programID = kobo.String(fields["programid"])
	}
	if programID == "" {
		return nil, &ConfigError{Message: "'programid' needs to be specified in headers or submission body"}
	}
	return NewProgram121(v[0], v[1], v[2], programID, opts.Sessions, opts.HTTPClient), nil
}

// Program121Factory builds the /kobo-to-121 target. Missing fields are
// written as empty strings and referenceId defaults to the submission _uuid.
func Program121Factory(opts Program121Options) Factory {
	return func(h Headers, fields domain.Fields) (Client, Profile, error) {
		c, err := client121(opts, h, fields)
		if err != nil {
			return nil, Profile{}, err
		}
		ref := h.Get("referenceid")
		if ref == "" {
			ref = kobo.String(fields["_uuid"])
		}
		p := profile121(opts, payload.MissingEmpty)
		p.Defaults = map[string]interface{}{"referenceId": ref}
		return c, p, nil
	}
}

// Program121UpdateFactory builds the /kobo-update-121 target, which updates
// the registration named by the submission's referenceid field.
func Program121UpdateFactory(opts Program121Options) Factory {
	return func(h Headers, fields domain.Fields) (Client, Profile, error) {
		c, err := client121(opts, h, fields)
		if err != nil {
			return nil, Profile{}, err
		}
		ref := kobo.String(fields["referenceid"])
		if ref == "" {
			return nil, Profile{}, &ConfigError{Message: "'referenceId' needs to be specified in the submission"}
		}
		p := profile121(opts, payload.MissingSkip)
		p.ForceUpdate = &domain.UpdateKey{Field: "referenceId", Value: ref}
		return c, p, nil
	}
}

func (c *Program121) login(ctx context.Context) (string, error) {
	if tok, ok := c.sessions.Get(c.baseURL, c.username, c.password); ok {
		logger.Debugf("using cached 121 session for %s", c.baseURL)
		return tok, nil
	}

	form := url.Values{"username": {c.username}, "password": {c.password}}
	resp, err := doRequest(ctx, c.http, http.MethodPost, c.baseURL+"/api/users/login",
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", transportError(program121Name, err)
	}
	if !resp.ok() {
		return "", &Error{Target: program121Name, StatusCode: resp.StatusCode, Body: "121 login failed: " + string(resp.Body)}
	}

	body, _ := resp.decode().(map[string]interface{})
	token := kobo.String(body["access_token_general"])
	if token == "" {
		return "", &Error{Target: program121Name, StatusCode: http.StatusBadGateway, Body: "121 login returned no access_token_general"}
	}
	expires := parseExpiry(kobo.String(body["expires"]))
	c.sessions.Put(c.baseURL, c.username, c.password, token, expires)
	logger.Infof("new 121 session stored for %s, expires %s", c.baseURL, expires.Format(time.RFC3339))
	return token, nil
}

func parseExpiry(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (c *Program121) send(ctx context.Context, method, path string, body interface{}) (*response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.login(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := doJSON(ctx, c.http, method, c.baseURL+path,
			map[string]string{"Cookie": "access_token_general=" + token}, body)
		if err != nil {
			return nil, transportError(program121Name, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			// session revoked before its expiry: log in again once
			logger.Warnf("121 session for %s rejected, logging in again", c.baseURL)
			c.sessions.Delete(c.baseURL)
			continue
		}
		return resp, nil
	}
}

// Create imports one registration.
func (c *Program121) Create(ctx context.Context, entity string, fields map[string]interface{}) (interface{}, error) {
	resp, err := c.send(ctx, http.MethodPost,
		fmt.Sprintf("/api/programs/%s/registrations/import", c.programID),
		[]map[string]interface{}{fields})
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, &Error{Target: program121Name, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return resp.decode(), nil
}

// Update patches the registration key.Value and marks it validated.
func (c *Program121) Update(ctx context.Context, entity string, key domain.UpdateKey, fields map[string]interface{}) (interface{}, error) {
	ref := kobo.String(key.Value)
	data := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if k != "referenceId" {
			data[k] = v
		}
	}

	patched, err := c.send(ctx, http.MethodPatch,
		fmt.Sprintf("/api/programs/%s/registrations/%s", c.programID, url.PathEscape(ref)),
		map[string]interface{}{"data": data, "reason": ValidationReason})
	if err != nil {
		return nil, err
	}
	if !patched.ok() {
		return nil, &Error{Target: program121Name, StatusCode: patched.StatusCode, Body: string(patched.Body)}
	}

	status, err := c.send(ctx, http.MethodPatch,
		fmt.Sprintf("/api/programs/%s/registrations/status?dryRun=false&filter.referenceId=$in:%s", c.programID, url.QueryEscape(ref)),
		map[string]interface{}{"status": "validated"})
	if err != nil {
		return nil, err
	}
	if status.StatusCode != http.StatusAccepted {
		return nil, &Error{Target: program121Name, StatusCode: status.StatusCode, Body: "Failed to set status of PA to validated"}
	}

	return map[string]interface{}{
		"registration": patched.decode(),
		"status":       status.decode(),
	}, nil
}
