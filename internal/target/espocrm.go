package target

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"kobo_connect/internal/directive"
	"kobo_connect/internal/domain"
	"kobo_connect/internal/kobo"
	"kobo_connect/internal/payload"
)

const espoName = "EspoCRM"

// EspoCRM talks to the EspoCRM REST API with an API key.
type EspoCRM struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewEspoCRM creates a client for the instance at baseURL.
func NewEspoCRM(baseURL, apiKey string, hc *http.Client) *EspoCRM {
	return &EspoCRM{baseURL: trimURL(baseURL), apiKey: apiKey, http: hc}
}

// EspoFactory builds the /kobo-to-espocrm target.
func EspoFactory(hc *http.Client) Factory {
	return func(h Headers, fields domain.Fields) (Client, Profile, error) {
		v, err := h.Require("targeturl", "targetkey")
		if err != nil {
			return nil, Profile{}, err
		}
		return NewEspoCRM(v[0], v[1], hc), Profile{
			Name:       "espocrm",
			Directives: directive.Options{Delimiter: ".", Reserved: directive.DefaultReserved},
			Policy:     payload.Policy{Missing: payload.MissingSkip, Attachments: payload.AttachUpload},
		}, nil
	}
}

func (c *EspoCRM) request(ctx context.Context, method, action string, params map[string]interface{}) (map[string]interface{}, error) {
	u := c.baseURL + "/api/v1/" + action
	var body interface{}
	if method == http.MethodGet {
		if q := buildQuery(params); q != "" {
			u += "?" + q
		}
	} else {
		body = params
	}

	resp, err := doJSON(ctx, c.http, method, u, map[string]string{"X-Api-Key": c.apiKey}, body)
	if err != nil {
		return nil, transportError(espoName, err)
	}
	if resp.StatusCode != http.StatusOK {
		reason := resp.Header.Get("X-Status-Reason")
		if reason == "" {
			reason = "Unknown Error"
		}
		return nil, &Error{
			Target:     espoName,
			StatusCode: resp.StatusCode,
			Body:       fmt.Sprintf("Wrong request, status code is %d, reason is %s", resp.StatusCode, reason),
		}
	}
	if len(resp.Body) == 0 {
		return nil, &Error{Target: espoName, StatusCode: resp.StatusCode, Body: "Wrong request, content response is empty"}
	}
	out, ok := resp.decode().(map[string]interface{})
	if !ok {
		return nil, &Error{Target: espoName, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return out, nil
}

// Create posts a new record of entity.
func (c *EspoCRM) Create(ctx context.Context, entity string, fields map[string]interface{}) (interface{}, error) {
	out, err := c.request(ctx, http.MethodPost, entity, fields)
	if err != nil {
		return nil, err
	}
	return checkID(out)
}

// Update finds the single record whose key field contains the key value and updates it.
func (c *EspoCRM) Update(ctx context.Context, entity string, key domain.UpdateKey, fields map[string]interface{}) (interface{}, error) {
	records, err := c.list(ctx, entity, "contains", key.Field, key.Value)
	if err != nil {
		return nil, err
	}
	if len(records) != 1 {
		return nil, &payload.MappingError{Message: fmt.Sprintf("Found %d records of entity %s with field %s equal to %s",
			len(records), entity, key.Field, kobo.String(key.Value))}
	}
	out, err := c.request(ctx, http.MethodPut, entity+"/"+kobo.String(records[0]["id"]), fields)
	if err != nil {
		return nil, err
	}
	return checkID(out)
}

// Find returns the records of entity whose field equals value.
func (c *EspoCRM) Find(ctx context.Context, entity, field string, value interface{}) ([]domain.Record, error) {
	return c.list(ctx, entity, "equals", field, value)
}

// UploadAttachment stores the file as an Attachment record and returns its id.
func (c *EspoCRM) UploadAttachment(ctx context.Context, up domain.AttachmentUpload) (string, error) {
	out, err := c.request(ctx, http.MethodPost, "Attachment", map[string]interface{}{
		"name":        up.Name,
		"type":        up.MimeType,
		"role":        "Attachment",
		"relatedType": up.Entity,
		"field":       up.Field,
		"file":        up.DataURI,
	})
	if err != nil {
		return "", err
	}
	id := kobo.String(out["id"])
	if id == "" {
		return "", &Error{Target: espoName, StatusCode: http.StatusOK, Body: "attachment response has no id"}
	}
	return id, nil
}

func (c *EspoCRM) list(ctx context.Context, entity, op, field string, value interface{}) ([]domain.Record, error) {
	out, err := c.request(ctx, http.MethodGet, entity, map[string]interface{}{
		"where": []interface{}{
			map[string]interface{}{"type": op, "attribute": field, "value": value},
		},
	})
	if err != nil {
		return nil, err
	}
	raw, _ := out["list"].([]interface{})
	records := make([]domain.Record, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]interface{}); ok {
			records = append(records, domain.Record(m))
		}
	}
	return records, nil
}

func checkID(out map[string]interface{}) (interface{}, error) {
	if _, ok := out["id"]; !ok {
		return nil, &Error{Target: espoName, StatusCode: http.StatusOK, Body: fmt.Sprintf("response without id: %v", out)}
	}
	return out, nil
}

// buildQuery encodes nested params the way PHP's http_build_query does,
// e.g. where[0][type]=equals.
func buildQuery(params map[string]interface{}) string {
	vals := url.Values{}
	for k, v := range params {
		flattenQuery(k, v, vals)
	}
	return vals.Encode()
}

func flattenQuery(prefix string, v interface{}, vals url.Values) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, x := range t {
			flattenQuery(prefix+"["+k+"]", x, vals)
		}
	case []interface{}:
		for i, x := range t {
			flattenQuery(fmt.Sprintf("%s[%d]", prefix, i), x, vals)
		}
	default:
		vals.Set(prefix, kobo.String(v))
	}
}
