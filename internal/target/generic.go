package target

import (
	"context"
	"net/http"

	"kobo_connect/internal/directive"
	"kobo_connect/internal/domain"
	"kobo_connect/internal/payload"
)

const genericName = "target"

// GenericDefaultEntity receives single-segment mapping targets.
const GenericDefaultEntity = "payload"

// Generic posts JSON payloads to an arbitrary webhook with an x-api-key header.
type Generic struct {
	unsupported
	url  string
	key  string
	http *http.Client
}

// NewGeneric creates a client posting to url.
func NewGeneric(url, key string, hc *http.Client) *Generic {
	return &Generic{unsupported: unsupported{name: genericName}, url: trimURL(url), key: key, http: hc}
}

// GenericFactory builds the /kobo-to-generic target.
func GenericFactory(hc *http.Client) Factory {
	return func(h Headers, fields domain.Fields) (Client, Profile, error) {
		v, err := h.Require("targeturl")
		if err != nil {
			return nil, Profile{}, err
		}
		return NewGeneric(v[0], h.Get("targetkey"), hc), Profile{
			Name: "generic",
			Directives: directive.Options{
				Delimiter:     ".",
				DefaultEntity: GenericDefaultEntity,
				Reserved:      directive.DefaultReserved,
			},
			Policy: payload.Policy{Missing: payload.MissingSkip, Attachments: payload.AttachInline},
		}, nil
	}
}

// Create posts fields to the target URL, or to <url>/<entity> for named entities.
func (c *Generic) Create(ctx context.Context, entity string, fields map[string]interface{}) (interface{}, error) {
	u := c.url
	if entity != GenericDefaultEntity {
		u += "/" + entity
	}
	header := map[string]string{}
	if c.key != "" {
		header["x-api-key"] = c.key
	}
	resp, err := doJSON(ctx, c.http, http.MethodPost, u, header, fields)
	if err != nil {
		return nil, transportError(genericName, err)
	}
	if !resp.ok() {
		return nil, &Error{Target: genericName, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return resp.decode(), nil
}

// Update is not offered by generic webhooks.
func (c *Generic) Update(ctx context.Context, entity string, key domain.UpdateKey, fields map[string]interface{}) (interface{}, error) {
	return nil, &ConfigError{Message: "updaterecordby is not supported by the generic target"}
}
