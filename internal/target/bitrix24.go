package target

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"kobo_connect/internal/directive"
	"kobo_connect/internal/domain"
	"kobo_connect/internal/kobo"
	"kobo_connect/internal/payload"
)

const bitrixName = "Bitrix24"

// bitrixEntity receives every mapped field unless the target path names a
// numeric smart process id.
const bitrixEntity = "item"

// DefaultBitrixUser is the REST user id of incoming webhooks when no
// targetuser header is sent.
const DefaultBitrixUser = "3060"

// Bitrix24 calls the crm.item.* REST methods of an incoming webhook.
type Bitrix24 struct {
	baseURL      string
	entityTypeID int
	http         *http.Client
}

// NewBitrix24 creates a client for <url>/rest/<user>/<key>/.
func NewBitrix24(baseURL, user, key string, entityTypeID int, hc *http.Client) *Bitrix24 {
	return &Bitrix24{
		baseURL:      trimURL(baseURL) + "/rest/" + user + "/" + key + "/",
		entityTypeID: entityTypeID,
		http:         hc,
	}
}

// BitrixFactory builds the /kobo-to-bitrix24 target.
func BitrixFactory(hc *http.Client) Factory {
	return func(h Headers, fields domain.Fields) (Client, Profile, error) {
		v, err := h.Require("targeturl", "targetkey", "entitytypeid")
		if err != nil {
			return nil, Profile{}, err
		}
		typeID, err := strconv.Atoi(v[2])
		if err != nil {
			return nil, Profile{}, &ConfigError{Message: "'entitytypeid' must be an integer"}
		}
		user := h.Get("targetuser")
		if user == "" {
			user = DefaultBitrixUser
		}
		return NewBitrix24(v[0], user, v[1], typeID, hc), Profile{
			Name: "bitrix24",
			Directives: directive.Options{
				Delimiter:     ":",
				DefaultEntity: bitrixEntity,
				Reserved:      append([]string{"targetuser"}, directive.DefaultReserved...),
				Entity:        bitrixEntityOf,
			},
			Policy:            payload.Policy{Missing: payload.MissingSkip, Attachments: payload.AttachInline},
			PassthroughStatus: true,
		}, nil
	}
}

// bitrixEntityOf folds named prefixes ("contact:TITLE", "lead:PHONE") onto
// the single item created per submission.
func bitrixEntityOf(token string) string {
	if _, err := strconv.Atoi(token); err == nil {
		return token
	}
	return bitrixEntity
}

// typeFor maps an entity token to a Bitrix entityTypeId. Numeric tokens
// select that smart process; anything else uses the entitytypeid header.
func (c *Bitrix24) typeFor(entity string) int {
	if n, err := strconv.Atoi(entity); err == nil {
		return n
	}
	return c.entityTypeID
}

func (c *Bitrix24) call(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	resp, err := doJSON(ctx, c.http, http.MethodPost, c.baseURL+method+".json", nil, params)
	if err != nil {
		return nil, transportError(bitrixName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Target: bitrixName, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	out, ok := resp.decode().(map[string]interface{})
	if !ok {
		return nil, &Error{Target: bitrixName, StatusCode: http.StatusInternalServerError, Body: string(resp.Body)}
	}
	if _, ok := out["result"]; !ok {
		return nil, &Error{Target: bitrixName, StatusCode: http.StatusInternalServerError, Body: "Bitrix24 rejected the request: " + string(resp.Body)}
	}
	return out, nil
}

// Create adds a CRM item.
func (c *Bitrix24) Create(ctx context.Context, entity string, fields map[string]interface{}) (interface{}, error) {
	return c.call(ctx, "crm.item.add", map[string]interface{}{
		"entityTypeId": c.typeFor(entity),
		"fields":       fields,
	})
}

// Update changes the single item whose key field equals the key value.
func (c *Bitrix24) Update(ctx context.Context, entity string, key domain.UpdateKey, fields map[string]interface{}) (interface{}, error) {
	items, err := c.Find(ctx, entity, key.Field, key.Value)
	if err != nil {
		return nil, err
	}
	if len(items) != 1 {
		return nil, &payload.MappingError{Message: fmt.Sprintf("Found %d records of entity %s with field %s equal to %s",
			len(items), entity, key.Field, kobo.String(key.Value))}
	}
	return c.call(ctx, "crm.item.update", map[string]interface{}{
		"entityTypeId": c.typeFor(entity),
		"id":           items[0]["id"],
		"fields":       fields,
	})
}

// Find lists items of entity whose field equals value.
func (c *Bitrix24) Find(ctx context.Context, entity, field string, value interface{}) ([]domain.Record, error) {
	out, err := c.call(ctx, "crm.item.list", map[string]interface{}{
		"entityTypeId": c.typeFor(entity),
		"filter":       map[string]interface{}{field: value},
		"select":       []string{"id"},
	})
	if err != nil {
		return nil, err
	}
	result, _ := out["result"].(map[string]interface{})
	raw, _ := result["items"].([]interface{})
	items := make([]domain.Record, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]interface{}); ok {
			items = append(items, domain.Record(m))
		}
	}
	return items, nil
}

// UploadAttachment is not used: Bitrix24 takes files inline.
func (c *Bitrix24) UploadAttachment(ctx context.Context, up domain.AttachmentUpload) (string, error) {
	return unsupported{name: bitrixName}.UploadAttachment(ctx, up)
}
