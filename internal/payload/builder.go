// Package payload evaluates mapping directives against a normalized
// submission and produces one field map per target entity.
package payload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"kobo_connect/internal/directive"
	"kobo_connect/internal/domain"
	"kobo_connect/internal/kobo"
)

// MissingPolicy decides what a plain directive writes when its source field is absent.
type MissingPolicy int

const (
	// MissingSkip leaves the target field out.
	MissingSkip MissingPolicy = iota
	// MissingEmpty writes "" to the target field.
	MissingEmpty
)

// AttachmentMode decides how a field that names an attachment is written.
type AttachmentMode string

const (
	// AttachInline writes a data:<mime>;base64,<bytes> URI to the field.
	AttachInline AttachmentMode = "inline"
	// AttachUpload creates an attachment record and writes its id to <field>Id.
	AttachUpload AttachmentMode = "upload"
	// AttachLink writes the download URL to the field.
	AttachLink AttachmentMode = "link"
)

// Policy is the per-target evaluation behaviour.
type Policy struct {
	Missing     MissingPolicy
	Attachments AttachmentMode
	IntFields   []string
	TextFields  []string
}

// Resolver performs the downstream reads and uploads the builder needs.
type Resolver interface {
	Find(ctx context.Context, entity, field string, value interface{}) ([]domain.Record, error)
	UploadAttachment(ctx context.Context, up domain.AttachmentUpload) (string, error)
}

// Fetcher downloads attachment bytes.
type Fetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// MappingError is a hard failure while building payloads. The submission is
// marked failed with Message.
type MappingError struct {
	Message string
}

func (e *MappingError) Error() string { return e.Message }

// NoFieldsMessage is reported when no directive produced a field.
const NoFieldsMessage = "No fields found in submission or no entities found in headers"

// Builder evaluates directives for one submission.
type Builder struct {
	Policy      Policy
	Resolver    Resolver
	Fetcher     Fetcher
	Attachments domain.AttachmentIndex
	// Preview skips attachment downloads and uploads.
	Preview bool
}

// Result is the output of Build.
type Result struct {
	Payloads domain.EntityPayloads
	// Updates holds the lookup key per entity that must be updated instead of created.
	Updates map[string]domain.UpdateKey
	// Uploads counts attachment records created downstream.
	Uploads int
}

// Build evaluates directives in order and returns the per-entity payloads.
func (b *Builder) Build(ctx context.Context, fields domain.Fields, directives []directive.Directive) (*Result, error) {
	res := &Result{
		Payloads: make(domain.EntityPayloads),
		Updates:  make(map[string]domain.UpdateKey),
	}

	excluded := map[string]bool{}
	for _, d := range directives {
		c, ok := d.(directive.Control)
		if !ok || c.Name != directive.UpdateRecordBy {
			continue
		}
		excluded[directive.UpdateRecordBy] = true
		if v, ok := fields[directive.UpdateRecordBy]; ok && v != nil && kobo.String(v) != "" {
			res.Updates[c.Entity] = domain.UpdateKey{Field: c.Field, Value: v}
		}
	}

	lookup := func(name string) (interface{}, bool) {
		if excluded[name] {
			return nil, false
		}
		v, ok := fields[name]
		return v, ok
	}

	ints := toSet(b.Policy.IntFields)
	texts := toSet(b.Policy.TextFields)

	for _, d := range directives {
		switch d := d.(type) {
		case directive.Control:
			continue

		case directive.Plain:
			v, ok := lookup(d.Source)
			if !ok {
				if b.Policy.Missing == MissingEmpty && !excluded[d.Source] {
					res.set(d.Entity, d.Field, "")
				}
				continue
			}
			if err := b.write(ctx, res, ints, texts, d, d.Entity, d.Field, v); err != nil {
				return nil, err
			}

		case directive.Multi:
			v, ok := lookup(d.Source)
			if !ok {
				continue
			}
			res.set(d.Entity, d.Field, strings.Fields(kobo.String(v)))

		case directive.Repeat:
			v, ok := repeatValue(fields, d, excluded)
			if !ok {
				continue
			}
			if err := b.write(ctx, res, ints, texts, d, d.Entity, d.Field, v); err != nil {
				return nil, err
			}

		case directive.Relation:
			v, ok := lookup(d.Source)
			if !ok {
				continue
			}
			id, err := b.resolveRelation(ctx, d, v)
			if err != nil {
				return nil, err
			}
			res.set(d.Entity, d.LinkedEntity+"Id", id)

		default:
			return nil, fmt.Errorf("unsupported directive %T", d)
		}
	}

	if len(res.Payloads) == 0 {
		return nil, &MappingError{Message: NoFieldsMessage}
	}
	return res, nil
}

func (r *Result) set(entity, field string, v interface{}) {
	p, ok := r.Payloads[entity]
	if !ok {
		p = make(map[string]interface{})
		r.Payloads[entity] = p
	}
	p[field] = v
}

func repeatValue(fields domain.Fields, d directive.Repeat, excluded map[string]bool) (interface{}, bool) {
	if excluded[d.Source] {
		return nil, false
	}
	list, ok := fields[d.Source].([]interface{})
	if !ok || d.Index < 0 || d.Index >= len(list) {
		return nil, false
	}
	elem, ok := list[d.Index].(map[string]interface{})
	if !ok {
		return nil, false
	}
	v, ok := kobo.Normalize(elem)[d.SubField]
	return v, ok
}

func (b *Builder) resolveRelation(ctx context.Context, d directive.Relation, v interface{}) (string, error) {
	if b.Resolver == nil {
		return "", &MappingError{Message: fmt.Sprintf("relation lookups are not supported for entity %s", d.LinkedEntity)}
	}
	records, err := b.Resolver.Find(ctx, d.LinkedEntity, d.RelatedField, v)
	if err != nil {
		return "", err
	}
	if len(records) != 1 {
		return "", &MappingError{Message: fmt.Sprintf("Found %d records of entity %s with field %s equal to %s",
			len(records), d.LinkedEntity, d.RelatedField, kobo.String(v))}
	}
	id := kobo.String(records[0]["id"])
	if id == "" {
		return "", &MappingError{Message: fmt.Sprintf("record of entity %s has no id", d.LinkedEntity)}
	}
	return id, nil
}

func (b *Builder) write(ctx context.Context, res *Result, ints, texts map[string]bool, d directive.Directive, entity, field string, v interface{}) error {
	if ints[field] {
		n, err := toInt(v)
		if err != nil {
			return &MappingError{Message: fmt.Sprintf("header %s: field %s: %q is not an integer",
				directive.HeaderOf(d), field, kobo.String(v))}
		}
		res.set(entity, field, n)
		return nil
	}
	if texts[field] {
		res.set(entity, field, CleanText(kobo.String(v)))
		return nil
	}

	s, isString := v.(string)
	if !isString {
		res.set(entity, field, v)
		return nil
	}
	att, ok := b.Attachments[kobo.Sanitize(s)]
	if !ok {
		res.set(entity, field, v)
		return nil
	}
	return b.writeAttachment(ctx, res, entity, field, s, att)
}

func (b *Builder) writeAttachment(ctx context.Context, res *Result, entity, field, name string, att domain.Attachment) error {
	mode := b.Policy.Attachments
	if mode == AttachLink || (b.Preview && mode == AttachInline) {
		res.set(entity, field, att.URL)
		return nil
	}
	if b.Preview {
		res.set(entity, field+"Id", "preview:"+name)
		return nil
	}

	if b.Fetcher == nil {
		return kobo.ErrMissingToken
	}
	data, err := b.Fetcher.FetchBytes(ctx, att.URL)
	if err != nil {
		return fmt.Errorf("fetch attachment %s: %w", name, err)
	}
	uri := fmt.Sprintf("data:%s;base64,%s", att.MimeType, base64.StdEncoding.EncodeToString(data))

	if mode != AttachUpload {
		res.set(entity, field, uri)
		return nil
	}
	if b.Resolver == nil {
		return &MappingError{Message: "attachment uploads are not supported by this target"}
	}
	id, err := b.Resolver.UploadAttachment(ctx, domain.AttachmentUpload{
		Name:     name,
		MimeType: att.MimeType,
		Entity:   entity,
		Field:    field,
		DataURI:  uri,
	})
	if err != nil {
		return err
	}
	res.Uploads++
	res.set(entity, field+"Id", id)
	return nil
}

func toInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("not an integer: %v", t)
		}
		return int64(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, s := range list {
		m[s] = true
	}
	return m
}
