// Package directive parses mapping headers of the form
// "<source-field>[modifier] -> <target-path>" into typed directives.
package directive

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Directive is one parsed header. The concrete types are Plain, Multi,
// Repeat, Relation and Control.
type Directive interface {
	header() string
}

// Plain copies a submission field to entity.field.
type Plain struct {
	Header string
	Source string
	Entity string
	Field  string
}

// Multi splits a space separated select_multiple answer into a list.
type Multi struct {
	Header string
	Source string
	Entity string
	Field  string
}

// Repeat reads SubField from the Index-th element of a repeat group.
type Repeat struct {
	Header   string
	Source   string
	Index    int
	SubField string
	Entity   string
	Field    string
}

// Relation resolves the value to the id of the single LinkedEntity record
// whose RelatedField equals it, and writes it to Entity.<LinkedEntity>Id.
type Relation struct {
	Header       string
	Source       string
	Entity       string
	LinkedEntity string
	RelatedField string
}

// Control changes orchestration instead of producing a field.
// For updaterecordby, Entity and Field name the lookup key of the record to update.
type Control struct {
	Name   string
	Entity string
	Field  string
}

func (d Plain) header() string    { return d.Header }
func (d Multi) header() string    { return d.Header }
func (d Repeat) header() string   { return d.Header }
func (d Relation) header() string { return d.Header }
func (d Control) header() string  { return d.Name }

// UpdateRecordBy is the control header that turns creates into updates.
const UpdateRecordBy = "updaterecordby"

// DefaultReserved lists transport and credential headers that never map fields.
var DefaultReserved = []string{
	"targeturl", "targetkey", "targetapikey", "kobotoken", "koboasset",
	"entitytypeid", "programid", "referenceid", "url121", "username121", "password121",
	"host", "content-type", "content-length", "user-agent", "accept", "accept-encoding",
	"accept-language", "connection", "authorization", "cookie", "origin", "referer",
	"x-request-id", "x-forwarded-for", "x-forwarded-proto", "x-forwarded-host",
	"x-real-ip", "x-original-url", "x-arr-log-id", "x-arr-ssl", "x-site-deployment-id",
	"x-waws-unencoded-url", "x-client-ip", "x-client-port", "max-forwards",
	"disguised-host", "was-default-hostname", "traceparent", "tracestate",
}

// Options selects the per-target syntax.
type Options struct {
	// Delimiter separates modifier, entity and field tokens ("." or ":").
	Delimiter string
	// DefaultEntity receives single-segment targets. Empty means such
	// headers are skipped.
	DefaultEntity string
	// Reserved header names, compared lower-case.
	Reserved []string
	// Entity, when set, rewrites the entity token of every target path,
	// for targets that only know a fixed set of entities.
	Entity func(token string) string
}

// ParseError is a malformed directive. Headers are operator configuration,
// so it surfaces as a client configuration error.
type ParseError struct {
	Header string
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid mapping header %q: %q: %s", e.Header, e.Value, e.Reason)
}

// Parse turns header pairs into directives. Header names are lower-cased and
// evaluated in lexical order; values keep their case. Pairs that are not
// mapping directives (reserved names, empty values, unsupported segment
// counts) are skipped.
func Parse(headers map[string]string, opts Options) ([]Directive, error) {
	delim := opts.Delimiter
	if delim == "" {
		delim = "."
	}
	reserved := make(map[string]struct{}, len(opts.Reserved))
	for _, r := range opts.Reserved {
		reserved[strings.ToLower(r)] = struct{}{}
	}

	names := make([]string, 0, len(headers))
	lowered := make(map[string]string, len(headers))
	for k, v := range headers {
		name := strings.ToLower(strings.TrimSpace(k))
		names = append(names, name)
		lowered[name] = v
	}
	sort.Strings(names)

	out := make([]Directive, 0, len(names))
	for _, name := range names {
		value := strings.TrimSpace(lowered[name])
		if value == "" {
			continue
		}
		if _, skip := reserved[name]; skip {
			continue
		}

		d, err := parseOne(name, value, delim, opts)
		if err != nil {
			return nil, err
		}
		if d != nil {
			out = append(out, d)
		}
	}
	return out, nil
}

func parseOne(name, value, delim string, opts Options) (Directive, error) {
	entityOf := func(token string) string {
		if opts.Entity != nil {
			return opts.Entity(token)
		}
		return token
	}

	if name == UpdateRecordBy {
		parts := strings.Split(value, delim)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, &ParseError{Header: name, Value: value, Reason: "expected <entity>" + delim + "<field>"}
		}
		return Control{Name: UpdateRecordBy, Entity: entityOf(parts[0]), Field: parts[1]}, nil
	}

	multiPrefix := "multi" + delim
	repeatPrefix := "repeat" + delim

	source := name
	multi := false
	var repeat *Repeat

	switch {
	case strings.HasPrefix(name, multiPrefix):
		source = strings.TrimPrefix(name, multiPrefix)
		multi = true
	case strings.HasPrefix(name, repeatPrefix):
		parts := strings.Split(strings.TrimPrefix(name, repeatPrefix), delim)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, &ParseError{Header: name, Value: value,
				Reason: fmt.Sprintf("expected repeat%s<field>%s<index>%s<subfield>", delim, delim, delim)}
		}
		idx, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, &ParseError{Header: name, Value: value, Reason: "repeat index must be an integer"}
		}
		source = parts[0]
		repeat = &Repeat{Header: name, Source: parts[0], Index: idx, SubField: parts[2]}
	}

	// the modifier may also sit on the target path
	target := value
	if strings.HasPrefix(strings.ToLower(target), multiPrefix) {
		target = target[len(multiPrefix):]
		multi = true
	}
	if source == "" {
		return nil, &ParseError{Header: name, Value: value, Reason: "missing source field"}
	}
	if multi && repeat != nil {
		return nil, &ParseError{Header: name, Value: value, Reason: "multi and repeat cannot be combined"}
	}

	segments := strings.Split(target, delim)
	for _, s := range segments {
		if s == "" {
			return nil, nil
		}
	}

	var entity, field string
	switch len(segments) {
	case 1:
		if opts.DefaultEntity == "" {
			return nil, nil
		}
		entity, field = opts.DefaultEntity, segments[0]
	case 2:
		entity, field = entityOf(segments[0]), segments[1]
	case 3:
		if multi || repeat != nil {
			return nil, &ParseError{Header: name, Value: value, Reason: "relation targets take a plain source field"}
		}
		return Relation{Header: name, Source: source, Entity: entityOf(segments[0]), LinkedEntity: segments[1], RelatedField: segments[2]}, nil
	default:
		return nil, nil
	}

	switch {
	case multi:
		return Multi{Header: name, Source: source, Entity: entity, Field: field}, nil
	case repeat != nil:
		repeat.Entity, repeat.Field = entity, field
		return *repeat, nil
	default:
		return Plain{Header: name, Source: source, Entity: entity, Field: field}, nil
	}
}

// HeaderOf returns the header a directive came from, for error messages.
func HeaderOf(d Directive) string {
	return d.header()
}
