package kobo

import (
	"sort"
	"strings"

	"kobo_connect/internal/domain"
)

// Normalize lower-cases every key and drops group prefixes, keeping only the
// segment after the last "/". Colliding keys are resolved last-writer-wins in
// lexical order of the original keys so the result is deterministic.
func Normalize(raw map[string]interface{}) domain.Fields {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(domain.Fields, len(raw))
	for _, k := range keys {
		out[FieldName(k)] = raw[k]
	}
	return out
}

// FieldName returns the normalized name of a single submission key.
func FieldName(key string) string {
	key = strings.ToLower(key)
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	return key
}

// Identity holds the correlation fields read from a raw submission.
type Identity struct {
	SubmissionID string // _uuid
	GroupID      string // formhub/uuid
	FormID       string // _xform_id_string
	FormVersion  string // __version__
	InternalID   string // _id
}

// ReadIdentity extracts correlation identifiers from the raw document.
// SubmissionID and GroupID are required; the rest are only used for logging.
func ReadIdentity(raw map[string]interface{}) (Identity, bool) {
	id := Identity{
		SubmissionID: String(raw["_uuid"]),
		GroupID:      String(raw["formhub/uuid"]),
		FormID:       String(raw["_xform_id_string"]),
		FormVersion:  String(raw["__version__"]),
		InternalID:   String(raw["_id"]),
	}
	return id, id.SubmissionID != "" && id.GroupID != ""
}

// LogFields returns the correlation fields attached to every log line.
func (id Identity) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"kobo_form_id":       id.FormID,
		"kobo_form_version":  id.FormVersion,
		"kobo_submission_id": id.InternalID,
		"submission_uuid":    id.SubmissionID,
	}
}
