package domain

import "time"

// SubmissionStatus is the ledger state of one Kobo submission.
type SubmissionStatus string

const (
	StatusPending SubmissionStatus = "pending"
	StatusSuccess SubmissionStatus = "success"
	StatusFailed  SubmissionStatus = "failed"
)

// SubmissionRecord is the ledger entry keyed by (ID, GroupID).
// ID is the submission _uuid, GroupID the form template uuid (formhub/uuid).
type SubmissionRecord struct {
	ID           string           `json:"id" bson:"id" dynamodbav:"id"`
	GroupID      string           `json:"uuid" bson:"uuid" dynamodbav:"uuid"`
	Status       SubmissionStatus `json:"status" bson:"status" dynamodbav:"status"`
	ErrorMessage string           `json:"error_message,omitempty" bson:"error_message,omitempty" dynamodbav:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at" bson:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" bson:"updated_at" dynamodbav:"updated_at"`
}

// Fields is a normalized submission: lower-cased keys without group prefixes.
type Fields map[string]interface{}

// AttachmentDescriptor is one entry of a submission's _attachments list.
type AttachmentDescriptor struct {
	Filename         string `json:"filename"`
	DownloadURL      string `json:"download_url"`
	DownloadLargeURL string `json:"download_large_url"`
	MimeType         string `json:"mimetype"`
}

// Attachment is a resolved download location.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimetype"`
}

// AttachmentIndex maps a sanitized filename to its download location.
type AttachmentIndex map[string]Attachment

// AttachmentUpload is a file to be stored as a record in the target system.
type AttachmentUpload struct {
	Name     string
	MimeType string
	Entity   string
	Field    string
	DataURI  string
}

// Record is one record returned by a target system lookup.
type Record map[string]interface{}

// EntityPayloads maps a target entity to the fields written to it.
type EntityPayloads map[string]map[string]interface{}

// UpdateKey identifies an existing record to update instead of creating one.
type UpdateKey struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// Outcome is the terminal state of one delivery attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "skipped-duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomePreview   Outcome = "preview"
)

// DeliveryEvent is the audit trail of one processed webhook.
type DeliveryEvent struct {
	Target       string    `json:"target" bson:"target"`
	FormID       string    `json:"form_id" bson:"form_id"`
	FormVersion  string    `json:"form_version" bson:"form_version"`
	SubmissionID string    `json:"submission_id" bson:"submission_id"`
	GroupID      string    `json:"group_id" bson:"group_id"`
	RequestID    string    `json:"request_id" bson:"request_id"`
	Outcome      Outcome   `json:"outcome" bson:"outcome"`
	Entities     int       `json:"entities" bson:"entities"`
	Detail       string    `json:"detail,omitempty" bson:"detail,omitempty"`
	DurationMs   int64     `json:"duration_ms" bson:"duration_ms"`
	Timestamp    time.Time `json:"timestamp" bson:"timestamp"`
}

// EventFilter narrows delivery event queries.
type EventFilter struct {
	Target  string     `json:"target,omitempty"`
	Outcome Outcome    `json:"outcome,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
	Limit   int        `json:"limit"`
}

// Stats summarizes delivery activity.
type Stats struct {
	Received     uint64                 `json:"received"`
	Succeeded    uint64                 `json:"succeeded"`
	Failed       uint64                 `json:"failed"`
	Duplicates   uint64                 `json:"duplicates"`
	Skipped      uint64                 `json:"skipped"`
	Uploads      uint64                 `json:"attachment_uploads"`
	SuccessRate  float64                `json:"success_rate"`
	Targets      []string               `json:"targets"`
	BufferSize   int                    `json:"buffer_size"`
	EventBackend string                 `json:"event_backend"`
	EventCounts  map[Outcome]int64      `json:"event_counts,omitempty"`
	Writer       map[string]interface{} `json:"event_writer,omitempty"`
	Sessions     map[string]interface{} `json:"sessions,omitempty"`
}
