// Package ledger records the processing status of every submission so a
// redelivered webhook is never processed twice to completion.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kobo_connect/internal/domain"
)

var (
	// ErrStillProcessing is returned by Admit while another request holds the submission.
	ErrStillProcessing = errors.New("Submission is still being processed.")
	// ErrNotFound is returned by Store.Get for unknown submissions.
	ErrNotFound = errors.New("submission not found")
)

// Store is a key-value store with atomic create-if-absent.
type Store interface {
	// CreateIfAbsent inserts rec unless (rec.ID, rec.GroupID) exists. It
	// returns the stored record and whether it was created by this call.
	CreateIfAbsent(ctx context.Context, rec domain.SubmissionRecord) (domain.SubmissionRecord, bool, error)
	// Replace overwrites the record with the same key.
	Replace(ctx context.Context, rec domain.SubmissionRecord) error
	// Swap overwrites the record only while its stored status is still
	// from. It reports false when another writer moved it first.
	Swap(ctx context.Context, rec domain.SubmissionRecord, from domain.SubmissionStatus) (bool, error)
	Get(ctx context.Context, id, groupID string) (domain.SubmissionRecord, error)
	Type() string
}

// FailureError is returned by Finalize for failed submissions. Message is
// the text stored in the ledger and shown to the caller.
type FailureError struct {
	Message string
	Cause   error
	// StoreErr is set when the failed status could not be persisted.
	StoreErr error
}

func (e *FailureError) Error() string { return e.Message }

func (e *FailureError) Unwrap() error { return e.Cause }

// Admission is the result of Admit.
type Admission struct {
	Record domain.SubmissionRecord
	// Duplicate means the submission already succeeded and must not be delivered again.
	Duplicate bool
}

// finalizeTimeout bounds the terminal write, which runs detached from the
// request context.
const finalizeTimeout = 10 * time.Second

// Ledger drives the pending -> success|failed lifecycle on top of a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a Ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Type returns the backing store type.
func (l *Ledger) Type() string { return l.store.Type() }

// Admit claims a submission for processing.
func (l *Ledger) Admit(ctx context.Context, id, groupID string) (Admission, error) {
	now := l.now()
	rec := domain.SubmissionRecord{
		ID:        id,
		GroupID:   groupID,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	stored, created, err := l.store.CreateIfAbsent(ctx, rec)
	if err != nil {
		return Admission{}, fmt.Errorf("ledger admit: %w", err)
	}
	if created {
		return Admission{Record: stored}, nil
	}

	switch stored.Status {
	case domain.StatusPending:
		return Admission{Record: stored}, ErrStillProcessing
	case domain.StatusSuccess:
		return Admission{Record: stored, Duplicate: true}, nil
	default:
		// a failed submission may be retried by the platform, once
		stored.Status = domain.StatusPending
		stored.ErrorMessage = ""
		stored.UpdatedAt = now
		swapped, err := l.store.Swap(ctx, stored, domain.StatusFailed)
		if err != nil {
			return Admission{}, fmt.Errorf("ledger readmit: %w", err)
		}
		if !swapped {
			return Admission{Record: stored}, ErrStillProcessing
		}
		return Admission{Record: stored}, nil
	}
}

// Finalize moves rec to a terminal status. For StatusFailed it always
// returns a *FailureError carrying cause, so recording and reporting the
// failure cannot be separated. The write outlives cancellation of ctx: a
// record left pending would block every redelivery.
func (l *Ledger) Finalize(ctx context.Context, rec domain.SubmissionRecord, status domain.SubmissionStatus, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	rec.Status = status
	rec.ErrorMessage = ""
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	}
	rec.UpdatedAt = l.now()

	storeErr := l.store.Replace(ctx, rec)

	if status == domain.StatusFailed {
		msg := rec.ErrorMessage
		if msg == "" {
			msg = "submission failed"
		}
		return &FailureError{Message: msg, Cause: cause, StoreErr: storeErr}
	}
	if storeErr != nil {
		return fmt.Errorf("ledger finalize: %w", storeErr)
	}
	return nil
}

// Get reads a record.
func (l *Ledger) Get(ctx context.Context, id, groupID string) (domain.SubmissionRecord, error) {
	return l.store.Get(ctx, id, groupID)
}

// Key is the storage key used by stores without composite keys.
func Key(id, groupID string) string {
	return groupID + "/" + id
}
