package repository

import (
	"context"

	"kobo_connect/internal/domain"
)

// EventRepository stores delivery audit events
type EventRepository interface {
	// Insert writes multiple events
	Insert(ctx context.Context, events []domain.DeliveryEvent) error

	// Query retrieves the newest events matching filter
	Query(ctx context.Context, filter domain.EventFilter) ([]domain.DeliveryEvent, error)

	// Count returns number of events matching filter
	Count(ctx context.Context, filter domain.EventFilter) (int64, error)

	// Type returns database type
	Type() string
}

// NopRepo discards events. Used when EVENTS_BACKEND=none.
type NopRepo struct{}

func (NopRepo) Insert(ctx context.Context, events []domain.DeliveryEvent) error { return nil }

func (NopRepo) Query(ctx context.Context, filter domain.EventFilter) ([]domain.DeliveryEvent, error) {
	return []domain.DeliveryEvent{}, nil
}

func (NopRepo) Count(ctx context.Context, filter domain.EventFilter) (int64, error) { return 0, nil }

func (NopRepo) Type() string { return "none" }
