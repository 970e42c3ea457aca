package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kobo_connect/internal/config"
	"kobo_connect/internal/domain"
	"kobo_connect/pkg/logger"

	influxdb3 "github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
)

const eventMeasurement = "delivery_events"

// InfluxRepo implements EventRepository for InfluxDB 3
type InfluxRepo struct {
	db *config.InfluxDatabase
}

// NewInfluxRepo creates a new InfluxDB repository
func NewInfluxRepo(db *config.InfluxDatabase) *InfluxRepo {
	return &InfluxRepo{db: db}
}

func (r *InfluxRepo) client() (*influxdb3.Client, error) {
	if r.db == nil || r.db.Client == nil {
		return nil, fmt.Errorf("InfluxDB client is nil - database not initialized")
	}
	return r.db.Client, nil
}

// Insert writes events as points of the delivery_events measurement
func (r *InfluxRepo) Insert(ctx context.Context, events []domain.DeliveryEvent) error {
	client, err := r.client()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	points := make([]*influxdb3.Point, 0, len(events))
	for _, ev := range events {
		points = append(points, eventToPoint(ev))
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := client.WritePoints(ctx, points); err != nil {
		return fmt.Errorf("WritePoints failed: %w (points: %d, db: %s)", err, len(points), r.db.Database)
	}
	logger.Debugf("wrote %d delivery events to InfluxDB", len(points))
	return nil
}

func eventToPoint(ev domain.DeliveryEvent) *influxdb3.Point {
	tags := map[string]string{
		"target":  ev.Target,
		"outcome": string(ev.Outcome),
		"form_id": ev.FormID,
	}
	fields := map[string]interface{}{
		"form_version":  ev.FormVersion,
		"submission_id": ev.SubmissionID,
		"group_id":      ev.GroupID,
		"request_id":    ev.RequestID,
		"entities":      int64(ev.Entities),
		"detail":        ev.Detail,
		"duration_ms":   ev.DurationMs,
	}
	return influxdb3.NewPoint(eventMeasurement, tags, fields, ev.Timestamp)
}

// where renders filter as SQL conditions. Values are quoted with doubled
// single quotes since the v3 SQL endpoint has no bind parameters here.
func where(filter domain.EventFilter) string {
	var b strings.Builder
	b.WriteString(" WHERE 1=1")
	if filter.Target != "" {
		fmt.Fprintf(&b, " AND target = %s", quote(filter.Target))
	}
	if filter.Outcome != "" {
		fmt.Fprintf(&b, " AND outcome = %s", quote(string(filter.Outcome)))
	}
	if filter.Since != nil {
		fmt.Fprintf(&b, " AND time >= '%s'", filter.Since.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Query retrieves events, newest first
func (r *InfluxRepo) Query(ctx context.Context, filter domain.EventFilter) ([]domain.DeliveryEvent, error) {
	client, err := r.client()
	if err != nil {
		return nil, err
	}

	query := "SELECT * FROM " + eventMeasurement + where(filter) + " ORDER BY time DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	iterator, err := client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w (query: %s)", err, query)
	}

	results := []domain.DeliveryEvent{}
	for iterator.Next() {
		results = append(results, rowToEvent(iterator.Value()))
	}
	return results, nil
}

func rowToEvent(value map[string]interface{}) domain.DeliveryEvent {
	ev := domain.DeliveryEvent{
		Target:       getStringValue(value, "target"),
		Outcome:      domain.Outcome(getStringValue(value, "outcome")),
		FormID:       getStringValue(value, "form_id"),
		FormVersion:  getStringValue(value, "form_version"),
		SubmissionID: getStringValue(value, "submission_id"),
		GroupID:      getStringValue(value, "group_id"),
		RequestID:    getStringValue(value, "request_id"),
		Detail:       getStringValue(value, "detail"),
		Entities:     int(getIntValue(value, "entities")),
		DurationMs:   getIntValue(value, "duration_ms"),
	}
	if ts, ok := value["time"].(time.Time); ok {
		ev.Timestamp = ts
	}
	return ev
}

// Count returns number of matching events
func (r *InfluxRepo) Count(ctx context.Context, filter domain.EventFilter) (int64, error) {
	client, err := r.client()
	if err != nil {
		return 0, err
	}

	iterator, err := client.Query(ctx, "SELECT COUNT(*) AS count FROM "+eventMeasurement+where(filter))
	if err != nil {
		return 0, fmt.Errorf("count query failed: %w", err)
	}
	if iterator.Next() {
		return getIntValue(iterator.Value(), "count"), nil
	}
	return 0, nil
}

// Type returns database type
func (r *InfluxRepo) Type() string {
	return "influx"
}

func getStringValue(data map[string]interface{}, key string) string {
	if val, ok := data[key].(string); ok {
		return val
	}
	return ""
}

func getIntValue(data map[string]interface{}, key string) int64 {
	switch val := data[key].(type) {
	case int:
		return int64(val)
	case int64:
		return val
	case uint64:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}
