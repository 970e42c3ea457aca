package repository

import (
	"context"
	"fmt"
	"time"

	"kobo_connect/internal/config"
	"kobo_connect/internal/domain"
	"kobo_connect/pkg/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepo implements EventRepository for MongoDB
type MongoRepo struct {
	collection *mongo.Collection
}

// NewMongoRepo creates the events repository on the named collection
func NewMongoRepo(db *config.MongoDatabase, collection string) *MongoRepo {
	coll := db.Database.Collection(collection)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "target", Value: 1}, {Key: "outcome", Value: 1}}},
		{Keys: bson.D{{Key: "submission_id", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		logger.Warnf("failed to create event indexes on %s: %v", collection, err)
	}

	return &MongoRepo{collection: coll}
}

// Insert writes events with an unordered batch so one bad document does not
// block the rest.
func (r *MongoRepo) Insert(ctx context.Context, events []domain.DeliveryEvent) error {
	if len(events) == 0 {
		return nil
	}

	docs := make([]interface{}, len(events))
	for i, ev := range events {
		docs[i] = ev
	}

	opts := options.InsertMany().SetOrdered(false)
	result, err := r.collection.InsertMany(ctx, docs, opts)
	if err != nil {
		inserted := 0
		if result != nil {
			inserted = len(result.InsertedIDs)
		}
		return fmt.Errorf("batch insert failed (inserted %d/%d): %w", inserted, len(docs), err)
	}

	logger.Debugf("inserted %d delivery events", len(result.InsertedIDs))
	return nil
}

func mongoFilter(filter domain.EventFilter) bson.M {
	query := bson.M{}
	if filter.Target != "" {
		query["target"] = filter.Target
	}
	if filter.Outcome != "" {
		query["outcome"] = filter.Outcome
	}
	if filter.Since != nil {
		query["timestamp"] = bson.M{"$gte": *filter.Since}
	}
	return query
}

// Query retrieves events, newest first
func (r *MongoRepo) Query(ctx context.Context, filter domain.EventFilter) ([]domain.DeliveryEvent, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetProjection(bson.M{"_id": 0})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := r.collection.Find(ctx, mongoFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("event query failed: %w", err)
	}
	defer cursor.Close(ctx)

	results := []domain.DeliveryEvent{}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("event cursor decode failed: %w", err)
	}
	return results, nil
}

// Count returns number of events matching filter
func (r *MongoRepo) Count(ctx context.Context, filter domain.EventFilter) (int64, error) {
	return r.collection.CountDocuments(ctx, mongoFilter(filter))
}

// Type returns database type
func (r *MongoRepo) Type() string {
	return "mongo"
}
