package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"kobo_connect/internal/domain"
	"kobo_connect/pkg/logger"
)

// MongoStore keeps one document per submission, keyed by "<groupId>/<id>"
// in _id so the unique index gives create-if-absent for free.
type MongoStore struct {
	coll *mongo.Collection
}

type mongoRecord struct {
	Key                     string `bson:"_id"`
	domain.SubmissionRecord `bson:",inline"`
}

// NewMongoStore wraps a collection and creates the secondary indexes.
func NewMongoStore(ctx context.Context, db *mongo.Database, collection string) (*MongoStore, error) {
	s := &MongoStore{coll: db.Collection(collection)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "uuid", Value: 1}, {Key: "id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: -1}}},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create ledger indexes: %w", err)
	}
	logger.Infof("ledger indexes ready on %s", s.coll.Name())
	return nil
}

func (s *MongoStore) CreateIfAbsent(ctx context.Context, rec domain.SubmissionRecord) (domain.SubmissionRecord, bool, error) {
	doc := mongoRecord{Key: Key(rec.ID, rec.GroupID), SubmissionRecord: rec}
	_, err := s.coll.InsertOne(ctx, doc)
	if err == nil {
		return rec, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return domain.SubmissionRecord{}, false, fmt.Errorf("insert submission: %w", err)
	}

	existing, err := s.Get(ctx, rec.ID, rec.GroupID)
	if err != nil {
		return domain.SubmissionRecord{}, false, err
	}
	return existing, false, nil
}

func (s *MongoStore) Replace(ctx context.Context, rec domain.SubmissionRecord) error {
	key := Key(rec.ID, rec.GroupID)
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": key},
		mongoRecord{Key: key, SubmissionRecord: rec},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("replace submission: %w", err)
	}
	return nil
}

func (s *MongoStore) Swap(ctx context.Context, rec domain.SubmissionRecord, from domain.SubmissionStatus) (bool, error) {
	key := Key(rec.ID, rec.GroupID)
	res, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": key, "status": from},
		mongoRecord{Key: key, SubmissionRecord: rec},
	)
	if err != nil {
		return false, fmt.Errorf("swap submission: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (s *MongoStore) Get(ctx context.Context, id, groupID string) (domain.SubmissionRecord, error) {
	var doc mongoRecord
	err := s.coll.FindOne(ctx, bson.M{"_id": Key(id, groupID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.SubmissionRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.SubmissionRecord{}, fmt.Errorf("read submission: %w", err)
	}
	return doc.SubmissionRecord, nil
}

func (s *MongoStore) Type() string { return "mongo" }
