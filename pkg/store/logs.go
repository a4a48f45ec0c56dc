package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fleetbeat/fleetbeat/pkg/models"
)

// LogStore persists AppLog rows. Agents ship logs in batches, so inserts
// take slices.
type LogStore interface {
	InsertMany(ctx context.Context, logs []*models.AppLog) error
	// ListBySequence returns log lines of a sequence newer than afterT
	// (exclusive, unix microseconds), oldest first. afterT is the cursor.
	ListBySequence(ctx context.Context, sequenceID primitive.ObjectID, afterT int64, limit int64) ([]*models.AppLog, error)
}

type mongoLogs struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

func (s *mongoLogs) InsertMany(ctx context.Context, logs []*models.AppLog) error {
	if len(logs) == 0 {
		return nil
	}
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	docs := make([]any, len(logs))
	for i, l := range logs {
		if l.ID.IsZero() {
			l.ID = primitive.NewObjectID()
		}
		docs[i] = l
	}
	_, err := s.coll.InsertMany(ctx, docs)
	return mapWriteError(err)
}

func (s *mongoLogs) ListBySequence(ctx context.Context, sequenceID primitive.ObjectID, afterT int64, limit int64) ([]*models.AppLog, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"sequence_id": sequenceID}
	if afterT > 0 {
		filter["t"] = bson.M{"$gt": afterT}
	}
	opts := options.Find().SetSort(bson.D{{Key: "t", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*models.AppLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
