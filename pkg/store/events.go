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

// EventStore persists Event rows. Events are append-only; there is no
// update or delete path.
type EventStore interface {
	Insert(ctx context.Context, ev *models.Event) error
	ListBySequence(ctx context.Context, sequenceID primitive.ObjectID) ([]*models.Event, error)
	// ListByApp returns events for an app newer than afterT (exclusive,
	// unix microseconds), oldest first.
	ListByApp(ctx context.Context, appID primitive.ObjectID, afterT int64, limit int64) ([]*models.Event, error)
}

type mongoEvents struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

func (s *mongoEvents) Insert(ctx context.Context, ev *models.Event) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	if ev.ID.IsZero() {
		ev.ID = primitive.NewObjectID()
	}
	_, err := s.coll.InsertOne(ctx, ev)
	return mapWriteError(err)
}

func (s *mongoEvents) ListBySequence(ctx context.Context, sequenceID primitive.ObjectID) ([]*models.Event, error) {
	return s.list(ctx, bson.M{"sequence_id": sequenceID}, 0)
}

func (s *mongoEvents) ListByApp(ctx context.Context, appID primitive.ObjectID, afterT int64, limit int64) ([]*models.Event, error) {
	filter := bson.M{"app_id": appID}
	if afterT > 0 {
		filter["t"] = bson.M{"$gt": afterT}
	}
	return s.list(ctx, filter, limit)
}

func (s *mongoEvents) list(ctx context.Context, filter bson.M, limit int64) ([]*models.Event, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "t", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*models.Event
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
