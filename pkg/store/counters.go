package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fleetbeat/fleetbeat/pkg/models"
)

// CounterDelta is one increment against a (subject, period) bucket.
type CounterDelta struct {
	Subject string
	Period  string
	Delta   int64
}

// CounterStore persists monotonic counters. Increments are atomic upserts,
// so concurrent writers never lose counts.
type CounterStore interface {
	IncrementMany(ctx context.Context, deltas []CounterDelta) error
	Get(ctx context.Context, subject, period string) (*models.Counter, error)
	ListBySubject(ctx context.Context, subject string) ([]*models.Counter, error)
}

type mongoCounters struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

func (s *mongoCounters) IncrementMany(ctx context.Context, deltas []CounterDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	writes := make([]mongodriver.WriteModel, 0, len(deltas))
	for _, d := range deltas {
		writes = append(writes, mongodriver.NewUpdateOneModel().
			SetFilter(bson.M{"subject": d.Subject, "period": d.Period}).
			SetUpdate(bson.M{"$inc": bson.M{"value": d.Delta}}).
			SetUpsert(true))
	}
	_, err := s.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	return mapWriteError(err)
}

func (s *mongoCounters) Get(ctx context.Context, subject, period string) (*models.Counter, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	var c models.Counter
	err := s.coll.FindOne(ctx, bson.M{"subject": subject, "period": period}).Decode(&c)
	if err != nil {
		return nil, mapFindError(err)
	}
	return &c, nil
}

func (s *mongoCounters) ListBySubject(ctx context.Context, subject string) ([]*models.Counter, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"subject": subject},
		options.Find().SetSort(bson.D{{Key: "period", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*models.Counter
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
