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

// ServerStore is the best-effort registry of hosts agents connect from,
// refreshed on every hello.
type ServerStore interface {
	Upsert(ctx context.Context, appID primitive.ObjectID, ip, os string, at time.Time) error
	ListByApp(ctx context.Context, appID primitive.ObjectID) ([]*models.Server, error)
}

type mongoServers struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

func (s *mongoServers) Upsert(ctx context.Context, appID primitive.ObjectID, ip, os string, at time.Time) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"app_id": appID, "ip": ip}
	update := bson.M{
		"$set": bson.M{
			"os":        os,
			"last_seen": at.UTC(),
		},
		"$setOnInsert": bson.M{
			"app_id": appID,
			"ip":     ip,
		},
	}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return mapWriteError(err)
}

func (s *mongoServers) ListByApp(ctx context.Context, appID primitive.ObjectID) ([]*models.Server, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"app_id": appID},
		options.Find().SetSort(bson.D{{Key: "last_seen", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*models.Server
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
