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

// ConnectionStore persists ConnectionInfo rows, one per (app, fingerprint).
// Writers race: the hub, the disconnect path and the reaper may touch the
// same row, so mutations go through revision-guarded updates.
type ConnectionStore interface {
	// Upsert records a (re)connecting agent. The row is keyed by
	// connection_uuid: a reconnect with the same uuid reclaims the existing
	// row, clears the disconnect fields and bumps the revision.
	Upsert(ctx context.Context, info *models.ConnectionInfo) (*models.ConnectionInfo, error)
	GetByUUID(ctx context.Context, connectionUUID string) (*models.ConnectionInfo, error)
	ListConnected(ctx context.Context, appID primitive.ObjectID) ([]*models.ConnectionInfo, error)
	CountConnected(ctx context.Context, appID primitive.ObjectID) (int64, error)
	// UpdateGuarded replaces the row if the stored revision still matches
	// info.Revision, bumping it by one. Returns ErrStaleRevision otherwise.
	UpdateGuarded(ctx context.Context, info *models.ConnectionInfo) error
	// MarkDisconnected flips the row to disconnected and schedules its TTL
	// expiry. connectedAt must match the value observed at hello: a reconnect
	// with the same uuid stamps a new connected_at, so a stale socket's
	// disconnect cannot flip the live row. Returns nil when the row is gone,
	// already disconnected or reclaimed by a reconnect.
	MarkDisconnected(ctx context.Context, connectionUUID string, connectedAt, at, expiresAt time.Time) (*models.ConnectionInfo, error)
	// ListHanging returns rows still flagged connected; used at boot to
	// detect rows left behind by a crashed instance.
	ListHanging(ctx context.Context) ([]*models.ConnectionInfo, error)
	Remove(ctx context.Context, id primitive.ObjectID) error
}

type mongoConnections struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

func (s *mongoConnections) Upsert(ctx context.Context, info *models.ConnectionInfo) (*models.ConnectionInfo, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"connection_uuid": info.ConnectionUUID}
	update := bson.M{
		"$set": bson.M{
			"fingerprint":         info.Fingerprint,
			"ip":                  info.IP,
			"os":                  info.OS,
			"client_name":         info.ClientName,
			"client_version":      info.ClientVersion,
			"machine_id":          info.MachineID,
			"instance_id":         info.InstanceID,
			"is_connected":        true,
			"connected_at":        info.ConnectedAt.UTC(),
			"event_subscriptions": info.EventSubscriptions,
		},
		"$unset": bson.M{
			"disconnected_at": "",
			"expires_at":      "",
		},
		"$inc": bson.M{"revision": 1},
		"$setOnInsert": bson.M{
			"app_id":          info.AppID,
			"connection_uuid": info.ConnectionUUID,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var out models.ConnectionInfo
	if err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out); err != nil {
		return nil, mapWriteError(err)
	}
	return &out, nil
}

func (s *mongoConnections) GetByUUID(ctx context.Context, connectionUUID string) (*models.ConnectionInfo, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	var info models.ConnectionInfo
	err := s.coll.FindOne(ctx, bson.M{"connection_uuid": connectionUUID}).Decode(&info)
	if err != nil {
		return nil, mapFindError(err)
	}
	return &info, nil
}

func (s *mongoConnections) ListConnected(ctx context.Context, appID primitive.ObjectID) ([]*models.ConnectionInfo, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"app_id": appID, "is_connected": true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*models.ConnectionInfo
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mongoConnections) CountConnected(ctx context.Context, appID primitive.ObjectID) (int64, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	return s.coll.CountDocuments(ctx, bson.M{"app_id": appID, "is_connected": true})
}

func (s *mongoConnections) UpdateGuarded(ctx context.Context, info *models.ConnectionInfo) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	replacement := *info
	replacement.Revision = info.Revision + 1
	res, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": info.ID, "revision": info.Revision}, &replacement)
	if err != nil {
		return mapWriteError(err)
	}
	if res.MatchedCount == 0 {
		// Either the row vanished or someone else bumped the revision.
		n, err := s.coll.CountDocuments(ctx, bson.M{"_id": info.ID})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrStaleRevision
	}
	info.Revision = replacement.Revision
	return nil
}

func (s *mongoConnections) MarkDisconnected(ctx context.Context, connectionUUID string, connectedAt, at, expiresAt time.Time) (*models.ConnectionInfo, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	filter := bson.M{
		"connection_uuid": connectionUUID,
		"is_connected":    true,
		"connected_at":    connectedAt.UTC(),
	}
	update := bson.M{
		"$set": bson.M{
			"is_connected":    false,
			"disconnected_at": at.UTC(),
			"expires_at":      expiresAt.UTC(),
		},
		"$inc": bson.M{"revision": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var out models.ConnectionInfo
	if err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out); err != nil {
		if mapFindError(err) == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *mongoConnections) ListHanging(ctx context.Context) ([]*models.ConnectionInfo, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"is_connected": true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*models.ConnectionInfo
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mongoConnections) Remove(ctx context.Context, id primitive.ObjectID) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}
