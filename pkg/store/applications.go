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

// ApplicationStore persists Application rows. Soft delete renames the app so
// its name becomes available again; the unique name index covers live rows
// and deleted rows alike.
type ApplicationStore interface {
	Create(ctx context.Context, app *models.Application) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Application, error)
	GetByName(ctx context.Context, name string) (*models.Application, error)
	GetByAccessKey(ctx context.Context, key string) (*models.Application, error)
	List(ctx context.Context) ([]*models.Application, error)
	Update(ctx context.Context, app *models.Application) error
	SoftDelete(ctx context.Context, id primitive.ObjectID, at time.Time) error
}

type mongoApplications struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

func (s *mongoApplications) Create(ctx context.Context, app *models.Application) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	if app.ID.IsZero() {
		app.ID = primitive.NewObjectID()
	}
	_, err := s.coll.InsertOne(ctx, app)
	return mapWriteError(err)
}

func (s *mongoApplications) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Application, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *mongoApplications) GetByName(ctx context.Context, name string) (*models.Application, error) {
	return s.findOne(ctx, bson.M{"name": name, "deleted_at": bson.M{"$exists": false}})
}

func (s *mongoApplications) GetByAccessKey(ctx context.Context, key string) (*models.Application, error) {
	return s.findOne(ctx, bson.M{"access_key": key, "deleted_at": bson.M{"$exists": false}})
}

func (s *mongoApplications) findOne(ctx context.Context, filter bson.M) (*models.Application, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	var app models.Application
	if err := s.coll.FindOne(ctx, filter).Decode(&app); err != nil {
		return nil, mapFindError(err)
	}
	return &app, nil
}

func (s *mongoApplications) List(ctx context.Context) ([]*models.Application, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx,
		bson.M{"deleted_at": bson.M{"$exists": false}},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*models.Application
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mongoApplications) Update(ctx context.Context, app *models.Application) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": app.ID}, app)
	if err != nil {
		return mapWriteError(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoApplications) SoftDelete(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	app, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if app.DeletedAt != nil {
		return nil
	}
	update := bson.M{"$set": bson.M{
		"name":       models.DeletedName(app.Name, at),
		"deleted_at": at.UTC(),
	}}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return mapWriteError(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
