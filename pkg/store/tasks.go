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

// TaskStore persists ApplicationTask definitions. qualified_name is unique
// among non-deleted tasks only; soft delete renames the task out of the
// uniqueness scope.
type TaskStore interface {
	Create(ctx context.Context, task *models.ApplicationTask) error
	GetByID(ctx context.Context, id string) (*models.ApplicationTask, error)
	GetByQualifiedName(ctx context.Context, qualifiedName string) (*models.ApplicationTask, error)
	ListByApp(ctx context.Context, appID primitive.ObjectID) ([]*models.ApplicationTask, error)
	Update(ctx context.Context, task *models.ApplicationTask) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

type mongoTasks struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

func (s *mongoTasks) Create(ctx context.Context, task *models.ApplicationTask) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, task)
	return mapWriteError(err)
}

func (s *mongoTasks) GetByID(ctx context.Context, id string) (*models.ApplicationTask, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *mongoTasks) GetByQualifiedName(ctx context.Context, qualifiedName string) (*models.ApplicationTask, error) {
	return s.findOne(ctx, bson.M{
		"qualified_name": qualifiedName,
		"deleted_at":     bson.M{"$exists": false},
	})
}

func (s *mongoTasks) findOne(ctx context.Context, filter bson.M) (*models.ApplicationTask, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	var task models.ApplicationTask
	if err := s.coll.FindOne(ctx, filter).Decode(&task); err != nil {
		return nil, mapFindError(err)
	}
	return &task, nil
}

func (s *mongoTasks) ListByApp(ctx context.Context, appID primitive.ObjectID) ([]*models.ApplicationTask, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"app_id": appID, "deleted_at": bson.M{"$exists": false}}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*models.ApplicationTask
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mongoTasks) Update(ctx context.Context, task *models.ApplicationTask) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": task.ID}, task)
	if err != nil {
		return mapWriteError(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoTasks) SoftDelete(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	task, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if task.DeletedAt != nil {
		return nil
	}
	name := models.DeletedTaskName(task.Name)
	update := bson.M{"$set": bson.M{
		"name":           name,
		"qualified_name": models.DeletedTaskName(task.QualifiedName),
		"deleted_at":     at.UTC(),
		"last_updated":   at.UTC(),
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
