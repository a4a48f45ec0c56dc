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

// SequenceStore persists EventSequence rows. Terminal states are enforced at
// the update filter: a finished sequence can never transition again, no
// matter how racy the callers are.
type SequenceStore interface {
	Create(ctx context.Context, seq *models.EventSequence) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.EventSequence, error)
	ListByApp(ctx context.Context, appID primitive.ObjectID, limit int64) ([]*models.EventSequence, error)
	ListByTask(ctx context.Context, taskID string, limit int64) ([]*models.EventSequence, error)
	ListByConnectionState(ctx context.Context, connectionUUID string, state models.SequenceState) ([]*models.EventSequence, error)
	// UpdateMeta replaces the whole meta object of a non-terminal sequence.
	UpdateMeta(ctx context.Context, id primitive.ObjectID, meta models.SequenceMeta) (*models.EventSequence, error)
	// Finish moves an in_progress or frozen sequence to a terminal state and
	// wipes its meta. Returns ErrTerminalState when the race was lost.
	Finish(ctx context.Context, id primitive.ObjectID, state models.SequenceState, at time.Time, errorMessage string) (*models.EventSequence, error)
	// Unfreeze moves a frozen sequence back to in_progress. A non-empty
	// connectionUUID rebinds the sequence; an empty one keeps the binding.
	Unfreeze(ctx context.Context, id primitive.ObjectID, connectionUUID string, at time.Time) (*models.EventSequence, error)
	// FreezeByConnection freezes every in_progress sequence bound to the
	// connection and returns the frozen rows.
	FreezeByConnection(ctx context.Context, connectionUUID string, at time.Time) ([]*models.EventSequence, error)
	// MarkOrphanedBefore retires sequences frozen since before the cutoff.
	MarkOrphanedBefore(ctx context.Context, cutoff, at time.Time) ([]*models.EventSequence, error)
}

type mongoSequences struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

func (s *mongoSequences) Create(ctx context.Context, seq *models.EventSequence) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	if seq.ID.IsZero() {
		seq.ID = primitive.NewObjectID()
	}
	_, err := s.coll.InsertOne(ctx, seq)
	return mapWriteError(err)
}

func (s *mongoSequences) GetByID(ctx context.Context, id primitive.ObjectID) (*models.EventSequence, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	var seq models.EventSequence
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&seq); err != nil {
		return nil, mapFindError(err)
	}
	return &seq, nil
}

func (s *mongoSequences) ListByApp(ctx context.Context, appID primitive.ObjectID, limit int64) ([]*models.EventSequence, error) {
	return s.list(ctx, bson.M{"app_id": appID}, limit)
}

func (s *mongoSequences) ListByTask(ctx context.Context, taskID string, limit int64) ([]*models.EventSequence, error) {
	return s.list(ctx, bson.M{"task_id": taskID}, limit)
}

func (s *mongoSequences) ListByConnectionState(ctx context.Context, connectionUUID string, state models.SequenceState) ([]*models.EventSequence, error) {
	return s.list(ctx, bson.M{"connection_id": connectionUUID, "state": state}, 0)
}

func (s *mongoSequences) list(ctx context.Context, filter bson.M, limit int64) ([]*models.EventSequence, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*models.EventSequence
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// nonTerminalStates is the filter clause shared by all conditional updates.
var nonTerminalStates = bson.M{"$in": []models.SequenceState{
	models.SequenceInProgress,
	models.SequenceFrozen,
}}

func (s *mongoSequences) UpdateMeta(ctx context.Context, id primitive.ObjectID, meta models.SequenceMeta) (*models.EventSequence, error) {
	filter := bson.M{"_id": id, "state": nonTerminalStates}
	update := bson.M{"$set": bson.M{"meta": meta}}
	return s.findOneAndUpdate(ctx, id, filter, update)
}

func (s *mongoSequences) Finish(ctx context.Context, id primitive.ObjectID, state models.SequenceState, at time.Time, errorMessage string) (*models.EventSequence, error) {
	filter := bson.M{"_id": id, "state": nonTerminalStates}
	set := bson.M{
		"state":            state,
		"state_updated_at": at.UTC(),
		"finished_at":      at.UTC(),
		// Progress metadata describes a run in flight; it is wiped once the
		// outcome is recorded.
		"meta": models.SequenceMeta{},
	}
	if errorMessage != "" {
		set["error"] = errorMessage
	}
	return s.findOneAndUpdate(ctx, id, filter, bson.M{"$set": set})
}

func (s *mongoSequences) Unfreeze(ctx context.Context, id primitive.ObjectID, connectionUUID string, at time.Time) (*models.EventSequence, error) {
	filter := bson.M{"_id": id, "state": models.SequenceFrozen}
	set := bson.M{
		"state":            models.SequenceInProgress,
		"state_updated_at": at.UTC(),
	}
	// A REST publisher carries no socket binding. The existing binding must
	// survive, or the owning agent's next disconnect freezes nothing.
	if connectionUUID != "" {
		set["connection_id"] = connectionUUID
	}
	return s.findOneAndUpdate(ctx, id, filter, bson.M{"$set": set})
}

// findOneAndUpdate runs a state-guarded update and distinguishes "no such
// sequence" from "sequence already terminal".
func (s *mongoSequences) findOneAndUpdate(ctx context.Context, id primitive.ObjectID, filter, update bson.M) (*models.EventSequence, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var seq models.EventSequence
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&seq)
	if err == nil {
		return &seq, nil
	}
	if mapFindError(err) != ErrNotFound {
		return nil, err
	}
	n, cerr := s.coll.CountDocuments(ctx, bson.M{"_id": id})
	if cerr != nil {
		return nil, cerr
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return nil, ErrTerminalState
}

func (s *mongoSequences) FreezeByConnection(ctx context.Context, connectionUUID string, at time.Time) ([]*models.EventSequence, error) {
	return s.transitionMany(ctx,
		bson.M{"connection_id": connectionUUID, "state": models.SequenceInProgress},
		bson.M{"$set": bson.M{
			"state":            models.SequenceFrozen,
			"state_updated_at": at.UTC(),
		}})
}

func (s *mongoSequences) MarkOrphanedBefore(ctx context.Context, cutoff, at time.Time) ([]*models.EventSequence, error) {
	return s.transitionMany(ctx,
		bson.M{"state": models.SequenceFrozen, "state_updated_at": bson.M{"$lt": cutoff.UTC()}},
		bson.M{"$set": bson.M{
			"state":            models.SequenceOrphaned,
			"state_updated_at": at.UTC(),
			"finished_at":      at.UTC(),
			"meta":             models.SequenceMeta{},
		}})
}

// transitionMany updates matching sequences one by one so the caller gets
// back exactly the rows it transitioned, even under concurrent writers.
func (s *mongoSequences) transitionMany(ctx context.Context, filter, update bson.M) ([]*models.EventSequence, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var out []*models.EventSequence
	for {
		var seq models.EventSequence
		err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&seq)
		if err != nil {
			if mapFindError(err) == ErrNotFound {
				return out, nil
			}
			return out, err
		}
		out = append(out, &seq)
	}
}
