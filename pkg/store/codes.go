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

// CodeStore persists one-time security codes used to register applications.
// Codes are unique; a colliding insert returns ErrDuplicate so the issuer
// can retry with a longer code.
type CodeStore interface {
	Insert(ctx context.Context, code *models.OneTimeSecurityCode) error
	GetByCode(ctx context.Context, codeType, code string) (*models.OneTimeSecurityCode, error)
	// Confirm flips an unconfirmed code to confirmed and extends its expiry.
	Confirm(ctx context.Context, codeType, code string, expiresAt time.Time) (*models.OneTimeSecurityCode, error)
	Delete(ctx context.Context, id primitive.ObjectID) error
}

type mongoCodes struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

func (s *mongoCodes) Insert(ctx context.Context, code *models.OneTimeSecurityCode) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	if code.ID.IsZero() {
		code.ID = primitive.NewObjectID()
	}
	_, err := s.coll.InsertOne(ctx, code)
	return mapWriteError(err)
}

func (s *mongoCodes) GetByCode(ctx context.Context, codeType, code string) (*models.OneTimeSecurityCode, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	filter := bson.M{
		"code_type":  codeType,
		"code":       code,
		"expires_at": bson.M{"$gt": time.Now().UTC()},
	}
	var out models.OneTimeSecurityCode
	if err := s.coll.FindOne(ctx, filter).Decode(&out); err != nil {
		return nil, mapFindError(err)
	}
	return &out, nil
}

func (s *mongoCodes) Confirm(ctx context.Context, codeType, code string, expiresAt time.Time) (*models.OneTimeSecurityCode, error) {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	// The TTL monitor lags; the filter must not trust Mongo to have removed
	// expired rows yet.
	filter := bson.M{
		"code_type":  codeType,
		"code":       code,
		"confirmed":  false,
		"expires_at": bson.M{"$gt": time.Now().UTC()},
	}
	update := bson.M{"$set": bson.M{
		"confirmed":  true,
		"expires_at": expiresAt.UTC(),
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var out models.OneTimeSecurityCode
	if err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out); err != nil {
		return nil, mapFindError(err)
	}
	return &out, nil
}

func (s *mongoCodes) Delete(ctx context.Context, id primitive.ObjectID) error {
	ctx, cancel := opCtx(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}
