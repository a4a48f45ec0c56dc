package store

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ensureCollections creates the collections that need explicit options. The
// app_logs collection is optionally capped; TTL indexes are forbidden on
// capped collections, so log retention rides on the cap alone.
func ensureCollections(ctx context.Context, db *mongodriver.Database, logCapBytes int64) error {
	if logCapBytes <= 0 {
		return nil
	}
	opts := options.CreateCollection().SetCapped(true).SetSizeInBytes(logCapBytes)
	err := db.CreateCollection(ctx, collLogs, opts)
	if err != nil && !isNamespaceExists(err) {
		return err
	}
	return nil
}

func isNamespaceExists(err error) bool {
	var cmdErr mongodriver.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Name == "NamespaceExists"
	}
	return strings.Contains(err.Error(), "NamespaceExists")
}

func ensureIndexes(ctx context.Context, db *mongodriver.Database) error {
	type spec struct {
		coll   string
		models []mongodriver.IndexModel
	}
	specs := []spec{
		{collApplications, []mongodriver.IndexModel{
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "access_key", Value: 1}},
			},
			{
				Keys: bson.D{
					{Key: "name", Value: "text"},
					{Key: "display_name", Value: "text"},
					{Key: "description", Value: "text"},
					{Key: "tags", Value: "text"},
				},
			},
		}},
		{collConnections, []mongodriver.IndexModel{
			{
				Keys:    bson.D{{Key: "connection_uuid", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "app_id", Value: 1}, {Key: "is_connected", Value: 1}},
			},
			{
				// Disconnected rows expire at expires_at; connected rows have
				// no expires_at and are never reaped by Mongo.
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0),
			},
		}},
		{collTasks, []mongodriver.IndexModel{
			{
				// Soft-deleted tasks keep their renamed qualified_name out of
				// the uniqueness scope.
				Keys: bson.D{{Key: "qualified_name", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"deleted_at": bson.M{"$exists": false}}),
			},
			{
				Keys: bson.D{{Key: "app_id", Value: 1}},
			},
			{
				Keys: bson.D{
					{Key: "name", Value: "text"},
					{Key: "description", Value: "text"},
					{Key: "tags", Value: "text"},
				},
			},
		}},
		{collSequences, []mongodriver.IndexModel{
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0),
			},
			{
				Keys: bson.D{{Key: "app_id", Value: 1}, {Key: "created_at", Value: -1}},
			},
			{
				Keys: bson.D{{Key: "connection_id", Value: 1}, {Key: "state", Value: 1}},
			},
			{
				Keys: bson.D{{Key: "state", Value: 1}, {Key: "state_updated_at", Value: 1}},
			},
		}},
		{collEvents, []mongodriver.IndexModel{
			{
				Keys: bson.D{{Key: "sequence_id", Value: 1}, {Key: "t", Value: 1}},
			},
			{
				Keys: bson.D{{Key: "app_id", Value: 1}, {Key: "t", Value: -1}},
			},
			{
				Keys: bson.D{{Key: "event_key", Value: 1}},
			},
		}},
		{collLogs, []mongodriver.IndexModel{
			{
				Keys: bson.D{{Key: "sequence_id", Value: 1}, {Key: "t", Value: 1}},
			},
			{
				Keys: bson.D{{Key: "app_id", Value: 1}, {Key: "t", Value: -1}},
			},
		}},
		{collCounters, []mongodriver.IndexModel{
			{
				Keys:    bson.D{{Key: "subject", Value: 1}, {Key: "period", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		}},
		{collCodes, []mongodriver.IndexModel{
			{
				Keys:    bson.D{{Key: "code", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				// 60 s slack so a code presented at the expiry boundary is
				// judged by the query filter, not by the TTL monitor.
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(60),
			},
		}},
		{collServers, []mongodriver.IndexModel{
			{
				Keys:    bson.D{{Key: "app_id", Value: 1}, {Key: "ip", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		}},
	}

	for _, s := range specs {
		if _, err := db.Collection(s.coll).Indexes().CreateMany(ctx, s.models); err != nil {
			return err
		}
	}
	return nil
}
