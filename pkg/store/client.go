// Package store is the MongoDB persistence layer. Each entity gets a typed
// store interface so services can be tested against in-memory fakes.
package store

import (
	"context"
	"fmt"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names.
const (
	collApplications = "applications"
	collConnections  = "connection_info"
	collTasks        = "application_tasks"
	collSequences    = "event_sequences"
	collEvents       = "events"
	collLogs         = "app_logs"
	collCounters     = "counters"
	collCodes        = "onetime_security_codes"
	collServers      = "servers"
)

const defaultOpTimeout = 5 * time.Second

// Config holds MongoDB connection settings.
type Config struct {
	URI      string
	Database string

	// OpTimeout bounds individual store operations.
	OpTimeout time.Duration

	// LogCapBytes caps the app_logs collection. Zero means uncapped.
	LogCapBytes int64
}

// Client owns the Mongo connection and exposes the typed entity stores.
type Client struct {
	mongo   *mongodriver.Client
	db      *mongodriver.Database
	timeout time.Duration

	Applications ApplicationStore
	Connections  ConnectionStore
	Tasks        TaskStore
	Sequences    SequenceStore
	Events       EventStore
	Logs         LogStore
	Counters     CounterStore
	Codes        CodeStore
	Servers      ServerStore
}

// NewClient connects to MongoDB, verifies the connection and prepares the
// collections and indexes the stores rely on.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo URI is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo database name is required")
	}
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mc, err := mongodriver.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := mc.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := mc.Database(cfg.Database)
	if err := ensureCollections(ctx, db, cfg.LogCapBytes); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to prepare collections: %w", err)
	}
	if err := ensureIndexes(ctx, db); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &Client{
		mongo:        mc,
		db:           db,
		timeout:      timeout,
		Applications: &mongoApplications{coll: db.Collection(collApplications), timeout: timeout},
		Connections:  &mongoConnections{coll: db.Collection(collConnections), timeout: timeout},
		Tasks:        &mongoTasks{coll: db.Collection(collTasks), timeout: timeout},
		Sequences:    &mongoSequences{coll: db.Collection(collSequences), timeout: timeout},
		Events:       &mongoEvents{coll: db.Collection(collEvents), timeout: timeout},
		Logs:         &mongoLogs{coll: db.Collection(collLogs), timeout: timeout},
		Counters:     &mongoCounters{coll: db.Collection(collCounters), timeout: timeout},
		Codes:        &mongoCodes{coll: db.Collection(collCodes), timeout: timeout},
		Servers:      &mongoServers{coll: db.Collection(collServers), timeout: timeout},
	}, nil
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Drop removes the whole database. Intended for test teardown.
func (c *Client) Drop(ctx context.Context) error {
	return c.db.Drop(ctx)
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.mongo.Disconnect(ctx)
}

func opCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
