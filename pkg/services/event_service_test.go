package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
)

func TestCreateFreeFormEvent(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()
	app, _ := env.seedAppAndTask(ctx)

	ev, err := env.evSvc.CreateEvent(ctx, app, "",
		models.CreateEventRequest{Name: "deploy", Data: map[string]any{"version": "2.1"}}, "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, "deploy", ev.EventType)
	assert.Equal(t, "myapp/_/deploy", ev.EventKey)
	assert.Nil(t, ev.SequenceID)
	assert.Equal(t, "10.0.0.1", ev.PublisherIP)
	assert.NotZero(t, ev.T)
}

func TestCreateSequenceBoundEvent(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()
	app, task := env.seedAppAndTask(ctx)
	seq, err := env.seqSvc.CreateSequence(ctx, app, models.CreateSequenceRequest{TaskID: task.ID}, "")
	require.NoError(t, err)

	ev, err := env.evSvc.CreateEvent(ctx, app, "",
		models.CreateEventRequest{Name: "progress", SequenceID: &seq.ID}, "")
	require.NoError(t, err)

	assert.Equal(t, "myapp/mytask/progress", ev.EventKey)
	require.NotNil(t, ev.SequenceID)
	assert.Equal(t, seq.ID, *ev.SequenceID)
	assert.Equal(t, task.ID, ev.TaskID)
	assert.Equal(t, "myapp/mytask", ev.TaskName)
}

func TestCreateEventReservedName(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()
	app, _ := env.seedAppAndTask(ctx)

	for _, name := range []string{
		models.EventStart, models.EventStop, models.EventFrozen,
		models.EventUnfrozen, models.EventFailed, models.EventSucceeded,
	} {
		_, err := env.evSvc.CreateEvent(ctx, app, "", models.CreateEventRequest{Name: name}, "")
		assert.ErrorIs(t, err, ErrInvalidInput, "reserved name %q must be refused", name)
		assert.True(t, IsValidationError(err))
	}

	_, err := env.evSvc.CreateEvent(ctx, app, "", models.CreateEventRequest{}, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateEventCrossAppSequence(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()
	app, task := env.seedAppAndTask(ctx)
	seq, err := env.seqSvc.CreateSequence(ctx, app, models.CreateSequenceRequest{TaskID: task.ID}, "")
	require.NoError(t, err)

	other, err := env.appSvc.CreateApplication(ctx, models.CreateApplicationRequest{Name: "other"})
	require.NoError(t, err)

	_, err = env.evSvc.CreateEvent(ctx, other, "",
		models.CreateEventRequest{Name: "progress", SequenceID: &seq.ID}, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCreateEventTerminalSequence(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()
	app, task := env.seedAppAndTask(ctx)
	seq, err := env.seqSvc.CreateSequence(ctx, app, models.CreateSequenceRequest{TaskID: task.ID}, "")
	require.NoError(t, err)
	_, err = env.seqSvc.FinishSequence(ctx, app.ID, seq.ID, models.FinishSequenceRequest{}, "")
	require.NoError(t, err)

	_, err = env.evSvc.CreateEvent(ctx, app, "",
		models.CreateEventRequest{Name: "progress", SequenceID: &seq.ID}, "")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateEventUnknownSequence(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()
	app, _ := env.seedAppAndTask(ctx)

	missing := primitive.NewObjectID()
	_, err := env.evSvc.CreateEvent(ctx, app, "",
		models.CreateEventRequest{Name: "progress", SequenceID: &missing}, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublishIntoFrozenSequenceResumesIt(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()
	app, task := env.seedAppAndTask(ctx)
	env.seedConnection(ctx, app, "U1")
	seq, err := env.seqSvc.CreateSequence(ctx, app,
		models.CreateSequenceRequest{TaskID: task.ID, ConnectionID: "U1"}, "")
	require.NoError(t, err)
	_, err = env.seqSvc.FreezeForConnection(ctx, "U1")
	require.NoError(t, err)

	_, err = env.evSvc.CreateEvent(ctx, app, "U2",
		models.CreateEventRequest{Name: "progress", SequenceID: &seq.ID}, "")
	require.NoError(t, err)

	stored, err := env.seqSvc.GetSequence(ctx, seq.ID, app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SequenceInProgress, stored.State)
	assert.Equal(t, "U2", stored.ConnectionID)

	// The resume path emits the engine unfrozen event after the agent's own.
	assert.Equal(t, []string{models.EventStart, models.EventFrozen, "progress", models.EventUnfrozen},
		env.events.types())
}

func TestRestPublishResumeKeepsConnectionBinding(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()
	app, task := env.seedAppAndTask(ctx)
	conn := env.seedConnection(ctx, app, "U1")
	seq, err := env.seqSvc.CreateSequence(ctx, app,
		models.CreateSequenceRequest{TaskID: task.ID, ConnectionID: "U1"}, "")
	require.NoError(t, err)
	_, err = env.seqSvc.FreezeForConnection(ctx, "U1")
	require.NoError(t, err)

	// A REST publisher has no socket binding to offer.
	_, err = env.evSvc.CreateEvent(ctx, app, "",
		models.CreateEventRequest{Name: "progress", SequenceID: &seq.ID}, "10.0.0.9")
	require.NoError(t, err)

	stored, err := env.seqSvc.GetSequence(ctx, seq.ID, app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SequenceInProgress, stored.State)
	assert.Equal(t, "U1", stored.ConnectionID, "resume must keep the agent's binding")

	// The owning agent's next disconnect still freezes the sequence.
	require.NoError(t, env.connSvc.HandleDisconnect(ctx, "U1", conn.ConnectedAt))
	stored, err = env.seqSvc.GetSequence(ctx, seq.ID, app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SequenceFrozen, stored.State)
}

func TestListEventsBySequenceOwnership(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()
	app, task := env.seedAppAndTask(ctx)
	seq, err := env.seqSvc.CreateSequence(ctx, app, models.CreateSequenceRequest{TaskID: task.ID}, "")
	require.NoError(t, err)

	events, err := env.evSvc.ListBySequence(ctx, app.ID, seq.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = env.evSvc.ListBySequence(ctx, primitive.NewObjectID(), seq.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
