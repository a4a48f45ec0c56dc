package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/store"
	"github.com/fleetbeat/fleetbeat/test/util"
)

func newSequence(appID primitive.ObjectID, connectionID string) *models.EventSequence {
	now := time.Now().UTC()
	return &models.EventSequence{
		AppID:          appID,
		TaskID:         "t-1",
		TaskName:       "myapp/mytask",
		Name:           "myapp/mytask [1]",
		Meta:           models.SequenceMeta{"step": "boot"},
		State:          models.SequenceInProgress,
		StateUpdatedAt: now,
		ConnectionID:   connectionID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
}

func TestSequenceFinishIsTerminal(t *testing.T) {
	client := util.NewTestStore(t)
	ctx := context.Background()
	appID := primitive.NewObjectID()

	seq := newSequence(appID, "")
	require.NoError(t, client.Sequences.Create(ctx, seq))

	now := time.Now().UTC()
	finished, err := client.Sequences.Finish(ctx, seq.ID, models.SequenceSucceeded, now, "")
	require.NoError(t, err)
	assert.Equal(t, models.SequenceSucceeded, finished.State)
	assert.NotNil(t, finished.FinishedAt)
	assert.Empty(t, finished.Meta, "progress meta is wiped by the terminal transition")

	_, err = client.Sequences.Finish(ctx, seq.ID, models.SequenceFailed, now, "late")
	assert.ErrorIs(t, err, store.ErrTerminalState)

	_, err = client.Sequences.UpdateMeta(ctx, seq.ID, models.SequenceMeta{"step": "late"})
	assert.ErrorIs(t, err, store.ErrTerminalState)

	_, err = client.Sequences.Finish(ctx, primitive.NewObjectID(), models.SequenceSucceeded, now, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSequenceFreezeUnfreezeCycle(t *testing.T) {
	client := util.NewTestStore(t)
	ctx := context.Background()
	appID := primitive.NewObjectID()

	bound1 := newSequence(appID, "conn-a")
	bound2 := newSequence(appID, "conn-a")
	other := newSequence(appID, "conn-b")
	for _, seq := range []*models.EventSequence{bound1, bound2, other} {
		require.NoError(t, client.Sequences.Create(ctx, seq))
	}

	frozen, err := client.Sequences.FreezeByConnection(ctx, "conn-a", time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, frozen, 2)

	listed, err := client.Sequences.ListByConnectionState(ctx, "conn-a", models.SequenceFrozen)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	// The other connection's sequence is untouched.
	untouched, err := client.Sequences.GetByID(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SequenceInProgress, untouched.State)

	resumed, err := client.Sequences.Unfreeze(ctx, bound1.ID, "conn-a2", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, models.SequenceInProgress, resumed.State)
	assert.Equal(t, "conn-a2", resumed.ConnectionID, "unfreeze rebinds to the live connection")

	// An unbound resume (a REST publisher) keeps the agent's binding, so the
	// agent's next disconnect still freezes the sequence.
	resumed, err = client.Sequences.Unfreeze(ctx, bound2.ID, "", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, models.SequenceInProgress, resumed.State)
	assert.Equal(t, "conn-a", resumed.ConnectionID, "empty uuid must not wipe the binding")

	frozen, err = client.Sequences.FreezeByConnection(ctx, "conn-a", time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, frozen, 1)

	// A second freeze pass only catches the rebound one.
	frozen, err = client.Sequences.FreezeByConnection(ctx, "conn-a2", time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, frozen, 1)
}

func TestSequenceMarkOrphanedBefore(t *testing.T) {
	client := util.NewTestStore(t)
	ctx := context.Background()
	appID := primitive.NewObjectID()

	stale := newSequence(appID, "conn-old")
	fresh := newSequence(appID, "conn-new")
	require.NoError(t, client.Sequences.Create(ctx, stale))
	require.NoError(t, client.Sequences.Create(ctx, fresh))

	now := time.Now().UTC()
	_, err := client.Sequences.FreezeByConnection(ctx, "conn-old", now.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = client.Sequences.FreezeByConnection(ctx, "conn-new", now)
	require.NoError(t, err)

	orphaned, err := client.Sequences.MarkOrphanedBefore(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	assert.Equal(t, stale.ID, orphaned[0].ID)
	assert.Equal(t, models.SequenceOrphaned, orphaned[0].State)
	assert.NotNil(t, orphaned[0].FinishedAt)

	remaining, err := client.Sequences.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SequenceFrozen, remaining.State)
}

func TestApplicationNameUnique(t *testing.T) {
	client := util.NewTestStore(t)
	ctx := context.Background()

	first := &models.Application{Name: "myapp", AccessKey: "k-1", CreatedAt: time.Now().UTC()}
	require.NoError(t, client.Applications.Create(ctx, first))

	dup := &models.Application{Name: "myapp", AccessKey: "k-2", CreatedAt: time.Now().UTC()}
	err := client.Applications.Create(ctx, dup)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	byKey, err := client.Applications.GetByAccessKey(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byKey.ID)

	_, err = client.Applications.GetByAccessKey(ctx, "k-unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCounterUpsertAccumulates(t *testing.T) {
	client := util.NewTestStore(t)
	ctx := context.Background()

	deltas := []store.CounterDelta{
		{Subject: "events", Period: "2026-08", Delta: 2},
		{Subject: "events", Period: "total", Delta: 2},
	}
	require.NoError(t, client.Counters.IncrementMany(ctx, deltas))
	require.NoError(t, client.Counters.IncrementMany(ctx, deltas[:1]))

	c, err := client.Counters.Get(ctx, "events", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.Value)

	all, err := client.Counters.ListBySubject(ctx, "events")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "2026-08", all[0].Period)
	assert.Equal(t, "total", all[1].Period)
}

func TestLogCursorPagination(t *testing.T) {
	client := util.NewTestStore(t)
	ctx := context.Background()
	appID := primitive.NewObjectID()
	seqID := primitive.NewObjectID()

	var logs []*models.AppLog
	for i := int64(1); i <= 3; i++ {
		logs = append(logs, &models.AppLog{
			AppID:      appID,
			SequenceID: &seqID,
			Severity:   models.SeverityInfo,
			Body:       "line",
			T:          i * 1000,
		})
	}
	require.NoError(t, client.Logs.InsertMany(ctx, logs))

	page, err := client.Logs.ListBySequence(ctx, seqID, 1000, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2000), page[0].T)
	assert.Equal(t, int64(3000), page[1].T)

	limited, err := client.Logs.ListBySequence(ctx, seqID, 0, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, int64(1000), limited[0].T)
}
