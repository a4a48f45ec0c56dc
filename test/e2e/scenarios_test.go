package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbeat/fleetbeat/test/util"
)

const frameWait = 10 * time.Second

// TestAgentLifecycle drives the happy path end to end: register an
// application and a task over REST, connect an agent over WebSocket, open a
// sequence bound to that connection, publish into it and finish it.
func TestAgentLifecycle(t *testing.T) {
	in := newHarness(t)

	appID, accessKey := in.CreateApplication("payments")
	taskID := in.CreateTask(appID, "nightly-report")

	agent, connUUID := in.AgentConnect(accessKey, "")

	// The hello reply includes the current task set.
	tasksFrame, err := agent.WaitForType("tasks", frameWait)
	require.NoError(t, err)
	rawTasks, _ := tasksFrame.Data()["tasks"].([]any)
	require.Len(t, rawTasks, 1)
	task, _ := rawTasks[0].(map[string]any)
	assert.Equal(t, taskID, task["_id"])
	assert.Equal(t, "payments/nightly-report", task["qualified_name"])

	seqID := in.CreateSequence(accessKey, map[string]any{
		"task_id":       taskID,
		"connection_id": connUUID,
	})

	seq := in.GetSequence(seqID)
	assert.Equal(t, "in_progress", seq["state"])
	assert.Equal(t, connUUID, seq["connection_id"])

	in.PublishEvent(accessKey, "progress", seqID)
	finished := in.FinishSequence(accessKey, seqID, nil)
	assert.Equal(t, "succeeded", finished["state"])

	events := in.GetSequenceEvents(seqID)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev["event_type"].(string))
	}
	assert.Equal(t, []string{"start", "progress", "succeeded", "stop"}, types)
}

// TestFinishIsTerminal verifies the terminal-state invariants over REST:
// finishing twice conflicts and publishing into a finished sequence
// conflicts.
func TestFinishIsTerminal(t *testing.T) {
	in := newHarness(t)

	appID, accessKey := in.CreateApplication("batch")
	taskID := in.CreateTask(appID, "import")

	seqID := in.CreateSequence(accessKey, map[string]any{"task_id": taskID})
	finished := in.FinishSequence(accessKey, seqID, map[string]any{"error_message": "disk full"})
	assert.Equal(t, "failed", finished["state"])
	assert.Equal(t, "disk full", finished["error"])

	status, _ := in.request("POST", "/api/v1/sequences/"+seqID+"/finish",
		map[string]any{}, bearer(accessKey))
	assert.Equal(t, 409, status)

	status, _ = in.request("POST", "/api/v1/events",
		map[string]any{"name": "late", "sequence_id": seqID}, bearer(accessKey))
	assert.Equal(t, 409, status)

	events := in.GetSequenceEvents(seqID)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev["event_type"].(string))
	}
	assert.Equal(t, []string{"start", "failed", "stop"}, types)
}

// TestFreezeAndResume covers connection-bound sequence recovery: a dropped
// socket freezes the sequence, the reconnecting agent is told about it, and
// publishing into the frozen sequence resumes it.
func TestFreezeAndResume(t *testing.T) {
	in := newHarness(t)

	appID, accessKey := in.CreateApplication("workers")
	taskID := in.CreateTask(appID, "long-job")

	agent, connUUID := in.AgentConnect(accessKey, "")
	seqID := in.CreateSequence(accessKey, map[string]any{
		"task_id":       taskID,
		"connection_id": connUUID,
	})

	require.NoError(t, agent.Close())
	in.waitSequenceState(seqID, "frozen")

	// The same agent comes back with its stable connection UUID and is
	// handed its orphans right after the handshake.
	reconnected, _ := in.AgentConnect(accessKey, connUUID)
	orphans, err := reconnected.WaitForType("detected_orphans", frameWait)
	require.NoError(t, err)
	ids, _ := orphans.Data()["sequence_ids"].([]any)
	require.Len(t, ids, 1)
	assert.Equal(t, seqID, ids[0])

	in.PublishEvent(accessKey, "still-running", seqID)
	in.waitSequenceState(seqID, "in_progress")

	// The agent event is stored first; the engine's unfrozen event follows.
	events := in.GetSequenceEvents(seqID)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev["event_type"].(string))
	}
	assert.Equal(t, []string{"start", "frozen", "still-running", "unfrozen"}, types)

	// The REST resume kept the agent binding: dropping the agent again still
	// freezes the sequence.
	seq := in.GetSequence(seqID)
	assert.Equal(t, connUUID, seq["connection_id"])
	require.NoError(t, reconnected.Close())
	in.waitSequenceState(seqID, "frozen")
}

// TestAbandonOrphans covers the other recovery choice: the reconnecting
// agent gives the sequence up and it goes to the orphaned terminal state.
func TestAbandonOrphans(t *testing.T) {
	in := newHarness(t)

	appID, accessKey := in.CreateApplication("crons")
	taskID := in.CreateTask(appID, "one-shot")

	agent, connUUID := in.AgentConnect(accessKey, "")
	seqID := in.CreateSequence(accessKey, map[string]any{
		"task_id":       taskID,
		"connection_id": connUUID,
	})

	require.NoError(t, agent.Close())
	in.waitSequenceState(seqID, "frozen")

	reconnected, _ := in.AgentConnect(accessKey, connUUID)
	orphans, err := reconnected.WaitForType("detected_orphans", frameWait)
	require.NoError(t, err)
	require.Len(t, orphans.Data()["sequence_ids"], 1)

	require.NoError(t, reconnected.Send("abandon", map[string]any{
		"sequence_ids": []string{seqID},
	}))
	in.waitSequenceState(seqID, "orphaned")
}

// TestOperatorMonitoring subscribes an operator to an application's
// monitoring topics and checks the live frames for the sequence lifecycle.
func TestOperatorMonitoring(t *testing.T) {
	in := newHarness(t)

	appID, accessKey := in.CreateApplication("observed")
	taskID := in.CreateTask(appID, "traced")

	op := in.OperatorConnect("alice")
	require.NoError(t, op.Send("sub", map[string]any{
		"topics": []string{"m/app/" + appID, "m/appEvents/" + appID},
	}))
	topics, err := op.WaitFor(func(f WSFrame) bool {
		if f.T != "sync" {
			return false
		}
		list, _ := f.Data()["topics"].([]any)
		return len(list) == 2
	}, frameWait)
	require.NoError(t, err)
	require.NotNil(t, topics)

	seqID := in.CreateSequence(accessKey, map[string]any{"task_id": taskID})

	// The start event fans out immediately on m/appEvents.
	startFrame, err := op.WaitFor(func(f WSFrame) bool {
		return f.T == "new_event" && f.Data()["event_type"] == "start"
	}, frameWait)
	require.NoError(t, err)
	assert.Equal(t, "m/appEvents/"+appID, startFrame.Topic)
	assert.Equal(t, seqID, startFrame.Data()["sequence_id"])

	// The lifecycle notification arrives on m/app via the batched bus, so
	// it may lag the event by a couple of seconds.
	newFrame, err := op.WaitFor(func(f WSFrame) bool {
		return f.T == "sequence" && f.Data()["event"] == "new"
	}, frameWait)
	require.NoError(t, err)
	assert.Equal(t, "m/app/"+appID, newFrame.Topic)
	assert.Equal(t, seqID, newFrame.Data()["sequence_id"])

	in.FinishSequence(accessKey, seqID, nil)
	finFrame, err := op.WaitFor(func(f WSFrame) bool {
		return f.T == "sequence" && f.Data()["event"] == "finished"
	}, frameWait)
	require.NoError(t, err)
	assert.Equal(t, seqID, finFrame.Data()["sequence_id"])
}

// TestCrossInstanceFanout runs two instances against the same database with
// separate redis backplane clients. An event published through one
// instance's REST API must reach an operator connected to the other.
func TestCrossInstanceFanout(t *testing.T) {
	client := util.NewTestStore(t)
	instA := startInstance(t, client, newRedisBackplane(t))
	instB := startInstance(t, client, newRedisBackplane(t))

	appID, accessKey := instA.CreateApplication("replicated")
	taskID := instA.CreateTask(appID, "spanning")

	op := instB.OperatorConnect("bob")
	require.NoError(t, op.Send("sub", map[string]any{
		"topic": "m/appEvents/" + appID,
	}))
	_, err := op.WaitForType("sync", frameWait)
	require.NoError(t, err)

	seqID := instA.CreateSequence(accessKey, map[string]any{"task_id": taskID})
	instA.PublishEvent(accessKey, "hop", seqID)

	frame, err := op.WaitFor(func(f WSFrame) bool {
		return f.T == "new_event" && f.Data()["event_type"] == "hop"
	}, frameWait)
	require.NoError(t, err)
	assert.Equal(t, "m/appEvents/"+appID, frame.Topic)
	assert.Equal(t, seqID, frame.Data()["sequence_id"])
}
