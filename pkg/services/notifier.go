package services

import (
	"context"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/channels"
	"github.com/fleetbeat/fleetbeat/pkg/models"
)

// Notifier centralizes group fan-out. All notifications are best-effort
// hints: state is written to the store before any of these fire, and a
// dropped message only delays an observer until its next sync.
type Notifier struct {
	layer *channels.ChannelLayer
}

// NewNotifier creates a Notifier on top of the channel layer.
func NewNotifier(layer *channels.ChannelLayer) *Notifier {
	return &Notifier{layer: layer}
}

// SequenceNotification is the payload of "sequence" messages.
type SequenceNotification struct {
	Event      string             `json:"event"`
	SequenceID primitive.ObjectID `json:"sequence_id"`
	State      string             `json:"state,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// logsNotification carries the cursor of a stored log batch.
type logsNotification struct {
	SequenceID *primitive.ObjectID `json:"sequence_id,omitempty"`
	Count      int                 `json:"count"`
	Last       int64               `json:"last"`
}

// NewEvent fans a persisted event out to its monitoring and subscriber
// groups with a single message type.
func (n *Notifier) NewEvent(ctx context.Context, ev *models.Event) {
	groups := []string{
		models.AppEventsGroup(ev.AppID.Hex()),
		models.EventKeyGroup(ev.EventKey),
	}
	if ev.SequenceID != nil {
		groups = append(groups, models.SequenceEventsGroup(ev.SequenceID.Hex()))
	}
	n.send(ctx, groups, "new_event", ev)
}

// SequenceChanged announces a sequence lifecycle change ("new", "updated",
// "finished", "frozen", "unfrozen", "orphaned") to the app monitoring group
// and to the per-sequence groups.
func (n *Notifier) SequenceChanged(ctx context.Context, seq *models.EventSequence, event string) {
	payload := SequenceNotification{
		Event:      event,
		SequenceID: seq.ID,
		State:      string(seq.State),
		Error:      seq.Error,
	}
	groups := []string{
		models.AppMonitoringGroup(seq.AppID.Hex()),
		models.SequenceGroup(seq.ID.Hex()),
		models.SequenceShortGroup(seq.ID.Hex()),
	}
	n.send(ctx, groups, "sequence", payload)
}

// SequenceToApp announces a sequence lifecycle change to the app monitoring
// group only. The batched transit handlers use it for the high-frequency
// "new"/"finished" notifications.
func (n *Notifier) SequenceToApp(ctx context.Context, appID primitive.ObjectID, payload SequenceNotification) {
	n.send(ctx, []string{models.AppMonitoringGroup(appID.Hex())}, "sequence", payload)
}

// TaskUpdated pushes the changed definition to the app's agents and a
// monitoring note to operators.
func (n *Notifier) TaskUpdated(ctx context.Context, task *models.ApplicationTask) {
	n.send(ctx, []string{models.AgentGroup(task.AppID.Hex())}, "task_updated", task)
	n.send(ctx, []string{models.AppMonitoringGroup(task.AppID.Hex())}, "task", task)
}

// TaskRemoved tells the app's agents to drop the task.
func (n *Notifier) TaskRemoved(ctx context.Context, task *models.ApplicationTask) {
	n.send(ctx, []string{models.AgentGroup(task.AppID.Hex())}, "task_removed", map[string]string{"id": task.ID})
	n.send(ctx, []string{models.AppMonitoringGroup(task.AppID.Hex())}, "task", task)
}

// ConnectionChanged announces an agent connect or disconnect to operators.
func (n *Notifier) ConnectionChanged(ctx context.Context, info *models.ConnectionInfo) {
	n.send(ctx, []string{models.AppMonitoringGroup(info.AppID.Hex())}, "connection", info)
}

// LogsAppended announces stored log lines with their cursor so log viewers
// can fetch the tail over REST.
func (n *Notifier) LogsAppended(ctx context.Context, appID primitive.ObjectID, sequenceID *primitive.ObjectID, count int, last int64) {
	payload := logsNotification{SequenceID: sequenceID, Count: count, Last: last}
	groups := []string{models.AppLogsGroup(appID.Hex())}
	if sequenceID != nil {
		groups = append(groups, models.SequenceLogsGroup(sequenceID.Hex()))
	}
	n.send(ctx, groups, "logs", payload)
}

// ForceReconnect asks every agent of the app to drop and re-establish its
// socket, e.g. after an access key rotation.
func (n *Notifier) ForceReconnect(ctx context.Context, appID primitive.ObjectID) {
	n.send(ctx, []string{models.AgentGroup(appID.Hex())}, "force_reconnect", nil)
}

// ForceRefresh tells a user session gateway to re-read its state.
func (n *Notifier) ForceRefresh(ctx context.Context, sessionID string) {
	n.send(ctx, []string{models.SessionGroup(sessionID)}, "force_refresh", nil)
}

func (n *Notifier) send(ctx context.Context, groups []string, msgType string, data any) {
	if err := n.layer.GroupsSend(ctx, groups, msgType, data); err != nil {
		slog.Warn("Group notification dropped", "type", msgType, "groups", groups, "error", err)
	}
}
