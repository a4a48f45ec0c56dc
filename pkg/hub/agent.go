package hub

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/auth"
	"github.com/fleetbeat/fleetbeat/pkg/channels"
	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/services"
)

// Consumer-side views of the service layer, kept narrow so the protocol is
// testable without a store.

type applicationResolver interface {
	GetApplication(ctx context.Context, id primitive.ObjectID) (*models.Application, error)
}

type connectionManager interface {
	RegisterHello(ctx context.Context, app *models.Application, client models.ApplicationClientInfo, ip string, subscriptions []string) (*models.ConnectionInfo, int64, error)
	UpdateSubscriptions(ctx context.Context, connectionUUID, mode string, keys []string) ([]string, error)
	HandleDisconnect(ctx context.Context, connectionUUID string, connectedAt time.Time) error
}

type sequenceManager interface {
	ListFrozenForConnection(ctx context.Context, connectionUUID string) ([]*models.EventSequence, error)
	Abandon(ctx context.Context, connectionUUID string, ids []primitive.ObjectID) ([]*models.EventSequence, error)
}

type taskLister interface {
	ListTasks(ctx context.Context, appID primitive.ObjectID) ([]*models.ApplicationTask, error)
}

type logAppender interface {
	AppendLogs(ctx context.Context, appID primitive.ObjectID, req models.SendLogRequest) (int, int64, error)
}

// layer is the channel-layer view the hubs need.
type layer interface {
	NewConnection() *channels.Connection
}

// AgentHub serves agent sockets: ticket auth, the hello handshake, the
// subscription and sequence-recovery messages, and disconnect bookkeeping.
type AgentHub struct {
	tickets *auth.Tickets
	layer   layer
	apps    applicationResolver
	conns   connectionManager
	seqs    sequenceManager
	tasks   taskLister
	logs    logAppender
}

// NewAgentHub creates an AgentHub. The services arguments are satisfied by
// the corresponding pkg/services types.
func NewAgentHub(tickets *auth.Tickets, l layer, apps applicationResolver, conns connectionManager, seqs sequenceManager, tasks taskLister, logs logAppender) *AgentHub {
	return &AgentHub{tickets: tickets, layer: l, apps: apps, conns: conns, seqs: seqs, tasks: tasks, logs: logs}
}

// Serve runs the protocol on an upgraded WebSocket until it closes. ticket
// comes from the upgrade query string, ip is the client address for the
// host registry.
func (h *AgentHub) Serve(ctx context.Context, ws *websocket.Conn, ticket, ip string) {
	h.serve(ctx, wsSocket{conn: ws}, ticket, ip)
}

func (h *AgentHub) serve(ctx context.Context, sock socket, ticket, ip string) {
	app, ok := h.authenticate(ctx, sock, ticket)
	if !ok {
		return
	}

	conn := h.layer.NewConnection()
	core := newCore(sock, conn)
	sess := &agentSession{hub: h, core: core, app: app, ip: ip}
	sess.register()

	if err := conn.Activate(ctx); err != nil {
		slog.Error("Failed to activate connection", "connection_id", conn.ID, "error", err)
		_ = sock.Close(websocket.StatusInternalError, "backplane unavailable")
		conn.Close()
		return
	}

	core.sendMessage(ctx, "introduction", map[string]any{"connection_id": conn.ID})
	core.run(ctx)

	// The socket is gone; bookkeeping must not die with the request context.
	if sess.connectionUUID != "" {
		if err := h.conns.HandleDisconnect(context.WithoutCancel(ctx), sess.connectionUUID, sess.connectedAt); err != nil {
			slog.Error("Disconnect bookkeeping failed",
				"connection_uuid", sess.connectionUUID, "error", err)
		}
	}
}

// authenticate decodes the ticket and resolves the application. Failure
// closes the socket; this is the only error that does.
func (h *AgentHub) authenticate(ctx context.Context, sock socket, ticket string) (*models.Application, bool) {
	fail := func() (*models.Application, bool) {
		_ = sock.Write(ctx, []byte(`{"t":"error","d":{"kind":"authentication_failed"}}`))
		_ = sock.Close(websocket.StatusPolicyViolation, "authentication failed")
		return nil, false
	}
	sub, err := h.tickets.Decode(auth.KindAgentTicket, ticket)
	if err != nil {
		return fail()
	}
	appID, err := primitive.ObjectIDFromHex(sub)
	if err != nil {
		return fail()
	}
	app, err := h.apps.GetApplication(ctx, appID)
	if err != nil || app.Disabled || app.DeletedAt != nil {
		return fail()
	}
	return app, true
}

// agentSession is the per-socket protocol state.
type agentSession struct {
	hub  *AgentHub
	core *core
	app  *models.Application
	ip   string

	// ready flips on the first successful hello; every other message is
	// refused until then.
	ready          bool
	connectionUUID string
	// connectedAt is the connection row's connected_at from this socket's
	// hello; the disconnect bookkeeping uses it to detect that a reconnect
	// has already reclaimed the row.
	connectedAt time.Time
}

// helloPayload is ApplicationClientInfo plus the initial subscription list.
type helloPayload struct {
	models.ApplicationClientInfo
	Subscriptions []string `json:"subscriptions,omitempty"`
}

type subscriptionsPayload struct {
	Subscriptions []string `json:"subscriptions"`
}

type eventKeyPayload struct {
	EventKey string `json:"event_key"`
}

type abandonPayload struct {
	SequenceIDs []primitive.ObjectID `json:"sequence_ids"`
}

func (s *agentSession) register() {
	registerMessage(s.core, "hello", s.handleHello)
	registerMessage(s.core, "set_subscriptions", s.handleSetSubscriptions)
	registerMessage(s.core, "subscribe", s.handleSubscribe)
	registerMessage(s.core, "unsubscribe", s.handleUnsubscribe)
	registerMessage(s.core, "abandon", s.handleAbandon)
	registerMessage(s.core, "check_orphans", s.handleCheckOrphans)
	registerMessage(s.core, "synchronize", s.handleSynchronize)
	registerMessage(s.core, "send_log", s.handleSendLog)
}

func (s *agentSession) handleHello(ctx context.Context, msg helloPayload) error {
	info, total, err := s.hub.conns.RegisterHello(ctx, s.app, msg.ApplicationClientInfo, s.ip, msg.Subscriptions)
	if err != nil {
		return err
	}
	s.connectionUUID = info.ConnectionUUID
	s.connectedAt = info.ConnectedAt

	if err := s.core.conn.AddToGroup(ctx, models.AgentGroup(s.app.ID.Hex())); err != nil {
		return err
	}
	for _, key := range info.EventSubscriptions {
		if err := s.core.conn.AddToGroup(ctx, models.EventKeyGroup(key)); err != nil {
			return err
		}
	}
	s.ready = true

	s.core.sendMessage(ctx, "greetings", map[string]any{"connections_total": total})
	s.sendTasks(ctx)
	s.sendOrphans(ctx)
	return nil
}

func (s *agentSession) handleSetSubscriptions(ctx context.Context, msg subscriptionsPayload) error {
	if !s.ready {
		return errNotReady
	}
	keys, err := s.hub.conns.UpdateSubscriptions(ctx, s.connectionUUID, services.SubscriptionsReplace, msg.Subscriptions)
	if err != nil {
		return err
	}
	s.reconcileEventGroups(ctx, keys)
	return nil
}

func (s *agentSession) handleSubscribe(ctx context.Context, msg eventKeyPayload) error {
	if !s.ready {
		return errNotReady
	}
	if _, err := s.hub.conns.UpdateSubscriptions(ctx, s.connectionUUID, services.SubscriptionsAdd, []string{msg.EventKey}); err != nil {
		return err
	}
	return s.core.conn.AddToGroup(ctx, models.EventKeyGroup(msg.EventKey))
}

func (s *agentSession) handleUnsubscribe(ctx context.Context, msg eventKeyPayload) error {
	if !s.ready {
		return errNotReady
	}
	if _, err := s.hub.conns.UpdateSubscriptions(ctx, s.connectionUUID, services.SubscriptionsRemove, []string{msg.EventKey}); err != nil {
		return err
	}
	s.core.conn.RemoveFromGroup(models.EventKeyGroup(msg.EventKey))
	return nil
}

func (s *agentSession) handleAbandon(ctx context.Context, msg abandonPayload) error {
	if !s.ready {
		return errNotReady
	}
	_, err := s.hub.seqs.Abandon(ctx, s.connectionUUID, msg.SequenceIDs)
	return err
}

func (s *agentSession) handleCheckOrphans(ctx context.Context, _ struct{}) error {
	if !s.ready {
		return errNotReady
	}
	s.sendOrphans(ctx)
	return nil
}

func (s *agentSession) handleSynchronize(ctx context.Context, _ struct{}) error {
	if !s.ready {
		return errNotReady
	}
	s.sendTasks(ctx)
	return nil
}

func (s *agentSession) handleSendLog(ctx context.Context, msg models.SendLogRequest) error {
	if !s.ready {
		return errNotReady
	}
	count, last, err := s.hub.logs.AppendLogs(ctx, s.app.ID, msg)
	if err != nil {
		return err
	}
	s.core.sendMessage(ctx, "logs_sent", map[string]any{"count": count, "last": last})
	return nil
}

// sendTasks emits the current non-deleted task set.
func (s *agentSession) sendTasks(ctx context.Context) {
	tasks, err := s.hub.tasks.ListTasks(ctx, s.app.ID)
	if err != nil {
		slog.Error("Failed to list tasks for agent", "app_id", s.app.ID.Hex(), "error", err)
		return
	}
	s.core.sendMessage(ctx, "tasks", map[string]any{"tasks": tasks})
}

// sendOrphans reports frozen sequences still bound to this connection so
// the agent can resume or abandon them. An empty list is still sent: it is
// the positive answer that there is nothing to recover.
func (s *agentSession) sendOrphans(ctx context.Context) {
	frozen, err := s.hub.seqs.ListFrozenForConnection(ctx, s.connectionUUID)
	if err != nil {
		slog.Error("Orphan check failed", "connection_uuid", s.connectionUUID, "error", err)
		return
	}
	ids := make([]primitive.ObjectID, 0, len(frozen))
	for _, seq := range frozen {
		ids = append(ids, seq.ID)
	}
	s.core.sendMessage(ctx, "detected_orphans", map[string]any{"sequence_ids": ids})
}

// reconcileEventGroups makes the live e/key group memberships match keys.
func (s *agentSession) reconcileEventGroups(ctx context.Context, keys []string) {
	want := make(map[string]bool, len(keys))
	for _, key := range keys {
		want[models.EventKeyGroup(key)] = true
	}
	for _, group := range s.core.conn.Groups() {
		if strings.HasPrefix(group, "e/key/") && !want[group] {
			s.core.conn.RemoveFromGroup(group)
		}
	}
	for group := range want {
		if err := s.core.conn.AddToGroup(ctx, group); err != nil {
			slog.Warn("Failed to join event group", "connection_id", s.core.conn.ID, "group", group, "error", err)
		}
	}
}
