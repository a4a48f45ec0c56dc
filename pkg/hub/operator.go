package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/coder/websocket"

	"github.com/fleetbeat/fleetbeat/pkg/auth"
	"github.com/fleetbeat/fleetbeat/pkg/models"
)

// OperatorHub serves monitoring sockets. Operators manage their own topic
// set; the only invariant is that every joinable group lives under the
// monitoring prefix, so an operator can never sit in an agent control group.
type OperatorHub struct {
	tickets *auth.Tickets
	layer   layer
}

// NewOperatorHub creates an OperatorHub.
func NewOperatorHub(tickets *auth.Tickets, l layer) *OperatorHub {
	return &OperatorHub{tickets: tickets, layer: l}
}

// Serve runs the protocol on an upgraded WebSocket until it closes.
func (h *OperatorHub) Serve(ctx context.Context, ws *websocket.Conn, ticket string) {
	h.serve(ctx, wsSocket{conn: ws}, ticket)
}

func (h *OperatorHub) serve(ctx context.Context, sock socket, ticket string) {
	userID, err := h.tickets.Decode(auth.KindOperatorTicket, ticket)
	if err != nil {
		_ = sock.Write(ctx, []byte(`{"t":"error","d":{"kind":"authentication_failed"}}`))
		_ = sock.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	conn := h.layer.NewConnection()
	core := newCore(sock, conn)
	sess := &operatorSession{core: core, userID: userID}
	sess.register()

	// Directed groups: u/<uid> for user-wide pushes, session/<id> for
	// frames aimed at this one socket (force_refresh).
	_ = conn.AddToGroup(ctx, models.UserGroup(userID))
	_ = conn.AddToGroup(ctx, models.SessionGroup(conn.ID))
	if err := conn.Activate(ctx); err != nil {
		slog.Error("Failed to activate connection", "connection_id", conn.ID, "error", err)
		_ = sock.Close(websocket.StatusInternalError, "backplane unavailable")
		conn.Close()
		return
	}

	core.sendMessage(ctx, "introduction", map[string]any{
		"connection_id": conn.ID,
		"session":       models.SessionGroup(conn.ID),
	})
	core.run(ctx)
}

type operatorSession struct {
	core   *core
	userID string
}

type topicsPayload struct {
	Topics []string `json:"topics"`
}

// topicPayload accepts either a single topic or a list.
type topicPayload struct {
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

func (p topicPayload) all() []string {
	if p.Topic != "" {
		return append([]string{p.Topic}, p.Topics...)
	}
	return p.Topics
}

func (s *operatorSession) register() {
	registerMessage(s.core, "set_topics", s.handleSetTopics)
	registerMessage(s.core, "sub", s.handleSub)
	registerMessage(s.core, "unsub", s.handleUnsub)
	registerMessage(s.core, "unsuball", s.handleUnsubAll)
	registerMessage(s.core, "sync", s.handleSync)
}

func (s *operatorSession) handleSetTopics(ctx context.Context, msg topicsPayload) error {
	if err := validateTopics(msg.Topics); err != nil {
		return err
	}
	want := make(map[string]bool, len(msg.Topics))
	for _, topic := range msg.Topics {
		want[topic] = true
	}
	for _, group := range s.topics() {
		if !want[group] {
			s.core.conn.RemoveFromGroup(group)
		}
	}
	for topic := range want {
		if err := s.core.conn.AddToGroup(ctx, topic); err != nil {
			return err
		}
	}
	s.sendTopics(ctx)
	return nil
}

func (s *operatorSession) handleSub(ctx context.Context, msg topicPayload) error {
	topics := msg.all()
	if err := validateTopics(topics); err != nil {
		return err
	}
	for _, topic := range topics {
		if err := s.core.conn.AddToGroup(ctx, topic); err != nil {
			return err
		}
	}
	s.sendTopics(ctx)
	return nil
}

func (s *operatorSession) handleUnsub(ctx context.Context, msg topicPayload) error {
	for _, topic := range msg.all() {
		s.core.conn.RemoveFromGroup(topic)
	}
	s.sendTopics(ctx)
	return nil
}

func (s *operatorSession) handleUnsubAll(ctx context.Context, _ struct{}) error {
	for _, group := range s.topics() {
		s.core.conn.RemoveFromGroup(group)
	}
	s.sendTopics(ctx)
	return nil
}

func (s *operatorSession) handleSync(ctx context.Context, _ struct{}) error {
	s.sendTopics(ctx)
	return nil
}

// topics returns the joined monitoring groups, leaving the directed
// u/ and session/ groups out.
func (s *operatorSession) topics() []string {
	var out []string
	for _, group := range s.core.conn.Groups() {
		if strings.HasPrefix(group, models.MonitoringPrefix) {
			out = append(out, group)
		}
	}
	sort.Strings(out)
	return out
}

func (s *operatorSession) sendTopics(ctx context.Context) {
	s.core.sendMessage(ctx, "sync", map[string]any{"topics": s.topics()})
}

func validateTopics(topics []string) error {
	for _, topic := range topics {
		if !models.MonitoringGroup(topic) {
			return fmt.Errorf("topic %q is outside the monitoring namespace", topic)
		}
	}
	return nil
}
