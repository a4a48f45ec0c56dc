package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/store"
)

// DefaultDisconnectTTL is how long a disconnected ConnectionInfo row lives
// before the store TTL reaps it. Deliberately shorter than the orphan
// threshold: an expired connection row does not retire its sequences, the
// reaper does.
const DefaultDisconnectTTL = 12 * time.Hour

// guardedUpdateAttempts bounds the optimistic-concurrency retry loop.
const guardedUpdateAttempts = 3

// ConnectionService tracks agent connection rows across connect, subscribe
// and disconnect, and owns the hanging-row cleanup at boot.
type ConnectionService struct {
	conns         store.ConnectionStore
	servers       store.ServerStore
	sequences     *SequenceService
	notifier      *Notifier
	disconnectTTL time.Duration
}

// NewConnectionService creates a new ConnectionService.
func NewConnectionService(conns store.ConnectionStore, servers store.ServerStore, sequences *SequenceService, notifier *Notifier, disconnectTTL time.Duration) *ConnectionService {
	if disconnectTTL <= 0 {
		disconnectTTL = DefaultDisconnectTTL
	}
	return &ConnectionService{
		conns:         conns,
		servers:       servers,
		sequences:     sequences,
		notifier:      notifier,
		disconnectTTL: disconnectTTL,
	}
}

// RegisterHello upserts the ConnectionInfo for a hello handshake and
// records the agent host in the server registry. Returns the stored row and
// the app's connected total for the greetings reply.
func (s *ConnectionService) RegisterHello(ctx context.Context, app *models.Application, client models.ApplicationClientInfo, ip string, subscriptions []string) (*models.ConnectionInfo, int64, error) {
	if client.ConnectionUUID == "" {
		return nil, 0, NewValidationError("connection_uuid", "is required")
	}
	if client.Name == "" {
		return nil, 0, NewValidationError("name", "is required")
	}
	if subscriptions == nil {
		subscriptions = []string{}
	}
	info := &models.ConnectionInfo{
		ConnectionUUID:     client.ConnectionUUID,
		AppID:              app.ID,
		IP:                 ip,
		OS:                 client.OSInfo,
		ClientName:         client.Name,
		ClientVersion:      client.Version,
		Fingerprint:        models.Fingerprint(client.Name, client.CompatibilityKey),
		MachineID:          client.MachineID,
		InstanceID:         client.InstanceID,
		ConnectedAt:        time.Now().UTC(),
		EventSubscriptions: subscriptions,
	}
	stored, err := s.conns.Upsert(ctx, info)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to upsert connection: %w", err)
	}

	// Best-effort host registry; a failure here must not fail the handshake.
	if err := s.servers.Upsert(ctx, app.ID, ip, client.OSInfo, time.Now().UTC()); err != nil {
		slog.Warn("Failed to record agent host", "app_id", app.ID.Hex(), "ip", ip, "error", err)
	}

	s.notifier.ConnectionChanged(ctx, stored)

	total, err := s.conns.CountConnected(ctx, app.ID)
	if err != nil {
		return stored, 0, fmt.Errorf("failed to count connections: %w", err)
	}
	return stored, total, nil
}

// Subscription set mutations.
const (
	SubscriptionsReplace = "replace"
	SubscriptionsAdd     = "add"
	SubscriptionsRemove  = "remove"
)

// UpdateSubscriptions mutates the persisted event-key subscription list of
// a connection and returns the new list. Concurrent writers (another hub
// instance seeing the same uuid) are handled by re-reading on a stale
// revision.
func (s *ConnectionService) UpdateSubscriptions(ctx context.Context, connectionUUID, mode string, keys []string) ([]string, error) {
	for attempt := 0; attempt < guardedUpdateAttempts; attempt++ {
		info, err := s.conns.GetByUUID(ctx, connectionUUID)
		if err != nil {
			return nil, mapStoreError(err, "connection")
		}
		switch mode {
		case SubscriptionsReplace:
			if keys == nil {
				keys = []string{}
			}
			info.EventSubscriptions = keys
		case SubscriptionsAdd:
			info.EventSubscriptions = addKeys(info.EventSubscriptions, keys)
		case SubscriptionsRemove:
			info.EventSubscriptions = removeKeys(info.EventSubscriptions, keys)
		default:
			return nil, NewValidationError("mode", fmt.Sprintf("unknown subscription mode %q", mode))
		}
		err = s.conns.UpdateGuarded(ctx, info)
		if err == nil {
			return info.EventSubscriptions, nil
		}
		if !errors.Is(err, store.ErrStaleRevision) {
			return nil, mapStoreError(err, "connection")
		}
	}
	return nil, fmt.Errorf("connection %s: %w", connectionUUID, ErrConflict)
}

// HandleDisconnect runs the disconnect bookkeeping: flip the row to
// disconnected with its TTL, freeze the connection's running sequences and
// notify operators. connectedAt is the value RegisterHello returned for this
// socket; when the agent has already reconnected with the same uuid, the row
// carries a newer connected_at and the stale socket's disconnect is a no-op.
// Safe to call more than once; only the caller that actually flips the row
// does the work.
func (s *ConnectionService) HandleDisconnect(ctx context.Context, connectionUUID string, connectedAt time.Time) error {
	now := time.Now().UTC()
	info, err := s.conns.MarkDisconnected(ctx, connectionUUID, connectedAt, now, now.Add(s.disconnectTTL))
	if err != nil {
		return fmt.Errorf("failed to mark disconnected: %w", err)
	}
	if info == nil {
		// Already disconnected, reclaimed by a reconnect, or never said hello.
		return nil
	}
	if _, err := s.sequences.FreezeForConnection(ctx, connectionUUID); err != nil {
		slog.Error("Failed to freeze sequences on disconnect", "connection_uuid", connectionUUID, "error", err)
	}
	s.notifier.ConnectionChanged(ctx, info)
	return nil
}

// GetByUUID fetches a connection row.
func (s *ConnectionService) GetByUUID(ctx context.Context, connectionUUID string) (*models.ConnectionInfo, error) {
	info, err := s.conns.GetByUUID(ctx, connectionUUID)
	if err != nil {
		return nil, mapStoreError(err, "connection")
	}
	return info, nil
}

// ListServers returns the hosts an application's agents have connected from,
// most recently seen first.
func (s *ConnectionService) ListServers(ctx context.Context, appID primitive.ObjectID) ([]*models.Server, error) {
	return s.servers.ListByApp(ctx, appID)
}

// CleanupHanging handles rows left flagged connected by a crashed instance.
// With remove=true the rows are deleted; otherwise they are only reported.
// Called once at boot, before any hub accepts sockets.
func (s *ConnectionService) CleanupHanging(ctx context.Context, remove bool) (int, error) {
	hanging, err := s.conns.ListHanging(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list hanging connections: %w", err)
	}
	for _, info := range hanging {
		if !remove {
			slog.Warn("Hanging connection row found",
				"connection_uuid", info.ConnectionUUID, "app_id", info.AppID.Hex())
			continue
		}
		if err := s.conns.Remove(ctx, info.ID); err != nil {
			return 0, fmt.Errorf("failed to remove hanging connection: %w", err)
		}
		slog.Info("Removed hanging connection row",
			"connection_uuid", info.ConnectionUUID, "app_id", info.AppID.Hex())
	}
	return len(hanging), nil
}

func addKeys(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string{}, existing...)
	for _, k := range existing {
		seen[k] = true
	}
	for _, k := range add {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func removeKeys(existing, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, k := range remove {
		drop[k] = true
	}
	out := make([]string, 0, len(existing))
	for _, k := range existing {
		if !drop[k] {
			out = append(out, k)
		}
	}
	return out
}
