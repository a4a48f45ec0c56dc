// Package e2e spins up complete in-process hub instances against real
// MongoDB (and optionally redis) containers and drives them through their
// public surfaces only: the REST API and the WebSocket endpoints.
package e2e

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fleetbeat/fleetbeat/pkg/api"
	"github.com/fleetbeat/fleetbeat/pkg/auth"
	"github.com/fleetbeat/fleetbeat/pkg/backplane"
	"github.com/fleetbeat/fleetbeat/pkg/channels"
	"github.com/fleetbeat/fleetbeat/pkg/hub"
	"github.com/fleetbeat/fleetbeat/pkg/services"
	"github.com/fleetbeat/fleetbeat/pkg/store"
	"github.com/fleetbeat/fleetbeat/pkg/transit"
	"github.com/fleetbeat/fleetbeat/test/util"
)

// ticketSecret signs WebSocket tickets in tests. All instances of a
// scenario must share it, like replicas of one deployment would.
const ticketSecret = "e2e-ticket-secret-0123456789abcdef"

// Instance is one in-process hub replica with its own channel layer and
// HTTP listener, sharing the store (and optionally a redis backplane) with
// its siblings.
type Instance struct {
	t *testing.T

	Store     *store.Client
	Layer     *channels.ChannelLayer
	Sequences *services.SequenceService
	HTTP      *httptest.Server
}

// newHarness starts a single instance on a fresh database with the
// in-memory backplane.
func newHarness(t *testing.T) *Instance {
	t.Helper()
	client := util.NewTestStore(t)
	bp := backplane.NewMemory(64)
	t.Cleanup(func() { _ = bp.Close(context.Background()) })
	return startInstance(t, client, bp)
}

// newRedisBackplane builds a redis backplane on the shared test redis.
func newRedisBackplane(t *testing.T) backplane.Backplane {
	t.Helper()
	ctx := context.Background()

	opts, err := redis.ParseURL(util.RedisURL(t))
	require.NoError(t, err)
	bp := backplane.NewRedis(ctx, redis.NewClient(opts), 64)
	require.NoError(t, bp.Ping(ctx))
	t.Cleanup(func() { _ = bp.Close(context.Background()) })
	return bp
}

// startInstance wires the full service graph the way cmd/fleetbeat does and
// exposes it through an httptest server.
func startInstance(t *testing.T, client *store.Client, bp backplane.Backplane) *Instance {
	t.Helper()
	ctx := context.Background()

	layer, err := channels.New(ctx, bp, 64)
	require.NoError(t, err)

	bus := transit.New()
	notifier := services.NewNotifier(layer)
	services.RegisterTransitHandlers(bus, client.Counters, notifier)

	appService := services.NewApplicationService(client.Applications, notifier)
	codeService := services.NewCodeService(client.Codes, appService)
	taskService := services.NewTaskService(client.Tasks, client.Applications, notifier)
	seqService := services.NewSequenceService(client.Sequences, client.Events, client.Connections, taskService, bus, notifier)
	eventService := services.NewEventService(client.Events, client.Sequences, seqService, bus, notifier)
	logService := services.NewLogService(client.Logs, bus)
	connService := services.NewConnectionService(client.Connections, client.Servers, seqService, notifier, services.DefaultDisconnectTTL)

	tickets, err := auth.NewTickets([]byte(ticketSecret))
	require.NoError(t, err)

	agentHub := hub.NewAgentHub(tickets, layer, appService, connService, seqService, taskService, logService)
	operatorHub := hub.NewOperatorHub(tickets, layer)

	srv := api.NewServer(api.Deps{
		Applications:  appService,
		Codes:         codeService,
		Tasks:         taskService,
		Sequences:     seqService,
		Events:        eventService,
		Logs:          logService,
		Connections:   connService,
		Tickets:       tickets,
		AgentHub:      agentHub,
		OperatorHub:   operatorHub,
		StorePing:     client,
		BackplanePing: bp,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		bus.Shutdown(context.Background())
		layer.Close()
	})

	return &Instance{
		t:         t,
		Store:     client,
		Layer:     layer,
		Sequences: seqService,
		HTTP:      ts,
	}
}
