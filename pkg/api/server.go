// Package api is the HTTP surface: the REST endpoints used by agents and
// operator tooling, the WebSocket upgrade endpoints, and the health probe.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fleetbeat/fleetbeat/pkg/auth"
	"github.com/fleetbeat/fleetbeat/pkg/hub"
	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/services"
)

// pinger is a liveness probe on a dependency.
type pinger interface {
	Ping(ctx context.Context) error
}

// accessKeyResolver authenticates agent REST calls. Satisfied by
// services.ApplicationService.
type accessKeyResolver interface {
	GetByAccessKey(ctx context.Context, key string) (*models.Application, error)
}

// Server wires the service layer onto HTTP.
type Server struct {
	echo *echo.Echo
	http *http.Server

	apps     *services.ApplicationService
	codes    *services.CodeService
	tasks    *services.TaskService
	seqs     *services.SequenceService
	events   *services.EventService
	logs     *services.LogService
	conns    *services.ConnectionService
	tickets  *auth.Tickets
	agentHub *hub.AgentHub
	operHub  *hub.OperatorHub

	keyAuth       accessKeyResolver
	storePing     pinger
	backplanePing pinger
	wsOrigins     []string
}

// Deps collects the server's dependencies.
type Deps struct {
	Applications  *services.ApplicationService
	Codes         *services.CodeService
	Tasks         *services.TaskService
	Sequences     *services.SequenceService
	Events        *services.EventService
	Logs          *services.LogService
	Connections   *services.ConnectionService
	Tickets       *auth.Tickets
	AgentHub      *hub.AgentHub
	OperatorHub   *hub.OperatorHub
	StorePing     pinger
	BackplanePing pinger

	// AllowedWSOrigins restricts WebSocket upgrades by Origin pattern.
	// Empty means no origin check.
	AllowedWSOrigins []string
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		echo:          echo.New(),
		apps:          deps.Applications,
		codes:         deps.Codes,
		tasks:         deps.Tasks,
		seqs:          deps.Sequences,
		events:        deps.Events,
		logs:          deps.Logs,
		conns:         deps.Connections,
		tickets:       deps.Tickets,
		agentHub:      deps.AgentHub,
		operHub:       deps.OperatorHub,
		keyAuth:       deps.Applications,
		storePing:     deps.StorePing,
		backplanePing: deps.BackplanePing,
		wsOrigins:     deps.AllowedWSOrigins,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)

	// Code registration flow.
	e.POST("/api/v1/codes", s.issueCodeHandler)
	e.POST("/api/v1/codes/confirm", s.confirmCodeHandler)
	e.POST("/api/v1/codes/register", s.registerWithCodeHandler)

	// Application registry (operator tooling behind the auth proxy).
	e.POST("/api/v1/applications", s.createApplicationHandler)
	e.GET("/api/v1/applications", s.listApplicationsHandler)
	e.GET("/api/v1/applications/:id", s.getApplicationHandler)
	e.PATCH("/api/v1/applications/:id", s.updateApplicationHandler)
	e.DELETE("/api/v1/applications/:id", s.deleteApplicationHandler)
	e.POST("/api/v1/applications/:id/rotate-key", s.rotateAccessKeyHandler)
	e.GET("/api/v1/applications/:id/servers", s.listServersHandler)
	e.GET("/api/v1/applications/:id/sequences", s.listSequencesHandler)
	e.GET("/api/v1/applications/:id/events", s.listAppEventsHandler)

	// Task definitions.
	e.POST("/api/v1/applications/:id/tasks", s.createTaskHandler)
	e.GET("/api/v1/applications/:id/tasks", s.listTasksHandler)
	e.GET("/api/v1/tasks/:id", s.getTaskHandler)
	e.PATCH("/api/v1/tasks/:id", s.updateTaskHandler)
	e.DELETE("/api/v1/tasks/:id", s.deleteTaskHandler)

	// Agent surface: authenticated with the application access key.
	e.POST("/api/v1/sequences", s.createSequenceHandler, s.requireAccessKey)
	e.GET("/api/v1/sequences/:id", s.getSequenceHandler)
	e.POST("/api/v1/sequences/:id/finish", s.finishSequenceHandler, s.requireAccessKey)
	e.PATCH("/api/v1/sequences/:id/meta", s.updateSequenceMetaHandler, s.requireAccessKey)
	e.GET("/api/v1/sequences/:id/events", s.listSequenceEventsHandler)
	e.GET("/api/v1/sequences/:id/logs", s.listSequenceLogsHandler)
	e.POST("/api/v1/events", s.createEventHandler, s.requireAccessKey)

	// WS tickets and upgrades.
	e.POST("/api/v1/ws/ticket", s.ticketHandler)
	e.GET("/ws/agent", s.agentWSHandler)
	e.GET("/ws/operator", s.operatorWSHandler)
}

// Handler exposes the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
