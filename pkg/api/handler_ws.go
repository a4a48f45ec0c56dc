package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// acceptOptions builds the upgrade policy. An empty allowlist disables the
// origin check entirely: agents are not browsers and send no Origin header,
// and single-host deployments sit behind a proxy that already pins the host.
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if len(s.wsOrigins) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: s.wsOrigins}
}

// agentWSHandler handles GET /ws/agent. The ticket travels as a query
// parameter because browsers and most agent runtimes cannot set headers on
// a WebSocket upgrade.
func (s *Server) agentWSHandler(c *echo.Context) error {
	ticket := c.QueryParam("ticket")
	if ticket == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "ticket required")
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), s.acceptOptions())
	if err != nil {
		return err
	}
	// Serve blocks until the socket closes.
	s.agentHub.Serve(c.Request().Context(), conn, ticket, c.RealIP())
	return nil
}

// operatorWSHandler handles GET /ws/operator.
func (s *Server) operatorWSHandler(c *echo.Context) error {
	ticket := c.QueryParam("ticket")
	if ticket == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "ticket required")
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), s.acceptOptions())
	if err != nil {
		return err
	}
	s.operHub.Serve(c.Request().Context(), conn, ticket)
	return nil
}
