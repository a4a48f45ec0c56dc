package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fleetbeat/fleetbeat/pkg/auth"
)

// ticketHandler handles POST /api/v1/ws/ticket. Agents authenticate with
// their access key and get a short-lived agent ticket; operator requests
// arriving through the auth proxy get an operator ticket. The ticket is the
// only credential the WebSocket upgrade accepts.
func (s *Server) ticketHandler(c *echo.Context) error {
	if bearerToken(c) != "" {
		app, err := s.authenticateAccessKey(c)
		if err != nil {
			return err
		}
		ticket, err := s.tickets.Issue(auth.KindAgentTicket, app.ID.Hex(), auth.AgentTicketTTL)
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"ticket":     ticket,
			"expires_in": auth.AgentTicketTTL.Seconds(),
		})
	}

	if user := principal(c); user != "" {
		ticket, err := s.tickets.Issue(auth.KindOperatorTicket, user, auth.OperatorTicketTTL)
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"ticket":     ticket,
			"expires_in": auth.OperatorTicketTTL.Seconds(),
		})
	}

	return echo.NewHTTPError(http.StatusUnauthorized, "credentials required")
}
