package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listSequenceLogsHandler handles GET /api/v1/sequences/:id/logs.
func (s *Server) listSequenceLogsHandler(c *echo.Context) error {
	id, err := pathObjectID(c)
	if err != nil {
		return err
	}
	after, err := afterT(c)
	if err != nil {
		return err
	}
	logs, err := s.logs.ListBySequence(c.Request().Context(), id, after, listLimit(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"logs": logs})
}
