package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
)

// afterT parses the after_t query parameter, a unix-microsecond cursor.
// Zero means "from the beginning".
func afterT(c *echo.Context) (int64, error) {
	v := c.QueryParam("after_t")
	if v == "" {
		return 0, nil
	}
	t, err := strconv.ParseInt(v, 10, 64)
	if err != nil || t < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid after_t")
	}
	return t, nil
}

// createEventHandler handles POST /api/v1/events. Authenticated with the
// application access key; REST-published events carry no connection binding.
func (s *Server) createEventHandler(c *echo.Context) error {
	app := currentApp(c)
	var req models.CreateEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := s.events.CreateEvent(c.Request().Context(), app, "", req, c.RealIP())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, ev)
}

// listAppEventsHandler handles GET /api/v1/applications/:id/events.
func (s *Server) listAppEventsHandler(c *echo.Context) error {
	appID, err := pathObjectID(c)
	if err != nil {
		return err
	}
	after, err := afterT(c)
	if err != nil {
		return err
	}
	events, err := s.events.ListByApp(c.Request().Context(), appID, after, listLimit(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// listSequenceEventsHandler handles GET /api/v1/sequences/:id/events.
func (s *Server) listSequenceEventsHandler(c *echo.Context) error {
	id, err := pathObjectID(c)
	if err != nil {
		return err
	}
	events, err := s.events.ListBySequence(c.Request().Context(), primitive.NilObjectID, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}
