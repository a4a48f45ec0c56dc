package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
)

const defaultListLimit = 50

// listLimit parses the limit query parameter, capped at 500.
func listLimit(c *echo.Context) int64 {
	limit := int64(defaultListLimit)
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return limit
}

// createSequenceHandler handles POST /api/v1/sequences. Authenticated with
// the application access key; REST-opened sequences carry no connection
// binding so a hub disconnect never freezes them.
func (s *Server) createSequenceHandler(c *echo.Context) error {
	app := currentApp(c)
	var req models.CreateSequenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	seq, err := s.seqs.CreateSequence(c.Request().Context(), app, req, c.RealIP())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, seq)
}

// getSequenceHandler handles GET /api/v1/sequences/:id.
func (s *Server) getSequenceHandler(c *echo.Context) error {
	id, err := pathObjectID(c)
	if err != nil {
		return err
	}
	seq, err := s.seqs.GetSequence(c.Request().Context(), id, primitive.NilObjectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, seq)
}

// listSequencesHandler handles GET /api/v1/applications/:id/sequences.
func (s *Server) listSequencesHandler(c *echo.Context) error {
	appID, err := pathObjectID(c)
	if err != nil {
		return err
	}
	seqs, err := s.seqs.ListByApp(c.Request().Context(), appID, listLimit(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sequences": seqs})
}

// finishSequenceHandler handles POST /api/v1/sequences/:id/finish.
func (s *Server) finishSequenceHandler(c *echo.Context) error {
	app := currentApp(c)
	id, err := pathObjectID(c)
	if err != nil {
		return err
	}
	var req models.FinishSequenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	seq, err := s.seqs.FinishSequence(c.Request().Context(), app.ID, id, req, c.RealIP())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, seq)
}

// updateSequenceMetaHandler handles PATCH /api/v1/sequences/:id/meta. The
// body replaces the whole meta object.
func (s *Server) updateSequenceMetaHandler(c *echo.Context) error {
	app := currentApp(c)
	id, err := pathObjectID(c)
	if err != nil {
		return err
	}
	var meta models.SequenceMeta
	if err := c.Bind(&meta); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	seq, err := s.seqs.UpdateMeta(c.Request().Context(), app.ID, id, meta)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, seq)
}
