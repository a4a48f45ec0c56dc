package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
)

// pathObjectID parses the :id path parameter as an ObjectID.
func pathObjectID(c *echo.Context) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		return primitive.NilObjectID, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// createApplicationHandler handles POST /api/v1/applications.
func (s *Server) createApplicationHandler(c *echo.Context) error {
	var req models.CreateApplicationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	app, err := s.apps.CreateApplication(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	// The access key is returned exactly once, on creation.
	return c.JSON(http.StatusCreated, map[string]any{
		"application": app,
		"access_key":  app.AccessKey,
	})
}

// listApplicationsHandler handles GET /api/v1/applications.
func (s *Server) listApplicationsHandler(c *echo.Context) error {
	apps, err := s.apps.ListApplications(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"applications": apps})
}

// getApplicationHandler handles GET /api/v1/applications/:id.
func (s *Server) getApplicationHandler(c *echo.Context) error {
	id, err := pathObjectID(c)
	if err != nil {
		return err
	}
	app, err := s.apps.GetApplication(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, app)
}

// updateApplicationHandler handles PATCH /api/v1/applications/:id.
func (s *Server) updateApplicationHandler(c *echo.Context) error {
	id, err := pathObjectID(c)
	if err != nil {
		return err
	}
	var req models.UpdateApplicationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	app, err := s.apps.UpdateApplication(c.Request().Context(), id, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, app)
}

// deleteApplicationHandler handles DELETE /api/v1/applications/:id.
func (s *Server) deleteApplicationHandler(c *echo.Context) error {
	id, err := pathObjectID(c)
	if err != nil {
		return err
	}
	if err := s.apps.DeleteApplication(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// rotateAccessKeyHandler handles POST /api/v1/applications/:id/rotate-key.
func (s *Server) rotateAccessKeyHandler(c *echo.Context) error {
	id, err := pathObjectID(c)
	if err != nil {
		return err
	}
	app, err := s.apps.RotateAccessKey(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"access_key": app.AccessKey})
}

// listServersHandler handles GET /api/v1/applications/:id/servers.
func (s *Server) listServersHandler(c *echo.Context) error {
	id, err := pathObjectID(c)
	if err != nil {
		return err
	}
	servers, err := s.conns.ListServers(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"servers": servers})
}
