package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
)

// createTaskHandler handles POST /api/v1/applications/:id/tasks.
func (s *Server) createTaskHandler(c *echo.Context) error {
	appID, err := pathObjectID(c)
	if err != nil {
		return err
	}
	var req models.CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	task, err := s.tasks.CreateTask(c.Request().Context(), appID, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, task)
}

// listTasksHandler handles GET /api/v1/applications/:id/tasks.
func (s *Server) listTasksHandler(c *echo.Context) error {
	appID, err := pathObjectID(c)
	if err != nil {
		return err
	}
	tasks, err := s.tasks.ListTasks(c.Request().Context(), appID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": tasks})
}

// getTaskHandler handles GET /api/v1/tasks/:id. Task IDs are qualified
// "<app>/<task>" strings, not ObjectIDs.
func (s *Server) getTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	task, err := s.tasks.GetTask(c.Request().Context(), id, primitive.NilObjectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// updateTaskHandler handles PATCH /api/v1/tasks/:id.
func (s *Server) updateTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	var req models.UpdateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	task, err := s.tasks.UpdateTask(c.Request().Context(), id, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// deleteTaskHandler handles DELETE /api/v1/tasks/:id.
func (s *Server) deleteTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	if err := s.tasks.DeleteTask(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
