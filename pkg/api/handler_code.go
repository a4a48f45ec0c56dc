package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fleetbeat/fleetbeat/pkg/models"
)

type codeRequest struct {
	Code string `json:"code"`
}

type registerWithCodeRequest struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// issueCodeHandler handles POST /api/v1/codes. The caller's IP is recorded
// so the operator confirming the code can see where it came from.
func (s *Server) issueCodeHandler(c *echo.Context) error {
	code, err := s.codes.IssueCode(c.Request().Context(), c.RealIP())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"code":       code.Code,
		"expires_at": code.ExpiresAt,
	})
}

// confirmCodeHandler handles POST /api/v1/codes/confirm, called by operator
// tooling behind the auth proxy.
func (s *Server) confirmCodeHandler(c *echo.Context) error {
	var req codeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	code, err := s.codes.ConfirmCode(c.Request().Context(), req.Code)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"code":       code.Code,
		"ip_address": code.IPAddress,
		"expires_at": code.ExpiresAt,
	})
}

// registerWithCodeHandler handles POST /api/v1/codes/register: exchanges a
// confirmed code for a new application and its access key.
func (s *Server) registerWithCodeHandler(c *echo.Context) error {
	var req registerWithCodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	app, err := s.codes.RegisterWithCode(c.Request().Context(), req.Code, models.CreateApplicationRequest{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"application": app,
		"access_key":  app.AccessKey,
	})
}
