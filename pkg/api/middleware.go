package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/fleetbeat/fleetbeat/pkg/models"
)

// appContextKey stores the authenticated application on the request context.
const appContextKey = "fleetbeat.app"

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requireAccessKey authenticates the agent surface: the Authorization
// header must carry "Bearer <access key>" of an enabled application.
func (s *Server) requireAccessKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		app, err := s.authenticateAccessKey(c)
		if err != nil {
			return err
		}
		c.Set(appContextKey, app)
		return next(c)
	}
}

// authenticateAccessKey resolves the bearer credential without storing it,
// for handlers that accept either auth scheme.
func (s *Server) authenticateAccessKey(c *echo.Context) (*models.Application, error) {
	key := bearerToken(c)
	if key == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "access key required")
	}
	app, err := s.keyAuth.GetByAccessKey(c.Request().Context(), key)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return app, nil
}

func bearerToken(c *echo.Context) string {
	header := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// currentApp returns the application set by requireAccessKey.
func currentApp(c *echo.Context) *models.Application {
	app, _ := c.Get(appContextKey).(*models.Application)
	return app
}

// principal extracts the operator identity from the auth proxy headers.
// Empty means the request did not come through the proxy.
func principal(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return ""
}
