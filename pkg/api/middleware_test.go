package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/services"
)

type stubKeyAuth struct {
	app *models.Application
}

func (s *stubKeyAuth) GetByAccessKey(_ context.Context, key string) (*models.Application, error) {
	if s.app == nil || key != s.app.AccessKey {
		return nil, services.ErrUnauthorized
	}
	return s.app, nil
}

func testApp() *models.Application {
	return &models.Application{
		ID:        primitive.NewObjectID(),
		Name:      "myapp",
		AccessKey: "k-valid",
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/test", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "camera=(), microphone=(), geolocation=()", rec.Header().Get("Permissions-Policy"))
}

func TestRequireAccessKey(t *testing.T) {
	app := testApp()
	s := &Server{keyAuth: &stubKeyAuth{app: app}}

	e := echo.New()
	e.GET("/test", func(c *echo.Context) error {
		got := currentApp(c)
		require.NotNil(t, got)
		assert.Equal(t, app.ID, got.ID)
		return c.String(http.StatusOK, "ok")
	}, s.requireAccessKey)

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer k-valid")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Basic k-valid")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer k-other")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestPrincipal(t *testing.T) {
	e := echo.New()
	var got string
	e.GET("/test", func(c *echo.Context) error {
		got = principal(c)
		return c.String(http.StatusOK, "ok")
	})

	call := func(headers map[string]string) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
	}

	call(nil)
	assert.Empty(t, got)

	call(map[string]string{"X-Remote-User": "carol"})
	assert.Equal(t, "carol", got)

	call(map[string]string{"X-Forwarded-Email": "alice@example.com", "X-Remote-User": "carol"})
	assert.Equal(t, "alice@example.com", got)

	// X-Forwarded-User wins over the other two.
	call(map[string]string{
		"X-Forwarded-User":  "alice",
		"X-Forwarded-Email": "alice@example.com",
		"X-Remote-User":     "carol",
	})
	assert.Equal(t, "alice", got)
}
