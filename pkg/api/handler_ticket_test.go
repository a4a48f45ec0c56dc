package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbeat/fleetbeat/pkg/auth"
)

func ticketFixture(t *testing.T) (*Server, *echo.Echo, *auth.Tickets) {
	t.Helper()
	tickets, err := auth.NewTickets([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	s := &Server{
		keyAuth: &stubKeyAuth{app: testApp()},
		tickets: tickets,
	}
	e := echo.New()
	e.POST("/api/v1/ws/ticket", s.ticketHandler)
	return s, e, tickets
}

func requestTicket(t *testing.T, e *echo.Echo, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ws/ticket", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestTicketHandlerAgent(t *testing.T) {
	s, e, tickets := ticketFixture(t)

	rec := requestTicket(t, e, map[string]string{"Authorization": "Bearer k-valid"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Ticket    string  `json:"ticket"`
		ExpiresIn float64 `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, auth.AgentTicketTTL.Seconds(), body.ExpiresIn)

	subject, err := tickets.Decode(auth.KindAgentTicket, body.Ticket)
	require.NoError(t, err)
	assert.Equal(t, s.keyAuth.(*stubKeyAuth).app.ID.Hex(), subject)

	// An agent ticket must not pass as an operator ticket.
	_, err = tickets.Decode(auth.KindOperatorTicket, body.Ticket)
	assert.ErrorIs(t, err, auth.ErrInvalidTicket)
}

func TestTicketHandlerOperator(t *testing.T) {
	_, e, tickets := ticketFixture(t)

	rec := requestTicket(t, e, map[string]string{"X-Forwarded-User": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Ticket string `json:"ticket"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	subject, err := tickets.Decode(auth.KindOperatorTicket, body.Ticket)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)
}

func TestTicketHandlerUnauthenticated(t *testing.T) {
	_, e, _ := ticketFixture(t)

	rec := requestTicket(t, e, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTicketHandlerBadKey(t *testing.T) {
	_, e, _ := ticketFixture(t)

	// A bearer header selects the agent path; proxy headers do not rescue it.
	rec := requestTicket(t, e, map[string]string{
		"Authorization":    "Bearer k-wrong",
		"X-Forwarded-User": "alice",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
