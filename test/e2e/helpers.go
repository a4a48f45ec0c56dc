package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// request performs one JSON call against the instance's HTTP listener and
// decodes the response body into a generic map.
func (in *Instance) request(method, path string, body any, headers map[string]string) (int, map[string]any) {
	in.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(in.t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, in.HTTP.URL+path, reader)
	require.NoError(in.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := in.HTTP.Client().Do(req)
	require.NoError(in.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(in.t, err)

	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(in.t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

func bearer(accessKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + accessKey}
}

// CreateApplication registers an application and returns its id and access
// key.
func (in *Instance) CreateApplication(name string) (appID, accessKey string) {
	in.t.Helper()
	status, body := in.request(http.MethodPost, "/api/v1/applications",
		map[string]any{"name": name}, nil)
	require.Equal(in.t, http.StatusCreated, status, "body: %v", body)

	app, ok := body["application"].(map[string]any)
	require.True(in.t, ok, "body: %v", body)
	appID, _ = app["_id"].(string)
	accessKey, _ = body["access_key"].(string)
	require.NotEmpty(in.t, appID)
	require.NotEmpty(in.t, accessKey)
	return appID, accessKey
}

// CreateTask defines a shell task under the application and returns the
// task id.
func (in *Instance) CreateTask(appID, name string) string {
	in.t.Helper()
	status, body := in.request(http.MethodPost, "/api/v1/applications/"+appID+"/tasks",
		map[string]any{
			"name": name,
			"body": map[string]any{"type": "shell", "value": "true"},
		}, nil)
	require.Equal(in.t, http.StatusCreated, status, "body: %v", body)

	taskID, _ := body["_id"].(string)
	require.NotEmpty(in.t, taskID)
	return taskID
}

// AgentTicket issues a WebSocket ticket from the application access key.
func (in *Instance) AgentTicket(accessKey string) string {
	in.t.Helper()
	status, body := in.request(http.MethodPost, "/api/v1/ws/ticket", nil, bearer(accessKey))
	require.Equal(in.t, http.StatusOK, status, "body: %v", body)
	ticket, _ := body["ticket"].(string)
	require.NotEmpty(in.t, ticket)
	return ticket
}

// OperatorTicket issues a WebSocket ticket for a proxy-authenticated user.
func (in *Instance) OperatorTicket(user string) string {
	in.t.Helper()
	status, body := in.request(http.MethodPost, "/api/v1/ws/ticket", nil,
		map[string]string{"X-Forwarded-User": user})
	require.Equal(in.t, http.StatusOK, status, "body: %v", body)
	ticket, _ := body["ticket"].(string)
	require.NotEmpty(in.t, ticket)
	return ticket
}

// CreateSequence opens a sequence over REST and returns its id.
func (in *Instance) CreateSequence(accessKey string, req map[string]any) string {
	in.t.Helper()
	status, body := in.request(http.MethodPost, "/api/v1/sequences", req, bearer(accessKey))
	require.Equal(in.t, http.StatusCreated, status, "body: %v", body)
	id, _ := body["_id"].(string)
	require.NotEmpty(in.t, id)
	return id
}

// PublishEvent publishes an application event, bound to a sequence when
// sequenceID is non-empty.
func (in *Instance) PublishEvent(accessKey, name, sequenceID string) {
	in.t.Helper()
	req := map[string]any{"name": name}
	if sequenceID != "" {
		req["sequence_id"] = sequenceID
	}
	status, body := in.request(http.MethodPost, "/api/v1/events", req, bearer(accessKey))
	require.Equal(in.t, http.StatusCreated, status, "body: %v", body)
}

// FinishSequence closes a sequence with the given terminal request.
func (in *Instance) FinishSequence(accessKey, sequenceID string, req map[string]any) map[string]any {
	in.t.Helper()
	if req == nil {
		req = map[string]any{}
	}
	status, body := in.request(http.MethodPost, "/api/v1/sequences/"+sequenceID+"/finish", req, bearer(accessKey))
	require.Equal(in.t, http.StatusOK, status, "body: %v", body)
	return body
}

// GetSequence fetches a sequence by id.
func (in *Instance) GetSequence(sequenceID string) map[string]any {
	in.t.Helper()
	status, body := in.request(http.MethodGet, "/api/v1/sequences/"+sequenceID, nil, nil)
	require.Equal(in.t, http.StatusOK, status, "body: %v", body)
	return body
}

// GetSequenceEvents lists a sequence's events in publish order.
func (in *Instance) GetSequenceEvents(sequenceID string) []map[string]any {
	in.t.Helper()
	status, body := in.request(http.MethodGet, "/api/v1/sequences/"+sequenceID+"/events", nil, nil)
	require.Equal(in.t, http.StatusOK, status, "body: %v", body)

	raw, _ := body["events"].([]any)
	events := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		require.True(in.t, ok)
		events = append(events, m)
	}
	return events
}

// wsURL converts the instance's HTTP base URL to a WebSocket URL.
func (in *Instance) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(in.HTTP.URL, "http") + path
}

// AgentConnect runs the full agent handshake: ticket, dial, introduction,
// hello, greetings. It returns the client and the server-assigned
// connection UUID.
func (in *Instance) AgentConnect(accessKey, connectionUUID string, subscriptions ...string) (*WSClient, string) {
	in.t.Helper()
	ctx := context.Background()

	if connectionUUID == "" {
		connectionUUID = uuid.NewString()
	}

	ticket := in.AgentTicket(accessKey)
	client, err := WSConnect(ctx, in.wsURL("/ws/agent?ticket="+ticket))
	require.NoError(in.t, err)
	in.t.Cleanup(func() { _ = client.Close() })

	_, err = client.WaitForType("introduction", 5*time.Second)
	require.NoError(in.t, err)

	hello := map[string]any{
		"name":              "e2e-agent",
		"version":           "1.0.0",
		"compatibility_key": "e2e",
		"os_info":           "linux",
		"connection_uuid":   connectionUUID,
		"machine_id":        "machine-e2e",
	}
	if len(subscriptions) > 0 {
		hello["subscriptions"] = subscriptions
	}
	require.NoError(in.t, client.Send("hello", hello))

	_, err = client.WaitForType("greetings", 5*time.Second)
	require.NoError(in.t, err)

	return client, connectionUUID
}

// OperatorConnect dials the operator endpoint for a proxy user and waits
// for the introduction frame.
func (in *Instance) OperatorConnect(user string) *WSClient {
	in.t.Helper()
	ctx := context.Background()

	ticket := in.OperatorTicket(user)
	client, err := WSConnect(ctx, in.wsURL("/ws/operator?ticket="+ticket))
	require.NoError(in.t, err)
	in.t.Cleanup(func() { _ = client.Close() })

	_, err = client.WaitForType("introduction", 5*time.Second)
	require.NoError(in.t, err)
	return client
}

// waitSequenceState polls GetSequence until the sequence reaches the
// wanted state.
func (in *Instance) waitSequenceState(sequenceID, state string) map[string]any {
	in.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last map[string]any
	for time.Now().Before(deadline) {
		last = in.GetSequence(sequenceID)
		if last["state"] == state {
			return last
		}
		time.Sleep(25 * time.Millisecond)
	}
	in.t.Fatalf("sequence %s never reached state %q, last: %v", sequenceID, state, last)
	return nil
}
