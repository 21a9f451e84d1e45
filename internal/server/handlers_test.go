package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveness(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["connections"])
}

func TestReadiness_RedisUnreachable(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "redis", body["failed_check"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPublish_DeliversToSubscriber(t *testing.T) {
	_, httpSrv := newTestServer(t)

	conn := dialWS(t, httpSrv, "user_id=user-1")
	readFrame(t, conn) // connect-ack
	send(t, conn, map[string]string{"type": "subscribe", "channel": "table:t1"})
	readFrame(t, conn) // subscribed

	resp := postJSON(t, httpSrv.URL+"/internal/events", map[string]any{
		"channel": "table:t1",
		"event":   map[string]string{"kind": "row-updated", "row": "r7"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(1), body["local_deliveries"])

	frame := readFrame(t, conn)
	assert.Equal(t, "row-updated", frame["kind"])
}

func TestPublish_ExcludeConnection(t *testing.T) {
	_, httpSrv := newTestServer(t)

	conn := dialWS(t, httpSrv, "user_id=user-1")
	ack := readFrame(t, conn)
	connectionID := ack["connection_id"].(string)
	send(t, conn, map[string]string{"type": "subscribe", "channel": "table:t1"})
	readFrame(t, conn)

	resp := postJSON(t, httpSrv.URL+"/internal/events", map[string]any{
		"channel":            "table:t1",
		"event":              map[string]string{"kind": "row-updated"},
		"exclude_connection": connectionID,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(0), body["local_deliveries"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestPublish_Validation(t *testing.T) {
	_, httpSrv := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing channel", map[string]any{"event": map[string]string{"k": "v"}}},
		{"missing event", map[string]any{"channel": "table:t1"}},
		{"bad exclude id", map[string]any{"channel": "table:t1", "event": map[string]string{"k": "v"}, "exclude_connection": "nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, httpSrv.URL+"/internal/events", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}
