package fakeserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "test-key"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	fake := New(testKey, nil)
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)
	return fake, srv
}

func post(t *testing.T, url, key, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestCannedResponses(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		check func(t *testing.T, out map[string]any)
	}{
		{
			name: "clean text",
			body: `{"text":"have a nice day","external_id":"ext-1"}`,
			check: func(t *testing.T, out map[string]any) {
				assert.Equal(t, false, out["is_bullying"])
				assert.Equal(t, "low", out["severity"])
				assert.Equal(t, "ext-1", out["external_id"])
			},
		},
		{
			name: "flagged text",
			body: `{"text":"you are a stupid loser"}`,
			check: func(t *testing.T, out map[string]any) {
				assert.Equal(t, true, out["is_bullying"])
				assert.Equal(t, "high", out["severity"])
				assert.Equal(t, []any{"stupid", "loser"}, out["bullying_type"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newTestServer(t)
			resp, out := post(t, srv.URL+PathBullying, testKey, tt.body)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.True(t, strings.HasPrefix(resp.Header.Get("X-Request-Id"), "req_"))
			assert.Equal(t, "10000", resp.Header.Get("X-Monthly-Limit"))
			tt.check(t, out)
		})
	}
}

func TestAuthentication(t *testing.T) {
	fake, srv := newTestServer(t)

	resp, out := post(t, srv.URL+PathUnsafe, "wrong", `{"text":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, map[string]any{"code": "INVALID_API_KEY", "message": "invalid API key"}, out["error"])

	// Rejected requests are still recorded.
	assert.Equal(t, 1, fake.Attempts(http.MethodPost, PathUnsafe))
	assert.Equal(t, "Bearer wrong", fake.Requests()[0].Authorization)
}

func TestScript(t *testing.T) {
	fake, srv := newTestServer(t)
	fake.Script(http.MethodPost, PathGrooming,
		Response{Status: http.StatusServiceUnavailable, Body: ErrorBody("UNAVAILABLE", "try later")},
		Response{Status: http.StatusTooManyRequests, Body: `{"error":{"code":"RATE_LIMITED"}}`, Header: http.Header{"Retry-After": {"2"}}},
	)

	resp, out := post(t, srv.URL+PathGrooming, testKey, `{"messages":[{"role":"child","content":"hi"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "UNAVAILABLE", out["error"].(map[string]any)["code"])

	resp, _ = post(t, srv.URL+PathGrooming, testKey, `{"messages":[{"role":"child","content":"hi"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))

	// Once the script runs out the canned result is served again.
	resp, out = post(t, srv.URL+PathGrooming, testKey, `{"messages":[{"role":"child","content":"keep it secret"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "medium", out["grooming_risk"])

	assert.Equal(t, 3, fake.Attempts(http.MethodPost, PathGrooming))
	assert.Equal(t, 0, fake.Attempts(http.MethodPost, PathBullying))
}

func TestUsageCountsSuccessfulCalls(t *testing.T) {
	_, srv := newTestServer(t)

	post(t, srv.URL+PathBullying, testKey, `{"text":"a"}`)
	post(t, srv.URL+PathBullying, testKey, `{"text":"b"}`)

	req, err := http.NewRequest(http.MethodGet, srv.URL+PathUsage, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var usage struct {
		Tier      string `json:"tier"`
		Limit     int    `json:"limit"`
		Used      int    `json:"used"`
		Remaining int    `json:"remaining"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&usage))
	assert.Equal(t, "starter", usage.Tier)
	assert.Equal(t, 10000, usage.Limit)
	// The usage call itself is counted before the body is built.
	assert.Equal(t, 3, usage.Used)
	assert.Equal(t, 10000-usage.Used, usage.Remaining)
}

func TestNotFound(t *testing.T) {
	_, srv := newTestServer(t)
	resp, out := post(t, srv.URL+"/api/v1/nope", testKey, `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", out["error"].(map[string]any)["code"])
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+testKey)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+PathStream, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestStreamProtocol(t *testing.T) {
	fake, srv := newTestServer(t)
	conn := dialStream(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"config","interval":10,"analysis_types":["all"]}`)))
	ready := readEvent(t, conn)
	assert.Equal(t, "ready", ready["type"])

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("I hate you")))
	transcription := readEvent(t, conn)
	assert.Equal(t, "transcription", transcription["type"])
	assert.Equal(t, "I hate you", transcription["text"])
	alert := readEvent(t, conn)
	assert.Equal(t, "alert", alert["type"])
	assert.Equal(t, "medium", alert["severity"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`)))
	summary := readEvent(t, conn)
	assert.Equal(t, "session_summary", summary["type"])
	assert.Equal(t, ready["session_id"], summary["session_id"])
	assert.Equal(t, "I hate you", summary["transcript"])
	assert.Equal(t, float64(1), summary["total_alerts"])

	assert.Equal(t, 1, fake.StreamEnds())
	assert.Len(t, fake.StreamChunks(), 1)
}

func TestStreamRequiresConfigFirst(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialStream(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("audio")))
	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev["type"])
	assert.Equal(t, "INVALID_CONFIG", ev["code"])
}

func TestStreamRejectsBadKey(t *testing.T) {
	_, srv := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+PathStream, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
