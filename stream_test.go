package safenest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safenest/gosdk/internal/fakeserver"
)

// recorder collects everything a session reports through its handlers.
type recorder struct {
	mu             sync.Mutex
	ready          []ReadyEvent
	transcriptions []TranscriptionEvent
	alerts         []AlertEvent
	configUpdates  []ConfigUpdatedEvent
	errs           []*Error
	transitions    []string
	readyCh        chan struct{}
	readyOnce      sync.Once
}

func newRecorder() *recorder {
	return &recorder{readyCh: make(chan struct{})}
}

func (r *recorder) handlers() StreamHandlers {
	return StreamHandlers{
		OnReady: func(e ReadyEvent) {
			r.mu.Lock()
			r.ready = append(r.ready, e)
			r.mu.Unlock()
			r.readyOnce.Do(func() { close(r.readyCh) })
		},
		OnTranscription: func(e TranscriptionEvent) {
			r.mu.Lock()
			r.transcriptions = append(r.transcriptions, e)
			r.mu.Unlock()
		},
		OnAlert: func(e AlertEvent) {
			r.mu.Lock()
			r.alerts = append(r.alerts, e)
			r.mu.Unlock()
		},
		OnConfigUpdated: func(e ConfigUpdatedEvent) {
			r.mu.Lock()
			r.configUpdates = append(r.configUpdates, e)
			r.mu.Unlock()
		},
		OnError: func(err *Error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnStateChange: func(from, to State) {
			r.mu.Lock()
			r.transitions = append(r.transitions, from.String()+"->"+to.String())
			r.mu.Unlock()
		},
	}
}

func (r *recorder) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-r.readyCh:
	case <-time.After(5 * time.Second):
		t.Fatal("session never became ready")
	}
}

func waitDone(t *testing.T, s *StreamSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session still %s", s.State())
	}
}

func endCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStreamSessionLifecycle(t *testing.T) {
	client, fake := newTestClient(t)
	fake.SetStreamOptions(fakeserver.StreamOptions{ReadyDelay: 100 * time.Millisecond})
	rec := newRecorder()

	s, err := client.OpenStream(context.Background(), StreamConfig{Handlers: rec.handlers()})
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, s.State())

	// Audio sent before the server is ready is queued and delivered in order.
	require.NoError(t, s.SendAudio([]byte("hello there")))
	require.NoError(t, s.SendAudio([]byte("you are stupid")))
	require.NoError(t, s.SendAudio(nil))

	summary, err := s.End(endCtx(t))
	require.NoError(t, err)

	assert.Equal(t, "hello there you are stupid", summary.Transcript)
	assert.Equal(t, 1, summary.TotalAlerts)
	assert.Equal(t, RiskLevelMedium, summary.OverallRisk)
	assert.True(t, strings.HasPrefix(summary.SessionID, "sess_"))

	assert.Equal(t, StateClosed, s.State())
	assert.NoError(t, s.Err())
	assert.Equal(t, "hello there you are stupid", s.Transcript())
	assert.Equal(t, summary.SessionID, s.SessionID())

	assert.Equal(t, [][]byte{[]byte("hello there"), []byte("you are stupid")}, fake.StreamChunks())
	assert.Equal(t, 1, fake.StreamEnds())
	require.Len(t, fake.StreamConfigs(), 1)
	assert.JSONEq(t, `{"type":"config","interval":10,"analysis_types":["all"]}`, fake.StreamConfigs()[0])

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.ready, 1)
	assert.Equal(t, summary.SessionID, rec.ready[0].SessionID)
	require.Len(t, rec.transcriptions, 2)
	assert.Equal(t, "hello there", rec.transcriptions[0].Text)
	require.Len(t, rec.transcriptions[1].Segments, 1)
	assert.Equal(t, "you are stupid", rec.transcriptions[1].Segments[0].Text)
	require.Len(t, rec.alerts, 1)
	assert.Equal(t, AnalysisBullying, rec.alerts[0].Category)
	assert.Equal(t, "you are stupid", rec.alerts[0].Excerpt)
	assert.Empty(t, rec.errs)
	assert.Equal(t, []string{
		"Idle->Connecting",
		"Connecting->Active",
		"Active->Closing",
		"Closing->Closed",
	}, rec.transitions)
}

func TestStreamSessionRejectsUseAfterEnd(t *testing.T) {
	client, _ := newTestClient(t)

	s, err := client.OpenStream(context.Background(), StreamConfig{})
	require.NoError(t, err)
	_, err = s.End(endCtx(t))
	require.NoError(t, err)

	err = s.SendAudio([]byte("late"))
	assert.True(t, errors.Is(err, ErrSessionClosed), "got %v", err)
	assert.Equal(t, KindStream, KindOf(err))
	assert.True(t, errors.Is(s.UpdateConfig(StreamSettings{}), ErrSessionClosed))

	// Ending again returns the same summary.
	summary, err := s.End(endCtx(t))
	require.NoError(t, err)
	assert.NotNil(t, summary)
}

func TestStreamSessionRejectsAudioWhileClosing(t *testing.T) {
	client, fake := newTestClient(t)
	fake.SetStreamOptions(fakeserver.StreamOptions{ReadyDelay: 300 * time.Millisecond})

	s, err := client.OpenStream(context.Background(), StreamConfig{})
	require.NoError(t, err)

	ctx := endCtx(t)
	ended := make(chan error, 1)
	go func() {
		_, err := s.End(ctx)
		ended <- err
	}()

	assert.Eventually(t, func() bool {
		return errors.Is(s.SendAudio([]byte("x")), ErrSessionClosing)
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-ended:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("End did not return")
	}
}

func TestStreamTranscriptFallback(t *testing.T) {
	client, fake := newTestClient(t)
	fake.SetStreamOptions(fakeserver.StreamOptions{OmitSummaryTranscript: true})
	rec := newRecorder()

	s, err := client.OpenStream(context.Background(), StreamConfig{Handlers: rec.handlers()})
	require.NoError(t, err)
	rec.waitReady(t)

	require.NoError(t, s.SendAudio([]byte("one")))
	require.NoError(t, s.SendAudio([]byte("two")))

	summary, err := s.End(endCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "one two", summary.Transcript)
}

func TestStreamUpdateConfig(t *testing.T) {
	client, fake := newTestClient(t)
	rec := newRecorder()

	s, err := client.OpenStream(context.Background(), StreamConfig{
		StreamSettings: StreamSettings{Interval: 5 * time.Second, AnalysisTypes: []AnalysisType{AnalysisBullying}},
		Handlers:       rec.handlers(),
	})
	require.NoError(t, err)
	rec.waitReady(t)

	require.NoError(t, s.UpdateConfig(StreamSettings{
		Interval:      20 * time.Second,
		AnalysisTypes: []AnalysisType{AnalysisBullying, AnalysisGrooming},
	}))
	assert.True(t, errors.Is(s.UpdateConfig(StreamSettings{Interval: time.Hour}), ErrValidation))

	_, err = s.End(endCtx(t))
	require.NoError(t, err)

	configs := fake.StreamConfigs()
	require.Len(t, configs, 2)
	assert.JSONEq(t, `{"type":"config","interval":5,"analysis_types":["bullying"]}`, configs[0])
	assert.JSONEq(t, `{"type":"config","interval":20,"analysis_types":["bullying","grooming"]}`, configs[1])

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.configUpdates, 1)
	assert.Equal(t, 20, rec.configUpdates[0].IntervalSeconds)
	assert.Equal(t, []AnalysisType{AnalysisBullying, AnalysisGrooming}, rec.configUpdates[0].AnalysisTypes)
}

func TestStreamServerError(t *testing.T) {
	client, fake := newTestClient(t)
	fake.SetStreamOptions(fakeserver.StreamOptions{FailAfterChunks: 2})
	rec := newRecorder()

	s, err := client.OpenStream(context.Background(), StreamConfig{Handlers: rec.handlers()})
	require.NoError(t, err)
	rec.waitReady(t)

	require.NoError(t, s.SendAudio([]byte("first")))
	require.NoError(t, s.SendAudio([]byte("second")))
	waitDone(t, s)

	assert.Equal(t, StateErrored, s.State())
	var apiErr *Error
	require.ErrorAs(t, s.Err(), &apiErr)
	assert.Equal(t, KindStream, apiErr.Kind)
	assert.Equal(t, "TRANSCRIPTION_FAILED", apiErr.Code)

	_, err = s.End(endCtx(t))
	assert.Same(t, apiErr, err)
	assert.True(t, errors.Is(s.SendAudio([]byte("third")), ErrSessionClosed))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 1)
	assert.Same(t, apiErr, rec.errs[0])
	assert.Equal(t, "Active->Errored", rec.transitions[len(rec.transitions)-1])
}

func TestStreamConnectionLost(t *testing.T) {
	client, fake := newTestClient(t)
	fake.SetStreamOptions(fakeserver.StreamOptions{DropAfterChunks: 1})
	rec := newRecorder()

	s, err := client.OpenStream(context.Background(), StreamConfig{Handlers: rec.handlers()})
	require.NoError(t, err)
	rec.waitReady(t)

	require.NoError(t, s.SendAudio([]byte("bye")))
	waitDone(t, s)

	assert.Equal(t, StateErrored, s.State())
	assert.True(t, errors.Is(s.Err(), ErrStream))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.errs, 1)
}

func TestStreamSkipsUnknownEvents(t *testing.T) {
	client, fake := newTestClient(t)
	fake.SetStreamOptions(fakeserver.StreamOptions{UnknownEvents: true})

	s, err := client.OpenStream(context.Background(), StreamConfig{})
	require.NoError(t, err)
	require.NoError(t, s.SendAudio([]byte("still fine")))

	summary, err := s.End(endCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "still fine", summary.Transcript)
}

func TestStreamClose(t *testing.T) {
	t.Run("while connecting", func(t *testing.T) {
		client, fake := newTestClient(t)
		fake.SetStreamOptions(fakeserver.StreamOptions{ReadyDelay: time.Second})
		rec := newRecorder()

		s, err := client.OpenStream(context.Background(), StreamConfig{Handlers: rec.handlers()})
		require.NoError(t, err)
		require.NoError(t, s.SendAudio([]byte("queued")))

		require.NoError(t, s.Close())
		waitDone(t, s)
		require.NoError(t, s.Close())

		assert.Equal(t, StateClosed, s.State())
		_, err = s.End(endCtx(t))
		assert.True(t, errors.Is(err, ErrSessionClosed))
		assert.True(t, errors.Is(s.SendAudio([]byte("more")), ErrSessionClosed))

		rec.mu.Lock()
		defer rec.mu.Unlock()
		assert.Empty(t, rec.ready)
		assert.Empty(t, rec.errs)
	})

	t.Run("client close aborts open sessions", func(t *testing.T) {
		client, _ := newTestClient(t)
		rec := newRecorder()

		s, err := client.OpenStream(context.Background(), StreamConfig{Handlers: rec.handlers()})
		require.NoError(t, err)
		rec.waitReady(t)

		require.NoError(t, client.Close())
		waitDone(t, s)
		assert.Equal(t, StateClosed, s.State())
	})
}

func TestOpenStreamErrors(t *testing.T) {
	t.Run("invalid settings", func(t *testing.T) {
		client, _ := newTestClient(t)

		_, err := client.OpenStream(context.Background(), StreamConfig{StreamSettings: StreamSettings{Interval: 500 * time.Millisecond}})
		assert.True(t, errors.Is(err, ErrValidation))

		_, err = client.OpenStream(context.Background(), StreamConfig{StreamSettings: StreamSettings{AnalysisTypes: []AnalysisType{"violence"}}})
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("bad API key", func(t *testing.T) {
		client, _ := newTestClient(t, WithAPIKey("wrong-key"))

		_, err := client.OpenStream(context.Background(), StreamConfig{})

		var apiErr *Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, KindAuthentication, apiErr.Kind)
		assert.Equal(t, "INVALID_API_KEY", apiErr.Code)
	})

	t.Run("handshake rejected", func(t *testing.T) {
		client, fake := newTestClient(t)
		fake.SetStreamOptions(fakeserver.StreamOptions{RejectHandshake: http.StatusServiceUnavailable})

		_, err := client.OpenStream(context.Background(), StreamConfig{})

		var apiErr *Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, KindServer, apiErr.Kind)
		assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	})

	t.Run("nothing listening", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		srv.Close()

		client, err := New(WithAPIKey(testAPIKey), WithStreamURL(url))
		require.NoError(t, err)

		_, err = client.OpenStream(context.Background(), StreamConfig{})
		assert.Equal(t, KindStream, KindOf(err))
	})
}

// scriptedStreamServer accepts one session, sends ready and then the given frames.
func scriptedStreamServer(t *testing.T, frames ...func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready","session_id":"s-1"}`))
		for _, frame := range frames {
			frame(conn)
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamProtocolViolations(t *testing.T) {
	tests := []struct {
		name  string
		frame func(*websocket.Conn)
		want  string
	}{
		{
			name: "binary frame",
			frame: func(c *websocket.Conn) {
				c.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
			},
			want: "unexpected binary frame",
		},
		{
			name: "malformed json",
			frame: func(c *websocket.Conn) {
				c.WriteMessage(websocket.TextMessage, []byte(`{"type":`))
			},
			want: "protocol violation",
		},
		{
			name: "missing type",
			frame: func(c *websocket.Conn) {
				c.WriteMessage(websocket.TextMessage, []byte(`{"text":"hi"}`))
			},
			want: "protocol violation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := scriptedStreamServer(t, tt.frame)
			client, err := New(WithAPIKey(testAPIKey), WithStreamURL(url))
			require.NoError(t, err)
			rec := newRecorder()

			s, err := client.OpenStream(context.Background(), StreamConfig{Handlers: rec.handlers()})
			require.NoError(t, err)
			waitDone(t, s)

			assert.Equal(t, StateErrored, s.State())
			require.Error(t, s.Err())
			assert.Contains(t, s.Err().Error(), tt.want)

			rec.mu.Lock()
			defer rec.mu.Unlock()
			assert.Len(t, rec.errs, 1)
		})
	}
}

func TestStreamSummaryWithoutEnd(t *testing.T) {
	url := scriptedStreamServer(t, func(c *websocket.Conn) {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcription","text":"hi"}`))
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"session_summary","overall_risk":"low","total_alerts":0}`))
	})
	client, err := New(WithAPIKey(testAPIKey), WithStreamURL(url))
	require.NoError(t, err)

	s, err := client.OpenStream(context.Background(), StreamConfig{})
	require.NoError(t, err)
	waitDone(t, s)

	summary, err := s.End(endCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, "hi", summary.Transcript)
	assert.Equal(t, "s-1", summary.SessionID)
	assert.Equal(t, RiskLevelLow, summary.OverallRisk)
}

func TestStreamQueueLimit(t *testing.T) {
	client, fake := newTestClient(t)
	fake.SetStreamOptions(fakeserver.StreamOptions{ReadyDelay: time.Second})

	s, err := client.OpenStream(context.Background(), StreamConfig{QueueSize: 2})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SendAudio([]byte("a")))
	require.NoError(t, s.SendAudio([]byte("b")))
	err = s.SendAudio([]byte("c"))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindStream, apiErr.Kind)
	assert.Equal(t, "QUEUE_FULL", apiErr.Code)
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    StreamEvent
		wantErr bool
		unknown bool
	}{
		{
			name: "ready",
			data: `{"type":"ready","session_id":"abc"}`,
			want: &ReadyEvent{SessionID: "abc"},
		},
		{
			name: "alert",
			data: `{"type":"alert","category":"grooming","severity":"high","risk_score":0.8,"rationale":"r","excerpt":"e"}`,
			want: &AlertEvent{Category: AnalysisGrooming, Severity: SeverityHigh, RiskScore: 0.8, Rationale: "r", Excerpt: "e"},
		},
		{
			name: "error",
			data: `{"type":"error","code":"RATE_LIMITED","message":"too many sessions"}`,
			want: &ErrorEvent{Code: "RATE_LIMITED", Message: "too many sessions"},
		},
		{
			name: "summary",
			data: `{"type":"session_summary","session_id":"abc","overall_risk":"high","overall_risk_score":0.9,"total_alerts":3,"transcript":"t"}`,
			want: &SessionSummaryEvent{SessionSummary{SessionID: "abc", OverallRisk: RiskLevelHigh, OverallRiskScore: 0.9, TotalAlerts: 3, Transcript: "t"}},
		},
		{name: "unknown type", data: `{"type":"heartbeat"}`, wantErr: true, unknown: true},
		{name: "missing type", data: `{}`, wantErr: true},
		{name: "not json", data: `hello`, wantErr: true},
		{name: "wrong field type", data: `{"type":"alert","risk_score":"high"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeEvent([]byte(tt.data))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.unknown, errors.Is(err, errUnknownEvent))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutboundMessages(t *testing.T) {
	data, err := json.Marshal(StreamSettings{Interval: 1500 * time.Millisecond, AnalysisTypes: []AnalysisType{AnalysisUnsafe}}.message())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"config","interval":2,"analysis_types":["unsafe"]}`, string(data))

	data, err = json.Marshal(endMessage{Type: "end"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"end"}`, string(data))
}

func TestState(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
		accepts  bool
	}{
		{StateIdle, false, false},
		{StateConnecting, false, true},
		{StateActive, false, true},
		{StateClosing, false, false},
		{StateClosed, true, false},
		{StateErrored, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
			assert.Equal(t, tt.accepts, tt.state.AcceptsAudio())
		})
	}
}

func TestStreamStateHandlerCallsBackIntoSession(t *testing.T) {
	client, fake := newTestClient(t)
	fake.SetStreamOptions(fakeserver.StreamOptions{ReadyDelay: 50 * time.Millisecond})
	ctx := endCtx(t)

	var (
		s       *StreamSession
		opened  = make(chan struct{})
		sent    = make(chan error, 1)
		nested  = make(chan error, 1)
		summary *SessionSummary
	)
	handlers := StreamHandlers{
		OnStateChange: func(_, to State) {
			switch to {
			case StateActive:
				<-opened
				sent <- s.SendAudio([]byte("hello"))
			case StateClosing:
				var err error
				summary, err = s.End(ctx)
				nested <- err
			}
		},
	}

	var err error
	s, err = client.OpenStream(context.Background(), StreamConfig{Handlers: handlers})
	require.NoError(t, err)
	close(opened)

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("SendAudio from the Active handler never returned; state=%s", s.State())
	}

	ended := make(chan error, 1)
	var outer *SessionSummary
	go func() {
		var err error
		outer, err = s.End(ctx)
		ended <- err
	}()

	select {
	case err := <-ended:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("End with a re-entrant Closing handler never returned; state=%s", s.State())
	}
	require.NoError(t, <-nested)

	require.NotNil(t, summary)
	assert.Equal(t, "hello", summary.Transcript)
	assert.Equal(t, summary, outer)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, [][]byte{[]byte("hello")}, fake.StreamChunks())
	assert.Equal(t, 1, fake.StreamEnds())
}

func TestStreamEndContextExpires(t *testing.T) {
	client, fake := newTestClient(t)
	fake.SetStreamOptions(fakeserver.StreamOptions{ReadyDelay: time.Second})

	s, err := client.OpenStream(context.Background(), StreamConfig{})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.End(ctx)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindStream, apiErr.Kind)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.State().IsTerminal())
}
