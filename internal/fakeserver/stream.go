package fakeserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// StreamOptions change how the streaming endpoint behaves. The zero value is a well behaved
// server.
type StreamOptions struct {
	// ReadyDelay holds back the ready event after the config frame arrived.
	ReadyDelay time.Duration
	// FailAfterChunks, if positive, sends an error event once that many audio chunks arrived.
	FailAfterChunks int
	// DropAfterChunks, if positive, drops the connection once that many audio chunks arrived.
	DropAfterChunks int
	// OmitSummaryTranscript leaves the transcript out of the session summary.
	OmitSummaryTranscript bool
	// UnknownEvents sends an event of a type clients do not know right after ready.
	UnknownEvents bool
	// RejectHandshake, if non-zero, answers the upgrade request with this status.
	RejectHandshake int
}

type streamState struct {
	mu      sync.Mutex
	opts    StreamOptions
	chunks  [][]byte
	configs []string
	ends    int
}

func newStreamState() *streamState {
	return &streamState{}
}

// SetStreamOptions changes the behavior of sessions opened from now on.
func (s *Server) SetStreamOptions(opts StreamOptions) {
	s.stream.mu.Lock()
	s.stream.opts = opts
	s.stream.mu.Unlock()
}

// StreamChunks returns every audio chunk received, across sessions, in arrival order.
func (s *Server) StreamChunks() [][]byte {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return append([][]byte(nil), s.stream.chunks...)
}

// StreamConfigs returns every config frame received, initial ones included.
func (s *Server) StreamConfigs() []string {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return append([]string(nil), s.stream.configs...)
}

// StreamEnds returns how many end requests were received.
func (s *Server) StreamEnds() int {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return s.stream.ends
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type inbound struct {
	Type          string   `json:"type"`
	Interval      int      `json:"interval"`
	AnalysisTypes []string `json:"analysis_types"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.stream.mu.Lock()
	opts := s.stream.opts
	s.stream.mu.Unlock()

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "INVALID_API_KEY", "invalid API key")
		return
	}
	if opts.RejectHandshake != 0 {
		writeError(w, opts.RejectHandshake, "STREAM_UNAVAILABLE", http.StatusText(opts.RejectHandshake))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sess := &fakeSession{server: s, conn: conn, opts: opts, id: "sess_" + uuid.NewString()}
	sess.run()
}

type fakeSession struct {
	server *Server
	conn   *websocket.Conn
	opts   StreamOptions
	id     string

	started    time.Time
	chunks     int
	alerts     int
	transcript []string
}

func (f *fakeSession) run() {
	logger := f.server.logger.With("session_id", f.id)

	messageType, data, err := f.conn.ReadMessage()
	if err != nil {
		return
	}
	var first inbound
	if messageType != websocket.TextMessage || json.Unmarshal(data, &first) != nil || first.Type != "config" {
		f.send(map[string]any{"type": "error", "code": "INVALID_CONFIG", "message": "first message must be a config"})
		return
	}
	f.server.stream.recordConfig(data)

	if f.opts.ReadyDelay > 0 {
		time.Sleep(f.opts.ReadyDelay)
	}
	f.started = time.Now()
	f.send(map[string]any{"type": "ready", "session_id": f.id})
	if f.opts.UnknownEvents {
		f.send(map[string]any{"type": "heartbeat"})
	}
	logger.Debug("fake stream ready")

	for {
		messageType, data, err := f.conn.ReadMessage()
		if err != nil {
			logger.Debug("fake stream closed by client", "error", err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if !f.handleAudio(data) {
				return
			}
		case websocket.TextMessage:
			if !f.handleControl(data) {
				return
			}
		}
	}
}

// handleAudio "transcribes" a chunk by reading it as text. It reports whether the session goes on.
func (f *fakeSession) handleAudio(data []byte) bool {
	f.chunks++
	f.server.stream.recordChunk(data)

	if f.opts.DropAfterChunks > 0 && f.chunks >= f.opts.DropAfterChunks {
		return false
	}
	if f.opts.FailAfterChunks > 0 && f.chunks >= f.opts.FailAfterChunks {
		f.send(map[string]any{"type": "error", "code": "TRANSCRIPTION_FAILED", "message": "transcription backend unavailable"})
		return false
	}

	text := ""
	if utf8.Valid(data) {
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return true
	}
	f.transcript = append(f.transcript, text)
	f.send(map[string]any{
		"type": "transcription",
		"text": text,
		"segments": []map[string]any{
			{"start": float64(f.chunks - 1), "end": float64(f.chunks), "text": text},
		},
	})

	if hits := flagged(text); len(hits) > 0 {
		f.alerts++
		f.send(map[string]any{
			"type":       "alert",
			"category":   "bullying",
			"severity":   severityFor(hits),
			"risk_score": riskScore(hits),
			"rationale":  "flagged words: " + strings.Join(hits, ", "),
			"excerpt":    text,
		})
	}
	return true
}

func (f *fakeSession) handleControl(data []byte) bool {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		f.send(map[string]any{"type": "error", "code": "INVALID_MESSAGE", "message": err.Error()})
		return false
	}

	switch msg.Type {
	case "config":
		f.server.stream.recordConfig(data)
		f.send(map[string]any{"type": "config_updated", "interval": msg.Interval, "analysis_types": msg.AnalysisTypes})
		return true
	case "end":
		f.server.stream.recordEnd()
		transcript := strings.Join(f.transcript, " ")
		if f.opts.OmitSummaryTranscript {
			transcript = ""
		}
		risk, score := "safe", 0.0
		if f.alerts > 0 {
			risk, score = "medium", 0.5
		}
		f.send(map[string]any{
			"type":               "session_summary",
			"session_id":         f.id,
			"duration_seconds":   time.Since(f.started).Seconds(),
			"overall_risk":       risk,
			"overall_risk_score": score,
			"total_alerts":       f.alerts,
			"transcript":         transcript,
		})
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return false
	default:
		f.send(map[string]any{"type": "error", "code": "UNKNOWN_MESSAGE", "message": "unknown message type " + msg.Type})
		return false
	}
}

func (f *fakeSession) send(v any) {
	if err := f.conn.WriteJSON(v); err != nil {
		f.server.logger.Debug("fake stream write failed", "session_id", f.id, "error", err)
	}
}

func (st *streamState) recordConfig(data []byte) {
	st.mu.Lock()
	st.configs = append(st.configs, string(data))
	st.mu.Unlock()
}

func (st *streamState) recordChunk(data []byte) {
	st.mu.Lock()
	st.chunks = append(st.chunks, append([]byte(nil), data...))
	st.mu.Unlock()
}

func (st *streamState) recordEnd() {
	st.mu.Lock()
	st.ends++
	st.mu.Unlock()
}
