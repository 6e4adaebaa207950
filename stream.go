package safenest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultStreamInterval = 10 * time.Second
	minStreamInterval     = time.Second
	maxStreamInterval     = time.Minute

	// DefaultStreamQueueSize is the number of frames a session buffers while it waits for the
	// server to become ready.
	DefaultStreamQueueSize = 1000

	// eventQueueSize bounds how far the reader may run ahead of the handlers.
	eventQueueSize = 64
)

// StreamSettings are the analysis settings of a streaming session. They can be changed while the
// session runs with UpdateConfig.
type StreamSettings struct {
	// Interval is how often the server analyzes the transcript accumulated so far. It is sent in
	// whole seconds, between 1 and 60. Defaults to 10 seconds.
	Interval time.Duration
	// AnalysisTypes are the analyses to run. Defaults to AnalysisAll.
	AnalysisTypes []AnalysisType
}

func (s StreamSettings) withDefaults() StreamSettings {
	if s.Interval == 0 {
		s.Interval = defaultStreamInterval
	}
	if len(s.AnalysisTypes) == 0 {
		s.AnalysisTypes = []AnalysisType{AnalysisAll}
	}
	return s
}

func (s StreamSettings) validate() error {
	if s.Interval < minStreamInterval || s.Interval > maxStreamInterval {
		return newValidationError(fmt.Sprintf("interval must be between %s and %s, got %s",
			minStreamInterval, maxStreamInterval, s.Interval))
	}
	for _, t := range s.AnalysisTypes {
		if !t.valid() {
			return newValidationError(fmt.Sprintf("unknown analysis type %q", t))
		}
	}
	return nil
}

func (s StreamSettings) message() configMessage {
	return configMessage{
		Type:          "config",
		Interval:      int(s.Interval.Round(time.Second) / time.Second),
		AnalysisTypes: s.AnalysisTypes,
	}
}

// StreamHandlers receive the events of a streaming session. Every handler is optional. Handlers
// for server events are called one at a time, in the order the events arrived, from a goroutine
// owned by the session; a slow handler delays the events behind it. OnStateChange is called from
// whichever goroutine caused the change, which may be the one calling End, Close or SendAudio,
// and never with a session lock held, so handlers may call back into the session. Done is closed
// only after the handlers for the final state change have returned.
//
// End blocks until the summary has been dispatched. Do not call it from a handler for a server
// event or from the OnStateChange call that reports StateActive; those run on the session's event
// goroutine.
type StreamHandlers struct {
	OnReady         func(ReadyEvent)
	OnTranscription func(TranscriptionEvent)
	OnAlert         func(AlertEvent)
	OnConfigUpdated func(ConfigUpdatedEvent)
	// OnError is called at most once, when the session fails because of an error event, a
	// malformed frame or a lost connection. Errors returned directly to a caller are not
	// reported here.
	OnError       func(*Error)
	OnStateChange func(from, to State)
}

// StreamConfig configures a streaming session.
type StreamConfig struct {
	StreamSettings
	Handlers StreamHandlers
	// QueueSize is the maximum number of frames buffered before the server is ready. Defaults to
	// DefaultStreamQueueSize.
	QueueSize int
}

// outboundFrame is a frame waiting for the session to become active.
type outboundFrame struct {
	messageType int
	data        []byte
}

// StreamSession is a live voice analysis session. Audio is pushed with SendAudio and results
// arrive through the StreamHandlers. All methods are safe for concurrent use.
type StreamSession struct {
	client   *Client
	conn     *websocket.Conn
	handlers StreamHandlers
	logger   *slog.Logger

	queueSize    int
	writeTimeout time.Duration

	// writeMu serializes writes to conn, including the flush of pending frames on ready.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	ending     bool
	pending    []outboundFrame
	transcript []string
	sessionID  string
	summary    *SessionSummary
	err        *Error

	events    chan StreamEvent
	ready     chan struct{}
	readyOnce sync.Once
	endOnce   sync.Once
	done      chan struct{}
}

// OpenStream connects to the streaming endpoint and starts a session. The returned session is
// Connecting: audio sent before the server is ready is queued and delivered in order once it is.
// ctx bounds the connection handshake only. Use End or Close to finish the session.
func (c *Client) OpenStream(ctx context.Context, config StreamConfig) (*StreamSession, error) {
	settings := config.StreamSettings.withDefaults()
	if err := settings.validate(); err != nil {
		return nil, err
	}
	initial, err := json.Marshal(settings.message())
	if err != nil {
		return nil, &Error{Kind: KindStream, Message: "failed to encode configuration", Cause: err}
	}

	s := &StreamSession{
		client:       c,
		handlers:     config.Handlers,
		logger:       c.config.logger.With("component", "stream"),
		queueSize:    config.QueueSize,
		writeTimeout: c.config.timeout,
		state:        StateIdle,
		events:       make(chan StreamEvent, eventQueueSize),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	if s.queueSize <= 0 {
		s.queueSize = DefaultStreamQueueSize
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.setState(StateConnecting)

	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, initial); err != nil {
		apiErr := &Error{Kind: KindStream, Message: "failed to send configuration", Cause: err}
		s.terminate(StateErrored, nil, apiErr, nil)
		return nil, apiErr
	}

	c.trackSession(s)
	go s.readLoop()
	go s.dispatchLoop()

	s.logger.Debug("stream opened", "interval", settings.Interval, "analysis_types", settings.AnalysisTypes)
	return s, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.config.timeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.apiKey)
	header.Set("User-Agent", c.config.userAgent)

	conn, resp, err := dialer.DialContext(ctx, c.config.streamURL, header)
	if err == nil {
		return conn, nil
	}

	// A rejected handshake carries the same error payload as a REST call.
	if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		apiErr := classifyResponse(resp.StatusCode, resp.Header, body)
		apiErr.Cause = err
		return nil, apiErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &Error{Kind: KindStream, Message: "connect canceled", Cause: ctxErr}
	}
	return nil, &Error{Kind: KindStream, Message: "failed to connect", Cause: err}
}

// SendAudio sends a chunk of audio. Before the server is ready the chunk is copied to a queue;
// afterwards it is written immediately. Empty chunks are ignored.
func (s *StreamSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return s.send(websocket.BinaryMessage, chunk)
}

// UpdateConfig changes the analysis settings of a running session. The server confirms with a
// ConfigUpdatedEvent.
func (s *StreamSession) UpdateConfig(settings StreamSettings) error {
	settings = settings.withDefaults()
	if err := settings.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(settings.message())
	if err != nil {
		return &Error{Kind: KindStream, Message: "failed to encode configuration", Cause: err}
	}
	return s.send(websocket.TextMessage, data)
}

func (s *StreamSession) send(messageType int, data []byte) error {
	writeErr, err := s.sendFrame(messageType, data)
	if writeErr != nil {
		s.terminate(StateErrored, nil, writeErr, nil)
		return writeErr
	}
	return err
}

// sendFrame queues or writes one frame under writeMu. A failed write is returned separately so
// the caller can end the session once the lock is released.
func (s *StreamSession) sendFrame(messageType int, data []byte) (*Error, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.ending && !s.state.IsTerminal() {
		s.mu.Unlock()
		return nil, ErrSessionClosing
	}
	switch s.state {
	case StateConnecting:
		defer s.mu.Unlock()
		if len(s.pending) >= s.queueSize {
			return nil, &Error{Kind: KindStream, Code: "QUEUE_FULL", Message: fmt.Sprintf("%d frames already queued", s.queueSize)}
		}
		s.pending = append(s.pending, outboundFrame{messageType: messageType, data: bytes.Clone(data)})
		return nil, nil
	case StateActive:
		s.mu.Unlock()
		return s.write(messageType, data), nil
	case StateClosing:
		s.mu.Unlock()
		return nil, ErrSessionClosing
	case StateIdle, StateClosed, StateErrored:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	default:
		s.mu.Unlock()
		panic(fmt.Sprintf("unknown session state: %q", string(s.state)))
	}
}

// write sends one frame. The caller must hold writeMu, and must end the session with the
// returned error after releasing it.
func (s *StreamSession) write(messageType int, data []byte) *Error {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		return &Error{Kind: KindStream, Message: "write failed", Cause: err}
	}
	return nil
}

// End asks the server to finish the session and waits for its summary. Audio already submitted,
// including audio queued before the server was ready, is delivered before the end request. ctx
// bounds the wait; if it expires the session keeps running and should be closed with Close.
func (s *StreamSession) End(ctx context.Context) (*SessionSummary, error) {
	s.mu.Lock()
	s.ending = true
	terminal := s.state.IsTerminal()
	s.mu.Unlock()
	if terminal {
		return s.result()
	}

	select {
	case <-s.ready:
	case <-s.done:
		return s.result()
	case <-ctx.Done():
		return nil, &Error{Kind: KindStream, Message: "end canceled", Cause: ctx.Err()}
	}

	if err := s.requestEnd(); err != nil {
		return nil, err
	}

	select {
	case <-s.done:
		return s.result()
	case <-ctx.Done():
		return nil, &Error{Kind: KindStream, Message: "end canceled", Cause: ctx.Err()}
	}
}

// requestEnd moves an active session to Closing and sends the end request. Closing is announced
// before the request goes out, so it is always reported ahead of the final state.
func (s *StreamSession) requestEnd() error {
	if s.swapState(StateActive, StateClosing) {
		s.logger.Debug("ending stream", "session_id", s.SessionID())
		s.notifyState(StateActive, StateClosing)
	}
	return s.sendEnd()
}

// sendEnd writes the end request once. A call made from the Closing handler sends it itself.
func (s *StreamSession) sendEnd() error {
	var err error
	s.endOnce.Do(func() {
		data, marshalErr := json.Marshal(endMessage{Type: "end"})
		if marshalErr != nil {
			err = &Error{Kind: KindStream, Message: "failed to encode end request", Cause: marshalErr}
			return
		}

		s.writeMu.Lock()
		if s.State() != StateClosing {
			s.writeMu.Unlock()
			return
		}
		writeErr := s.write(websocket.TextMessage, data)
		s.writeMu.Unlock()

		if writeErr != nil {
			s.terminate(StateErrored, nil, writeErr, nil)
			err = writeErr
		}
	})
	return err
}

func (s *StreamSession) result() (*SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.summary != nil:
		summary := *s.summary
		return &summary, nil
	case s.err != nil:
		return nil, s.err
	default:
		return nil, ErrSessionClosed
	}
}

// Close aborts the session without waiting for a summary. It is safe to call more than once and
// after the session ended.
func (s *StreamSession) Close() error {
	s.terminate(StateClosed, nil, nil, nil)
	return nil
}

// State returns the current state of the session.
func (s *StreamSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the id the server assigned when it became ready, or "" before that.
func (s *StreamSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Transcript returns the text transcribed so far, joined with spaces.
func (s *StreamSession) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.transcript, " ")
}

// Err returns the error that ended the session, or nil if it has not failed.
func (s *StreamSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return nil
	}
	return s.err
}

// Done returns a channel that is closed when the session reaches a terminal state.
func (s *StreamSession) Done() <-chan struct{} {
	return s.done
}

// readLoop decodes inbound frames onto the event queue until the connection fails or a terminal
// event arrives.
func (s *StreamSession) readLoop() {
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.events <- streamFailure{err: &Error{Kind: KindStream, Message: "connection lost", Cause: err}}
			return
		}
		if messageType != websocket.TextMessage {
			s.events <- streamFailure{err: &Error{Kind: KindStream, Message: "unexpected binary frame from server"}}
			return
		}

		ev, err := decodeEvent(data)
		if errors.Is(err, errUnknownEvent) {
			s.logger.Warn("skipping stream event", "error", err)
			continue
		}
		if err != nil {
			s.events <- streamFailure{err: &Error{Kind: KindStream, Message: "protocol violation", Cause: err}}
			return
		}

		s.events <- ev
		if isTerminalEvent(ev) {
			return
		}
	}
}

// dispatchLoop applies events in arrival order. Events left in the queue after the session
// reached a terminal state are dropped.
func (s *StreamSession) dispatchLoop() {
	for ev := range s.events {
		if s.State().IsTerminal() {
			continue
		}
		s.dispatch(ev)
	}
}

func (s *StreamSession) dispatch(ev StreamEvent) {
	h := s.handlers

	switch e := ev.(type) {
	case *ReadyEvent:
		if !s.activate(e) {
			return
		}
		if h.OnReady != nil {
			h.OnReady(*e)
		}
	case *TranscriptionEvent:
		if text := strings.TrimSpace(e.Text); text != "" {
			s.mu.Lock()
			s.transcript = append(s.transcript, text)
			s.mu.Unlock()
		}
		if h.OnTranscription != nil {
			h.OnTranscription(*e)
		}
	case *AlertEvent:
		s.logger.Info("stream alert", "category", e.Category, "severity", e.Severity, "risk_score", e.RiskScore)
		if h.OnAlert != nil {
			h.OnAlert(*e)
		}
	case *ConfigUpdatedEvent:
		if h.OnConfigUpdated != nil {
			h.OnConfigUpdated(*e)
		}
	case *SessionSummaryEvent:
		summary := e.SessionSummary
		s.mu.Lock()
		if summary.Transcript == "" {
			summary.Transcript = strings.Join(s.transcript, " ")
		}
		if summary.SessionID == "" {
			summary.SessionID = s.sessionID
		}
		s.mu.Unlock()
		s.terminate(StateClosed, &summary, nil, nil)
	case *ErrorEvent:
		s.fail(&Error{Kind: KindStream, Code: e.Code, Message: e.Message})
	case streamFailure:
		s.fail(e.err)
	default:
		panic(fmt.Sprintf("unknown stream event: %T", ev))
	}
}

// activate flushes the frames queued while connecting and makes the session active. It reports
// false if the session is no longer connecting.
func (s *StreamSession) activate(e *ReadyEvent) bool {
	s.writeMu.Lock()

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return false
	}
	pending := s.pending
	s.pending = nil
	s.sessionID = e.SessionID
	s.mu.Unlock()

	for _, f := range pending {
		if writeErr := s.write(f.messageType, f.data); writeErr != nil {
			s.writeMu.Unlock()
			s.terminate(StateErrored, nil, writeErr, nil)
			return false
		}
	}
	activated := s.swapState(StateConnecting, StateActive)
	s.writeMu.Unlock()
	if !activated {
		return false
	}

	s.notifyState(StateConnecting, StateActive)
	// End waits for ready, so Active is announced before Closing can be.
	s.readyOnce.Do(func() { close(s.ready) })

	s.logger.Debug("stream ready", "session_id", e.SessionID, "flushed", len(pending))
	return true
}

func (s *StreamSession) fail(err *Error) {
	s.terminate(StateErrored, nil, err, func() {
		s.logger.Warn("stream failed", "error", err)
		if s.handlers.OnError != nil {
			s.handlers.OnError(err)
		}
	})
}

// setState moves the session to to unless it is already terminal.
func (s *StreamSession) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from.IsTerminal() || from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	s.notifyState(from, to)
}

// swapState moves the session from one state to another and reports whether it was in from. The
// caller announces the change with notifyState once it holds no session lock.
func (s *StreamSession) swapState(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// terminate moves the session to a terminal state, records how it ended and releases the
// connection. then runs after the state change is announced and before Done is closed. Only the
// first call has any effect; it reports whether this was that call. The caller must not hold
// writeMu.
func (s *StreamSession) terminate(final State, summary *SessionSummary, err *Error, then func()) bool {
	s.mu.Lock()
	from := s.state
	if from.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	s.state = final
	s.summary = summary
	s.err = err
	s.pending = nil
	s.mu.Unlock()

	if s.conn != nil {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	}
	s.client.untrackSession(s)

	s.notifyState(from, final)
	if then != nil {
		then()
	}
	close(s.done)
	return true
}

func (s *StreamSession) notifyState(from, to State) {
	s.logger.Debug("stream state changed", "from", from, "to", to)
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(from, to)
	}
}
