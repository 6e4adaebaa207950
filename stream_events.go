package safenest

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType tags the JSON messages a streaming session receives.
type EventType string

const (
	EventReady          EventType = "ready"
	EventTranscription  EventType = "transcription"
	EventAlert          EventType = "alert"
	EventConfigUpdated  EventType = "config_updated"
	EventSessionSummary EventType = "session_summary"
	EventError          EventType = "error"
)

// StreamEvent is one of *ReadyEvent, *TranscriptionEvent, *AlertEvent, *ConfigUpdatedEvent,
// *SessionSummaryEvent or *ErrorEvent.
type StreamEvent interface {
	Type() EventType
	isStreamEvent()
}

// ReadyEvent is sent once the server is ready to receive audio.
type ReadyEvent struct {
	SessionID string `json:"session_id"`
}

// TranscriptionEvent carries newly transcribed speech.
type TranscriptionEvent struct {
	Text     string              `json:"text"`
	Segments []TranscriptSegment `json:"segments"`
}

// AlertEvent is raised when an analysis flags something in the transcript.
type AlertEvent struct {
	Category  AnalysisType `json:"category"`
	Severity  Severity     `json:"severity"`
	RiskScore float64      `json:"risk_score"`
	Rationale string       `json:"rationale"`
	// Excerpt is the part of the transcript that triggered the alert.
	Excerpt string `json:"excerpt"`
}

// ConfigUpdatedEvent confirms a configuration change made with UpdateConfig.
type ConfigUpdatedEvent struct {
	// IntervalSeconds is the analysis interval now in effect.
	IntervalSeconds int            `json:"interval"`
	AnalysisTypes   []AnalysisType `json:"analysis_types"`
}

// SessionSummary is the server's verdict on a whole session.
type SessionSummary struct {
	SessionID        string    `json:"session_id"`
	DurationSeconds  float64   `json:"duration_seconds"`
	OverallRisk      RiskLevel `json:"overall_risk"`
	OverallRiskScore float64   `json:"overall_risk_score"`
	TotalAlerts      int       `json:"total_alerts"`
	// Transcript is the full session transcript.
	Transcript string `json:"transcript"`
}

// SessionSummaryEvent is the last message of a session that ended normally.
type SessionSummaryEvent struct {
	SessionSummary
}

// ErrorEvent is the last message of a session the server failed.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*ReadyEvent) Type() EventType          { return EventReady }
func (*TranscriptionEvent) Type() EventType  { return EventTranscription }
func (*AlertEvent) Type() EventType          { return EventAlert }
func (*ConfigUpdatedEvent) Type() EventType  { return EventConfigUpdated }
func (*SessionSummaryEvent) Type() EventType { return EventSessionSummary }
func (*ErrorEvent) Type() EventType          { return EventError }

func (*ReadyEvent) isStreamEvent()          {}
func (*TranscriptionEvent) isStreamEvent()  {}
func (*AlertEvent) isStreamEvent()          {}
func (*ConfigUpdatedEvent) isStreamEvent()  {}
func (*SessionSummaryEvent) isStreamEvent() {}
func (*ErrorEvent) isStreamEvent()          {}

// streamFailure carries a read-side failure through the event queue so that it is handled after
// every event received before it.
type streamFailure struct {
	err *Error
}

func (streamFailure) Type() EventType { return EventError }
func (streamFailure) isStreamEvent()  {}

var errUnknownEvent = errors.New("unknown event type")

// decodeEvent decodes one inbound JSON message.
func decodeEvent(data []byte) (StreamEvent, error) {
	var envelope struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}

	var ev StreamEvent
	switch envelope.Type {
	case EventReady:
		ev = new(ReadyEvent)
	case EventTranscription:
		ev = new(TranscriptionEvent)
	case EventAlert:
		ev = new(AlertEvent)
	case EventConfigUpdated:
		ev = new(ConfigUpdatedEvent)
	case EventSessionSummary:
		ev = new(SessionSummaryEvent)
	case EventError:
		ev = new(ErrorEvent)
	case "":
		return nil, errors.New("malformed event: missing type")
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEvent, envelope.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("malformed %s event: %w", envelope.Type, err)
	}
	return ev, nil
}

// isTerminalEvent reports whether ev ends the session.
func isTerminalEvent(ev StreamEvent) bool {
	switch ev.(type) {
	case *SessionSummaryEvent, *ErrorEvent, streamFailure:
		return true
	default:
		return false
	}
}

// Outbound control messages.
type configMessage struct {
	Type          string         `json:"type"`
	Interval      int            `json:"interval,omitempty"`
	AnalysisTypes []AnalysisType `json:"analysis_types,omitempty"`
}

type endMessage struct {
	Type string `json:"type"`
}
