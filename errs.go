package safenest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrAPIKeyRequired  = errors.New("API key is required")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// quotaExceededCode is the machine code the API uses on a 429 to signal that the monthly quota,
// rather than the per-minute rate limit, has been used up.
const quotaExceededCode = "QUOTA_EXCEEDED"

// Kind identifies which of the SDK's error categories a failure belongs to.
type Kind string

const (
	// KindValidation means the request was rejected as malformed, either locally or by the API (400).
	KindValidation Kind = "validation"
	// KindAuthentication means the API key is missing, invalid or revoked (401).
	KindAuthentication Kind = "authentication"
	// KindTierAccess means the account's tier does not include the endpoint (403).
	KindTierAccess Kind = "tier_access"
	// KindNotFound means the endpoint or resource does not exist (404).
	KindNotFound Kind = "not_found"
	// KindRateLimit means the per-minute rate limit was hit (429). RetryAfter may be set.
	KindRateLimit Kind = "rate_limit"
	// KindQuotaExceeded means the monthly quota is used up (429 with the quota code).
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindServer means the API failed on its side (5xx). StatusCode is set.
	KindServer Kind = "server"
	// KindTimeout means the attempt did not complete before the configured timeout.
	KindTimeout Kind = "timeout"
	// KindNetwork means the request never produced an HTTP response (DNS, dial, reset, TLS).
	KindNetwork Kind = "network"
	// KindGeneric covers every other unexpected response. StatusCode is set when there was one.
	KindGeneric Kind = "generic"
	// KindStream means a streaming session failed: connection loss, protocol violation, a
	// server-sent error event, or misuse of a session that is closing or closed.
	KindStream Kind = "stream"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Retryable reports whether a failure of this kind may succeed if the same request is sent again.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer, KindRateLimit:
		return true
	case KindValidation, KindAuthentication, KindTierAccess, KindNotFound, KindQuotaExceeded,
		KindGeneric, KindStream:
		return false
	default:
		panic(fmt.Sprintf("unknown error kind: %q", string(k)))
	}
}

// Error is the error type returned by every Client and StreamSession operation. Kind says which
// category the failure belongs to; the remaining fields carry whatever the API reported.
//
// You can match on a kind with errors.Is and the Err* sentinels of this package:
//
//	if errors.Is(err, safenest.ErrRateLimit) {
//		// back off
//	}
//
// or extract the Error for the full details:
//
//	var apiErr *safenest.Error
//	if errors.As(err, &apiErr) {
//		log.Printf("%s: %s (suggestion: %s)", apiErr.Kind, apiErr.Message, apiErr.Suggestion)
//	}
type Error struct {
	// Kind is the error category.
	Kind Kind
	// Message is a human readable description.
	Message string
	// Code is the machine readable code reported by the API, if any.
	Code string
	// Details is the raw structured details payload. Mostly set on validation errors.
	Details json.RawMessage
	// Suggestion is a remediation hint reported by the API, if any.
	Suggestion string
	// Links are related documentation or upgrade links reported by the API.
	Links []string
	// RetryAfter is the server's retry hint. Only set on KindRateLimit errors.
	RetryAfter time.Duration
	// StatusCode is the HTTP status. Only set on KindServer and KindGeneric errors.
	StatusCode int
	// Cause is the underlying error, if any.
	Cause error
}

// Error returns a string representation of the error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("safenest: ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status=%d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind and, if the target has a code, the same
// code. This is what makes the Err* sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Sentinels for matching a kind with errors.Is. They carry no details.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrTierAccess     = &Error{Kind: KindTierAccess}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrRateLimit      = &Error{Kind: KindRateLimit}
	ErrQuotaExceeded  = &Error{Kind: KindQuotaExceeded}
	ErrServer         = &Error{Kind: KindServer}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrGeneric        = &Error{Kind: KindGeneric}
	ErrStream         = &Error{Kind: KindStream}

	// ErrSessionClosing is returned when audio or configuration is sent after End was called.
	ErrSessionClosing = &Error{Kind: KindStream, Code: "SESSION_CLOSING", Message: "session is closing"}
	// ErrSessionClosed is returned when a session is used after it ended or was closed.
	ErrSessionClosed = &Error{Kind: KindStream, Code: "SESSION_CLOSED", Message: "session is closed"}
)

// KindOf returns the kind of err, or the empty Kind if err is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsRetryable reports whether err is an *Error whose kind is worth retrying.
func IsRetryable(err error) bool {
	k := KindOf(err)
	if k == "" {
		return false
	}
	return k.Retryable()
}

func newValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Code: "VALIDATION_ERROR"}
}

// errorBody is the shape of a non-2xx response body.
type errorBody struct {
	Error struct {
		Code       string          `json:"code"`
		Message    string          `json:"message"`
		Details    json.RawMessage `json:"details,omitempty"`
		Suggestion string          `json:"suggestion,omitempty"`
		Links      []string        `json:"links,omitempty"`
	} `json:"error"`
}

// parseErrorBody decodes body as an error payload. Absent or malformed bodies decode as empty.
func parseErrorBody(body []byte) errorBody {
	var parsed errorBody
	if len(body) == 0 {
		return parsed
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return errorBody{}
	}
	return parsed
}

// classifyResponse maps a failed HTTP response to an *Error.
func classifyResponse(status int, header http.Header, body []byte) *Error {
	parsed := parseErrorBody(body)

	e := &Error{
		Message:    parsed.Error.Message,
		Code:       parsed.Error.Code,
		Suggestion: parsed.Error.Suggestion,
		Links:      parsed.Error.Links,
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusBadRequest:
		e.Kind = KindValidation
		e.Details = parsed.Error.Details
	case status == http.StatusUnauthorized:
		e.Kind = KindAuthentication
	case status == http.StatusForbidden:
		e.Kind = KindTierAccess
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusTooManyRequests && e.Code == quotaExceededCode:
		e.Kind = KindQuotaExceeded
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	case status >= http.StatusInternalServerError:
		e.Kind = KindServer
		e.StatusCode = status
	default:
		e.Kind = KindGeneric
		e.StatusCode = status
	}
	return e
}

// parseRetryAfter reads a Retry-After header given either as seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}
