package safenest

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response headers the API sets on every response, successful or not.
const (
	headerRequestID          = "X-Request-Id"
	headerMonthlyLimit       = "X-Monthly-Limit"
	headerMonthlyUsed        = "X-Monthly-Used"
	headerMonthlyRemaining   = "X-Monthly-Remaining"
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerUsageWarning       = "X-Usage-Warning"
)

// MonthlyUsage is the account's monthly credit usage as reported by the API.
type MonthlyUsage struct {
	Limit     int
	Used      int
	Remaining int
}

// RateLimitInfo is the per-minute rate limit as reported by the API.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	// Reset is when the current window ends. Nil when the API did not say.
	Reset *time.Time
}

// ResponseMetadata is what the SDK learned from the headers of a completed attempt.
type ResponseMetadata struct {
	// RequestID is the API's correlation id for the attempt. Include it when contacting support.
	RequestID string
	// Latency is the wall time of the attempt as measured by the client.
	Latency time.Duration
	// StatusCode is the HTTP status of the attempt.
	StatusCode int
	// Usage is nil when the response carried no usage headers.
	Usage *MonthlyUsage
	// RateLimit is nil when the response carried no rate limit headers.
	RateLimit *RateLimitInfo
	// UsageWarning is set when the account is close to its quota.
	UsageWarning string
}

// parseMetadata extracts ResponseMetadata from response headers. Missing or malformed headers
// leave the corresponding field unset.
func parseMetadata(status int, header http.Header, latency time.Duration) *ResponseMetadata {
	md := &ResponseMetadata{
		RequestID:    strings.TrimSpace(header.Get(headerRequestID)),
		Latency:      latency,
		StatusCode:   status,
		UsageWarning: strings.TrimSpace(header.Get(headerUsageWarning)),
	}

	limit, okLimit := headerInt(header, headerMonthlyLimit)
	used, okUsed := headerInt(header, headerMonthlyUsed)
	remaining, okRemaining := headerInt(header, headerMonthlyRemaining)
	if okLimit || okUsed || okRemaining {
		md.Usage = &MonthlyUsage{Limit: limit, Used: used, Remaining: remaining}
	}

	rlLimit, okRLLimit := headerInt(header, headerRateLimitLimit)
	rlRemaining, okRLRemaining := headerInt(header, headerRateLimitRemaining)
	if okRLLimit || okRLRemaining {
		md.RateLimit = &RateLimitInfo{Limit: rlLimit, Remaining: rlRemaining}
		if reset, ok := headerInt(header, headerRateLimitReset); ok {
			t := time.Unix(int64(reset), 0)
			md.RateLimit.Reset = &t
		}
	}

	return md
}

func headerInt(header http.Header, key string) (int, bool) {
	v := strings.TrimSpace(header.Get(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// LastResponse returns the metadata of the most recently completed attempt made by this client,
// or nil if no attempt has completed yet.
//
// The snapshot is shared by every call made through the client and the last attempt to finish
// wins. When several calls are in flight at once, the result may belong to any of them, so treat
// it as advisory telemetry and never use it to decide the outcome of a particular call.
func (c *Client) LastResponse() *ResponseMetadata {
	return c.lastResponse.Load()
}

func (c *Client) storeMetadata(md *ResponseMetadata) {
	c.lastResponse.Store(md)
	if md.UsageWarning != "" {
		c.config.logger.Warn("safenest usage warning", "warning", md.UsageWarning, "request_id", md.RequestID)
	}
}
