package safenest

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"syscall"
	"time"
)

// maxResponseBytes bounds how much of a response body is read into memory.
const maxResponseBytes = 10 << 20

const headerClientRequestID = "X-Client-Request-Id"

// request describes one logical call. Only attempt changes between retries.
type request struct {
	method string
	path   string
	// body is marshalled as JSON when non-nil.
	body any
	// form is sent as multipart/form-data when non-nil. body is ignored.
	form *multipartForm
	// clientRequestID is shared by every attempt of the logical call.
	clientRequestID string
	attempt         int
}

// multipartForm is a pre-encoded multipart body so that it can be re-sent on retry.
type multipartForm struct {
	data        []byte
	contentType string
}

// formFile is a binary part of a multipart upload.
type formFile struct {
	field    string
	filename string
	data     []byte
}

func newMultipartForm(file formFile, fields map[string]string) (*multipartForm, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(name, value); err != nil {
			return nil, err
		}
	}
	part, err := writer.CreateFormFile(file.field, file.filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(file.data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return &multipartForm{data: buf.Bytes(), contentType: writer.FormDataContentType()}, nil
}

// Observation describes one completed attempt. It is handed to the ObserverFunc configured
// with WithObserver.
type Observation struct {
	Method     string
	Path       string
	Attempt    int
	StatusCode int
	// Kind is empty for successful attempts.
	Kind     Kind
	Duration time.Duration
}

// ObserverFunc receives an Observation after every attempt.
type ObserverFunc func(Observation)

func (c *Client) newHTTPRequest(ctx context.Context, req *request) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.form != nil:
		body = bytes.NewReader(req.form.data)
		contentType = req.form.contentType
	case req.body != nil:
		payload, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.config.baseURL+req.path, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.apiKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.userAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.clientRequestID != "" {
		httpReq.Header.Set(headerClientRequestID, req.clientRequestID)
	}
	return httpReq, nil
}

// execute performs exactly one attempt of req. On success the response body is decoded into out
// (unless out is nil). Every failure is returned as an *Error. Response metadata is recorded for
// every attempt that produced an HTTP response, whatever its status.
func (c *Client) execute(ctx context.Context, req *request, out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.timeout)
	defer cancel()

	httpReq, err := c.newHTTPRequest(attemptCtx, req)
	if err != nil {
		return &Error{Kind: KindGeneric, Message: "failed to build request", Cause: err}
	}

	started := time.Now()
	resp, err := c.config.httpClient.Do(httpReq)
	if err != nil {
		apiErr := classifyTransportError(ctx, attemptCtx, err)
		c.observe(req, 0, apiErr.Kind, time.Since(started))
		return apiErr
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	latency := time.Since(started)
	c.storeMetadata(parseMetadata(resp.StatusCode, resp.Header, latency))

	if readErr != nil {
		apiErr := classifyTransportError(ctx, attemptCtx, readErr)
		c.observe(req, resp.StatusCode, apiErr.Kind, latency)
		return apiErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := classifyResponse(resp.StatusCode, resp.Header, body)
		c.observe(req, resp.StatusCode, apiErr.Kind, latency)
		return apiErr
	}

	if out != nil && resp.StatusCode != http.StatusNoContent && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			apiErr := &Error{
				Kind:       KindGeneric,
				Message:    "failed to decode response",
				StatusCode: resp.StatusCode,
				Cause:      err,
			}
			c.observe(req, resp.StatusCode, apiErr.Kind, latency)
			return apiErr
		}
	}

	c.observe(req, resp.StatusCode, "", latency)
	return nil
}

func (c *Client) observe(req *request, status int, kind Kind, d time.Duration) {
	if c.config.observer == nil {
		return
	}
	c.config.observer(Observation{
		Method:     req.method,
		Path:       req.path,
		Attempt:    req.attempt,
		StatusCode: status,
		Kind:       kind,
		Duration:   d,
	})
}

// classifyTransportError maps a failure that produced no HTTP response. parent is the caller's
// context, attemptCtx the per-attempt context carrying the timeout.
func classifyTransportError(parent, attemptCtx context.Context, err error) *Error {
	if parentErr := parent.Err(); parentErr != nil {
		return &Error{Kind: KindNetwork, Message: "request canceled", Cause: parentErr}
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "request timed out", Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: "request timed out", Cause: err}
	}
	if isNetworkError(err) {
		return &Error{Kind: KindNetwork, Message: "network error", Cause: err}
	}
	return &Error{Kind: KindGeneric, Message: "request failed", Cause: err}
}

// isNetworkError reports whether err comes from the network stack rather than from HTTP.
func isNetworkError(err error) bool {
	var (
		opErr        *net.OpError
		dnsErr       *net.DNSError
		recordErr    tls.RecordHeaderError
		certErr      *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return true
	case errors.As(err, &recordErr), errors.As(err, &certErr):
		return true
	case errors.As(err, &authorityErr), errors.As(err, &hostnameErr), errors.As(err, &invalidErr):
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.EPIPE):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return true
	}
	return false
}
