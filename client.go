package safenest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	defaultBaseURL   = "https://api.safenest.dev"
	defaultStreamURL = "wss://api.safenest.dev/api/v1/safety/voice/stream"
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "safenest-go/1.0"
)

// API paths.
const (
	pathBullying   = "/api/v1/safety/bullying"
	pathGrooming   = "/api/v1/safety/grooming"
	pathUnsafe     = "/api/v1/safety/unsafe"
	pathVoice      = "/api/v1/safety/voice"
	pathImage      = "/api/v1/safety/image"
	pathEmotions   = "/api/v1/analysis/emotions"
	pathActionPlan = "/api/v1/guidance/action-plan"
	pathReport     = "/api/v1/reports/incident"
	pathUsage      = "/api/v1/usage"
)

// option is a function that configures the client
type option func(*cfg)

// WithAPIKey sets the API key for the client. Every request carries it as a bearer token.
func WithAPIKey(apiKey string) option {
	return func(c *cfg) {
		c.apiKey = apiKey
	}
}

// WithBaseURL sets the base URL of the REST API. Unless you have been told to use a different
// endpoint, there's no need to set this.
func WithBaseURL(baseURL string) option {
	return func(c *cfg) {
		c.baseURL = baseURL
	}
}

// WithStreamURL sets the WebSocket URL used by OpenStream.
func WithStreamURL(streamURL string) option {
	return func(c *cfg) {
		c.streamURL = streamURL
	}
}

// WithTimeout sets the timeout of a single attempt. If not set, the default timeout is 30
// seconds. A call that is retried may take several timeouts plus backoff in total.
func WithTimeout(timeout time.Duration) option {
	return func(c *cfg) {
		c.timeout = timeout
	}
}

// WithRetryConfig sets custom retry configuration for the client
func WithRetryConfig(retryConfig RetryConfig) option {
	return func(c *cfg) {
		c.retryConfig = retryConfig
	}
}

// WithDisableRetry disables automatic retries. Every call makes exactly one attempt.
func WithDisableRetry() option {
	return func(c *cfg) {
		c.retryConfig.MaxRetries = 0
	}
}

// WithHTTPClient sets the HTTP client used for REST calls. Its own Timeout should be zero or
// larger than the one set with WithTimeout.
func WithHTTPClient(httpClient *http.Client) option {
	return func(c *cfg) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger the SDK writes retries, usage warnings and session events to. By
// default nothing is logged.
func WithLogger(logger *slog.Logger) option {
	return func(c *cfg) {
		c.logger = logger
	}
}

// WithObserver registers a function called after every attempt, e.g. to feed metrics.
func WithObserver(observer ObserverFunc) option {
	return func(c *cfg) {
		c.observer = observer
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) option {
	return func(c *cfg) {
		c.userAgent = userAgent
	}
}

// cfg holds configuration for the SafeNest client
type cfg struct {
	// apiKey is your SafeNest API key
	apiKey string
	// baseURL is the REST API base URL without a trailing slash
	baseURL string
	// streamURL is the WebSocket URL for streaming sessions
	streamURL string
	// timeout is the timeout of a single attempt
	timeout time.Duration
	// retryConfig configures retry behavior for failed requests
	retryConfig RetryConfig
	httpClient  *http.Client
	logger      *slog.Logger
	observer    ObserverFunc
	userAgent   string
}

// Client is the main SafeNest SDK client. It is safe for concurrent use.
type Client struct {
	config *cfg

	// lastResponse is the metadata of the most recently completed attempt. See LastResponse.
	lastResponse atomic.Pointer[ResponseMetadata]

	sessionsMu sync.Mutex
	sessions   map[*StreamSession]struct{}
}

// New creates a new SafeNest client
func New(options ...option) (*Client, error) {
	config := &cfg{
		baseURL:     defaultBaseURL,
		streamURL:   defaultStreamURL,
		timeout:     defaultTimeout,
		retryConfig: DefaultRetryConfig(),
		userAgent:   defaultUserAgent,
	}

	for _, option := range options {
		option(config)
	}

	config.apiKey = strings.TrimSpace(config.apiKey)
	if config.apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	config.baseURL = strings.TrimRight(strings.TrimSpace(config.baseURL), "/")
	if err := validateEndpoint(config.baseURL, "http", "https"); err != nil {
		return nil, err
	}
	if err := validateEndpoint(config.streamURL, "ws", "wss"); err != nil {
		return nil, err
	}

	if config.timeout <= 0 {
		config.timeout = defaultTimeout
	}
	if config.httpClient == nil {
		config.httpClient = &http.Client{}
	}
	if config.logger == nil {
		config.logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		config:   config,
		sessions: make(map[*StreamSession]struct{}),
	}, nil
}

func validateEndpoint(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %q must use one of %v", ErrInvalidEndpoint, raw, schemes)
}

// Close aborts any streaming session that is still open and releases idle connections. You can
// do this with defer to ensure that the client is always cleaned up.
func (c *Client) Close() error {
	unregisterForExit(c)

	c.sessionsMu.Lock()
	sessions := make([]*StreamSession, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessionsMu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	c.config.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) trackSession(s *StreamSession) {
	c.sessionsMu.Lock()
	c.sessions[s] = struct{}{}
	c.sessionsMu.Unlock()
}

func (c *Client) untrackSession(s *StreamSession) {
	c.sessionsMu.Lock()
	delete(c.sessions, s)
	c.sessionsMu.Unlock()
}

var (
	exitClients   = make(map[*Client]struct{})
	exitClientsMu sync.Mutex
	exitOnce      sync.Once
)

// setupExitHandler closes every registered client on SIGINT or SIGTERM and exits.
func setupExitHandler() {
	exitOnce.Do(func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-c
			for _, client := range registeredClients() {
				client.Close()
			}
			os.Exit(0)
		}()
	})
}

func registeredClients() []*Client {
	exitClientsMu.Lock()
	defer exitClientsMu.Unlock()
	clients := make([]*Client, 0, len(exitClients))
	for c := range exitClients {
		clients = append(clients, c)
	}
	return clients
}

func registerForExit(c *Client) {
	exitClientsMu.Lock()
	exitClients[c] = struct{}{}
	exitClientsMu.Unlock()
	setupExitHandler()
}

func unregisterForExit(c *Client) {
	exitClientsMu.Lock()
	delete(exitClients, c)
	exitClientsMu.Unlock()
}

// CloseOnExit registers the client for cleanup. This can be useful if you are using a long
// lived instance of the client and want open streaming sessions closed before exit. Close
// removes the registration.
func (c *Client) CloseOnExit() {
	registerForExit(c)
}

// DetectBullying analyzes text for bullying.
func (c *Client) DetectBullying(ctx context.Context, req *DetectBullyingRequest) (*BullyingResult, error) {
	if err := validateText("content", req.Content, MaxTextLength); err != nil {
		return nil, err
	}
	return send[BullyingResult](ctx, c, &request{method: http.MethodPost, path: pathBullying, body: req})
}

// DetectGrooming analyzes a conversation for grooming patterns.
func (c *Client) DetectGrooming(ctx context.Context, req *DetectGroomingRequest) (*GroomingResult, error) {
	if err := validateMessages(req.Messages); err != nil {
		return nil, err
	}
	if err := validateChildAge(req.ChildAge); err != nil {
		return nil, err
	}
	return send[GroomingResult](ctx, c, &request{method: http.MethodPost, path: pathGrooming, body: req})
}

// DetectUnsafe analyzes text for unsafe content such as self-harm, violence or explicit material.
func (c *Client) DetectUnsafe(ctx context.Context, req *DetectUnsafeRequest) (*UnsafeResult, error) {
	if err := validateText("content", req.Content, MaxTextLength); err != nil {
		return nil, err
	}
	return send[UnsafeResult](ctx, c, &request{method: http.MethodPost, path: pathUnsafe, body: req})
}

// AnalyzeEmotions summarizes the emotional state expressed in text or a conversation.
func (c *Client) AnalyzeEmotions(ctx context.Context, req *AnalyzeEmotionsRequest) (*EmotionsResult, error) {
	switch {
	case req.Content != "" && len(req.Messages) > 0:
		return nil, newValidationError("set either content or messages, not both")
	case len(req.Messages) > 0:
		if err := validateMessages(req.Messages); err != nil {
			return nil, err
		}
	default:
		if err := validateText("content", req.Content, MaxTextLength); err != nil {
			return nil, err
		}
	}
	return send[EmotionsResult](ctx, c, &request{method: http.MethodPost, path: pathEmotions, body: req})
}

// GetActionPlan returns guidance on how to respond to a situation, written for the requested
// audience.
func (c *Client) GetActionPlan(ctx context.Context, req *ActionPlanRequest) (*ActionPlan, error) {
	if err := validateText("situation", req.Situation, MaxSituationText); err != nil {
		return nil, err
	}
	if err := validateChildAge(req.ChildAge); err != nil {
		return nil, err
	}
	return send[ActionPlan](ctx, c, &request{method: http.MethodPost, path: pathActionPlan, body: req})
}

// GenerateReport produces a structured incident report from a conversation.
func (c *Client) GenerateReport(ctx context.Context, req *IncidentReportRequest) (*IncidentReport, error) {
	if err := validateMessages(req.Messages); err != nil {
		return nil, err
	}
	if err := validateChildAge(req.ChildAge); err != nil {
		return nil, err
	}
	return send[IncidentReport](ctx, c, &request{method: http.MethodPost, path: pathReport, body: req})
}

// AnalyzeVoice uploads an audio file, transcribes it and runs the requested analyses on the
// transcript.
func (c *Client) AnalyzeVoice(ctx context.Context, req *VoiceAnalysisRequest) (*VoiceAnalysisResult, error) {
	if err := validateUpload("audio", req.Audio); err != nil {
		return nil, err
	}
	if err := validateChildAge(req.ChildAge); err != nil {
		return nil, err
	}
	filename := req.Filename
	if filename == "" {
		filename = "audio.wav"
	}
	form, err := newMultipartForm(formFile{field: "file", filename: filename, data: req.Audio}, req.fields())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare the upload: %w", err)
	}
	return send[VoiceAnalysisResult](ctx, c, &request{method: http.MethodPost, path: pathVoice, form: form})
}

// AnalyzeImage uploads an image, extracts any text in it and runs the requested analyses.
func (c *Client) AnalyzeImage(ctx context.Context, req *ImageAnalysisRequest) (*ImageAnalysisResult, error) {
	if err := validateUpload("image", req.Image); err != nil {
		return nil, err
	}
	filename := req.Filename
	if filename == "" {
		filename = "image.png"
	}
	form, err := newMultipartForm(formFile{field: "file", filename: filename, data: req.Image}, req.fields())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare the upload: %w", err)
	}
	return send[ImageAnalysisResult](ctx, c, &request{method: http.MethodPost, path: pathImage, form: form})
}

// GetUsage returns the account's usage for the current billing period.
func (c *Client) GetUsage(ctx context.Context) (*Usage, error) {
	return send[Usage](ctx, c, &request{method: http.MethodGet, path: pathUsage})
}
