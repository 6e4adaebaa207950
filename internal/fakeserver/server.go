// Package fakeserver is an in-process stand-in for the SafeNest API. It answers every REST
// endpoint with canned results, can be scripted per route to fail, stall or rate limit, and
// speaks the voice streaming protocol over WebSocket. It backs the SDK tests and cmd/mockserver.
package fakeserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const maxBodyBytes = 30 << 20

// Routes served by the fake.
const (
	PathBullying   = "/api/v1/safety/bullying"
	PathGrooming   = "/api/v1/safety/grooming"
	PathUnsafe     = "/api/v1/safety/unsafe"
	PathVoice      = "/api/v1/safety/voice"
	PathImage      = "/api/v1/safety/image"
	PathEmotions   = "/api/v1/analysis/emotions"
	PathActionPlan = "/api/v1/guidance/action-plan"
	PathReport     = "/api/v1/reports/incident"
	PathUsage      = "/api/v1/usage"
	PathStream     = "/api/v1/safety/voice/stream"
)

// Response is a scripted answer to one request.
type Response struct {
	Status int
	// Body is written as JSON. A string or []byte is written as-is.
	Body   any
	Header http.Header
	// Delay stalls the response. If the client gives up first the request is counted as canceled.
	Delay time.Duration
}

// Request is what the fake recorded about a request it received.
type Request struct {
	Method          string
	Path            string
	Authorization   string
	ContentType     string
	ClientRequestID string
	Body            []byte
	ReceivedAt      time.Time
}

type Server struct {
	apiKey string
	logger *slog.Logger

	mu       sync.Mutex
	scripts  map[string][]Response
	requests []Request
	canceled map[string]int
	monthly  int

	stream *streamState
}

func New(apiKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		apiKey:   apiKey,
		logger:   logger,
		scripts:  make(map[string][]Response),
		canceled: make(map[string]int),
		stream:   newStreamState(),
	}
}

func routeKey(method, path string) string {
	return method + " " + path
}

// Script queues responses for a route. They are used in order; once they run out the route
// answers with its canned success again.
func (s *Server) Script(method, path string, responses ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := routeKey(method, path)
	s.scripts[key] = append(s.scripts[key], responses...)
}

// Requests returns every recorded request, oldest first.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Attempts returns how many requests a route received.
func (s *Server) Attempts(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// Canceled returns how many delayed responses a route never sent because the client went away.
func (s *Server) Canceled(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled[routeKey(method, path)]
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get(PathStream, s.handleStream)

	r.Group(func(r chi.Router) {
		r.Use(s.recordMiddleware)
		r.Use(s.authMiddleware)

		r.Post(PathBullying, s.handle(cannedBullying))
		r.Post(PathGrooming, s.handle(cannedGrooming))
		r.Post(PathUnsafe, s.handle(cannedUnsafe))
		r.Post(PathEmotions, s.handle(cannedEmotions))
		r.Post(PathActionPlan, s.handle(cannedActionPlan))
		r.Post(PathReport, s.handle(cannedReport))
		r.Post(PathVoice, s.handle(cannedVoice))
		r.Post(PathImage, s.handle(cannedImage))
		r.Get(PathUsage, s.handle(s.cannedUsage))
	})

	return r
}

// recordMiddleware stores the request and restores its body for the handler.
func (s *Server) recordMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		_ = r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:          r.Method,
			Path:            r.URL.Path,
			Authorization:   r.Header.Get("Authorization"),
			ContentType:     r.Header.Get("Content-Type"),
			ClientRequestID: r.Header.Get("X-Client-Request-Id"),
			Body:            body,
			ReceivedAt:      time.Now(),
		})
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+s.apiKey
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.setMetadataHeaders(w.Header())
			writeError(w, http.StatusUnauthorized, "INVALID_API_KEY", "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handle serves the next scripted response for the route, or the canned success.
func (s *Server) handle(canned func(body []byte, r *http.Request) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := routeKey(r.Method, r.URL.Path)

		s.mu.Lock()
		var (
			resp     Response
			scripted bool
		)
		if queue := s.scripts[key]; len(queue) > 0 {
			resp, scripted = queue[0], true
			s.scripts[key] = queue[1:]
		}
		s.mu.Unlock()

		if resp.Delay > 0 {
			t := time.NewTimer(resp.Delay)
			select {
			case <-t.C:
			case <-r.Context().Done():
				t.Stop()
				s.mu.Lock()
				s.canceled[key]++
				s.mu.Unlock()
				s.logger.Debug("client went away", "route", key)
				return
			}
		}

		h := w.Header()
		s.setMetadataHeaders(h)
		for name, values := range resp.Header {
			h[name] = values
		}

		status := resp.Status
		if status == 0 {
			status = http.StatusOK
		}

		// A scripted delay without a body still answers with the canned result.
		if !scripted || (resp.Body == nil && status == http.StatusOK) {
			body, _ := io.ReadAll(r.Body)
			s.mu.Lock()
			s.monthly++
			s.mu.Unlock()
			writeJSON(w, status, canned(body, r))
			return
		}

		writeBody(w, status, resp.Body)
	}
}

func (s *Server) setMetadataHeaders(h http.Header) {
	s.mu.Lock()
	used := s.monthly
	s.mu.Unlock()

	h.Set("X-Request-Id", "req_"+uuid.NewString())
	h.Set("X-Monthly-Limit", "10000")
	h.Set("X-Monthly-Used", strconv.Itoa(used))
	h.Set("X-Monthly-Remaining", strconv.Itoa(10000-used))
	h.Set("X-RateLimit-Limit", "60")
	h.Set("X-RateLimit-Remaining", "59")
	h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
}

// ErrorBody builds an error payload in the API's format.
func ErrorBody(code, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody(code, message))
}

func writeBody(w http.ResponseWriter, status int, body any) {
	switch b := body.(type) {
	case string:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, b)
	case []byte:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(b)
	default:
		writeJSON(w, status, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
