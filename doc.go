// Package safenest provides the official Go SDK for the SafeNest child safety API.
//
// SafeNest analyzes what children read, write, say and see online and flags bullying,
// grooming, unsafe content and emotional distress. This SDK wraps the REST endpoints and the
// live voice streaming endpoint in an idiomatic Go interface with retries, typed errors and
// response metadata built in.
//
// # Quick Start
//
//	import "github.com/safenest/gosdk"
//
//	// Create a client
//	client, err := safenest.New(safenest.WithAPIKey("your-api-key"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Check a message
//	result, err := client.DetectBullying(context.Background(), &safenest.DetectBullyingRequest{
//		Content: "Nobody likes you",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if result.IsBullying {
//		fmt.Println("Flagged:", result.Severity, result.RecommendedAction)
//	}
//
// # Endpoints
//
// Detection:
//
//   - DetectBullying: Bullying and harassment in a single text
//   - DetectGrooming: Grooming patterns across a conversation
//   - DetectUnsafe: Self-harm, violence, explicit material and similar
//   - AnalyzeEmotions: Emotional state and trend of a text or conversation
//
// Guidance:
//
//   - GetActionPlan: Step by step guidance for a child, parent, educator or platform
//   - GenerateReport: A structured incident report
//
// Media and account:
//
//   - AnalyzeVoice: Transcribe and analyze an audio file
//   - AnalyzeImage: Read and analyze an image
//   - GetUsage: Credit usage for the current billing period
//
// Every input is checked locally before a request is sent; invalid input fails with a
// KindValidation error and never reaches the API.
//
// # Error Handling and Retries
//
// Every failure is an *Error whose Kind says what went wrong. Network failures, timeouts, server
// errors and rate limits are retried with exponential backoff and jitter; a Retry-After hint from
// the API is honored. A monthly quota that is used up is never retried. You can customize retry
// behavior:
//
//	client, err := safenest.New(
//		safenest.WithAPIKey("your-api-key"),
//		safenest.WithRetryConfig(safenest.RetryConfig{
//			MaxRetries:      3,
//			InitialInterval: time.Second,
//			MaxInterval:     30 * time.Second,
//		}),
//	)
//
// Match kinds with errors.Is and the sentinels, or extract the details with errors.As:
//
//	_, err := client.DetectUnsafe(ctx, req)
//	if errors.Is(err, safenest.ErrQuotaExceeded) {
//		// upgrade
//	}
//	var apiErr *safenest.Error
//	if errors.As(err, &apiErr) {
//		log.Println(apiErr.Code, apiErr.Suggestion)
//	}
//
// # Response Metadata
//
// After each call, LastResponse returns the request id, latency, monthly usage and rate limit
// reported by the API. Use WithObserver to receive the same information for every attempt,
// including the ones that were retried.
//
// # Streaming
//
// OpenStream starts a live voice session over a WebSocket. Audio sent with SendAudio is
// transcribed and analyzed as it arrives; transcriptions and alerts are delivered to the
// StreamHandlers. End asks the server for a SessionSummary and waits for it:
//
//	session, err := client.OpenStream(ctx, safenest.StreamConfig{
//		Handlers: safenest.StreamHandlers{
//			OnAlert: func(e safenest.AlertEvent) { fmt.Println(e.Category, e.Excerpt) },
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	for chunk := range audio {
//		session.SendAudio(chunk)
//	}
//	summary, err := session.End(ctx)
//
// Sessions are not reconnected: if the connection is lost the session ends in StateErrored and a
// new one must be opened.
//
// # Timeouts
//
// Each attempt is bounded by the client timeout, 30 seconds by default:
//
//	client, err := safenest.New(
//		safenest.WithAPIKey("your-api-key"),
//		safenest.WithTimeout(60 * time.Second),
//	)
//
// The context passed to a call bounds the whole call, retries and waits included.
package safenest
