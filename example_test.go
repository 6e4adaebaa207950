package safenest_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	safenest "github.com/safenest/gosdk"
)

// Example demonstrates how to create a SafeNest client and check a message for bullying.
func Example() {
	// Create a new client with your API key
	client, err := safenest.New(safenest.WithAPIKey("your-api-key-here"))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	req := safenest.NewDetectBullyingRequestBuilder().
		Content("Nobody likes you, just leave the group").
		Context(safenest.AnalysisContext{Platform: "chat", AgeGroup: "11-13"}).
		Build()

	result, err := client.DetectBullying(context.Background(), req)
	if err != nil {
		log.Printf("Error detecting bullying: %v", err)
		return
	}

	fmt.Printf("Bullying: %t, severity: %s, risk: %.2f\n", result.IsBullying, result.Severity, result.RiskScore)
	fmt.Println("Recommended action:", result.RecommendedAction)
}

// ExampleClient_DetectGrooming demonstrates how to analyze a conversation for grooming.
func ExampleClient_DetectGrooming() {
	client, err := safenest.New(safenest.WithAPIKey("your-api-key-here"))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	req := safenest.NewDetectGroomingRequestBuilder().
		AddMessage("adult", "You're so mature for your age").
		AddMessage("child", "thanks i guess").
		AddMessage("adult", "Don't tell your parents we talk, ok?").
		ChildAge(11).
		Build()

	result, err := client.DetectGrooming(context.Background(), req)
	if err != nil {
		log.Printf("Error: %v", err)
		return
	}

	fmt.Printf("Grooming risk: %s\n", result.GroomingRisk)
	for _, flag := range result.Flags {
		fmt.Printf("  - %s\n", flag)
	}
}

// ExampleClient_AnalyzeVoice demonstrates how to upload a recording for transcription and analysis.
func ExampleClient_AnalyzeVoice() {
	client, err := safenest.New(safenest.WithAPIKey("your-api-key-here"))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	audio, err := os.ReadFile("voice-note.m4a")
	if err != nil {
		log.Fatal(err)
	}

	result, err := client.AnalyzeVoice(context.Background(), &safenest.VoiceAnalysisRequest{
		Audio:        audio,
		Filename:     "voice-note.m4a",
		AnalysisType: safenest.AnalysisAll,
	})
	if err != nil {
		log.Printf("Error: %v", err)
		return
	}

	fmt.Println("Transcript:", result.Transcript)
	if b := result.Analysis.Bullying; b != nil && b.IsBullying {
		fmt.Printf("Bullying detected (%s)\n", b.Severity)
	}
}

// ExampleClient_LastResponse demonstrates how to read usage and rate limit headers after a call.
func ExampleClient_LastResponse() {
	client, err := safenest.New(safenest.WithAPIKey("your-api-key-here"))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	if _, err := client.GetUsage(context.Background()); err != nil {
		log.Printf("Error: %v", err)
	}

	md := client.LastResponse()
	if md == nil {
		return
	}
	fmt.Printf("Request %s took %s\n", md.RequestID, md.Latency)
	if md.Usage != nil {
		fmt.Printf("Monthly credits: %d of %d left\n", md.Usage.Remaining, md.Usage.Limit)
	}
	if md.UsageWarning != "" {
		fmt.Println("Warning:", md.UsageWarning)
	}
}

// ExampleError demonstrates how to handle the different kinds of failure.
func ExampleError() {
	client, err := safenest.New(safenest.WithAPIKey("your-api-key-here"))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	_, err = client.DetectUnsafe(context.Background(), &safenest.DetectUnsafeRequest{Content: "..."})
	switch {
	case err == nil:
		return
	case errors.Is(err, safenest.ErrQuotaExceeded):
		fmt.Println("Monthly quota used up, upgrade the plan")
	case errors.Is(err, safenest.ErrRateLimit):
		fmt.Println("Still rate limited after retrying")
	case errors.Is(err, safenest.ErrAuthentication):
		fmt.Println("Check the API key")
	}

	var apiErr *safenest.Error
	if errors.As(err, &apiErr) {
		fmt.Printf("kind=%s code=%s suggestion=%s\n", apiErr.Kind, apiErr.Code, apiErr.Suggestion)
	}
}

// ExampleWithRetryConfig demonstrates how to tune retries.
func ExampleWithRetryConfig() {
	client, err := safenest.New(
		safenest.WithAPIKey("your-api-key-here"),
		safenest.WithTimeout(10*time.Second),
		safenest.WithRetryConfig(safenest.RetryConfig{
			MaxRetries:      5,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				log.Printf("attempt %d failed (%v), retrying in %s", attempt, err, delay)
			},
		}),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
}

// ExampleClient_OpenStream demonstrates how to analyze live audio.
func ExampleClient_OpenStream() {
	client, err := safenest.New(safenest.WithAPIKey("your-api-key-here"))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	ctx := context.Background()
	session, err := client.OpenStream(ctx, safenest.StreamConfig{
		StreamSettings: safenest.StreamSettings{
			Interval:      5 * time.Second,
			AnalysisTypes: []safenest.AnalysisType{safenest.AnalysisBullying, safenest.AnalysisGrooming},
		},
		Handlers: safenest.StreamHandlers{
			OnTranscription: func(e safenest.TranscriptionEvent) {
				fmt.Println("heard:", e.Text)
			},
			OnAlert: func(e safenest.AlertEvent) {
				fmt.Printf("ALERT %s (%s): %s\n", e.Category, e.Severity, e.Excerpt)
			},
			OnError: func(err *safenest.Error) {
				log.Printf("stream failed: %v", err)
			},
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	// Audio can be sent right away; it is queued until the server is ready.
	for _, chunk := range [][]byte{ /* encoded audio chunks */ } {
		if err := session.SendAudio(chunk); err != nil {
			log.Printf("send failed: %v", err)
			return
		}
	}

	endCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	summary, err := session.End(endCtx)
	if err != nil {
		log.Printf("Error: %v", err)
		return
	}
	fmt.Printf("Session %s: risk %s, %d alerts\n", summary.SessionID, summary.OverallRisk, summary.TotalAlerts)
}
