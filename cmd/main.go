package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	safenest "github.com/safenest/gosdk"
	"github.com/safenest/gosdk/internal/config"
	"github.com/safenest/gosdk/internal/observability"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the exit code so that deferred cleanup, closing the client and any open stream,
// happens on every path.
func run(args []string) int {
	flags := flag.NewFlagSet("safenest", flag.ContinueOnError)
	audioPath := flags.String("audio", "", "raw audio file to stream after the text check")
	chunkSize := flags.Int("chunk", 3200, "bytes per streamed audio chunk")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.SlogLevel(),
		TimeFormat: time.RFC3339,
	}))

	metrics := observability.NewMetrics()
	if cfg.MetricsAddr != "" {
		go func() {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
				logger.Error("metrics server exited", "error", err)
			}
		}()
	}

	text := strings.Join(flags.Args(), " ")
	if text == "" {
		text = "Hello, this is a test message for child safety analysis."
	}

	fmt.Printf("Testing SafeNest SDK against %s...\n", cfg.BaseURL)
	fmt.Printf("API Key: %s...\n", cfg.APIKey[:min(len(cfg.APIKey), 10)])

	client, err := safenest.New(
		safenest.WithAPIKey(cfg.APIKey),
		safenest.WithBaseURL(cfg.BaseURL),
		safenest.WithStreamURL(cfg.StreamURL),
		safenest.WithTimeout(cfg.Timeout),
		safenest.WithRetryConfig(safenest.RetryConfig{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.RetryDelay,
			MaxInterval:     30 * time.Second,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				metrics.ObserveRetry(err)
				logger.Warn("retrying", "attempt", attempt, "delay", delay, "error", err)
			},
		}),
		safenest.WithLogger(logger),
		safenest.WithObserver(metrics.ObserveRequest),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create client: %v\n", err)
		return 1
	}
	defer client.Close()
	client.CloseOnExit()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Printf("\nAnalyzing: %q\n", text)
	result, err := client.DetectBullying(ctx, safenest.NewDetectBullyingRequestBuilder().
		Content(text).
		IncludeEvidence(true).
		Build())
	if err != nil {
		reportError(err)
		printMetadata(client.LastResponse())
		return 1
	}

	fmt.Printf("\nBullying: %t (severity %s, risk %.2f, confidence %.2f)\n",
		result.IsBullying, result.Severity, result.RiskScore, result.Confidence)
	if result.Rationale != "" {
		fmt.Printf("Rationale: %s\n", result.Rationale)
	}
	if result.RecommendedAction != "" {
		fmt.Printf("Recommended action: %s\n", result.RecommendedAction)
	}
	for _, ev := range result.Evidence {
		fmt.Printf("  • %q %s\n", ev.Text, ev.Tactic)
	}
	printMetadata(client.LastResponse())

	if *audioPath != "" {
		if err := streamFile(ctx, client, metrics, *audioPath, *chunkSize); err != nil {
			reportError(err)
			return 1
		}
	}

	fmt.Printf("\nSDK test completed successfully!\n")
	return 0
}

func streamFile(ctx context.Context, client *safenest.Client, metrics *observability.Metrics, path string, chunkSize int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	session, err := client.OpenStream(ctx, safenest.StreamConfig{
		StreamSettings: safenest.StreamSettings{
			Interval:      5 * time.Second,
			AnalysisTypes: []safenest.AnalysisType{safenest.AnalysisBullying, safenest.AnalysisUnsafe},
		},
		Handlers: safenest.StreamHandlers{
			OnReady: func(e safenest.ReadyEvent) {
				metrics.ObserveStreamEvent(safenest.EventReady)
				fmt.Printf("\nStream ready (session %s)\n", e.SessionID)
			},
			OnTranscription: func(e safenest.TranscriptionEvent) {
				metrics.ObserveStreamEvent(safenest.EventTranscription)
				fmt.Printf("  > %s\n", e.Text)
			},
			OnAlert: func(e safenest.AlertEvent) {
				metrics.ObserveStreamEvent(safenest.EventAlert)
				fmt.Printf("  ! %s alert (%s, risk %.2f): %s\n", e.Category, e.Severity, e.RiskScore, e.Rationale)
			},
			OnStateChange: metrics.ObserveStreamState,
		},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if err := session.SendAudio(buf[:n]); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	summary, err := session.End(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nSession summary: risk %s (%.2f), %d alerts, %.1fs\n",
		summary.OverallRisk, summary.OverallRiskScore, summary.TotalAlerts, summary.DurationSeconds)
	fmt.Printf("Transcript: %s\n", summary.Transcript)
	return nil
}

func reportError(err error) {
	var apiErr *safenest.Error
	if !errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "\nRequest failed: %v\n", err)
		return
	}

	fmt.Fprintf(os.Stderr, "\nRequest failed (%s): %s\n", apiErr.Kind, apiErr.Message)
	if apiErr.Code != "" {
		fmt.Fprintf(os.Stderr, "   Code: %s\n", apiErr.Code)
	}
	if apiErr.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "   Suggestion: %s\n", apiErr.Suggestion)
	}
	for _, link := range apiErr.Links {
		fmt.Fprintf(os.Stderr, "   See: %s\n", link)
	}
	switch {
	case errors.Is(err, safenest.ErrAuthentication):
		fmt.Fprintf(os.Stderr, "   Check SAFENEST_API_KEY.\n")
	case errors.Is(err, safenest.ErrQuotaExceeded):
		fmt.Fprintf(os.Stderr, "   The monthly quota is used up.\n")
	case errors.Is(err, safenest.ErrRateLimit):
		fmt.Fprintf(os.Stderr, "   Rate limited, retry after %s.\n", apiErr.RetryAfter)
	}
}

func printMetadata(md *safenest.ResponseMetadata) {
	if md == nil {
		return
	}
	fmt.Printf("\nRequest ID: %s (HTTP %d, %s)\n", md.RequestID, md.StatusCode, md.Latency.Round(time.Millisecond))
	if md.Usage != nil {
		fmt.Printf("Monthly usage: %d/%d (%d remaining)\n", md.Usage.Used, md.Usage.Limit, md.Usage.Remaining)
	}
	if md.RateLimit != nil {
		fmt.Printf("Rate limit: %d/%d remaining\n", md.RateLimit.Remaining, md.RateLimit.Limit)
	}
	if md.UsageWarning != "" {
		fmt.Printf("Warning: %s\n", md.UsageWarning)
	}
}
