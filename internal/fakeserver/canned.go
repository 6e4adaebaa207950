package fakeserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// flaggedWords make the fake report bullying, unsafe content or an alert.
var flaggedWords = []string{"stupid", "loser", "hate", "hurt", "secret"}

func flagged(text string) []string {
	lower := strings.ToLower(text)
	var hits []string
	for _, w := range flaggedWords {
		if strings.Contains(lower, w) {
			hits = append(hits, w)
		}
	}
	return hits
}

type textRequest struct {
	Text       string `json:"text"`
	ExternalID string `json:"external_id"`
	CustomerID string `json:"customer_id"`
	Messages   []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Audience string `json:"audience"`
}

func decodeText(body []byte) textRequest {
	var req textRequest
	_ = json.Unmarshal(body, &req)
	return req
}

func (t textRequest) allText() string {
	parts := []string{t.Text}
	for _, m := range t.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, " ")
}

func severityFor(hits []string) string {
	switch len(hits) {
	case 0:
		return "low"
	case 1:
		return "medium"
	default:
		return "high"
	}
}

func riskScore(hits []string) float64 {
	score := 0.05 + 0.3*float64(len(hits))
	if score > 0.95 {
		score = 0.95
	}
	return score
}

func cannedBullying(body []byte, _ *http.Request) any {
	req := decodeText(body)
	hits := flagged(req.Text)
	action := "none"
	if len(hits) > 0 {
		action = "flag_for_moderator"
	}
	return map[string]any{
		"is_bullying":        len(hits) > 0,
		"bullying_type":      hits,
		"confidence":         0.9,
		"severity":           severityFor(hits),
		"rationale":          "keyword screen",
		"recommended_action": action,
		"risk_score":         riskScore(hits),
		"external_id":        req.ExternalID,
		"customer_id":        req.CustomerID,
	}
}

func cannedGrooming(body []byte, _ *http.Request) any {
	req := decodeText(body)
	hits := flagged(req.allText())
	risk := "safe"
	if len(hits) > 0 {
		risk = "medium"
	}
	return map[string]any{
		"grooming_risk":      risk,
		"flags":              hits,
		"confidence":         0.8,
		"rationale":          "keyword screen",
		"recommended_action": "monitor",
		"risk_score":         riskScore(hits),
		"external_id":        req.ExternalID,
		"customer_id":        req.CustomerID,
	}
}

func cannedUnsafe(body []byte, _ *http.Request) any {
	req := decodeText(body)
	hits := flagged(req.Text)
	return map[string]any{
		"unsafe":             len(hits) > 0,
		"categories":         hits,
		"severity":           severityFor(hits),
		"confidence":         0.85,
		"risk_score":         riskScore(hits),
		"rationale":          "keyword screen",
		"recommended_action": "none",
		"external_id":        req.ExternalID,
		"customer_id":        req.CustomerID,
	}
}

func cannedEmotions(body []byte, _ *http.Request) any {
	req := decodeText(body)
	dominant := []string{"neutral"}
	if len(flagged(req.allText())) > 0 {
		dominant = []string{"anger", "sadness"}
	}
	return map[string]any{
		"dominant_emotions":    dominant,
		"emotion_scores":       map[string]float64{dominant[0]: 0.7},
		"trend":                "stable",
		"summary":              "canned emotion summary",
		"recommended_followup": "check in later",
	}
}

func cannedActionPlan(body []byte, _ *http.Request) any {
	req := decodeText(body)
	audience := req.Audience
	if audience == "" {
		audience = "parent"
	}
	return map[string]any{
		"audience": audience,
		"steps":    []string{"Listen without judgement", "Save the evidence", "Contact the school"},
		"tone":     "calm",
	}
}

func cannedReport(body []byte, _ *http.Request) any {
	req := decodeText(body)
	hits := flagged(req.allText())
	level := "low"
	if len(hits) > 0 {
		level = "medium"
	}
	return map[string]any{
		"summary":                "canned incident summary",
		"risk_level":             level,
		"categories":             hits,
		"recommended_next_steps": []string{"Document the incident"},
	}
}

func cannedVoice(_ []byte, r *http.Request) any {
	transcript := "this is a canned transcript"
	return map[string]any{
		"transcript": transcript,
		"segments": []map[string]any{
			{"start": 0.0, "end": 2.5, "text": transcript},
		},
		"analysis": map[string]any{
			"bullying": cannedBullying([]byte(`{"text":"`+transcript+`"}`), r),
		},
		"overall_risk_score": 0.05,
		"overall_severity":   "low",
	}
}

func cannedImage(_ []byte, _ *http.Request) any {
	return map[string]any{
		"vision": map[string]any{
			"extracted_text":    "",
			"visual_categories": []string{},
			"visual_severity":   "low",
			"description":       "canned image description",
		},
		"analysis":           map[string]any{},
		"overall_risk_score": 0.0,
		"overall_severity":   "low",
	}
}

func (s *Server) cannedUsage(_ []byte, _ *http.Request) any {
	s.mu.Lock()
	used := s.monthly
	s.mu.Unlock()

	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return map[string]any{
		"tier":         "starter",
		"limit":        10000,
		"used":         used,
		"remaining":    10000 - used,
		"period_start": start,
		"period_end":   start.AddDate(0, 1, 0),
	}
}
