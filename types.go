package safenest

import (
	"strconv"
	"time"
)

// Severity is how serious a detected harm is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// RiskLevel is the overall risk verdict for a piece of content or a session.
type RiskLevel string

const (
	RiskLevelSafe     RiskLevel = "safe"
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// String returns the string representation of the risk level.
func (r RiskLevel) String() string {
	return string(r)
}

// AnalysisType selects which analyses run on voice, image and streamed content.
type AnalysisType string

const (
	AnalysisBullying AnalysisType = "bullying"
	AnalysisUnsafe   AnalysisType = "unsafe"
	AnalysisGrooming AnalysisType = "grooming"
	AnalysisEmotions AnalysisType = "emotions"
	// AnalysisAll runs every analysis the account's tier allows.
	AnalysisAll AnalysisType = "all"
)

func (t AnalysisType) valid() bool {
	switch t {
	case AnalysisBullying, AnalysisUnsafe, AnalysisGrooming, AnalysisEmotions, AnalysisAll:
		return true
	default:
		return false
	}
}

// Audience is who guidance is written for.
type Audience string

const (
	AudienceChild    Audience = "child"
	AudienceParent   Audience = "parent"
	AudienceEducator Audience = "educator"
	AudiencePlatform Audience = "platform"
)

// AnalysisContext gives the API extra information about where the content comes from. All
// fields are optional.
type AnalysisContext struct {
	Language     string `json:"language,omitempty"`
	AgeGroup     string `json:"age_group,omitempty"`
	Relationship string `json:"relationship,omitempty"`
	Platform     string `json:"platform,omitempty"`
}

// Tracking fields are echoed back in responses and in webhooks so results can be tied to your
// own records.
type Tracking struct {
	// ExternalID is your identifier for the content.
	ExternalID string `json:"external_id,omitempty"`
	// CustomerID is your identifier for the end user or tenant.
	CustomerID string `json:"customer_id,omitempty"`
	// Metadata is attached to the analysis as-is.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message is a single message of a conversation.
type Message struct {
	// Role is who sent the message, e.g. "child", "adult" or "unknown".
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// DetectBullyingRequest is the request type for the DetectBullying method.
type DetectBullyingRequest struct {
	Content string           `json:"text"`
	Context *AnalysisContext `json:"context,omitempty"`
	// IncludeEvidence asks the API to quote the passages that drove the verdict.
	IncludeEvidence bool `json:"include_evidence,omitempty"`
	Tracking
}

// BullyingResult is the result of a bullying detection.
type BullyingResult struct {
	IsBullying        bool       `json:"is_bullying"`
	BullyingType      []string   `json:"bullying_type"`
	Confidence        float64    `json:"confidence"`
	Severity          Severity   `json:"severity"`
	Rationale         string     `json:"rationale"`
	RecommendedAction string     `json:"recommended_action"`
	RiskScore         float64    `json:"risk_score"`
	Evidence          []Evidence `json:"evidence,omitempty"`
	ExternalID        string     `json:"external_id,omitempty"`
	CustomerID        string     `json:"customer_id,omitempty"`
}

// Evidence is a passage of the input that contributed to a verdict.
type Evidence struct {
	Text   string  `json:"text"`
	Tactic string  `json:"tactic,omitempty"`
	Weight float64 `json:"weight,omitempty"`
}

// DetectGroomingRequest is the request type for the DetectGrooming method.
type DetectGroomingRequest struct {
	Messages []Message `json:"messages"`
	// ChildAge is the age of the child in the conversation, if known. Zero means unknown.
	ChildAge int              `json:"child_age,omitempty"`
	Context  *AnalysisContext `json:"context,omitempty"`
	Tracking
}

// GroomingResult is the result of a grooming detection.
type GroomingResult struct {
	GroomingRisk      RiskLevel  `json:"grooming_risk"`
	Flags             []string   `json:"flags"`
	Confidence        float64    `json:"confidence"`
	Rationale         string     `json:"rationale"`
	RecommendedAction string     `json:"recommended_action"`
	RiskScore         float64    `json:"risk_score"`
	Evidence          []Evidence `json:"evidence,omitempty"`
	ExternalID        string     `json:"external_id,omitempty"`
	CustomerID        string     `json:"customer_id,omitempty"`
}

// DetectUnsafeRequest is the request type for the DetectUnsafe method.
type DetectUnsafeRequest struct {
	Content string           `json:"text"`
	Context *AnalysisContext `json:"context,omitempty"`
	Tracking
}

// UnsafeResult is the result of an unsafe content detection (self-harm, violence, explicit
// material and similar).
type UnsafeResult struct {
	Unsafe            bool     `json:"unsafe"`
	Categories        []string `json:"categories"`
	Severity          Severity `json:"severity"`
	Confidence        float64  `json:"confidence"`
	RiskScore         float64  `json:"risk_score"`
	Rationale         string   `json:"rationale"`
	RecommendedAction string   `json:"recommended_action"`
	ExternalID        string   `json:"external_id,omitempty"`
	CustomerID        string   `json:"customer_id,omitempty"`
}

// AnalyzeEmotionsRequest is the request type for the AnalyzeEmotions method. Set either Content
// or Messages.
type AnalyzeEmotionsRequest struct {
	Content  string           `json:"text,omitempty"`
	Messages []Message        `json:"messages,omitempty"`
	Context  *AnalysisContext `json:"context,omitempty"`
	Tracking
}

// EmotionsResult is the result of an emotion analysis.
type EmotionsResult struct {
	DominantEmotions    []string           `json:"dominant_emotions"`
	EmotionScores       map[string]float64 `json:"emotion_scores"`
	Trend               string             `json:"trend"`
	Summary             string             `json:"summary"`
	RecommendedFollowup string             `json:"recommended_followup"`
}

// ActionPlanRequest is the request type for the GetActionPlan method.
type ActionPlanRequest struct {
	Situation string   `json:"situation"`
	ChildAge  int      `json:"child_age,omitempty"`
	Audience  Audience `json:"audience,omitempty"`
	Severity  Severity `json:"severity,omitempty"`
	Tracking
}

// ActionPlan is step by step guidance for responding to an incident.
type ActionPlan struct {
	Audience     Audience `json:"audience"`
	Steps        []string `json:"steps"`
	Tone         string   `json:"tone"`
	ReadingLevel string   `json:"reading_level,omitempty"`
}

// IncidentReportRequest is the request type for the GenerateReport method.
type IncidentReportRequest struct {
	Messages []Message `json:"messages"`
	ChildAge int       `json:"child_age,omitempty"`
	// IncidentType is a free-form label such as "bullying" or "grooming".
	IncidentType string     `json:"incident_type,omitempty"`
	OccurredAt   *time.Time `json:"occurred_at,omitempty"`
	Tracking
}

// IncidentReport is a structured summary of an incident suitable for sharing with a school,
// a platform or law enforcement.
type IncidentReport struct {
	Summary              string    `json:"summary"`
	RiskLevel            RiskLevel `json:"risk_level"`
	Categories           []string  `json:"categories"`
	RecommendedNextSteps []string  `json:"recommended_next_steps"`
}

// VoiceAnalysisRequest is the request type for the AnalyzeVoice method.
type VoiceAnalysisRequest struct {
	// Audio is the encoded audio file (wav, mp3, m4a, ogg, webm).
	Audio []byte
	// Filename is sent with the upload so the API can infer the format.
	Filename     string
	AnalysisType AnalysisType
	ChildAge     int
	Language     string
	Tracking
}

func (r *VoiceAnalysisRequest) fields() map[string]string {
	fields := map[string]string{
		"analysis_type": string(r.AnalysisType),
		"language":      r.Language,
		"external_id":   r.ExternalID,
		"customer_id":   r.CustomerID,
	}
	if r.ChildAge > 0 {
		fields["child_age"] = strconv.Itoa(r.ChildAge)
	}
	return fields
}

// TranscriptSegment is a timed piece of a transcript. Start and End are offsets in seconds from
// the start of the audio.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// MediaAnalysis holds whichever analyses ran on an uploaded file.
type MediaAnalysis struct {
	Bullying *BullyingResult `json:"bullying,omitempty"`
	Unsafe   *UnsafeResult   `json:"unsafe,omitempty"`
	Grooming *GroomingResult `json:"grooming,omitempty"`
	Emotions *EmotionsResult `json:"emotions,omitempty"`
}

// VoiceAnalysisResult is the result of a voice analysis.
type VoiceAnalysisResult struct {
	Transcript       string              `json:"transcript"`
	Segments         []TranscriptSegment `json:"segments"`
	Analysis         MediaAnalysis       `json:"analysis"`
	OverallRiskScore float64             `json:"overall_risk_score"`
	OverallSeverity  Severity            `json:"overall_severity"`
}

// ImageAnalysisRequest is the request type for the AnalyzeImage method.
type ImageAnalysisRequest struct {
	Image        []byte
	Filename     string
	AnalysisType AnalysisType
	Tracking
}

func (r *ImageAnalysisRequest) fields() map[string]string {
	return map[string]string{
		"analysis_type": string(r.AnalysisType),
		"external_id":   r.ExternalID,
		"customer_id":   r.CustomerID,
	}
}

// VisionResult is what the API saw in an image.
type VisionResult struct {
	ExtractedText    string   `json:"extracted_text"`
	VisualCategories []string `json:"visual_categories"`
	VisualSeverity   Severity `json:"visual_severity"`
	Description      string   `json:"description"`
}

// ImageAnalysisResult is the result of an image analysis.
type ImageAnalysisResult struct {
	Vision           VisionResult  `json:"vision"`
	Analysis         MediaAnalysis `json:"analysis"`
	OverallRiskScore float64       `json:"overall_risk_score"`
	OverallSeverity  Severity      `json:"overall_severity"`
}

// Usage is the account's usage for the current billing period.
type Usage struct {
	Tier        string    `json:"tier"`
	Limit       int       `json:"limit"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// DetectBullyingRequestBuilder is a convenience for building a DetectBullyingRequest.
type DetectBullyingRequestBuilder struct {
	req DetectBullyingRequest
}

// NewDetectBullyingRequestBuilder creates a new DetectBullyingRequestBuilder.
func NewDetectBullyingRequestBuilder() *DetectBullyingRequestBuilder {
	return &DetectBullyingRequestBuilder{}
}

// Content sets the text to analyze.
func (b *DetectBullyingRequestBuilder) Content(content string) *DetectBullyingRequestBuilder {
	b.req.Content = content
	return b
}

// Context sets the analysis context.
func (b *DetectBullyingRequestBuilder) Context(ctx AnalysisContext) *DetectBullyingRequestBuilder {
	b.req.Context = &ctx
	return b
}

// IncludeEvidence asks for evidence passages in the result.
func (b *DetectBullyingRequestBuilder) IncludeEvidence(include bool) *DetectBullyingRequestBuilder {
	b.req.IncludeEvidence = include
	return b
}

// ExternalID sets your identifier for the content.
func (b *DetectBullyingRequestBuilder) ExternalID(id string) *DetectBullyingRequestBuilder {
	b.req.ExternalID = id
	return b
}

// CustomerID sets your identifier for the end user.
func (b *DetectBullyingRequestBuilder) CustomerID(id string) *DetectBullyingRequestBuilder {
	b.req.CustomerID = id
	return b
}

// Build returns the request.
func (b *DetectBullyingRequestBuilder) Build() *DetectBullyingRequest {
	req := b.req
	return &req
}

// DetectGroomingRequestBuilder is a convenience for building a DetectGroomingRequest.
type DetectGroomingRequestBuilder struct {
	req DetectGroomingRequest
}

// NewDetectGroomingRequestBuilder creates a new DetectGroomingRequestBuilder.
func NewDetectGroomingRequestBuilder() *DetectGroomingRequestBuilder {
	return &DetectGroomingRequestBuilder{}
}

// AddMessage appends a message to the conversation.
func (b *DetectGroomingRequestBuilder) AddMessage(role, content string) *DetectGroomingRequestBuilder {
	b.req.Messages = append(b.req.Messages, Message{Role: role, Content: content})
	return b
}

// ChildAge sets the age of the child in the conversation.
func (b *DetectGroomingRequestBuilder) ChildAge(age int) *DetectGroomingRequestBuilder {
	b.req.ChildAge = age
	return b
}

// Context sets the analysis context.
func (b *DetectGroomingRequestBuilder) Context(ctx AnalysisContext) *DetectGroomingRequestBuilder {
	b.req.Context = &ctx
	return b
}

// ExternalID sets your identifier for the conversation.
func (b *DetectGroomingRequestBuilder) ExternalID(id string) *DetectGroomingRequestBuilder {
	b.req.ExternalID = id
	return b
}

// Build returns the request.
func (b *DetectGroomingRequestBuilder) Build() *DetectGroomingRequest {
	req := b.req
	req.Messages = append([]Message(nil), b.req.Messages...)
	return &req
}
