// Package vision analyses study images: it routes the request to a vision
// agent, asks for a structured JSON answer and unifies the result.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/domain"
	"github.com/campuscompanion/companion/internal/gateway"
	"github.com/campuscompanion/companion/internal/metrics"
)

// DefaultMaxImageBytes caps the decoded image size.
const DefaultMaxImageBytes = 20 << 20

// Request is one image analysis request.
type Request struct {
	// Image is base64, optionally as a data URL.
	Image           string `json:"image"`
	Context         string `json:"context,omitempty"`
	AnalysisType    string `json:"analysis_type,omitempty"`
	EnhanceOCR      bool   `json:"enhance_ocr,omitempty"`
	ExtractFormulas bool   `json:"extract_formulas,omitempty"`
	// DetailLevel is low, high or auto.
	DetailLevel string                 `json:"detail_level,omitempty"`
	Student     *domain.StudentContext `json:"-"`
	UserName    string                 `json:"-"`
}

// ExtractedData is the structured part of an analysis.
type ExtractedData struct {
	Text             string   `json:"text"`
	Formulas         []string `json:"formulas,omitempty"`
	KeyConcepts      []string `json:"key_concepts"`
	StudySuggestions []string `json:"study_suggestions"`
	Subject          string   `json:"subject"`
}

// Result is the vision endpoint payload.
type Result struct {
	Success        bool                  `json:"success"`
	Analysis       string                `json:"analysis"`
	RawAnalysis    string                `json:"raw_analysis"`
	Routing        agent.RoutingDecision `json:"routing"`
	ExtractedData  ExtractedData         `json:"extracted_data"`
	ModelUsed      string                `json:"model_used"`
	ProcessingType agent.ProcessingType  `json:"processing_type"`
}

// structuredAnalysis is the JSON shape requested from the model.
type structuredAnalysis struct {
	Analysis         string   `json:"analysis"`
	Text             string   `json:"text"`
	Formulas         []string `json:"formulas"`
	KeyConcepts      []string `json:"key_concepts"`
	StudySuggestions []string `json:"study_suggestions"`
	Subject          string   `json:"subject"`
}

const schemaInstructions = `Reply with a single JSON object with these fields:
{"analysis": "<markdown explanation for the student>",
 "text": "<text visible in the image>",
 "formulas": ["<LaTeX formula>", ...],
 "key_concepts": ["<concept>", ...],
 "study_suggestions": ["<suggestion>", ...],
 "subject": "<academic subject>"}
Use empty strings or empty lists for anything not present in the image.`

// Service runs the vision pipeline.
type Service struct {
	client   gateway.Client
	router   *agent.Router
	unifier  *agent.Unifier
	maxBytes int64
	logger   *slog.Logger
}

// NewService creates a vision service. A nil unifier skips unification.
func NewService(client gateway.Client, router *agent.Router, unifier *agent.Unifier, maxBytes int64, logger *slog.Logger) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	if router == nil {
		router = agent.NewRouter(client, agent.WithRouterLogger(logger))
	}
	return &Service{client: client, router: router, unifier: unifier, maxBytes: maxBytes, logger: logger}
}

// DecodeImage decodes a base64 payload or data URL, rejecting anything over
// maxBytes or not an image before it is fully decoded where possible.
func DecodeImage(payload string, maxBytes int64) ([]byte, string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, "", &agent.ValidationError{Field: "image", Message: "An image is required."}
	}
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, "", &agent.ValidationError{Field: "image", Message: "The image data URL is malformed."}
		}
		payload = payload[comma+1:]
	}
	tooLarge := &agent.ValidationError{
		Field:   "image",
		Message: fmt.Sprintf("The image is too large (maximum %d MB).", maxBytes>>20),
	}
	if int64(base64.StdEncoding.DecodedLen(len(payload)))-2 > maxBytes {
		return nil, "", tooLarge
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
	}
	if err != nil {
		return nil, "", &agent.ValidationError{Field: "image", Message: "The image is not valid base64."}
	}
	if int64(len(data)) > maxBytes {
		return nil, "", tooLarge
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return nil, "", &agent.ValidationError{Field: "image", Message: "The file is not a supported image."}
	}
	return data, mime, nil
}

// Analyze validates, routes and analyses one image. Validation problems are
// returned as *agent.ValidationError before any upstream call. Upstream
// failures are absorbed into an unsuccessful but well-formed Result.
func (s *Service) Analyze(ctx context.Context, req Request) (Result, error) {
	data, mime, err := DecodeImage(req.Image, s.maxBytes)
	if err != nil {
		return Result{ProcessingType: agent.ProcessingValidationError}, err
	}

	decision := s.decide(ctx, req)
	prompt, err := agent.BuildPrompt(agent.VisionDomain, decision.SelectedAgent, visionQuery(req), req.Context, req.Student)
	if err != nil {
		return Result{}, fmt.Errorf("vision prompt: %w", err)
	}

	call := gateway.CompletionRequest{
		Model: prompt.Model,
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: prompt.SystemPrompt + "\n" + optionInstructions(req) + schemaInstructions},
			{
				Role:    gateway.RoleUser,
				Content: prompt.Query,
				Images: []gateway.Image{{
					URL:    "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
					Detail: detailLevel(req.DetailLevel),
				}},
			},
		},
		MaxTokens:   prompt.MaxTokens,
		Temperature: prompt.Temperature,
		JSONMode:    true,
	}

	text, err := s.client.Complete(ctx, call)
	if err != nil || strings.TrimSpace(text) == "" {
		metrics.Fallbacks.WithLabelValues(agent.PipelineVision, string(agent.StageExecuting)).Inc()
		s.logger.Warn("Vision analysis failed",
			"agent", decision.SelectedAgent,
			"error", err,
		)
		return Result{
			Success:        false,
			Analysis:       "I couldn't analyse this image right now. Please try again in a moment.",
			Routing:        decision,
			ModelUsed:      prompt.Model,
			ProcessingType: agent.ProcessingFallback,
			ExtractedData:  ExtractedData{KeyConcepts: []string{}, StudySuggestions: []string{}},
		}, nil
	}

	analysis, extracted := interpret(text)
	if !req.ExtractFormulas {
		extracted.Formulas = nil
	}

	final := analysis
	if s.unifier != nil {
		final = s.unifier.Unify(ctx, agent.AgentResponse{
			Content:    analysis,
			AgentUsed:  decision.SelectedAgent,
			Confidence: decision.Confidence,
		}, prompt.Query, req.UserName)
	}

	return Result{
		Success:        true,
		Analysis:       final,
		RawAnalysis:    analysis,
		Routing:        decision,
		ExtractedData:  extracted,
		ModelUsed:      prompt.Model,
		ProcessingType: agent.ProcessingVision,
	}, nil
}

// decide honours an explicit analysis type and otherwise asks the router.
func (s *Service) decide(ctx context.Context, req Request) agent.RoutingDecision {
	if role, ok := requestedRole(req.AnalysisType); ok {
		return agent.RoutingDecision{
			SelectedAgent: role,
			Confidence:    1,
			Reason:        "requested analysis type " + req.AnalysisType,
			Path:          agent.PathRequested,
		}
	}
	return s.router.Route(ctx, agent.VisionDomain, visionQuery(req), req.Context)
}

func requestedRole(analysisType string) (agent.Role, bool) {
	switch strings.ToLower(strings.TrimSpace(analysisType)) {
	case "formula", "formulas", "math", "equation":
		return agent.RoleFormulaExtractor, true
	case "technical", "diagram", "chart", "code":
		return agent.RoleTechnicalAnalyzer, true
	case "research", "paper":
		return agent.RoleResearcher, true
	case "notes", "study", "document":
		return agent.RoleStudyHelper, true
	default:
		return "", false
	}
}

func visionQuery(req Request) string {
	q := "Analyse this image for my studies."
	if t := strings.TrimSpace(req.AnalysisType); t != "" {
		q = fmt.Sprintf("Analyse this image (%s) for my studies.", t)
	}
	if c := strings.TrimSpace(req.Context); c != "" {
		q += " " + c
	}
	if req.ExtractFormulas {
		q += " Extract any formulas."
	}
	return q
}

func optionInstructions(req Request) string {
	var b strings.Builder
	if req.EnhanceOCR {
		b.WriteString("Transcribe every piece of visible text exactly into \"text\", including handwriting.\n")
	}
	if req.ExtractFormulas {
		b.WriteString("List every formula you can read in \"formulas\" as LaTeX. If there are none, return an empty list.\n")
	}
	if strings.EqualFold(req.DetailLevel, "high") {
		b.WriteString("Give a detailed, thorough analysis.\n")
	}
	return b.String()
}

func detailLevel(level string) string {
	switch strings.ToLower(level) {
	case "low", "high":
		return strings.ToLower(level)
	default:
		return "auto"
	}
}

// interpret prefers the structured reply and falls back to the heuristics.
func interpret(text string) (string, ExtractedData) {
	if raw, err := agent.ExtractJSONObject(text); err == nil {
		var sa structuredAnalysis
		if json.Unmarshal([]byte(raw), &sa) == nil && strings.TrimSpace(sa.Analysis) != "" {
			return sa.Analysis, ExtractedData{
				Text:             sa.Text,
				Formulas:         nonEmpty(sa.Formulas),
				KeyConcepts:      orEmpty(nonEmpty(sa.KeyConcepts)),
				StudySuggestions: orEmpty(nonEmpty(sa.StudySuggestions)),
				Subject:          sa.Subject,
			}
		}
	}

	hints := ParseStructuredHints(text)
	return text, ExtractedData{
		Formulas:         hints.Formulas,
		KeyConcepts:      orEmpty(hints.KeyConcepts),
		StudySuggestions: orEmpty(hints.StudySuggestions),
		Subject:          hints.Subject,
	}
}

func nonEmpty(items []string) []string {
	var out []string
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

func orEmpty(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
