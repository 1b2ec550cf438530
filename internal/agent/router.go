package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/campuscompanion/companion/internal/gateway"
	"github.com/campuscompanion/companion/internal/metrics"
)

const (
	// DefaultClassifierTimeout bounds the classification call.
	DefaultClassifierTimeout = 10 * time.Second

	// DefaultMinConfidence is the lowest classifier confidence acted upon.
	DefaultMinConfidence = 0.3

	keywordConfidence = 0.7
	defaultConfidence = 0.6

	classifierMaxTokens   = 150
	classifierTemperature = 0.1

	// missingConfidence is assumed when the classifier omits the field.
	missingConfidence = 0.7
)

// ErrNoJSONObject is returned when a model reply holds no JSON object.
var ErrNoJSONObject = errors.New("no JSON object in model reply")

// Router classifies a request into one role of a domain.
type Router struct {
	client        gateway.Client
	model         string
	timeout       time.Duration
	minConfidence float64
	logger        *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithClassifierModel overrides the classification model.
func WithClassifierModel(model string) RouterOption {
	return func(r *Router) { r.model = model }
}

// WithClassifierTimeout overrides the classification deadline.
func WithClassifierTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.timeout = d }
}

// WithMinConfidence sets the threshold below which the keyword fallback wins.
func WithMinConfidence(v float64) RouterOption {
	return func(r *Router) { r.minConfidence = v }
}

// WithRouterLogger sets the logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router. A nil client routes by keywords only.
func NewRouter(client gateway.Client, opts ...RouterOption) *Router {
	r := &Router{
		client:        client,
		model:         ModelFast,
		timeout:       DefaultClassifierTimeout,
		minConfidence: DefaultMinConfidence,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route returns a decision whose role belongs to d and whose confidence lies in
// [0,1]. It never fails: classifier errors, timeouts, panics, malformed replies
// and unknown labels all resolve through the keyword fallback, which makes no
// upstream call.
func (r *Router) Route(ctx context.Context, d *Domain, query, hint string) RoutingDecision {
	decision := r.route(ctx, d, query, hint)
	metrics.RoutingDecisions.WithLabelValues(d.Name, string(decision.SelectedAgent), decision.Path).Inc()
	return decision
}

func (r *Router) route(ctx context.Context, d *Domain, query, hint string) RoutingDecision {
	if len(d.Roles) == 1 {
		return RoutingDecision{
			SelectedAgent: d.Default,
			Confidence:    1,
			Reason:        "single agent pipeline",
			Path:          PathSingle,
		}
	}
	if r == nil || r.client == nil {
		return KeywordRoute(d, query, hint)
	}

	decision, err := r.classify(ctx, d, query, hint)
	if err != nil {
		r.logger.Warn("Classifier failed, using keyword routing",
			"pipeline", d.Name,
			"error", err,
		)
		return KeywordRoute(d, query, hint)
	}
	if decision.Confidence < r.minConfidence {
		r.logger.Info("Classifier confidence below threshold, using keyword routing",
			"pipeline", d.Name,
			"agent", decision.SelectedAgent,
			"confidence", decision.Confidence,
			"min_confidence", r.minConfidence,
		)
		return KeywordRoute(d, query, hint)
	}
	return decision
}

type classifierReply struct {
	SelectedAgent string   `json:"selected_agent"`
	Confidence    *float64 `json:"confidence"`
	Reason        string   `json:"reason"`
}

func (r *Router) classify(ctx context.Context, d *Domain, query, hint string) (decision RoutingDecision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("classifier panic: %v", p)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	user := "Query: " + query
	if c := strings.TrimSpace(hint); c != "" {
		user += "\nContext: " + c
	}
	text, err := r.client.Complete(ctx, gateway.CompletionRequest{
		Model: r.model,
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: classifierPrompt(d)},
			{Role: gateway.RoleUser, Content: user},
		},
		MaxTokens:   classifierMaxTokens,
		Temperature: classifierTemperature,
		JSONMode:    true,
	})
	if err != nil {
		return RoutingDecision{}, fmt.Errorf("classify: %w", err)
	}
	return ParseClassifierReply(d, text)
}

// ParseClassifierReply decodes {selected_agent, confidence, reason}. The label
// must be declared in d. Confidence is clamped to [0,1].
func ParseClassifierReply(d *Domain, text string) (RoutingDecision, error) {
	raw, err := ExtractJSONObject(text)
	if err != nil {
		return RoutingDecision{}, err
	}
	var reply classifierReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return RoutingDecision{}, fmt.Errorf("decode classifier reply: %w", err)
	}
	role, ok := d.ParseRole(reply.SelectedAgent)
	if !ok {
		return RoutingDecision{}, fmt.Errorf("classifier selected %q: %w", reply.SelectedAgent, ErrUnknownRole)
	}

	confidence := missingConfidence
	if reply.Confidence != nil {
		confidence = *reply.Confidence
	}
	reason := strings.TrimSpace(reply.Reason)
	if reason == "" {
		reason = "classified by model"
	}
	return RoutingDecision{
		SelectedAgent: role,
		Confidence:    clamp01(confidence),
		Reason:        reason,
		Path:          PathClassifier,
	}, nil
}

// KeywordRoute is the deterministic fallback. The first rule with a matching
// term wins; otherwise the domain default is chosen.
func KeywordRoute(d *Domain, query, hint string) RoutingDecision {
	text := strings.ToLower(query)
	if decision, ok := matchKeywords(d, text); ok {
		return decision
	}
	if c := strings.ToLower(strings.TrimSpace(hint)); c != "" {
		if decision, ok := matchKeywords(d, c); ok {
			return decision
		}
	}
	return RoutingDecision{
		SelectedAgent: d.Default,
		Confidence:    defaultConfidence,
		Reason:        "default routing",
		Path:          PathDefault,
	}
}

func matchKeywords(d *Domain, text string) (RoutingDecision, bool) {
	for _, rule := range d.Keywords {
		for _, term := range rule.Terms {
			if containsTerm(text, term) {
				return RoutingDecision{
					SelectedAgent: rule.Role,
					Confidence:    keywordConfidence,
					Reason:        fmt.Sprintf("keyword-based routing (matched %q)", term),
					Path:          PathKeyword,
				}, true
			}
		}
	}
	return RoutingDecision{}, false
}

// containsTerm matches term at a word start, allowing a plural suffix, so
// "due" does not match "procedure" while "deadline" matches "deadlines".
func containsTerm(text, term string) bool {
	if term == "" {
		return false
	}
	for from := 0; from < len(text); {
		i := strings.Index(text[from:], term)
		if i < 0 {
			return false
		}
		start := from + i
		if (start == 0 || !isWordByte(text[start-1])) && atWordEnd(text[start+len(term):]) {
			return true
		}
		from = start + 1
	}
	return false
}

func atWordEnd(rest string) bool {
	for _, suffix := range []string{"", "s", "es"} {
		if !strings.HasPrefix(rest, suffix) {
			continue
		}
		if r := rest[len(suffix):]; r == "" || !isWordByte(r[0]) {
			return true
		}
	}
	return false
}

func isWordByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func classifierPrompt(d *Domain) string {
	var b strings.Builder
	b.WriteString("You route student requests to the best specialist agent.\n")
	b.WriteString("Valid agents:\n")
	for _, spec := range d.Roles {
		fmt.Fprintf(&b, "- %s: %s\n", spec.Role, spec.Description)
	}
	b.WriteString("\nReply with exactly one JSON object and nothing else:\n")
	b.WriteString(`{"selected_agent": "<one of the agent names above>", "confidence": <number between 0 and 1>, "reason": "<short reason>"}`)
	return b.String()
}

// ExtractJSONObject strips code fences and returns the outermost {...} span
// of a model reply.
func ExtractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", ErrNoJSONObject
	}
	return text[start : end+1], nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
