package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	"github.com/campuscompanion/companion/internal/gateway"
	"github.com/campuscompanion/companion/internal/metrics"
)

const (
	// DefaultMaxMessageLength is the message bound in characters.
	DefaultMaxMessageLength = 1000
	// DefaultHistoryLimit caps how many prior turns reach the agent.
	DefaultHistoryLimit = 10

	fallbackMaxTokens   = 150
	fallbackTemperature = 0.7
	fallbackConfidence  = 0.5
	fallbackInstruction = "You are a helpful study assistant. Answer briefly and kindly in a few sentences."
)

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	Domain           *Domain
	MaxMessageLength int
	HistoryLimit     int
	Logger           *slog.Logger
}

// Orchestrator sequences routing, agent execution and unification, and turns
// any failure along the way into one degraded completion.
type Orchestrator struct {
	client       gateway.Client
	router       *Router
	unifier      *Unifier
	domain       *Domain
	maxLength    int
	historyLimit int
	logger       *slog.Logger
}

// NewOrchestrator creates an orchestrator. A nil unifier disables unification.
func NewOrchestrator(client gateway.Client, router *Router, unifier *Unifier, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Domain == nil {
		cfg.Domain = ChatDomain
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if router == nil {
		router = NewRouter(client, WithRouterLogger(cfg.Logger))
	}
	return &Orchestrator{
		client:       client,
		router:       router,
		unifier:      unifier,
		domain:       cfg.Domain,
		maxLength:    cfg.MaxMessageLength,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger,
	}
}

// Domain returns the role set the orchestrator routes within.
func (o *Orchestrator) Domain() *Domain {
	return o.domain
}

// Validate rejects empty or over-long messages.
func (o *Orchestrator) Validate(req Request) error {
	if strings.TrimSpace(req.Message) == "" {
		return &ValidationError{Field: "message", Message: "Please enter a question."}
	}
	if utf8.RuneCountInString(req.Message) > o.maxLength {
		return &ValidationError{
			Field:   "message",
			Message: fmt.Sprintf("Please keep your question shorter (maximum %d characters).", o.maxLength),
		}
	}
	return nil
}

// Route computes the request's single routing decision.
func (o *Orchestrator) Route(ctx context.Context, req Request) RoutingDecision {
	return o.router.Route(ctx, o.domain, req.Message, req.Context)
}

// Handle runs the full pipeline. Only validation failures return early with
// a *ValidationError and no upstream call. Every other failure is absorbed
// into the degraded reply; the returned error is non-nil only when that
// degraded call failed too, and the Result still carries a usable response.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Result, error) {
	if err := o.Validate(req); err != nil {
		return Result{ProcessingType: ProcessingValidationError}, err
	}
	return o.run(ctx, req, nil)
}

// HandleRouted runs the pipeline with a decision computed earlier, so the
// request is never classified twice.
func (o *Orchestrator) HandleRouted(ctx context.Context, req Request, decision RoutingDecision) (Result, error) {
	if err := o.Validate(req); err != nil {
		return Result{ProcessingType: ProcessingValidationError}, err
	}
	return o.run(ctx, req, &decision)
}

// PromptFor builds the specialist call for a decided request, for callers that
// stream the agent reply themselves.
func (o *Orchestrator) PromptFor(req Request, decision RoutingDecision) (gateway.CompletionRequest, error) {
	prompt, err := BuildPrompt(o.domain, decision.SelectedAgent, req.Message, req.Context, req.Student)
	if err != nil {
		return gateway.CompletionRequest{}, err
	}
	return prompt.Request(o.history(req.History)), nil
}

// Unify runs the unifier over a reply the caller obtained itself, such as a
// relayed stream, so it ends in the same voice as the synchronous path.
func (o *Orchestrator) Unify(ctx context.Context, req Request, decision RoutingDecision, text string) (string, bool) {
	if o.unifier == nil {
		return text, false
	}
	resp := AgentResponse{Content: text, AgentUsed: decision.SelectedAgent, Confidence: decision.Confidence}
	return o.unifier.TryUnify(ctx, resp, req.Message, req.UserName)
}

func (o *Orchestrator) run(ctx context.Context, req Request, routed *RoutingDecision) (result Result, err error) {
	stage := StageRouting
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("Orchestrator panic",
				"stage", stage,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			result, err = o.degrade(ctx, req, stage, fmt.Errorf("panic: %v", p))
		}
	}()

	var decision RoutingDecision
	if routed != nil {
		decision = *routed
	} else {
		decision = o.Route(ctx, req)
	}

	stage = StageExecuting
	resp, err := o.execute(ctx, req, decision)
	if err != nil {
		return o.degrade(ctx, req, stage, err)
	}

	stage = StageUnifying
	processing := ProcessingSpecialist
	text := resp.Content
	if o.unifier != nil {
		if unified, ok := o.unifier.TryUnify(ctx, resp, req.Message, req.UserName); ok {
			text = unified
			processing = ProcessingUnified
		}
	}

	o.logger.Debug("Request handled",
		"pipeline", o.domain.Name,
		"agent", decision.SelectedAgent,
		"path", decision.Path,
		"processing_type", processing,
	)
	return Result{Response: text, Routing: decision, ProcessingType: processing}, nil
}

func (o *Orchestrator) execute(ctx context.Context, req Request, decision RoutingDecision) (AgentResponse, error) {
	call, err := o.PromptFor(req, decision)
	if err != nil {
		return AgentResponse{}, err
	}
	text, err := o.client.Complete(ctx, call)
	if err != nil {
		return AgentResponse{}, fmt.Errorf("agent %s: %w", decision.SelectedAgent, err)
	}
	if strings.TrimSpace(text) == "" {
		return AgentResponse{}, fmt.Errorf("agent %s: %w", decision.SelectedAgent, gateway.ErrEmptyCompletion)
	}
	return AgentResponse{Content: text, AgentUsed: decision.SelectedAgent, Confidence: decision.Confidence}, nil
}

// degrade is the ErrorFallback state: one short call on the default role's
// model with a minimal prompt.
func (o *Orchestrator) degrade(ctx context.Context, req Request, stage Stage, cause error) (Result, error) {
	metrics.Fallbacks.WithLabelValues(o.domain.Name, string(stage)).Inc()
	o.logger.Warn("Pipeline failed, using degraded reply",
		"pipeline", o.domain.Name,
		"stage", stage,
		"error", cause,
	)

	result := Result{
		Routing: RoutingDecision{
			SelectedAgent: o.domain.Default,
			Confidence:    fallbackConfidence,
			Reason:        "fallback",
			Path:          PathFallback,
		},
		ProcessingType: ProcessingFallback,
	}

	text, err := o.fallbackCall(ctx, req)
	if err != nil {
		o.logger.Error("Degraded reply failed",
			"pipeline", o.domain.Name,
			"error", err,
		)
		result.Response = ApologyMessage
		return result, fmt.Errorf("degraded reply after %s failure (%v): %w", stage, cause, err)
	}
	result.Response = text
	return result, nil
}

func (o *Orchestrator) fallbackCall(ctx context.Context, req Request) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("fallback panic: %v", p)
		}
	}()
	if o.client == nil {
		return "", fmt.Errorf("no model client configured")
	}
	text, err = o.client.Complete(ctx, gateway.CompletionRequest{
		Model: o.domain.Profile(o.domain.Default).Model,
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: fallbackInstruction},
			{Role: gateway.RoleUser, Content: req.Message},
		},
		MaxTokens:   fallbackMaxTokens,
		Temperature: fallbackTemperature,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", gateway.ErrEmptyCompletion
	}
	return text, nil
}

// history keeps the last historyLimit user and assistant turns.
func (o *Orchestrator) history(turns []Turn) []Turn {
	kept := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role != gateway.RoleUser && t.Role != gateway.RoleAssistant {
			continue
		}
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) > o.historyLimit {
		kept = kept[len(kept)-o.historyLimit:]
	}
	return kept
}
