package agent

import (
	"context"

	"github.com/campuscompanion/companion/internal/gateway"
)

// Processor is the chat pipeline as seen by transports.
type Processor interface {
	// Validate rejects requests before any upstream work.
	Validate(req Request) error

	// Route computes the single routing decision for a request.
	Route(ctx context.Context, req Request) RoutingDecision

	// Handle routes and answers a request synchronously.
	Handle(ctx context.Context, req Request) (Result, error)

	// HandleRouted answers a request with an already computed decision.
	HandleRouted(ctx context.Context, req Request, decision RoutingDecision) (Result, error)

	// PromptFor builds the specialist call for streaming it directly.
	PromptFor(req Request, decision RoutingDecision) (gateway.CompletionRequest, error)

	// Unify rewrites a finished specialist reply. ok is false when text comes
	// back unchanged.
	Unify(ctx context.Context, req Request, decision RoutingDecision, text string) (unified string, ok bool)
}

// Ensure Orchestrator implements Processor.
var _ Processor = (*Orchestrator)(nil)
