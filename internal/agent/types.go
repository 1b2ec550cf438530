package agent

import (
	"github.com/campuscompanion/companion/internal/domain"
)

// ProcessingType tags how a reply was produced.
type ProcessingType string

const (
	// ProcessingUnified is a routed specialist reply rewritten by the unifier.
	ProcessingUnified ProcessingType = "multi_agent_unified"
	// ProcessingSpecialist is a routed specialist reply returned as is.
	ProcessingSpecialist ProcessingType = "multi_agent_specialist"
	// ProcessingStreaming is a routed reply relayed as a stream.
	ProcessingStreaming ProcessingType = "multi_agent_streaming"
	// ProcessingStreamingPartial is a stream that failed after it started.
	ProcessingStreamingPartial ProcessingType = "multi_agent_streaming_partial"
	// ProcessingFallback is the degraded single call of the error fallback.
	ProcessingFallback ProcessingType = "fallback"
	// ProcessingValidationError marks a rejected request.
	ProcessingValidationError ProcessingType = "validation_error"
	// ProcessingErrorFallback is the client's local apology after every tier failed.
	ProcessingErrorFallback ProcessingType = "error_fallback"
	ProcessingVision        ProcessingType = "vision_analysis"
	ProcessingTranscription ProcessingType = "voice_transcription"
	ProcessingSynthesis     ProcessingType = "voice_synthesis"
)

// Routed reports whether t is one of the successful routed tags.
func (t ProcessingType) Routed() bool {
	switch t {
	case ProcessingUnified, ProcessingSpecialist, ProcessingStreaming:
		return true
	default:
		return false
	}
}

// ApologyMessage is shown when no model could answer.
const ApologyMessage = "I'm having trouble right now. Please try again in a moment."

// Turn is one prior conversation message supplied by the caller.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one assistant request. It lives for a single call.
type Request struct {
	Message     string                 `json:"message"`
	Context     string                 `json:"context,omitempty"`
	History     []Turn                 `json:"history,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	WantsStream bool                   `json:"stream,omitempty"`
	Student     *domain.StudentContext `json:"-"`
	UserName    string                 `json:"-"`
}

// Routing paths record how a decision was reached.
const (
	PathClassifier = "classifier"
	PathKeyword    = "keyword"
	PathDefault    = "default"
	PathFallback   = "fallback"
	PathSingle     = "single"
	PathRequested  = "requested"
)

// RoutingDecision selects the agent for a request. It is computed once per
// request and never changed afterwards.
type RoutingDecision struct {
	SelectedAgent Role    `json:"selected_agent"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason"`
	Path          string  `json:"-"`
}

// AgentResponse is the output of exactly one agent invocation.
type AgentResponse struct {
	Content    string
	AgentUsed  Role
	Confidence float64
}

// Result is what the orchestrator hands to the transport.
type Result struct {
	Response       string          `json:"response"`
	Routing        RoutingDecision `json:"routing"`
	ProcessingType ProcessingType  `json:"processing_type"`
}

// Stage is a step of the per-request state machine.
type Stage string

const (
	StageValidating Stage = "validating"
	StageRouting    Stage = "routing"
	StageExecuting  Stage = "executing"
	StageUnifying   Stage = "unifying"
	StageFallback   Stage = "error_fallback"
	StageDone       Stage = "done"
)
