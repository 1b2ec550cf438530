package api

import (
	"errors"
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/identity"
	"github.com/campuscompanion/companion/internal/voice"
)

// Voice actions.
const (
	ActionTranscribe = "transcribe"
	ActionSynthesize = "synthesize"
)

// VoiceRequest is the voice endpoint body. Action selects which of the two
// embedded requests is used.
type VoiceRequest struct {
	Action string `json:"action"`
	voice.TranscribeRequest
	voice.SynthesizeRequest
}

// TranscribeResponse is the transcription reply.
type TranscribeResponse struct {
	voice.TranscribeResult
	Timestamp string `json:"timestamp"`
}

// SynthesizeResponse is the speech synthesis reply.
type SynthesizeResponse struct {
	voice.SynthesizeResult
	Timestamp string `json:"timestamp"`
}

// Voice handles POST /api/voice.
func (h *Handler) Voice(w http.ResponseWriter, r *http.Request) {
	var req VoiceRequest
	if !decodeBody(w, r, base64BodyLimit(h.maxAudioBytes), &req) {
		return
	}

	ctx := r.Context()
	h.logger.Info("Voice request",
		"user_id", identity.UserIDFromContext(ctx),
		"request_id", chiMiddleware.GetReqID(ctx),
		"action", req.Action,
	)

	switch req.Action {
	case ActionTranscribe:
		h.transcribe(w, r, req.TranscribeRequest)
	case ActionSynthesize:
		h.synthesize(w, r, req.SynthesizeRequest)
	default:
		ErrorWithType(w, http.StatusBadRequest, agent.ProcessingValidationError,
			`Action must be "transcribe" or "synthesize".`)
	}
}

func (h *Handler) transcribe(w http.ResponseWriter, r *http.Request, req voice.TranscribeRequest) {
	ctx := r.Context()
	req.Student, _ = h.studentFor(ctx, identity.UserFromContext(ctx))

	result, err := h.voice.Transcribe(ctx, req)
	if err != nil {
		if agent.IsValidation(err) {
			rejectInvalid(w, err)
			return
		}
		h.logger.Error("Transcription failed", "request_id", chiMiddleware.GetReqID(ctx), "error", err)
		ErrorWithType(w, http.StatusBadGateway, agent.ProcessingTranscription,
			"Speech recognition is unavailable right now. Please try again.")
		return
	}
	w.Header().Set("X-Processing-Type", string(result.ProcessingType))
	JSON(w, http.StatusOK, TranscribeResponse{TranscribeResult: result, Timestamp: timestamp()})
}

func (h *Handler) synthesize(w http.ResponseWriter, r *http.Request, req voice.SynthesizeRequest) {
	ctx := r.Context()
	result, err := h.voice.Synthesize(ctx, req)
	if err != nil {
		if agent.IsValidation(err) {
			rejectInvalid(w, err)
			return
		}
		h.logger.Error("Speech synthesis failed",
			"request_id", chiMiddleware.GetReqID(ctx),
			"all_providers_failed", errors.Is(err, voice.ErrAllProvidersFailed),
			"error", err,
		)
		ErrorWithType(w, http.StatusBadGateway, agent.ProcessingSynthesis,
			"Speech synthesis is unavailable right now. Please try again.")
		return
	}
	w.Header().Set("X-Processing-Type", string(result.ProcessingType))
	JSON(w, http.StatusOK, SynthesizeResponse{SynthesizeResult: result, Timestamp: timestamp()})
}
