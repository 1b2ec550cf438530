package api

import (
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/identity"
	"github.com/campuscompanion/companion/internal/vision"
)

// VisionResponse is the image analysis reply.
type VisionResponse struct {
	vision.Result
	Timestamp string `json:"timestamp"`
}

// AnalyzeImage handles POST /api/vision. The route requires a signed-in user.
func (h *Handler) AnalyzeImage(w http.ResponseWriter, r *http.Request) {
	var req vision.Request
	if !decodeBody(w, r, base64BodyLimit(h.maxImageBytes), &req) {
		return
	}

	ctx := r.Context()
	user := identity.UserFromContext(ctx)
	req.Student, req.UserName = h.studentFor(ctx, user)

	h.logger.Info("Vision request",
		"user_id", identity.UserIDFromContext(ctx),
		"request_id", chiMiddleware.GetReqID(ctx),
		"analysis_type", req.AnalysisType,
		"payload_length", len(req.Image),
	)

	result, err := h.vision.Analyze(ctx, req)
	if err != nil {
		if agent.IsValidation(err) {
			rejectInvalid(w, err)
			return
		}
		h.logger.Error("Vision analysis failed", "request_id", chiMiddleware.GetReqID(ctx), "error", err)
		ErrorWithType(w, http.StatusInternalServerError, agent.ProcessingFallback, agent.ApologyMessage)
		return
	}
	w.Header().Set("X-Processing-Type", string(result.ProcessingType))
	JSON(w, http.StatusOK, VisionResponse{Result: result, Timestamp: timestamp()})
}

// base64BodyLimit is the JSON body size that can carry maxBytes of
// base64-encoded payload plus the other fields.
func base64BodyLimit(maxBytes int64) int64 {
	return maxBytes/3*4 + 64<<10
}
