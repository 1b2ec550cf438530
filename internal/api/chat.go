package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/domain"
	"github.com/campuscompanion/companion/internal/gateway"
	"github.com/campuscompanion/companion/internal/identity"
	"github.com/campuscompanion/companion/internal/stream"
)

// maxChatBodySize bounds a chat request body, history included.
const maxChatBodySize = 256 << 10

// persistTimeout bounds the best-effort write of a finished exchange.
const persistTimeout = 5 * time.Second

// ChatResponse is the synchronous chat reply.
type ChatResponse struct {
	Response       string                 `json:"response"`
	ProcessingType agent.ProcessingType   `json:"processing_type"`
	Routing        agent.RoutingDecision  `json:"routing"`
	Timestamp      string                 `json:"timestamp"`
	StudentContext *domain.StudentContext `json:"student_context"`
	Error          string                 `json:"error,omitempty"`
}

// Chat handles POST /api/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req agent.Request
	if !decodeBody(w, r, maxChatBodySize, &req) {
		return
	}
	if err := h.chat.Validate(req); err != nil {
		rejectInvalid(w, err)
		return
	}

	ctx := r.Context()
	user := identity.UserFromContext(ctx)
	if req.SessionID != "" {
		req.SessionID = identity.SanitizeSessionID(req.SessionID)
	}
	if req.SessionID == "" {
		req.SessionID = identity.SessionIDFromContext(ctx)
	}
	h.attachStudent(ctx, user, &req)
	h.loadHistory(ctx, user, &req)

	h.logger.Info("Chat request",
		"user_id", identity.UserIDFromContext(ctx),
		"session_id", req.SessionID,
		"request_id", chiMiddleware.GetReqID(ctx),
		"message_length", len(req.Message),
		"stream", req.WantsStream,
	)

	flusher, canFlush := w.(http.Flusher)
	if req.WantsStream && canFlush && h.responder != nil {
		h.streamChat(w, r, req, user, flusher)
		return
	}

	result, err := h.chat.Handle(ctx, req)
	h.writeResult(w, r, req, user, result, err)
}

func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, req agent.Request, user *domain.User, flusher http.Flusher) {
	ctx := r.Context()
	session, decision, err := h.responder.Open(ctx, req)
	if err != nil {
		h.logger.Warn("Stream unavailable, answering synchronously",
			"request_id", chiMiddleware.GetReqID(ctx),
			"agent", decision.SelectedAgent,
			"error", err,
		)
		result, herr := h.chat.HandleRouted(ctx, req, decision)
		if herr != nil {
			h.writeResult(w, r, req, user, result, herr)
			return
		}
		setStreamHeaders(w, result.ProcessingType)
		if _, werr := io.WriteString(w, result.Response); werr == nil {
			trailer := stream.NewTrailer(result.ProcessingType, result.Routing, req.Student)
			trailer.Response = result.Response
			if werr = stream.WriteTrailer(w, trailer); werr != nil {
				h.logger.Info("Fallback trailer not delivered", "error", werr)
			}
			flusher.Flush()
		}
		h.saveExchange(user, req, result.Response)
		return
	}

	setStreamHeaders(w, agent.ProcessingStreaming)
	sum := session.Relay(w, flusher.Flush)
	h.logger.Info("Chat stream finished",
		"request_id", chiMiddleware.GetReqID(ctx),
		"agent", decision.SelectedAgent,
		"chunks", sum.Chunks,
		"partial", sum.Err != nil,
		"disconnected", sum.Disconnected,
	)
	if sum.Err == nil && !sum.Disconnected {
		h.saveExchange(user, req, sum.Final)
	}
}

func setStreamHeaders(w http.ResponseWriter, pt agent.ProcessingType) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Processing-Type", string(pt))
	w.WriteHeader(http.StatusOK)
}

// writeResult answers the synchronous path. An error that is not a validation
// failure still carries a usable degraded reply, sent with 500.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, req agent.Request, user *domain.User, result agent.Result, err error) {
	if err != nil && agent.IsValidation(err) {
		rejectInvalid(w, err)
		return
	}
	resp := ChatResponse{
		Response:       result.Response,
		ProcessingType: result.ProcessingType,
		Routing:        result.Routing,
		Timestamp:      timestamp(),
		StudentContext: req.Student,
	}
	status := http.StatusOK
	if err != nil {
		h.logger.Error("Chat pipeline failed",
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"error", err,
		)
		status = http.StatusInternalServerError
		resp.Error = "assistant temporarily unavailable"
		if resp.Response == "" {
			resp.Response = agent.ApologyMessage
		}
		if resp.ProcessingType == "" {
			resp.ProcessingType = agent.ProcessingFallback
		}
	} else {
		h.saveExchange(user, req, result.Response)
	}
	w.Header().Set("X-Processing-Type", string(resp.ProcessingType))
	JSON(w, status, resp)
}

// attachStudent loads the caller's profile into the request.
func (h *Handler) attachStudent(ctx context.Context, user *domain.User, req *agent.Request) {
	req.Student, req.UserName = h.studentFor(ctx, user)
}

// studentFor returns the caller's prompt context and display name. Failures
// leave the request without student context.
func (h *Handler) studentFor(ctx context.Context, user *domain.User) (*domain.StudentContext, string) {
	if user == nil {
		return nil, ""
	}
	name := user.DisplayName()
	if h.repo == nil {
		return nil, name
	}
	profile, err := h.repo.GetProfile(ctx, user.ID)
	if err != nil {
		h.logger.Warn("Failed to load student profile", "user_id", user.ID, "error", err)
		return nil, name
	}
	if profile == nil {
		return nil, name
	}
	student := profile.StudentContext()
	if student.Name == "" {
		student.Name = user.Name
	}
	if student.Name != "" {
		name = student.Name
	}
	if student.IsEmpty() {
		return nil, name
	}
	return student, name
}

// loadHistory fills in stored turns when the caller sent none.
func (h *Handler) loadHistory(ctx context.Context, user *domain.User, req *agent.Request) {
	if user == nil || h.repo == nil || req.SessionID == "" || len(req.History) > 0 || h.historyLimit <= 0 {
		return
	}
	msgs, err := h.repo.RecentMessages(ctx, user.ID, req.SessionID, h.historyLimit)
	if err != nil {
		h.logger.Warn("Failed to load conversation history", "user_id", user.ID, "session_id", req.SessionID, "error", err)
		return
	}
	for _, m := range msgs {
		req.History = append(req.History, agent.Turn{Role: m.Role, Content: m.Content})
	}
}

// saveExchange appends the user and assistant turns. It never fails the request.
func (h *Handler) saveExchange(user *domain.User, req agent.Request, reply string) {
	if user == nil || h.repo == nil || req.SessionID == "" || reply == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	now := time.Now().UTC()
	err := h.repo.AppendMessages(ctx, user.ID, req.SessionID, []domain.StoredMessage{
		{Role: gateway.RoleUser, Content: req.Message, CreatedAt: now},
		{Role: gateway.RoleAssistant, Content: reply, CreatedAt: now},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("Failed to persist conversation turns", "user_id", user.ID, "session_id", req.SessionID, "error", err)
	}
}
