// Package api provides HTTP handlers for the Campus Companion API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/identity"
	"github.com/campuscompanion/companion/internal/room"
	"github.com/campuscompanion/companion/internal/store"
	"github.com/campuscompanion/companion/internal/stream"
	"github.com/campuscompanion/companion/internal/vision"
	"github.com/campuscompanion/companion/internal/voice"
)

// processingRejected tags errors that are neither validation nor pipeline output.
const processingRejected agent.ProcessingType = "request_rejected"

// Deps are the services the handlers call. Nil services disable their routes.
type Deps struct {
	Repo        store.Repository
	Chat        agent.Processor
	Responder   *stream.Responder
	Vision      *vision.Service
	Voice       *voice.Service
	Rooms       *room.Registry
	RoomSockets http.Handler
	Limiter     *RateLimiter

	HistoryLimit  int
	MaxImageBytes int64
	MaxAudioBytes int64
	// UpstreamConfigured reports whether a model API key is set.
	UpstreamConfigured bool
	Logger             *slog.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	repo          store.Repository
	chat          agent.Processor
	responder     *stream.Responder
	vision        *vision.Service
	voice         *voice.Service
	rooms         *room.Registry
	roomSockets   http.Handler
	limiter       *RateLimiter
	historyLimit  int
	maxImageBytes int64
	maxAudioBytes int64
	upstreamOK    bool
	logger        *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxImageBytes <= 0 {
		d.MaxImageBytes = vision.DefaultMaxImageBytes
	}
	if d.MaxAudioBytes <= 0 {
		d.MaxAudioBytes = voice.DefaultMaxAudioBytes
	}
	return &Handler{
		repo:          d.Repo,
		chat:          d.Chat,
		responder:     d.Responder,
		vision:        d.Vision,
		voice:         d.Voice,
		rooms:         d.Rooms,
		roomSockets:   d.RoomSockets,
		limiter:       d.Limiter,
		historyLimit:  d.HistoryLimit,
		maxImageBytes: d.MaxImageBytes,
		maxAudioBytes: d.MaxAudioBytes,
		upstreamOK:    d.UpstreamConfigured,
		logger:        d.Logger,
	}
}

// RegisterRoutes registers every API route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(h.limiter.Middleware)
			}
			if h.chat != nil {
				r.Post("/chat", h.Chat)
			}
			if h.voice != nil {
				r.Post("/voice", h.Voice)
			}
			if h.vision != nil {
				r.With(identity.RequireUser).Post("/vision", h.AnalyzeImage)
			}
		})

		if h.repo != nil {
			r.Group(func(r chi.Router) {
				r.Use(identity.RequireUser)
				r.Get("/profile", h.GetProfile)
				r.Put("/profile", h.PutProfile)
			})
		}

		if h.rooms != nil {
			r.Get("/rooms", h.ListRooms)
			r.Post("/rooms", h.CreateRoom)
			r.Get("/rooms/{id}", h.GetRoom)
		}
	})

	if h.roomSockets != nil {
		r.Get("/ws/rooms/{id}", h.roomSockets.ServeHTTP)
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error          string               `json:"error"`
	ProcessingType agent.ProcessingType `json:"processing_type"`
	Timestamp      string               `json:"timestamp"`
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	ErrorWithType(w, status, processingRejected, message)
}

// ErrorWithType writes a JSON error response tagged with a processing type.
func ErrorWithType(w http.ResponseWriter, status int, pt agent.ProcessingType, message string) {
	JSON(w, status, ErrorBody{Error: message, ProcessingType: pt, Timestamp: timestamp()})
}

// rejectInvalid answers a validation failure with 400 and the user-facing message.
func rejectInvalid(w http.ResponseWriter, err error) {
	var v *agent.ValidationError
	msg := "invalid request"
	if errors.As(err, &v) {
		msg = v.Message
	}
	ErrorWithType(w, http.StatusBadRequest, agent.ProcessingValidationError, msg)
}

// decodeBody reads a JSON body capped at limit bytes. It writes the error
// response itself and reports whether decoding succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ErrorWithType(w, http.StatusRequestEntityTooLarge, agent.ProcessingValidationError, "request body too large")
			return false
		}
		ErrorWithType(w, http.StatusBadRequest, agent.ProcessingValidationError, "invalid request body")
		return false
	}
	return true
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
