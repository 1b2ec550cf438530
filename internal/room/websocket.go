package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/campuscompanion/companion/internal/identity"
)

// Frame types.
const (
	TypeWelcome           = "welcome"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeChat              = "chat"
	TypeOffer             = "offer"
	TypeAnswer            = "answer"
	TypeICECandidate      = "ice-candidate"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeError             = "error"
)

const (
	maxFrameBytes = 64 << 10
	writeTimeout  = 10 * time.Second
)

// Envelope is every frame exchanged over a room socket.
type Envelope struct {
	Type         string            `json:"type"`
	From         string            `json:"from,omitempty"`
	To           string            `json:"to,omitempty"`
	Content      string            `json:"content,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Participant  *ParticipantInfo  `json:"participant,omitempty"`
	Participants []ParticipantInfo `json:"participants,omitempty"`
	Chat         []ChatMessage     `json:"chat,omitempty"`
	Message      *ChatMessage      `json:"message,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// WebSocketHandler serves GET /ws/rooms/{id}.
type WebSocketHandler struct {
	registry       *Registry
	allowedOrigins []string
	isDev          bool
	logger         *slog.Logger
}

// NewWebSocketHandler creates the room socket handler.
func NewWebSocketHandler(registry *Registry, allowedOrigins []string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{registry: registry, allowedOrigins: allowedOrigins, isDev: isDev, logger: logger}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if _, ok := h.registry.Get(roomID); !ok {
		http.Error(w, `{"error":"room not found"}`, http.StatusNotFound)
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: h.originPatterns()}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Warn("Failed to accept room websocket", "error", err, "room_id", roomID)
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "left room"); closeErr != nil {
			h.logger.Debug("Failed to close room websocket", "error", closeErr)
		}
	}()

	p, err := h.registry.Join(roomID, r.URL.Query().Get("name"), identity.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeFrame(r.Context(), ws, Envelope{Type: TypeError, Error: err.Error()})
		return
	}
	defer h.registry.Leave(roomID, p.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		h.outputLoop(ctx, ws, p)
	}()

	h.inputLoop(ctx, ws, roomID, p)
	cancel()
	<-done
}

func (h *WebSocketHandler) originPatterns() []string {
	if h.isDev {
		return []string{"*"}
	}
	var patterns []string
	for _, o := range h.allowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
		patterns = append(patterns, hostOf(o))
	}
	return patterns
}

// hostOf strips the scheme, which coder/websocket origin patterns omit.
func hostOf(origin string) string {
	origin = strings.TrimPrefix(origin, "https://")
	return strings.TrimPrefix(origin, "http://")
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, roomID string, p *Participant) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("Room websocket closed", "participant_id", p.ID)
			} else {
				h.logger.Warn("Room websocket read error", "error", err, "participant_id", p.ID)
			}
			return
		}

		var msg Envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeFrame(ctx, ws, Envelope{Type: TypeError, Error: "invalid frame"})
			continue
		}

		switch msg.Type {
		case TypeChat:
			if _, err := h.registry.PostChat(roomID, p.ID, msg.Content); err != nil {
				h.writeFrame(ctx, ws, Envelope{Type: TypeError, Error: err.Error()})
			}
		case TypeOffer, TypeAnswer, TypeICECandidate:
			if err := h.registry.Relay(roomID, p.ID, msg.To, msg.Type, msg.Payload); err != nil {
				h.writeFrame(ctx, ws, Envelope{Type: TypeError, Error: err.Error()})
			}
		case TypePing:
			h.writeFrame(ctx, ws, Envelope{Type: TypePong})
		default:
			h.writeFrame(ctx, ws, Envelope{Type: TypeError, Error: "unknown frame type"})
		}
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, p *Participant) {
	for {
		select {
		case data, ok := <-p.Send():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Debug("Room websocket write error", "error", err, "participant_id", p.ID)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeFrame answers the reading participant directly, bypassing the queue.
func (h *WebSocketHandler) writeFrame(ctx context.Context, ws *websocket.Conn, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := ws.Write(wctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("Failed to write room frame", "error", err)
	}
}
