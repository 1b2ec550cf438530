package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campuscompanion/companion/internal/identity"
	"github.com/campuscompanion/companion/internal/room"
)

const maxRoomBody = 4 << 10

// CreateRoomRequest is the body of POST /api/rooms.
type CreateRoomRequest struct {
	Name string `json:"name"`
}

// ListRooms handles GET /api/rooms.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"rooms":     h.rooms.List(),
		"timestamp": timestamp(),
	})
}

// CreateRoom handles POST /api/rooms.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !decodeBody(w, r, maxRoomBody, &req) {
		return
	}
	snap, err := h.rooms.Create(req.Name, identity.UserIDFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, room.ErrInvalidName) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, "failed to create room")
		return
	}
	JSON(w, http.StatusCreated, snap)
}

// GetRoom handles GET /api/rooms/{id}.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.rooms.Get(chi.URLParam(r, "id"))
	if !ok {
		Error(w, http.StatusNotFound, room.ErrRoomNotFound.Error())
		return
	}
	JSON(w, http.StatusOK, snap)
}
