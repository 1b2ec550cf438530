package api

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/domain"
	"github.com/campuscompanion/companion/internal/identity"
	"github.com/campuscompanion/companion/internal/shared"
)

const (
	maxProfileBody       = 16 << 10
	maxProfileFieldRunes = 120
)

// ProfileRequest is the editable part of a student profile.
type ProfileRequest struct {
	Name       string `json:"name"`
	University string `json:"university"`
	Course     string `json:"course"`
	Year       string `json:"year"`
}

// GetProfile handles GET /api/profile. A user without a stored profile gets
// an empty one named after their account.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user := identity.UserFromContext(r.Context())
	profile, err := h.repo.GetProfile(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("Failed to get profile", "error", err, "user_id", user.ID)
		Error(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	if profile == nil {
		profile = &domain.Profile{UserID: user.ID, Name: user.Name}
	}
	JSON(w, http.StatusOK, profile)
}

// PutProfile handles PUT /api/profile.
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	user := identity.UserFromContext(r.Context())

	var req ProfileRequest
	if !decodeBody(w, r, maxProfileBody, &req) {
		return
	}
	fields := map[string]*string{
		"name":       &req.Name,
		"university": &req.University,
		"course":     &req.Course,
		"year":       &req.Year,
	}
	for field, v := range fields {
		*v = strings.TrimSpace(*v)
		if utf8.RuneCountInString(*v) > maxProfileFieldRunes {
			rejectInvalid(w, &agent.ValidationError{Field: field, Message: "Profile fields are limited to 120 characters."})
			return
		}
	}

	profile := &domain.Profile{
		UserID:     user.ID,
		Name:       req.Name,
		University: req.University,
		Course:     req.Course,
		Year:       req.Year,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := h.repo.UpsertProfile(r.Context(), profile); err != nil {
		h.logger.Error("Failed to save profile", "error", err, "user_id", user.ID)
		if shared.IsSQLiteConflictError(err) {
			Error(w, http.StatusConflict, "profile is being updated, please retry")
			return
		}
		Error(w, http.StatusInternalServerError, "failed to save profile")
		return
	}
	h.logger.Info("Profile updated", "user_id", user.ID)
	JSON(w, http.StatusOK, profile)
}
