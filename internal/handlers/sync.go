package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"tally/internal/auth"
	"tally/internal/event"
	"tally/internal/middleware"
	"tally/internal/services"
	"tally/internal/websocket"
)

type pushRequest struct {
	Events []event.Event `json:"events"`
}

type pushResponse struct {
	Results []services.PushResult `json:"results"`
}

// PushEvents accepts a batch of events from one device. Results are per
// event; the client keeps rejected events locally and flags them.
func (h *Handler) PushEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	deviceID := middleware.DeviceIDFromContext(r.Context())
	results, err := h.sync.Push(r.Context(), userID, deviceID, req.Events)
	if errors.Is(err, services.ErrEmptyBatch) || errors.Is(err, services.ErrBatchTooLarge) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store events")
		return
	}
	respondJSON(w, http.StatusOK, pushResponse{Results: results})
}

// PullEvents returns the user's stream after the "since" cursor
// (RFC 3339). An absent cursor pulls from the beginning.
func (h *Handler) PullEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since cursor")
			return
		}
		since = parsed
	}
	page, err := h.sync.Pull(r.Context(), userID, since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// WSEvents upgrades to the realtime channel. Browsers cannot set headers on
// websocket dials, so the token may come via query parameter.
func (h *Handler) WSEvents(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	websocket.ServeWS(w, r, h.hub, claims.UserID, deviceID)
}
