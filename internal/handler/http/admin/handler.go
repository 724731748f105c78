// Package admin exposes operator endpoints for the admission engine:
// per-identifier status, counter reset, and ban removal. Every endpoint is
// guarded by a static bearer token and is meant for internal tooling, not
// public traffic.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"gatekeeper/pkg/admission"
)

// Handler serves the administrative endpoints.
type Handler struct {
	gateway *admission.Gateway
	token   string
}

// NewHandler creates the admin handler. The token must be non-empty; the
// caller is expected to skip registration entirely when no token is
// configured.
func NewHandler(gateway *admission.Gateway, token string) *Handler {
	return &Handler{gateway: gateway, token: token}
}

// Register mounts the admin routes on the given mux:
//
//	GET  /admin/ratelimit/status?id=<identifier>
//	POST /admin/ratelimit/reset   {"id": "<identifier>"}
//	POST /admin/ratelimit/unban   {"id": "<identifier>"}
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /admin/ratelimit/status", h.authorize(http.HandlerFunc(h.status)))
	mux.Handle("POST /admin/ratelimit/reset", h.authorize(http.HandlerFunc(h.reset)))
	mux.Handle("POST /admin/ratelimit/unban", h.authorize(http.HandlerFunc(h.unban)))
}

// authorize enforces the bearer token with a constant-time comparison.
func (h *Handler) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || h.token == "" ||
			subtle.ConstantTimeCompare([]byte(raw), []byte(h.token)) != 1 {
			slog.Warn("admin request rejected",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id query parameter is required")
		return
	}

	st, err := h.gateway.GetRateLimitStatus(r.Context(), id)
	if err != nil {
		h.storeError(w, "status", id, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// identifierBody is the request payload of the mutation endpoints.
type identifierBody struct {
	ID string `json:"id"`
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeIdentifier(w, r)
	if !ok {
		return
	}

	if err := h.gateway.ResetRateLimit(r.Context(), id); err != nil {
		h.storeError(w, "reset", id, err)
		return
	}
	slog.Info("rate limit state reset",
		slog.String("identifier", id),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "id": id})
}

func (h *Handler) unban(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeIdentifier(w, r)
	if !ok {
		return
	}

	if err := h.gateway.Unban(r.Context(), id); err != nil {
		h.storeError(w, "unban", id, err)
		return
	}
	slog.Info("ban lifted",
		slog.String("identifier", id),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned", "id": id})
}

func (h *Handler) storeError(w http.ResponseWriter, op, id string, err error) {
	slog.Error("admin operation failed",
		slog.String("op", op),
		slog.String("identifier", id),
		slog.String("error", err.Error()),
	)
	if errors.Is(err, admission.ErrStoreUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "counter store unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeIdentifier(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body identifierBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	id := strings.TrimSpace(body.ID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode admin response",
			slog.String("error", err.Error()),
		)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
