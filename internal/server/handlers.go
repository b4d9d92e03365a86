package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamrelay/internal/health"
	"streamrelay/internal/relay"
)

const controlTimeout = 15 * time.Second

type handlers struct {
	relay  Controller
	admin  adminCredential
	logger *slog.Logger
}

type healthResponse struct {
	Status    string          `json:"status"`
	State     relay.State     `json:"state"`
	SessionID string          `json:"sessionId,omitempty"`
	Health    health.Snapshot `json:"health"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := h.relay.Snapshot()
	resp := healthResponse{Status: "ok", State: status.State, SessionID: status.SessionID, Health: status.Health}
	code := http.StatusOK
	if status.State == relay.StateUnavailable {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, h.relay.Snapshot())
}

func (h *handlers) restart(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "restarting", h.relay.Restart)
}

func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "stopped", h.relay.Stop)
}

func (h *handlers) control(w http.ResponseWriter, r *http.Request, status string, action func(context.Context) error) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="streamrelay"`)
		writeError(w, http.StatusUnauthorized, "missing or invalid admin token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()
	if err := action(ctx); err != nil {
		switch {
		case errors.Is(err, relay.ErrStopped), errors.Is(err, relay.ErrSessionUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "relay did not acknowledge in time")
		default:
			h.logger.Error("relay control failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

func (h *handlers) authorized(r *http.Request) bool {
	if !h.admin.enabled() {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return h.admin.verify(strings.TrimSpace(token))
}
