// internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rankforge/sentinel/internal/logbuf"
	serrors "github.com/rankforge/sentinel/pkg/errors"
	"github.com/rankforge/sentinel/pkg/logging"
)

// Handler holds the admin route handlers.
type Handler struct {
	control Control
	logger  *logging.Logger
}

// NewHandler creates handlers over the given control surface.
func NewHandler(control Control, logger *logging.Logger) *Handler {
	return &Handler{control: control, logger: logger}
}

// Response is the envelope for all admin API responses.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (h *Handler) respond(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.WithError(err).Error("failed to encode response")
	}
}

func (h *Handler) respondOK(w http.ResponseWriter, message string, data interface{}) {
	h.respond(w, http.StatusOK, Response{Success: true, Message: message, Data: data})
}

// respondError maps domain errors onto HTTP semantics. Deliberate no-ops
// (stopping an attached service) report success with an explanation rather
// than an error.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, serrors.ErrServiceNotFound):
		h.respond(w, http.StatusNotFound, Response{Success: false, Error: err.Error()})
	case errors.Is(err, serrors.ErrServiceExternal):
		h.respond(w, http.StatusOK, Response{
			Success: true,
			Message: "service is externally managed; no signal sent",
		})
	case errors.Is(err, serrors.ErrServiceDisabled),
		errors.Is(err, serrors.ErrDependencyUnmet),
		errors.Is(err, serrors.ErrSpawnGuard):
		h.respond(w, http.StatusConflict, Response{Success: false, Error: err.Error()})
	default:
		h.respond(w, http.StatusInternalServerError, Response{Success: false, Error: err.Error()})
	}
}

// Healthz reports supervisor liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondOK(w, "ok", map[string]string{
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

// Status returns a fleet-wide summary.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snapshots := h.control.Snapshots()

	summary := map[string]int{}
	for _, s := range snapshots {
		summary[string(s.State)]++
	}

	h.respondOK(w, "", map[string]interface{}{
		"services": len(snapshots),
		"states":   summary,
	})
}

// Services returns per-service snapshots.
func (h *Handler) Services(w http.ResponseWriter, r *http.Request) {
	h.respondOK(w, "", h.control.Snapshots())
}

// Start starts a single service.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.control.StartService(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondOK(w, "service started", nil)
}

// Stop stops a single service. ?force=true escalates to SIGKILL after the
// grace period.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"
	if err := h.control.StopService(r.Context(), id, force); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondOK(w, "service stopped", nil)
}

// Restart restarts a single service and resets its restart budget.
func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.control.RestartService(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondOK(w, "service restarted", nil)
}

// Enable re-enables a disabled service.
func (h *Handler) Enable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.control.EnableService(id); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondOK(w, "service enabled", nil)
}

type disableRequest struct {
	Reason string `json:"reason"`
}

// Disable disables a service, stopping it first if the supervisor owns it.
func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req disableRequest
	if r.Body != nil {
		// Missing or malformed body just means no reason was given.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "disabled via admin API"
	}

	if err := h.control.DisableService(r.Context(), id, req.Reason); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondOK(w, "service disabled", nil)
}

// Logs returns the most recent buffered log lines for a service.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respond(w, http.StatusBadRequest, Response{
				Success: false,
				Error:   "query parameter n must be a positive integer",
			})
			return
		}
		n = parsed
	}

	lines, err := h.control.Logs(id, n)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if lines == nil {
		lines = []logbuf.Line{}
	}
	h.respondOK(w, "", lines)
}

// HealthCheck triggers an immediate out-of-cycle health pass.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.control.RunHealthPass(r.Context())
	h.respondOK(w, "health pass complete", h.control.Snapshots())
}
