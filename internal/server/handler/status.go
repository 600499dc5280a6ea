package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/otcsettle/internal/service"
)

// StatusHandler serves the engine summary for the dashboard.
type StatusHandler struct {
	model  service.ReadModel
	mode   string
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler for a process running in mode.
func NewStatusHandler(model service.ReadModel, mode string, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{model: model, mode: mode, logger: logger}
}

// GetStatus responds with the process mode and engine-wide totals.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.model.Status(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":   h.mode,
		"engine": st,
	})
}
