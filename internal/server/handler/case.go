package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/service"
)

// CaseHandler serves dispute cases.
type CaseHandler struct {
	model  service.ReadModel
	logger *slog.Logger
}

// NewCaseHandler creates a CaseHandler.
func NewCaseHandler(model service.ReadModel, logger *slog.Logger) *CaseHandler {
	return &CaseHandler{model: model, logger: logger}
}

// ListPending returns cases awaiting a decision.
// GET /api/cases
func (h *CaseHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	cases, err := h.model.PendingCases(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "list cases", err)
		return
	}
	if cases == nil {
		cases = []domain.DisputeCase{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

// GetCase returns one case by id.
// GET /api/cases/{id}
func (h *CaseHandler) GetCase(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid case id")
		return
	}
	c, err := h.model.Case(r.Context(), domain.CaseID(id))
	if err != nil {
		writeDomainError(w, r, h.logger, "get case", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
