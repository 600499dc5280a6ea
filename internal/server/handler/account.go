package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/service"
)

// ReputationReader serves buyer and maker reputation views.
type ReputationReader interface {
	Buyer(ctx context.Context, account domain.AccountID) (domain.BuyerReputation, error)
	Maker(ctx context.Context, account domain.AccountID) (domain.MakerReputation, error)
}

// AccountHandler serves per-account reads: reputation and free balance.
type AccountHandler struct {
	reputation ReputationReader
	model      service.ReadModel
	logger     *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(reputation ReputationReader, model service.ReadModel, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{reputation: reputation, model: model, logger: logger}
}

// Buyer returns the buyer tier, limits and risk of an account.
// GET /api/accounts/{account}/buyer
func (h *AccountHandler) Buyer(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(r, "account")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	v, err := h.reputation.Buyer(r.Context(), account)
	if err != nil {
		writeDomainError(w, r, h.logger, "buyer reputation", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Maker returns the maker score, status and deposit discount of an account.
// GET /api/accounts/{account}/maker
func (h *AccountHandler) Maker(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(r, "account")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	v, err := h.reputation.Maker(r.Context(), account)
	if err != nil {
		writeDomainError(w, r, h.logger, "maker reputation", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Balance returns the free escrow balance of an account.
// GET /api/accounts/{account}/balance
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(r, "account")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	b, err := h.model.Balance(r.Context(), account)
	if err != nil {
		writeDomainError(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"balance": b,
	})
}
