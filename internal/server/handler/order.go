package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

// OrderHandler serves the order projection.
type OrderHandler struct {
	orders domain.OrderReadStore
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given store and logger.
func NewOrderHandler(orders domain.OrderReadStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logger,
	}
}

type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

var orderStates = map[domain.OrderState]bool{
	domain.OrderCreated:         true,
	domain.OrderAccepted:        true,
	domain.OrderPaymentAttested: true,
	domain.OrderDisputed:        true,
	domain.OrderReleased:        true,
	domain.OrderRefunded:        true,
	domain.OrderCancelled:       true,
	domain.OrderExpired:         true,
}

// ListOrders returns the orders an account is party to, or the orders in a
// given state.
// GET /api/orders?account=0x...&state=...&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	account := q.Get("account")
	state := domain.OrderState(q.Get("state"))
	opts := parseListOpts(r)

	var (
		orders []domain.Order
		err    error
	)
	switch {
	case account != "":
		orders, err = h.orders.ListByAccount(r.Context(), domain.NormalizeAccount(account), opts)
	case state != "":
		if !orderStates[state] {
			writeError(w, http.StatusBadRequest, "unknown order state")
			return
		}
		orders, err = h.orders.ListByState(r.Context(), state, opts)
	default:
		writeError(w, http.StatusBadRequest, "account or state query parameter required")
		return
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "list orders", err)
		return
	}

	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// GetOrder returns one order by id.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	o, err := h.orders.GetByID(r.Context(), domain.OrderID(id))
	if err != nil {
		writeDomainError(w, r, h.logger, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
