package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

// EventHandler pages through the committed event log.
type EventHandler struct {
	events domain.EventStore
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events domain.EventStore, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

type listEventsResponse struct {
	Events  []domain.Event `json:"events"`
	LastSeq uint64         `json:"last_seq"`
	Next    uint64         `json:"next"`
}

// ListEvents returns events with a sequence number above after. Clients
// resume from the returned next value.
// GET /api/events?after=0&limit=50
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = n
	}
	opts := parseListOpts(r)

	events, err := h.events.ListAfter(r.Context(), after, opts.Limit)
	if err != nil {
		writeDomainError(w, r, h.logger, "list events", err)
		return
	}
	last, err := h.events.LastSeq(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "list events", err)
		return
	}

	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: events, LastSeq: last, Next: next})
}
