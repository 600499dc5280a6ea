package handler

import (
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

// ArchiveHandler browses the cold-storage export and can request an
// immediate export run.
type ArchiveHandler struct {
	reader  domain.BlobReader
	prefix  string
	trigger func() bool // nil when this process does not run the exporter
	logger  *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler rooted at prefix.
func NewArchiveHandler(reader domain.BlobReader, prefix string, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{reader: reader, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// WithTrigger sets the function that queues an export run.
func (h *ArchiveHandler) WithTrigger(fn func() bool) *ArchiveHandler {
	h.trigger = fn
	return h
}

// scoped joins a client supplied sub-path under the archive prefix and
// rejects anything that escapes it.
func (h *ArchiveHandler) scoped(sub string) (string, bool) {
	sub = strings.TrimPrefix(sub, "/")
	p := path.Clean(h.prefix + "/" + sub)
	if p != h.prefix && !strings.HasPrefix(p, h.prefix+"/") {
		return "", false
	}
	return p, true
}

// ListFiles lists export files, optionally under a kind or date sub-path.
// GET /api/archive?prefix=order/2026-03-01
func (h *ArchiveHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	p, ok := h.scoped(r.URL.Query().Get("prefix"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid prefix")
		return
	}
	files, err := h.reader.List(r.Context(), p+"/")
	if err != nil {
		writeDomainError(w, r, h.logger, "list archive", err)
		return
	}
	if files == nil {
		files = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// GetFile streams one export file as JSON lines.
// GET /api/archive/file?path=order/2026-03-01/000000000001-000000000042.jsonl
func (h *ArchiveHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	sub := r.URL.Query().Get("path")
	p, ok := h.scoped(sub)
	if sub == "" || !ok || p == h.prefix {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	exists, err := h.reader.Exists(r.Context(), p)
	if err != nil {
		writeDomainError(w, r, h.logger, "get archive file", err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "archive file not found")
		return
	}
	body, err := h.reader.Get(r.Context(), p)
	if err != nil {
		writeDomainError(w, r, h.logger, "get archive file", err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: archive file copy interrupted",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
	}
}

// TriggerExport enqueues one export run. A run already queued is reported
// as accepted.
// POST /api/archive/trigger
func (h *ArchiveHandler) TriggerExport(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "archive exporter not running in this process")
		return
	}
	queued := h.trigger()
	h.logger.InfoContext(r.Context(), "handler: archive export requested", slog.Bool("queued", queued))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"queued":       queued,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
