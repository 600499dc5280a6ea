package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// multipartThreshold is the payload size above which uploads go through the
// multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// ArchiveOptions tunes an ArchiveImpl.
type ArchiveOptions struct {
	Prefix    string // key prefix, default "archive"
	BatchSize int    // records per uploaded file, default 5000
}

// ArchiveImpl implements domain.Archiver. It drains archived_records rows
// staged by the engine, writes them to object storage as JSONL and marks
// them exported.
//
// Exported rows are never deleted here; the primary store keeps them with
// their export path so a file can always be traced back.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	store  domain.ArchiveStore
	audit  domain.AuditStore
	opts   ArchiveOptions
}

// NewArchiver creates a new ArchiveImpl. reader may be nil, in which case
// files are always uploaded even if a previous attempt already wrote them.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	store domain.ArchiveStore,
	audit domain.AuditStore,
	opts ArchiveOptions,
) *ArchiveImpl {
	if opts.Prefix == "" {
		opts.Prefix = "archive"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5000
	}
	return &ArchiveImpl{
		writer: writer,
		reader: reader,
		store:  store,
		audit:  audit,
		opts:   opts,
	}
}

// archiveLine is one JSONL row of an export file.
type archiveLine struct {
	ID         int64               `json:"id"`
	Kind       string              `json:"kind"`
	Key        string              `json:"key"`
	ArchivedAt time.Time           `json:"archived_at"`
	Payload    jsoniter.RawMessage `json:"payload"`
}

// ArchiveRecords exports every staged record archived before the cutoff and
// returns how many were exported. Work done before an error is kept: files
// already uploaded and marked stay exported.
func (a *ArchiveImpl) ArchiveRecords(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		recs, err := a.store.ListPending(ctx, before, a.opts.BatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive list pending: %w", err)
		}
		if len(recs) == 0 {
			return total, nil
		}

		for kind, group := range groupByKind(recs) {
			n, err := a.exportGroup(ctx, kind, group, before)
			total += n
			if err != nil {
				return total, err
			}
		}

		if len(recs) < a.opts.BatchSize {
			return total, nil
		}
	}
}

func (a *ArchiveImpl) exportGroup(ctx context.Context, kind string, recs []domain.ArchivedRecord, before time.Time) (int64, error) {
	buf, err := marshalRecords(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(a.opts.Prefix, kind, recs)
	uploaded, err := a.alreadyUploaded(ctx, path)
	if err != nil {
		return 0, err
	}
	if !uploaded {
		if len(buf) > multipartThreshold {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
		}
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
		}
	}

	ids := make([]int64, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	if err := a.store.MarkExported(ctx, ids, path); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s mark exported: %w", kind, err)
	}

	count := int64(len(recs))
	metrics.ArchiveExported.Add(float64(count))

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.export", map[string]any{
			"kind":   kind,
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// alreadyUploaded reports whether path exists from an earlier run whose
// MarkExported failed.
func (a *ArchiveImpl) alreadyUploaded(ctx context.Context, path string) (bool, error) {
	if a.reader == nil {
		return false, nil
	}
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive probe %s: %w", path, err)
	}
	return ok, nil
}

// groupByKind splits records by kind keeping their order.
func groupByKind(recs []domain.ArchivedRecord) map[string][]domain.ArchivedRecord {
	out := make(map[string][]domain.ArchivedRecord)
	for _, r := range recs {
		out[r.Kind] = append(out[r.Kind], r)
	}
	return out
}

// archivePath builds the object key for an export file. It is partitioned by
// the archive day of the first record and named after the id range, so a
// retried export of the same rows lands on the same key.
//
//	archive/order/2026-03-01/000000000042-000000000107.jsonl
func archivePath(prefix, kind string, recs []domain.ArchivedRecord) string {
	first, last := recs[0], recs[len(recs)-1]
	return fmt.Sprintf("%s/%s/%s/%012d-%012d.jsonl",
		prefix, kind, first.ArchivedAt.UTC().Format("2006-01-02"), first.ID, last.ID)
}

// marshalRecords serialises records as newline-delimited JSON.
func marshalRecords(recs []domain.ArchivedRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, r := range recs {
		line := archiveLine{ID: r.ID, Kind: r.Kind, Key: r.Key, ArchivedAt: r.ArchivedAt, Payload: r.Payload}
		if len(line.Payload) == 0 {
			line.Payload = jsoniter.RawMessage("null")
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// ReadArchive decodes an export file written by ArchiveRecords.
func ReadArchive(ctx context.Context, r domain.BlobReader, path string) ([]domain.ArchivedRecord, error) {
	body, err := r.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []domain.ArchivedRecord
	dec := json.NewDecoder(body)
	for dec.More() {
		var line archiveLine
		if err := dec.Decode(&line); err != nil {
			return nil, fmt.Errorf("s3blob: decode %s line %d: %w", path, len(out)+1, err)
		}
		out = append(out, domain.ArchivedRecord{
			ID: line.ID, Kind: line.Kind, Key: line.Key,
			Payload: []byte(line.Payload), ArchivedAt: line.ArchivedAt, ExportPath: path,
		})
	}
	return out, nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
