package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// CycleArchiveStore lists settled cycles for archival.
type CycleArchiveStore interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Cycle, error)
}

// WagerArchiveStore lists resolved wagers for archival.
type WagerArchiveStore interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Wager, error)
}

// ArchiveImpl implements domain.Archiver. It serialises settled rows to
// JSONL and uploads one object per run. Rows are not deleted from the
// primary store; wagers are kept forever.
type ArchiveImpl struct {
	writer domain.BlobWriter
	cycles CycleArchiveStore
	wagers WagerArchiveStore
	audit  domain.AuditStore
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	cycles CycleArchiveStore,
	wagers WagerArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		cycles: cycles,
		wagers: wagers,
		audit:  audit,
	}
}

// ArchiveCycles uploads every cycle settled before the cutoff and returns
// the number of rows written.
func (a *ArchiveImpl) ArchiveCycles(ctx context.Context, before time.Time) (int64, error) {
	cycles, err := a.cycles.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive cycles query: %w", err)
	}
	return archive(ctx, a, "cycles", before, cycles)
}

// ArchiveWagers uploads every wager resolved before the cutoff and returns
// the number of rows written.
func (a *ArchiveImpl) ArchiveWagers(ctx context.Context, before time.Time) (int64, error) {
	wagers, err := a.wagers.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive wagers query: %w", err)
	}
	return archive(ctx, a, "wagers", before, wagers)
}

func archive[T any](ctx context.Context, a *ArchiveImpl, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before)
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":   path,
			"count":  count,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// archivePath partitions objects by cutoff month and names each run by its
// cutoff instant, so repeated runs in one month never overwrite each other:
//
//	archive/cycles/2026-10/20261016T030000Z.jsonl
func archivePath(kind string, before time.Time) string {
	before = before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.Format("2006-01"), before.Format("20060102T150405Z"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
