package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

type memWriter struct {
	objects   map[string][]byte
	multipart int
	err       error
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = make(map[string][]byte)
	}
	w.objects[path] = b
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	w.multipart++
	return w.Put(ctx, path, data, jsonlContentType)
}

type cycleList []domain.Cycle

func (c cycleList) ListSettledBefore(context.Context, time.Time) ([]domain.Cycle, error) {
	return c, nil
}

type wagerList []domain.Wager

func (w wagerList) ListSettledBefore(context.Context, time.Time) ([]domain.Wager, error) {
	return w, nil
}

type auditRecorder struct {
	events []string
}

func (a *auditRecorder) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *auditRecorder) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveWagersWritesJSONL(t *testing.T) {
	cutoff := time.Date(2026, 10, 16, 3, 0, 0, 0, time.UTC)
	wagers := wagerList{
		{ID: "w1", Participant: "0xaa", CycleID: 1, Outcome: domain.ActionMint, Amount: 10, Result: domain.WagerWon, Payout: 19},
		{ID: "w2", Participant: "0xbb", CycleID: 1, Outcome: domain.ActionBurn, Amount: 10, Result: domain.WagerLost},
	}
	writer := &memWriter{}
	audit := &auditRecorder{}
	a := NewArchiver(writer, cycleList{}, wagers, audit)

	n, err := a.ArchiveWagers(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	body, ok := writer.objects["archive/wagers/2026-10/20261016T030000Z.jsonl"]
	require.True(t, ok, "object written under the cutoff partition")

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var w domain.Wager
		require.NoError(t, json.Unmarshal(sc.Bytes(), &w))
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"w1", "w2"}, ids)
	assert.Equal(t, []string{"archive.wagers"}, audit.events)
	assert.Zero(t, writer.multipart)
}

func TestArchiveCyclesNothingToDo(t *testing.T) {
	writer := &memWriter{}
	audit := &auditRecorder{}
	a := NewArchiver(writer, cycleList{}, wagerList{}, audit)

	n, err := a.ArchiveCycles(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, writer.objects)
	assert.Empty(t, audit.events)
}

func TestArchiveUploadFailure(t *testing.T) {
	writer := &memWriter{err: errors.New("bucket gone")}
	audit := &auditRecorder{}
	a := NewArchiver(writer, cycleList{{ID: 7, Status: domain.CycleSettled}}, wagerList{}, audit)

	n, err := a.ArchiveCycles(context.Background(), time.Now())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, audit.events, "failed uploads are not audited")
}

func TestArchivePathPartitionsByMonth(t *testing.T) {
	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "archive/cycles/2026-01/20260102T140405Z.jsonl", archivePath("cycles", at))
}
