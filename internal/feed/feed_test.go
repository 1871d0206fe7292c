package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// t0 is when every feeder under test starts.
var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0 }

type streamBus struct {
	mu      sync.Mutex
	entries []domain.StreamMessage
}

func (b *streamBus) add(payload string) {
	b.addAt(t0, payload)
}

func (b *streamBus) addAt(at time.Time, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, domain.StreamMessage{
		ID:      fmt.Sprintf("%d-%d", at.UnixMilli(), len(b.entries)+1),
		Payload: []byte(payload),
	})
}

func (b *streamBus) Publish(context.Context, string, []byte) error { return nil }

func (b *streamBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *streamBus) StreamAppend(context.Context, string, []byte) error { return nil }

// StreamRead returns entries with ids strictly greater than lastID, the way
// XREAD does.
func (b *streamBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	after := parseID(lastID)
	var out []domain.StreamMessage
	for _, e := range b.entries {
		if len(out) == count {
			break
		}
		id := parseID(e.ID)
		if id[0] > after[0] || (id[0] == after[0] && id[1] > after[1]) {
			out = append(out, e)
		}
	}
	return out, nil
}

func parseID(id string) [2]int64 {
	ms, seq, _ := strings.Cut(id, "-")
	a, _ := strconv.ParseInt(ms, 10, 64)
	b, _ := strconv.ParseInt(seq, 10, 64)
	return [2]int64{a, b}
}

type recordingAdmitter struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingAdmitter) AdmitSignal(_ context.Context, sig domain.Signal) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, sig.ID)
	return 1, true, nil
}

func (r *recordingAdmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDedupEvictsOldest(t *testing.T) {
	d := NewDedup(2)
	assert.False(t, d.IsDuplicate("a"))
	assert.False(t, d.IsDuplicate("b"))
	assert.True(t, d.IsDuplicate("a"))
	assert.False(t, d.IsDuplicate("c"))
	assert.Equal(t, 2, d.Len())
	assert.False(t, d.IsDuplicate("a"), "a was evicted by c")
}

func TestPollAdmitsAndSkips(t *testing.T) {
	bus := &streamBus{}
	bus.add(`{"id":"s1","score":91,"category":"politics"}`)
	bus.add(`not json`)
	bus.add(`{"id":"s1","score":91,"category":"politics"}`)
	bus.add(`{"score":20,"category":"crypto"}`)

	adm := &recordingAdmitter{}
	f := NewSignalFeeder(Config{BatchSize: 10, Lookback: time.Minute, Now: fixedNow}, bus, adm, quietLogger())

	n, err := f.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"s1", bus.entries[3].ID}, adm.ids, "replayed id dropped, missing id taken from the entry")

	n, err = f.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "cursor advanced past every entry")
}

func TestRunDrainsInBatches(t *testing.T) {
	bus := &streamBus{}
	for i := 0; i < 5; i++ {
		bus.add(fmt.Sprintf(`{"id":"s%d","score":50,"category":"tech"}`, i))
	}
	adm := &recordingAdmitter{}
	f := NewSignalFeeder(Config{BatchSize: 2, PollInterval: 5 * time.Millisecond, Lookback: time.Minute, Now: fixedNow}, bus, adm, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	assert.Eventually(t, func() bool { return adm.count() == 5 }, time.Second, 5*time.Millisecond)
	bus.add(`{"id":"late","score":50,"category":"tech"}`)
	assert.Eventually(t, func() bool { return adm.count() == 6 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStartSkipsEntriesOlderThanLookback(t *testing.T) {
	bus := &streamBus{}
	bus.addAt(t0.Add(-time.Hour), `{"id":"stale","score":80,"category":"politics"}`)
	bus.addAt(t0.Add(-30*time.Second), `{"id":"recent","score":80,"category":"politics"}`)
	bus.addAt(t0.Add(time.Second), `{"id":"fresh","score":80,"category":"politics"}`)

	t.Run("lookback window", func(t *testing.T) {
		adm := &recordingAdmitter{}
		f := NewSignalFeeder(Config{Lookback: time.Minute, Now: fixedNow}, bus, adm, quietLogger())

		_, err := f.Poll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"recent", "fresh"}, adm.ids)
	})

	t.Run("no lookback", func(t *testing.T) {
		adm := &recordingAdmitter{}
		f := NewSignalFeeder(Config{Now: fixedNow}, bus, adm, quietLogger())

		_, err := f.Poll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"fresh"}, adm.ids)
	})
}

func TestStartID(t *testing.T) {
	assert.Equal(t, fmt.Sprintf("%d-0", t0.UnixMilli()), startID(t0, 0))
	assert.Equal(t, fmt.Sprintf("%d-0", t0.Add(-time.Minute).UnixMilli()), startID(t0, time.Minute))
	assert.Equal(t, startID(t0, 0), startID(t0, -time.Second))
}
