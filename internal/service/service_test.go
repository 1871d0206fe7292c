package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/notify"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	signals []domain.Signal
	wagers  []domain.Wager
	err     error
}

func (f *fakeEngine) AdmitSignal(sig domain.Signal) int64 {
	f.signals = append(f.signals, sig)
	return 9
}

func (f *fakeEngine) PlaceWager(_ context.Context, p string, cycleID int64, outcome domain.Action, amount int64) (domain.Wager, error) {
	if f.err != nil {
		return domain.Wager{}, f.err
	}
	w := domain.Wager{ID: "w", Participant: p, CycleID: cycleID, Outcome: outcome, Amount: amount, Result: domain.WagerPending}
	f.wagers = append(f.wagers, w)
	return w, nil
}

func (f *fakeEngine) Current() domain.CycleView { return domain.CycleView{ID: 9} }

func (f *fakeEngine) Cycle(_ context.Context, id int64) (domain.Cycle, error) {
	if id != 9 {
		return domain.Cycle{}, domain.ErrNotFound
	}
	return domain.Cycle{ID: 9}, nil
}

func (f *fakeEngine) Recent(context.Context, int) ([]domain.Cycle, error) { return nil, nil }

type fakeBook struct {
	recs map[string]domain.BalanceRecord
}

func (b *fakeBook) Balance(p string) (domain.BalanceRecord, bool) {
	r, ok := b.recs[p]
	return r, ok
}

func (b *fakeBook) History(string, int) []domain.Wager { return nil }

func (b *fakeBook) Leaderboard(int) []domain.BalanceRecord { return nil }

func (b *fakeBook) Reconcile(_ context.Context, p string, ext int64) (domain.BalanceRecord, error) {
	r := b.recs[p]
	if r.HasPending() {
		return r, domain.ErrPendingWager
	}
	r.Participant = p
	r.Spendable = ext
	b.recs[p] = r
	return r, nil
}

type memBus struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	var ev struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		b.events = make(map[string][]domain.Event)
	}
	b.events[channel] = append(b.events[channel], domain.Event{Type: ev.Type})
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) types(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events[channel] {
		out = append(out, e.Type)
	}
	return out
}

type memAudit struct {
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for i := len(a.events) - 1; i >= 0; i-- {
		if !strings.HasPrefix(a.events[i], opts.EventPrefix) {
			continue
		}
		out = append(out, domain.AuditEntry{ID: int64(i + 1), Event: a.events[i]})
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

type memSeen map[string]bool

func (m memSeen) MarkSeen(_ context.Context, id string) (bool, error) {
	if m[id] {
		return false, nil
	}
	m[id] = true
	return true, nil
}

type countingLimiter struct {
	allowed int
	err     error
}

func (l *countingLimiter) Allow(_ context.Context, _ string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.allowed++
	return l.allowed <= limit, nil
}

type staticBalances int64

func (s staticBalances) BalanceOf(context.Context, string) (int64, error) { return int64(s), nil }

type captureSender struct {
	titles []string
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.titles = append(c.titles, title)
	return nil
}

func (c *captureSender) Name() string { return "capture" }

type fixture struct {
	svc    *OracleService
	engine *fakeEngine
	book   *fakeBook
	bus    *memBus
	audit  *memAudit
}

func newFixture(t *testing.T, cfg Config, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		engine: &fakeEngine{},
		book:   &fakeBook{recs: map[string]domain.BalanceRecord{}},
		bus:    &memBus{},
		audit:  &memAudit{},
	}
	deps := Deps{
		Engine: f.engine,
		Book:   f.book,
		Relay:  NewEventRelay(f.bus, f.audit, nil, quietLogger()),
		Logger: quietLogger(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.svc = NewOracleService(cfg, deps)
	return f
}

func TestPlaceWagerPublishesEvent(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	w, err := f.svc.PlaceWager(context.Background(), WagerRequest{
		Participant: " 0xABC ", CycleID: 9, Outcome: domain.ActionMint, Amount: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", w.Participant)
	assert.Equal(t, []string{domain.EventWagerPlaced}, f.bus.types(domain.ChannelWagers))
}

func TestPlaceWagerRejectionIsWrapped(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.engine.err = domain.ErrInsufficientBalance

	_, err := f.svc.PlaceWager(context.Background(), WagerRequest{Participant: "0xa", CycleID: 9, Outcome: domain.ActionBurn, Amount: 150})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Empty(t, f.bus.types(domain.ChannelWagers))
}

func TestPlaceWagerRateLimited(t *testing.T) {
	limiter := &countingLimiter{}
	f := newFixture(t, Config{WagerRateLimit: 2}, func(d *Deps) { d.Limiter = limiter })
	req := WagerRequest{Participant: "0xa", CycleID: 9, Outcome: domain.ActionMint, Amount: 1}

	for i := 0; i < 2; i++ {
		_, err := f.svc.PlaceWager(context.Background(), req)
		require.NoError(t, err)
	}
	_, err := f.svc.PlaceWager(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Len(t, f.engine.wagers, 2)
}

func TestPlaceWagerLimiterOutageFailsOpen(t *testing.T) {
	limiter := &countingLimiter{err: errors.New("redis down")}
	f := newFixture(t, Config{WagerRateLimit: 1}, func(d *Deps) { d.Limiter = limiter })

	_, err := f.svc.PlaceWager(context.Background(), WagerRequest{Participant: "0xa", CycleID: 9, Outcome: domain.ActionMint, Amount: 1})
	assert.NoError(t, err)
}

func TestAdmitSignalDedupAndValidation(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) { d.Seen = memSeen{} })
	ctx := context.Background()

	sig := domain.NewSignal(80, " Politics ")
	sig.ID = "s1"

	id, ok, err := f.svc.AdmitSignal(ctx, sig)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(9), id)
	assert.Equal(t, "politics", f.engine.signals[0].Category)

	_, ok, err = f.svc.AdmitSignal(ctx, sig)
	require.NoError(t, err)
	assert.False(t, ok, "second delivery of the same id is dropped")

	_, _, err = f.svc.AdmitSignal(ctx, domain.NewSignal(101, "tech"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	unscored := domain.Signal{Category: "tech"}
	_, ok, err = f.svc.AdmitSignal(ctx, unscored)
	require.NoError(t, err)
	assert.True(t, ok, "unscored signals are admitted and excluded later")
	assert.Len(t, f.engine.signals, 2)
}

func TestReconcileBalance(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) { d.Balances = staticBalances(500) })

	rec, err := f.svc.ReconcileBalance(context.Background(), "0xAA")
	require.NoError(t, err)
	assert.Equal(t, int64(500), rec.Spendable)
	assert.Equal(t, []string{"balance.reconcile"}, f.audit.events)
	assert.Equal(t, []string{domain.EventBalanceReconciled}, f.bus.types(domain.ChannelBalances))
}

func TestReconcileBalanceBlockedByPendingWager(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) { d.Balances = staticBalances(500) })
	f.book.recs["0xaa"] = domain.BalanceRecord{Participant: "0xaa", Spendable: 40, PendingWagers: map[int64]string{3: "w"}}

	rec, err := f.svc.ReconcileBalance(context.Background(), "0xaa")
	assert.ErrorIs(t, err, domain.ErrPendingWager)
	assert.Equal(t, int64(40), rec.Spendable)
	assert.Empty(t, f.audit.events)
}

func TestReconcileWithoutLedger(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_, err := f.svc.ReconcileBalance(context.Background(), "0xaa")
	assert.ErrorIs(t, err, domain.ErrLedgerDisabled)
}

func TestBalanceNotFound(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_, err := f.svc.Balance("0xnobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditTrailFiltersByPrefix(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) { d.Audit = d.Relay.audit })
	f.audit.events = []string{"cycle.commit", "balance.reconcile", "cycle.supply_failed"}

	out, err := f.svc.AuditTrail(context.Background(), "cycle.", 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "cycle.supply_failed", out[0].Event)
	assert.Equal(t, "cycle.commit", out[1].Event)
}

func TestRelayAlertsOnAbandonAndSupplyFailure(t *testing.T) {
	sender := &captureSender{}
	audit := &memAudit{}
	relay := NewEventRelay(&memBus{}, audit, notify.NewNotifier([]notify.Sender{sender}, nil, quietLogger()), quietLogger())
	c := domain.Cycle{ID: 4, Action: domain.ActionBurn, RateBps: 30}

	relay.CycleCommitted(context.Background(), c, domain.CommitResult{
		Status: domain.CommitAbandoned,
		Err:    domain.ErrSettlementAbandoned,
	})
	relay.CycleCommitted(context.Background(), c, domain.CommitResult{
		Status:      domain.CommitCommitted,
		ExternalRef: "0xtx",
		SupplyErr:   errors.New("reverted"),
	})

	assert.Equal(t, []string{"Cycle 4 abandoned", "Cycle 4 supply adjustment failed"}, sender.titles)
	assert.Equal(t, []string{"cycle.commit", "cycle.commit", "cycle.supply_failed"}, audit.events)
}

func TestRelayWithoutCollaborators(t *testing.T) {
	relay := NewEventRelay(nil, nil, nil, quietLogger())
	assert.NotPanics(t, func() {
		relay.CycleOpened(context.Background(), domain.Cycle{ID: 1})
		relay.CycleCommitted(context.Background(), domain.Cycle{ID: 1}, domain.CommitResult{Status: domain.CommitAbandoned})
		relay.StaleRefunded(context.Background(), []domain.Wager{{ID: "w", Amount: 5}})
	})
}
