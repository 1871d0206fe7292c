package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/ledger"
	"github.com/romankoyan-pixel/scandal-oracle/internal/parimutuel"
	"github.com/romankoyan-pixel/scandal-oracle/internal/scheduler"
	"github.com/romankoyan-pixel/scandal-oracle/internal/scoring"
	"github.com/romankoyan-pixel/scandal-oracle/internal/settlement"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type gateCommitter struct {
	gate   chan struct{}
	status domain.CommitStatus

	mu      sync.Mutex
	commits []int64
}

func (c *gateCommitter) Commit(ctx context.Context, cycle domain.Cycle) (domain.CommitResult, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
		}
	}
	c.mu.Lock()
	c.commits = append(c.commits, cycle.ID)
	c.mu.Unlock()

	status := c.status
	if status == "" {
		status = domain.CommitCommitted
	}
	return domain.CommitResult{Status: status, ExternalRef: "0xref"}, nil
}

type recordingObserver struct {
	mu      sync.Mutex
	opened  []int64
	settled []int64
	stale   int
}

func (o *recordingObserver) CycleOpened(_ context.Context, c domain.Cycle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, c.ID)
}
func (o *recordingObserver) CycleClosed(context.Context, domain.Cycle) {}
func (o *recordingObserver) CycleCommitted(context.Context, domain.Cycle, domain.CommitResult) {}
func (o *recordingObserver) CycleSettled(_ context.Context, c domain.Cycle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settled = append(o.settled, c.ID)
}
func (o *recordingObserver) StaleRefunded(_ context.Context, w []domain.Wager) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stale += len(w)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	sched    *scheduler.Scheduler
	ledger   *ledger.Ledger
	observer *recordingObserver
}

func newFixture(t *testing.T, cfg scheduler.Config, committer scheduler.Committer, cycles domain.CycleStore, l *ledger.Ledger, opts ...scheduler.Option) fixture {
	t.Helper()
	if l == nil {
		l = ledger.New(ledger.Config{StartingBalance: 10_000}, nil, nil, discardLogger())
	}
	classifier, err := scoring.NewClassifier(40, 60)
	require.NoError(t, err)
	settler, err := parimutuel.New(parimutuel.Config{HouseEdgeBps: 500}, l, discardLogger())
	require.NoError(t, err)

	obs := &recordingObserver{}
	s, err := scheduler.New(cfg, scheduler.Deps{
		Engine:     scoring.NewEngine(scoring.DefaultWeightingConfig()),
		Classifier: classifier,
		Book:       l,
		Committer:  committer,
		Settler:    settler,
		Cycles:     cycles,
		Observer:   obs,
		Logger:     discardLogger(),
	}, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	return fixture{sched: s, ledger: l, observer: obs}
}

func minuteCycles() scheduler.Config {
	return scheduler.Config{Duration: time.Minute, Tick: time.Second, HistorySize: 10}
}

func TestCloseWindowDoesNotWaitForCommit(t *testing.T) {
	committer := &gateCommitter{gate: make(chan struct{})}
	f := newFixture(t, minuteCycles(), committer, nil, nil)
	ctx := context.Background()

	_, err := f.sched.PlaceWager(ctx, "alice", 1, domain.ActionMint, 100)
	require.NoError(t, err)

	closed, ok := f.sched.CloseWindow(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(1), closed.ID)
	assert.Equal(t, domain.CycleClosing, closed.Status)

	// Commit is still blocked; the next cycle already takes signals and wagers.
	assert.Equal(t, int64(2), f.sched.Current().ID)
	assert.Equal(t, int64(2), f.sched.AdmitSignal(domain.NewSignal(70, "tech")))
	_, err = f.sched.PlaceWager(ctx, "alice", 2, domain.ActionBurn, 100)
	require.NoError(t, err)

	_, err = f.sched.PlaceWager(ctx, "bob", 1, domain.ActionMint, 100)
	assert.ErrorIs(t, err, domain.ErrCycleNotOpen)

	c1, err := f.sched.Cycle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleClosing, c1.Status)
	assert.Equal(t, domain.CommitPending, c1.CommitStatus)

	close(committer.gate)
	f.sched.Wait()

	c1, err = f.sched.Cycle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleSettled, c1.Status)
	assert.Equal(t, domain.CommitCommitted, c1.CommitStatus)
}

func TestSignalPathSettlesWagers(t *testing.T) {
	f := newFixture(t, minuteCycles(), &gateCommitter{}, nil, nil)
	ctx := context.Background()

	_, err := f.sched.PlaceWager(ctx, "alice", 1, domain.ActionBurn, 200)
	require.NoError(t, err)
	_, err = f.sched.PlaceWager(ctx, "bob", 1, domain.ActionMint, 100)
	require.NoError(t, err)
	f.sched.AdmitSignal(domain.NewSignal(95, "politics"))

	closed, ok := f.sched.CloseWindow(ctx)
	require.True(t, ok)
	assert.InDelta(t, 95.0, closed.Score, 1e-9)
	assert.Equal(t, domain.ActionBurn, closed.Action)
	assert.Equal(t, 30, closed.RateBps)

	f.sched.Wait()

	c, err := f.sched.Cycle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleSettled, c.Status)
	assert.Equal(t, "0xref", c.ExternalRef)
	assert.Equal(t, domain.PathPayout, c.Settlement.Path)
	assert.Equal(t, int64(285), c.Settlement.TotalPaid)
	require.NotNil(t, c.SettledAt)

	alice, _ := f.ledger.Balance("alice")
	assert.Equal(t, int64(10_000-200+285), alice.Spendable)
	bob, _ := f.ledger.Balance("bob")
	assert.Equal(t, int64(10_000-100), bob.Spendable)
	assert.Equal(t, []int64{1}, f.observer.settled)
}

func TestEmptyCycleRefunds(t *testing.T) {
	f := newFixture(t, minuteCycles(), &gateCommitter{}, nil, nil)
	ctx := context.Background()

	_, err := f.sched.PlaceWager(ctx, "alice", 1, domain.ActionMint, 300)
	require.NoError(t, err)

	closed, ok := f.sched.CloseWindow(ctx)
	require.True(t, ok)
	assert.Equal(t, domain.ActionNeutral, closed.Action)
	assert.Zero(t, closed.RateBps)
	assert.InDelta(t, scoring.NeutralScore, closed.Score, 1e-9)

	f.sched.Wait()
	c, err := f.sched.Cycle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PathRefund, c.Settlement.Path)

	alice, _ := f.ledger.Balance("alice")
	assert.Equal(t, int64(10_000), alice.Spendable)
}

func TestAbandonedCommitStillSettles(t *testing.T) {
	f := newFixture(t, minuteCycles(), &gateCommitter{status: domain.CommitAbandoned}, nil, nil)
	ctx := context.Background()

	_, err := f.sched.PlaceWager(ctx, "alice", 1, domain.ActionBurn, 100)
	require.NoError(t, err)
	f.sched.AdmitSignal(domain.NewSignal(99, "breaking"))
	f.sched.CloseWindow(ctx)
	f.sched.Wait()

	c, err := f.sched.Cycle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleSettled, c.Status)
	assert.Equal(t, domain.CommitAbandoned, c.CommitStatus)
	assert.Equal(t, domain.WagerWon, f.ledger.History("alice", 1)[0].Result)
}

func TestConsecutiveClosesKeepOneOpenCycle(t *testing.T) {
	committer := &gateCommitter{gate: make(chan struct{})}
	f := newFixture(t, minuteCycles(), committer, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, ok := f.sched.CloseWindow(ctx)
		require.True(t, ok)
	}
	assert.Equal(t, int64(4), f.sched.Current().ID)

	close(committer.gate)
	f.sched.Wait()

	recent, err := f.sched.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	ids := []int64{recent[0].ID, recent[1].ID, recent[2].ID}
	assert.ElementsMatch(t, []int64{1, 2, 3}, ids)
	assert.ElementsMatch(t, []int64{1, 2, 3}, committer.commits, "each cycle committed exactly once")
}

func TestWagerCutoffClosesWagering(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := minuteCycles()
	cfg.WagerCutoff = 30 * time.Second
	f := newFixture(t, cfg, &gateCommitter{}, nil, nil, scheduler.WithClock(clock.Now))
	ctx := context.Background()

	_, err := f.sched.PlaceWager(ctx, "alice", 1, domain.ActionMint, 10)
	require.NoError(t, err)
	assert.True(t, f.sched.Current().WageringOpen)

	clock.Advance(31 * time.Second)
	_, err = f.sched.PlaceWager(ctx, "bob", 1, domain.ActionMint, 10)
	assert.ErrorIs(t, err, domain.ErrWagerWindowClosed)

	view := f.sched.Current()
	assert.False(t, view.WageringOpen)
	assert.Equal(t, 29*time.Second, view.Remaining)
}

func TestCurrentProjectsFromSignalsAndPools(t *testing.T) {
	f := newFixture(t, minuteCycles(), &gateCommitter{}, nil, nil)
	ctx := context.Background()

	f.sched.AdmitSignal(domain.NewSignal(5, "crypto"))
	f.sched.AdmitSignal(domain.Signal{Category: "tech"}) // unscored
	_, err := f.sched.PlaceWager(ctx, "alice", 1, domain.ActionMint, 40)
	require.NoError(t, err)
	_, err = f.sched.PlaceWager(ctx, "bob", 1, domain.ActionBurn, 60)
	require.NoError(t, err)

	view := f.sched.Current()
	assert.Equal(t, 2, view.SignalCount)
	assert.InDelta(t, 5.0, view.ProjectedScore, 1e-9)
	assert.Equal(t, domain.ActionMint, view.ProjectedAction)
	assert.Equal(t, 30, view.ProjectedRateBps)
	assert.Equal(t, domain.Pools{Mint: 40, Burn: 60}, view.Pools)
	assert.Equal(t, 2, view.ParticipantCount)
}

func TestRunClosesExpiredWindows(t *testing.T) {
	cfg := scheduler.Config{Duration: 20 * time.Millisecond, Tick: 2 * time.Millisecond, HistorySize: 10}
	f := newFixture(t, cfg, &gateCommitter{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return f.sched.Current().ID >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	recent, err := f.sched.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(recent), 2)
}

type memCycles struct {
	mu     sync.Mutex
	cycles map[int64]domain.Cycle
}

func (m *memCycles) Upsert(_ context.Context, c domain.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles[c.ID] = c.Clone()
	return nil
}

func (m *memCycles) GetByID(_ context.Context, id int64) (domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[id]
	if !ok {
		return domain.Cycle{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memCycles) LatestID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest int64
	for id := range m.cycles {
		if id > latest {
			latest = id
		}
	}
	return latest, nil
}

func (m *memCycles) ListRecent(_ context.Context, limit int) ([]domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Cycle, 0, len(m.cycles))
	for _, c := range m.cycles {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memCycles) ListByCommitStatus(context.Context, domain.CommitStatus, domain.ListOpts) ([]domain.Cycle, error) {
	return nil, nil
}

func (m *memCycles) ListSettledBefore(context.Context, time.Time) ([]domain.Cycle, error) {
	return nil, nil
}

func TestStartResumesNumberingAndRefundsStaleWagers(t *testing.T) {
	store := &memCycles{cycles: map[int64]domain.Cycle{
		40: {ID: 40, Status: domain.CycleSettled},
		41: {ID: 41, Status: domain.CycleClosing},
	}}
	l := ledger.New(ledger.Config{StartingBalance: 500}, nil, nil, discardLogger())
	_, err := l.Admit(context.Background(), "carl", 41, domain.ActionMint, 200)
	require.NoError(t, err)

	f := newFixture(t, minuteCycles(), &gateCommitter{}, store, l)
	ctx := context.Background()

	assert.Equal(t, int64(42), f.sched.Current().ID)
	assert.Equal(t, 1, f.observer.stale)
	carl, _ := l.Balance("carl")
	assert.Equal(t, int64(500), carl.Spendable)

	c, err := f.sched.Cycle(ctx, 40)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleSettled, c.Status)

	_, err = f.sched.Cycle(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.sched.CloseWindow(ctx)
	f.sched.Wait()
	stored, err := store.GetByID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleSettled, stored.Status)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := scheduler.New(scheduler.Config{}, scheduler.Deps{Logger: discardLogger()})
	assert.Error(t, err)
}

type fixedRounds int64

func (r fixedRounds) CurrentRoundID(context.Context) (int64, error) { return int64(r), nil }

func TestStartFollowsExternalRoundWhenAhead(t *testing.T) {
	l := ledger.New(ledger.Config{}, nil, nil, discardLogger())
	classifier, err := scoring.NewClassifier(40, 60)
	require.NoError(t, err)
	settler, err := parimutuel.New(parimutuel.Config{HouseEdgeBps: 500}, l, discardLogger())
	require.NoError(t, err)

	s, err := scheduler.New(minuteCycles(), scheduler.Deps{
		Engine:     scoring.NewEngine(scoring.DefaultWeightingConfig()),
		Classifier: classifier,
		Book:       l,
		Committer:  &gateCommitter{},
		Settler:    settler,
		Rounds:     fixedRounds(77),
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, int64(77), s.Current().ID)
}

func TestRunAndManualCloseNeverSkipACycle(t *testing.T) {
	cfg := scheduler.Config{Duration: 3 * time.Millisecond, Tick: time.Millisecond, HistorySize: 100}
	f := newFixture(t, cfg, &gateCommitter{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	for i := 0; i < 20; i++ {
		f.sched.CloseWindow(ctx)
		time.Sleep(time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)
	f.sched.Wait()

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	var want []int64
	for id := int64(1); id < f.sched.Current().ID; id++ {
		want = append(want, id)
	}
	assert.GreaterOrEqual(t, len(want), 20)
	assert.ElementsMatch(t, want, f.observer.settled)
}

type noopExternal struct{}

func (noopExternal) CloseRound(context.Context, domain.Action, int) (string, error) {
	return "", errors.New("unexpected commit")
}
func (noopExternal) AdjustSupply(context.Context, domain.Action, int) error { return nil }

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestCommitLockedElsewhereStillResolvesWagers(t *testing.T) {
	committer := settlement.New(settlement.DefaultConfig(), noopExternal{}, nil, discardLogger(),
		settlement.WithLocks(heldLocks{}))
	f := newFixture(t, minuteCycles(), committer, nil, nil)
	ctx := context.Background()

	_, err := f.sched.PlaceWager(ctx, "alice", 1, domain.ActionBurn, 100)
	require.NoError(t, err)
	f.sched.AdmitSignal(domain.NewSignal(99, "breaking"))
	f.sched.CloseWindow(ctx)
	f.sched.Wait()

	c, err := f.sched.Cycle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleSettled, c.Status)
	assert.Equal(t, domain.CommitAbandoned, c.CommitStatus)
	assert.NotEmpty(t, c.CommitError)
	assert.Equal(t, []int64{1}, f.observer.settled)

	assert.Empty(t, f.ledger.WagersForCycle(1))
	assert.Equal(t, domain.WagerWon, f.ledger.History("alice", 1)[0].Result)
	alice, _ := f.ledger.Balance("alice")
	assert.Empty(t, alice.PendingWagers)
	_, err = f.ledger.Reconcile(ctx, "alice", alice.Spendable)
	require.NoError(t, err)
}

// remoteCommitter records the commit as another instance would, then
// reports the cycle as already in flight.
type remoteCommitter struct {
	store *memCycles
}

func (r remoteCommitter) Commit(ctx context.Context, cycle domain.Cycle) (domain.CommitResult, error) {
	cycle.CommitStatus = domain.CommitCommitted
	cycle.ExternalRef = "0xremote"
	if err := r.store.Upsert(ctx, cycle); err != nil {
		return domain.CommitResult{}, err
	}
	return domain.CommitResult{}, fmt.Errorf("%w: cycle %d", domain.ErrCommitInFlight, cycle.ID)
}

func TestCommitOwnedElsewhereAdoptsStoredOutcome(t *testing.T) {
	store := &memCycles{cycles: map[int64]domain.Cycle{}}
	cfg := minuteCycles()
	cfg.Tick = 5 * time.Millisecond
	f := newFixture(t, cfg, remoteCommitter{store: store}, store, nil)
	ctx := context.Background()

	_, err := f.sched.PlaceWager(ctx, "alice", 1, domain.ActionMint, 100)
	require.NoError(t, err)
	f.sched.CloseWindow(ctx)
	f.sched.Wait()

	c, err := f.sched.Cycle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleSettled, c.Status)
	assert.Equal(t, domain.CommitCommitted, c.CommitStatus)
	assert.Equal(t, "0xremote", c.ExternalRef)
	assert.Equal(t, domain.WagerRefunded, f.ledger.History("alice", 1)[0].Result)
}

func TestCommitOwnerSilentAbandonsAfterWait(t *testing.T) {
	store := &memCycles{cycles: map[int64]domain.Cycle{}}
	committer := settlement.New(settlement.DefaultConfig(), noopExternal{}, nil, discardLogger(),
		settlement.WithLocks(heldLocks{}))
	cfg := minuteCycles()
	cfg.Tick = 5 * time.Millisecond
	cfg.CommitWait = 30 * time.Millisecond
	f := newFixture(t, cfg, committer, store, nil)
	ctx := context.Background()

	_, err := f.sched.PlaceWager(ctx, "alice", 1, domain.ActionMint, 100)
	require.NoError(t, err)
	f.sched.CloseWindow(ctx)
	f.sched.Wait()

	stored, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleSettled, stored.Status)
	assert.Equal(t, domain.CommitAbandoned, stored.CommitStatus)
	alice, _ := f.ledger.Balance("alice")
	assert.Equal(t, int64(10_000), alice.Spendable)
}

// slowWagers blocks every write until released.
type slowWagers struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowWagers) Upsert(ctx context.Context, _ domain.Wager) error {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slowWagers) ListByCycle(context.Context, int64) ([]domain.Wager, error) { return nil, nil }
func (s *slowWagers) ListByParticipant(context.Context, string, domain.ListOpts) ([]domain.Wager, error) {
	return nil, nil
}
func (s *slowWagers) ListPending(context.Context) ([]domain.Wager, error) { return nil, nil }
func (s *slowWagers) ListSettledBefore(context.Context, time.Time) ([]domain.Wager, error) {
	return nil, nil
}

func TestSlowWagerStoreDoesNotBlockRotation(t *testing.T) {
	store := &slowWagers{entered: make(chan struct{}), release: make(chan struct{})}
	l := ledger.New(ledger.Config{StartingBalance: 1_000}, nil, store, discardLogger())
	f := newFixture(t, minuteCycles(), &gateCommitter{}, nil, l)
	ctx := context.Background()

	placed := make(chan error, 1)
	go func() {
		_, err := f.sched.PlaceWager(ctx, "alice", 1, domain.ActionMint, 100)
		placed <- err
	}()
	<-store.entered

	closed := make(chan domain.Cycle, 1)
	go func() {
		c, _ := f.sched.CloseWindow(ctx)
		closed <- c
	}()
	select {
	case c := <-closed:
		assert.Equal(t, int64(1), c.ID)
	case <-time.After(time.Second):
		t.Fatal("CloseWindow blocked behind a wager write")
	}
	assert.Equal(t, int64(2), f.sched.AdmitSignal(domain.NewSignal(70, "tech")))

	close(store.release)
	require.NoError(t, <-placed)
	f.sched.Wait()

	c, err := f.sched.Cycle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleSettled, c.Status)
	assert.Equal(t, int64(100), c.Settlement.Pools.Mint)
}
