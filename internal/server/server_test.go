package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/server/handler"
	"github.com/romankoyan-pixel/scandal-oracle/internal/server/ws"
	"github.com/romankoyan-pixel/scandal-oracle/internal/service"
)

type stubService struct {
	wagerErr   error
	lastWager  service.WagerRequest
	admitted   bool
	reconcileE error
}

func (s *stubService) PlaceWager(_ context.Context, req service.WagerRequest) (domain.Wager, error) {
	s.lastWager = req
	if s.wagerErr != nil {
		return domain.Wager{}, s.wagerErr
	}
	return domain.Wager{ID: "w1", Participant: req.Participant, CycleID: req.CycleID, Outcome: req.Outcome, Amount: req.Amount, Result: domain.WagerPending}, nil
}

func (s *stubService) CurrentCycleStatus() domain.CycleView {
	return domain.CycleView{ID: 12, Elapsed: 30 * time.Second, Remaining: 90 * time.Second, ProjectedAction: domain.ActionNeutral}
}

func (s *stubService) SettlementHistory(_ context.Context, id int64) (domain.Cycle, error) {
	if id != 11 {
		return domain.Cycle{}, domain.ErrNotFound
	}
	return domain.Cycle{ID: 11, Status: domain.CycleSettled, Action: domain.ActionBurn, RateBps: 30}, nil
}

func (s *stubService) RecentCycles(context.Context, int) ([]domain.Cycle, error) { return nil, nil }

func (s *stubService) Balance(p string) (domain.BalanceRecord, error) {
	if p != "0xaa" {
		return domain.BalanceRecord{}, domain.ErrNotFound
	}
	return domain.BalanceRecord{Participant: p, Spendable: 100}, nil
}

func (s *stubService) WagerHistory(context.Context, string, int) ([]domain.Wager, error) {
	return nil, nil
}

func (s *stubService) ReconcileBalance(_ context.Context, p string) (domain.BalanceRecord, error) {
	return domain.BalanceRecord{Participant: p}, s.reconcileE
}

func (s *stubService) Leaderboard(int) []domain.BalanceRecord { return nil }

func (s *stubService) AdmitSignal(context.Context, domain.Signal) (int64, bool, error) {
	return 12, s.admitted, nil
}

func (s *stubService) AuditTrail(_ context.Context, prefix string, _ int) ([]domain.AuditEntry, error) {
	return []domain.AuditEntry{{ID: 1, Event: prefix + "commit", Detail: map[string]any{"cycle_id": 11}}}, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config, svc *stubService, limiter domain.RateLimiter, hub *ws.Hub) *httptest.Server {
	t.Helper()
	s := NewServer(cfg, Handlers{
		Health: handler.NewHealthHandler(nil),
		Oracle: handler.NewOracleHandler(svc, quietLogger()),
		Hub:    hub,
	}, limiter, quietLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string, header map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestPlaceWagerStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"created", nil, http.StatusCreated},
		{"validation", domain.ErrValidation, http.StatusBadRequest},
		{"duplicate", domain.ErrDuplicateWager, http.StatusConflict},
		{"cycle not open", domain.ErrCycleNotOpen, http.StatusConflict},
		{"insufficient", domain.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{"rate limited", domain.ErrRateLimited, http.StatusTooManyRequests},
		{"unexpected", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{wagerErr: tt.err}
			ts := newTestServer(t, Config{}, svc, nil, nil)

			status, body := do(t, http.MethodPost, ts.URL+"/api/wagers",
				`{"participant":"0xaa","cycle_id":12,"outcome":"MINT","amount":10}`, nil)
			assert.Equal(t, tt.want, status)
			if tt.err == nil {
				assert.Equal(t, "MINT", body["outcome"])
				assert.Equal(t, domain.ActionMint, svc.lastWager.Outcome)
			}
		})
	}
}

func TestPlaceWagerRejectsBadBody(t *testing.T) {
	ts := newTestServer(t, Config{}, &stubService{}, nil, nil)

	status, _ := do(t, http.MethodPost, ts.URL+"/api/wagers", `{"participant":"0xaa","outcome":"UP","amount":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodPost, ts.URL+"/api/wagers", `{"participant":"0xaa","extra":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCycleRoutes(t *testing.T) {
	ts := newTestServer(t, Config{}, &stubService{}, nil, nil)

	status, body := do(t, http.MethodGet, ts.URL+"/api/cycles/current", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(12), body["id"])
	assert.Equal(t, float64(90), body["remaining_seconds"])

	status, body = do(t, http.MethodGet, ts.URL+"/api/cycles/11", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "BURN", body["action"])

	status, _ = do(t, http.MethodGet, ts.URL+"/api/cycles/99", "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodGet, ts.URL+"/api/cycles/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, http.MethodGet, ts.URL+"/api/cycles", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{}, body["cycles"])
}

func TestParticipantRoutes(t *testing.T) {
	svc := &stubService{reconcileE: domain.ErrPendingWager}
	ts := newTestServer(t, Config{}, svc, nil, nil)

	status, body := do(t, http.MethodGet, ts.URL+"/api/participants/0xaa/balance", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(100), body["spendable"])

	status, _ = do(t, http.MethodGet, ts.URL+"/api/participants/0xbb/balance", "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodPost, ts.URL+"/api/participants/0xaa/reconcile", "", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = do(t, http.MethodGet, ts.URL+"/api/leaderboard", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{}, body["leaderboard"])
}

func TestIngestSignal(t *testing.T) {
	svc := &stubService{admitted: true}
	ts := newTestServer(t, Config{}, svc, nil, nil)

	status, body := do(t, http.MethodPost, ts.URL+"/api/signals", `{"id":"s1","score":72,"category":"crypto"}`, nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, body["admitted"])

	status, _ = do(t, http.MethodPost, ts.URL+"/api/signals", `{"score":72}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListAudit(t *testing.T) {
	ts := newTestServer(t, Config{}, &stubService{}, nil, nil)

	status, body := do(t, http.MethodGet, ts.URL+"/api/audit?event=cycle.", "", nil)
	require.Equal(t, http.StatusOK, status)
	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, "cycle.commit", entries[0].(map[string]any)["event"])
}

func TestAuthAndPublicRoutes(t *testing.T) {
	ts := newTestServer(t, Config{APIKey: "secret"}, &stubService{}, nil, nil)

	status, _ := do(t, http.MethodGet, ts.URL+"/api/health", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, http.MethodGet, ts.URL+"/api/cycles/current", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodGet, ts.URL+"/api/cycles/current", "", map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, http.MethodGet, ts.URL+"/api/cycles/current", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, status)
}

func TestRateLimitExemptsHealth(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: 1, RateWindow: time.Minute}, &stubService{}, denyLimiter{}, nil)

	status, _ := do(t, http.MethodGet, ts.URL+"/api/cycles/current", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)

	status, _ = do(t, http.MethodGet, ts.URL+"/api/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

type chanBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	if ch != nil {
		ch <- payload
	}
	return nil
}

func (b *chanBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	in := make(chan []byte, 8)
	out := make(chan []byte)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[string]chan []byte)
	}
	b.subs[channel] = in
	b.mu.Unlock()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-in:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestWebSocketRelay(t *testing.T) {
	bus := &chanBus{}
	hub := ws.NewHub(bus, func() any { return map[string]int64{"cycle_id": 12} }, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	ts := newTestServer(t, Config{}, &stubService{}, nil, hub)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var status domain.Event
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "oracle.status", status.Type)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs) == len(ws.Channels)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, domain.ChannelCycles, []byte(`{"type":"cycle.opened"}`)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev domain.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, domain.EventCycleOpened, ev.Type)
}
