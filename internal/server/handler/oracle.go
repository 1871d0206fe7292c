package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/service"
)

// OracleService is what the oracle handler needs from the service layer.
type OracleService interface {
	PlaceWager(ctx context.Context, req service.WagerRequest) (domain.Wager, error)
	CurrentCycleStatus() domain.CycleView
	SettlementHistory(ctx context.Context, cycleID int64) (domain.Cycle, error)
	RecentCycles(ctx context.Context, limit int) ([]domain.Cycle, error)
	Balance(participant string) (domain.BalanceRecord, error)
	WagerHistory(ctx context.Context, participant string, limit int) ([]domain.Wager, error)
	ReconcileBalance(ctx context.Context, participant string) (domain.BalanceRecord, error)
	Leaderboard(limit int) []domain.BalanceRecord
	AdmitSignal(ctx context.Context, sig domain.Signal) (int64, bool, error)
	AuditTrail(ctx context.Context, prefix string, limit int) ([]domain.AuditEntry, error)
}

// OracleHandler serves cycle, wager and balance endpoints.
type OracleHandler struct {
	svc    OracleService
	logger *slog.Logger
}

// NewOracleHandler creates an OracleHandler.
func NewOracleHandler(svc OracleService, logger *slog.Logger) *OracleHandler {
	return &OracleHandler{svc: svc, logger: logger}
}

// currentCycleResponse adds second-based durations for clients that do not
// parse Go durations.
type currentCycleResponse struct {
	domain.CycleView
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// CurrentCycle projects the Open cycle.
// GET /api/cycles/current
func (h *OracleHandler) CurrentCycle(w http.ResponseWriter, r *http.Request) {
	v := h.svc.CurrentCycleStatus()
	writeJSON(w, http.StatusOK, currentCycleResponse{
		CycleView:        v,
		ElapsedSeconds:   v.Elapsed.Seconds(),
		RemainingSeconds: v.Remaining.Seconds(),
	})
}

// ListCycles returns recent settled cycles.
// GET /api/cycles?limit=20
func (h *OracleHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.svc.RecentCycles(r.Context(), parseLimit(r, 20, 100))
	if err != nil {
		writeServiceError(w, r, h.logger, "list cycles", err)
		return
	}
	if cycles == nil {
		cycles = []domain.Cycle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

// GetCycle returns one cycle's settlement record.
// GET /api/cycles/{id}
func (h *OracleHandler) GetCycle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid cycle id")
		return
	}
	c, err := h.svc.SettlementHistory(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get cycle", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// PlaceWager admits a wager on the Open cycle.
// POST /api/wagers
func (h *OracleHandler) PlaceWager(w http.ResponseWriter, r *http.Request) {
	var req service.WagerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	wager, err := h.svc.PlaceWager(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "place wager", err)
		return
	}
	writeJSON(w, http.StatusCreated, wager)
}

// GetBalance returns a participant's balance record.
// GET /api/participants/{participant}/balance
func (h *OracleHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Balance(r.PathValue("participant"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListWagers returns a participant's recent wagers.
// GET /api/participants/{participant}/wagers?limit=20
func (h *OracleHandler) ListWagers(w http.ResponseWriter, r *http.Request) {
	wagers, err := h.svc.WagerHistory(r.Context(), r.PathValue("participant"), parseLimit(r, 20, 100))
	if err != nil {
		writeServiceError(w, r, h.logger, "list wagers", err)
		return
	}
	if wagers == nil {
		wagers = []domain.Wager{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"wagers": wagers})
}

// Reconcile syncs a participant's balance from the external ledger.
// POST /api/participants/{participant}/reconcile
func (h *OracleHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.ReconcileBalance(r.Context(), r.PathValue("participant"))
	if err != nil {
		writeServiceError(w, r, h.logger, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Leaderboard returns the top balances.
// GET /api/leaderboard?limit=10
func (h *OracleHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	board := h.svc.Leaderboard(parseLimit(r, 10, 100))
	if board == nil {
		board = []domain.BalanceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": board})
}

// IngestSignal admits a pushed scored signal.
// POST /api/signals
func (h *OracleHandler) IngestSignal(w http.ResponseWriter, r *http.Request) {
	var sig domain.Signal
	if err := decodeBody(w, r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if sig.Category == "" {
		writeError(w, http.StatusBadRequest, "category is required")
		return
	}
	cycleID, admitted, err := h.svc.AdmitSignal(r.Context(), sig)
	if err != nil {
		writeServiceError(w, r, h.logger, "ingest signal", err)
		return
	}
	status := http.StatusAccepted
	if !admitted {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"admitted": admitted,
		"cycle_id": cycleID,
	})
}

// auditEntry is the wire form of a domain.AuditEntry.
type auditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAudit returns recent audit entries, optionally filtered by event
// prefix.
// GET /api/audit?event=cycle.&limit=50
func (h *OracleHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.AuditTrail(r.Context(), r.URL.Query().Get("event"), parseLimit(r, 50, 500))
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	out := make([]auditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntry(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
