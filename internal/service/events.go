package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/notify"
	"github.com/romankoyan-pixel/scandal-oracle/internal/scheduler"
)

const sideEffectTimeout = 5 * time.Second

// EventRelay turns scheduler lifecycle transitions into bus events, audit
// rows and operator alerts. Every collaborator is optional.
type EventRelay struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier *notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

var _ scheduler.Observer = (*EventRelay)(nil)

// NewEventRelay creates an EventRelay.
func NewEventRelay(bus domain.SignalBus, audit domain.AuditStore, notifier *notify.Notifier, logger *slog.Logger) *EventRelay {
	return &EventRelay{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event_relay")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish sends an event envelope on channel. Failures are logged only.
func (r *EventRelay) Publish(ctx context.Context, channel, eventType string, payload any) {
	if r.bus == nil {
		return
	}
	data, err := json.Marshal(domain.Event{Type: eventType, Payload: payload, Timestamp: r.now()})
	if err != nil {
		r.logger.WarnContext(ctx, "marshal event failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, channel, data); err != nil {
		r.logger.WarnContext(ctx, "publish event failed",
			slog.String("type", eventType),
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// Audit appends a row to the audit log. Failures are logged only.
func (r *EventRelay) Audit(ctx context.Context, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", fmt.Errorf("%w: %w", domain.ErrPersistence, err).Error()),
		)
	}
}

func (r *EventRelay) alert(ctx context.Context, event, title, format string, args ...any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := r.notifier.Notifyf(ctx, event, title, format, args...); err != nil {
		r.logger.WarnContext(ctx, "alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (r *EventRelay) CycleOpened(ctx context.Context, c domain.Cycle) {
	r.Publish(ctx, domain.ChannelCycles, domain.EventCycleOpened, cycleHeader(c))
}

func (r *EventRelay) CycleClosed(ctx context.Context, c domain.Cycle) {
	r.Publish(ctx, domain.ChannelCycles, domain.EventCycleClosed, cycleHeader(c))
}

// CycleCommitted records the commit outcome and alerts on abandonment or a
// failed supply adjustment.
func (r *EventRelay) CycleCommitted(ctx context.Context, c domain.Cycle, res domain.CommitResult) {
	detail := map[string]any{
		"cycle_id":     c.ID,
		"status":       string(res.Status),
		"action":       c.Action.String(),
		"rate_bps":     c.RateBps,
		"attempts":     len(res.Attempts),
		"external_ref": res.ExternalRef,
	}
	if res.Err != nil {
		detail["error"] = res.Err.Error()
	}
	if res.SupplyErr != nil {
		detail["supply_error"] = res.SupplyErr.Error()
	}
	r.Audit(ctx, "cycle.commit", detail)
	r.Publish(ctx, domain.ChannelCycles, domain.EventCycleCommitted, detail)

	if res.Status == domain.CommitAbandoned {
		reason := "unknown"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		r.alert(ctx, notify.EventCycleAbandoned, fmt.Sprintf("Cycle %d abandoned", c.ID),
			"%s %dbp was not committed after %d attempt(s): %s",
			c.Action, c.RateBps, len(res.Attempts), reason)
	}
	if res.SupplyErr != nil {
		r.Audit(ctx, "cycle.supply_failed", map[string]any{
			"cycle_id": c.ID,
			"error":    res.SupplyErr.Error(),
		})
		r.alert(ctx, notify.EventSupplyAdjustFailed, fmt.Sprintf("Cycle %d supply adjustment failed", c.ID),
			"%s %dbp committed in %s but the supply call failed: %v",
			c.Action, c.RateBps, res.ExternalRef, res.SupplyErr)
	}
}

func (r *EventRelay) CycleSettled(ctx context.Context, c domain.Cycle) {
	r.Publish(ctx, domain.ChannelCycles, domain.EventCycleSettled, c)
}

// StaleRefunded audits wagers refunded at startup.
func (r *EventRelay) StaleRefunded(ctx context.Context, wagers []domain.Wager) {
	if len(wagers) == 0 {
		return
	}
	var total int64
	ids := make([]string, 0, len(wagers))
	for _, w := range wagers {
		total += w.Amount
		ids = append(ids, w.ID)
	}
	r.Audit(ctx, "wager.stale_refund", map[string]any{
		"count":     len(wagers),
		"total":     total,
		"wager_ids": ids,
	})
	r.alert(ctx, notify.EventStaleRefund, "Stale wagers refunded",
		"%d wager(s) totalling %d refunded at startup", len(wagers), total)
}

type cycleSummary struct {
	ID           int64               `json:"id"`
	StartTime    time.Time           `json:"start_time"`
	EndTime      *time.Time          `json:"end_time,omitempty"`
	Status       domain.CycleStatus  `json:"status"`
	SignalCount  int                 `json:"signal_count"`
	Score        float64             `json:"score"`
	Action       domain.Action       `json:"action,omitempty"`
	RateBps      int                 `json:"rate_bps"`
	CommitStatus domain.CommitStatus `json:"commit_status"`
}

func cycleHeader(c domain.Cycle) cycleSummary {
	return cycleSummary{
		ID:           c.ID,
		StartTime:    c.StartTime,
		EndTime:      c.EndTime,
		Status:       c.Status,
		SignalCount:  len(c.Signals),
		Score:        c.Score,
		Action:       c.Action,
		RateBps:      c.RateBps,
		CommitStatus: c.CommitStatus,
	}
}
