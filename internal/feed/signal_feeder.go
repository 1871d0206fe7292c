// Package feed pulls scored signals from the upstream ingestion pipeline.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// Admitter accepts a scored signal into the Open cycle.
type Admitter interface {
	AdmitSignal(ctx context.Context, sig domain.Signal) (int64, bool, error)
}

// Config controls stream consumption.
type Config struct {
	Stream        string
	PollInterval  time.Duration
	BatchSize     int
	DedupCapacity int
	// Lookback is how far behind the start time reading begins. Entries
	// older than that are never admitted; zero starts at the start time.
	Lookback time.Duration
	// Now replaces time.Now when deriving the start position.
	Now func() time.Time
}

// SignalFeeder reads scored signals from a Redis stream and admits them.
// Reading starts Lookback before the feeder was created, so a restart does
// not replay the whole stream. Within that window the local dedup and the
// shared seen-set keep replays out of the cycle.
type SignalFeeder struct {
	cfg    Config
	bus    domain.SignalBus
	admit  Admitter
	dedup  *Dedup
	logger *slog.Logger

	lastID string
}

// NewSignalFeeder creates a SignalFeeder.
func NewSignalFeeder(cfg Config, bus domain.SignalBus, admit Admitter, logger *slog.Logger) *SignalFeeder {
	if cfg.Stream == "" {
		cfg.Stream = "signals:scored"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SignalFeeder{
		cfg:    cfg,
		bus:    bus,
		admit:  admit,
		dedup:  NewDedup(cfg.DedupCapacity),
		logger: logger.With(slog.String("component", "signal_feeder")),
		lastID: startID(cfg.Now(), cfg.Lookback),
	}
}

// startID is the stream entry id just before now minus lookback. Stream ids
// are "<unix-ms>-<seq>" and reads return entries strictly after lastID.
func startID(now time.Time, lookback time.Duration) string {
	if lookback < 0 {
		lookback = 0
	}
	return strconv.FormatInt(now.Add(-lookback).UnixMilli(), 10) + "-0"
}

// Run consumes the stream until ctx is cancelled.
func (f *SignalFeeder) Run(ctx context.Context) error {
	f.logger.Info("signal feeder started", slog.String("stream", f.cfg.Stream))
	defer f.logger.Info("signal feeder stopped")

	for {
		n, err := f.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			f.logger.Warn("stream read failed", slog.String("error", err.Error()))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n == f.cfg.BatchSize {
			continue
		}

		timer := time.NewTimer(f.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Poll reads and admits one batch and returns the number of entries read.
func (f *SignalFeeder) Poll(ctx context.Context) (int, error) {
	msgs, err := f.bus.StreamRead(ctx, f.cfg.Stream, f.lastID, f.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		f.lastID = msg.ID
		f.handle(ctx, msg)
	}
	return len(msgs), nil
}

func (f *SignalFeeder) handle(ctx context.Context, msg domain.StreamMessage) {
	var sig domain.Signal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		f.logger.Debug("malformed signal skipped",
			slog.String("entry_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if sig.ID == "" {
		sig.ID = msg.ID
	}
	if f.dedup.IsDuplicate(sig.ID) {
		return
	}

	cycleID, admitted, err := f.admit.AdmitSignal(ctx, sig)
	switch {
	case errors.Is(err, domain.ErrValidation):
		f.logger.Debug("invalid signal skipped",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
	case err != nil:
		f.logger.Warn("admit signal failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
	case admitted:
		f.logger.Debug("signal admitted",
			slog.String("signal_id", sig.ID),
			slog.Int64("cycle_id", cycleID),
			slog.String("category", sig.Category),
		)
	}
}
