// Package pipeline runs background maintenance jobs for the oracle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// Archiver copies settled history older than the retention window to cold
// storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Cutoff is the instant before which settled rows are archived.
func (a *Archiver) Cutoff() time.Time {
	return a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
}

// Run executes one archive pass. A failure on cycles does not skip wagers.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.Cutoff()
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	var errs []error

	cycles, err := a.blobArchiver.ArchiveCycles(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("archiving cycles before %v: %w", cutoff, err))
	}
	wagers, err := a.blobArchiver.ArchiveWagers(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("archiving wagers before %v: %w", cutoff, err))
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("cycles_archived", cycles),
		slog.Int64("wagers_archived", wagers),
		slog.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}

// RunEvery runs an archive pass immediately and then every interval until
// ctx is cancelled. Failed passes are logged and retried on the next tick.
func (a *Archiver) RunEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("pipeline: archive interval must be positive, got %v", interval)
	}
	a.logger.Info("archiver started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
