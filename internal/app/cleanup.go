package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/listflow/dirsubmit/internal/domain"
)

// HistorySweeper prunes old history rows on a schedule. History is
// append-only and grows with every submission, so without the sweep the
// table dominates storage.
type HistorySweeper struct {
	history       domain.HistoryRepository
	retentionDays int
	interval      time.Duration
}

// NewHistorySweeper constructs a sweeper. Non-positive retention
// defaults to 90 days, non-positive interval to 24h.
func NewHistorySweeper(history domain.HistoryRepository, retentionDays int, interval time.Duration) *HistorySweeper {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &HistorySweeper{history: history, retentionDays: retentionDays, interval: interval}
}

// Run sweeps on the interval until ctx is cancelled.
func (s *HistorySweeper) Run(ctx context.Context) {
	slog.Info("history sweeper started",
		slog.Int("retention_days", s.retentionDays),
		slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("history sweeper stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *HistorySweeper) sweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	deleted, err := s.history.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("history sweep failed", slog.Any("error", err))
		return
	}
	if deleted > 0 {
		slog.Info("history rows pruned",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff))
	}
}
