package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron"
)

// Housekeeper runs the periodic maintenance sweeps spec §5 requires:
// expiring stale spec-update analyses and trimming the event-retention ring.
// It generalizes the teacher's raw time.Ticker background-loop idiom into
// cron-expression-driven sweeps.
type Housekeeper struct {
	store  *Store
	logger *slog.Logger
	cron   *cron.Cron

	specAnalysisTTL  time.Duration
	eventRetainCount int
}

// NewHousekeeper builds a Housekeeper. specAnalysisTTL and eventRetainCount
// come directly from the harness configuration surface (spec §6).
func NewHousekeeper(s *Store, logger *slog.Logger, specAnalysisTTL time.Duration, eventRetainCount int) *Housekeeper {
	return &Housekeeper{
		store:            s,
		logger:           logger,
		cron:             cron.New(),
		specAnalysisTTL:  specAnalysisTTL,
		eventRetainCount: eventRetainCount,
	}
}

// Start schedules both sweeps and begins running them in the background.
// Every 10 minutes for analysis expiry (bounded window is on the order of an
// hour by default, so minute-granularity sweeping is cheap), every hour for
// event retention trimming.
func (h *Housekeeper) Start(ctx context.Context) error {
	if _, err := h.cron.AddFunc("0 */10 * * * *", func() { h.sweepExpiredAnalyses(ctx) }); err != nil {
		return err
	}
	if _, err := h.cron.AddFunc("0 0 * * * *", func() { h.sweepEventRetention(ctx) }); err != nil {
		return err
	}
	h.cron.Start()
	return nil
}

// Stop halts the scheduled sweeps.
func (h *Housekeeper) Stop() {
	h.cron.Stop()
}

func (h *Housekeeper) sweepExpiredAnalyses(ctx context.Context) {
	n, err := h.store.ExpireSpecAnalyses(ctx, h.specAnalysisTTL)
	if err != nil {
		h.logger.Error("spec analysis expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		h.logger.Info("expired spec analyses", "count", n)
	}
}

func (h *Housekeeper) sweepEventRetention(ctx context.Context) {
	if err := h.store.TrimEventRetention(ctx, h.eventRetainCount); err != nil {
		h.logger.Error("event retention sweep failed", "error", err)
	}
}
