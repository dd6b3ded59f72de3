package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/arcinvoice/internal/worker"
)

// DefaultSweepInterval is used when NewTimer gets a non-positive interval.
const DefaultSweepInterval = time.Minute

// NewTimer returns the "sweep" job, which runs Sweep every interval.
func NewTimer(r *Reconciler, interval time.Duration, logger *slog.Logger) *worker.Periodic {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return worker.New("sweep", interval, func(ctx context.Context) error {
		report, err := r.Sweep(ctx)
		if err != nil {
			return err
		}
		if report.Updated > 0 || report.Failed > 0 || report.AutoReleased > 0 {
			logger.Info("reconciliation sweep",
				"checked", report.Checked, "updated", report.Updated,
				"auto_released", report.AutoReleased, "failed", report.Failed,
				"duration", report.Duration)
		}
		return nil
	}, logger)
}
