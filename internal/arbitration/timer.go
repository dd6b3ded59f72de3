package arbitration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/arcinvoice/internal/worker"
)

// NewTimer returns the "rulings" job: it polls the court for open cases,
// then executes resolved rulings that have not reached the escrow yet.
func NewTimer(b *Bridge, interval time.Duration, logger *slog.Logger) *worker.Periodic {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return worker.New("rulings", interval, func(ctx context.Context) error {
		synced, errSync := b.SyncCases(ctx)
		if synced > 0 {
			logger.Debug("cases synced", "count", synced)
		}
		executed, errExec := b.ExecutePending(ctx)
		if executed > 0 {
			logger.Info("rulings executed", "count", executed)
		}
		if errSync != nil {
			errSync = fmt.Errorf("sync cases: %w", errSync)
		}
		if errExec != nil {
			errExec = fmt.Errorf("execute pending: %w", errExec)
		}
		return errors.Join(errSync, errExec)
	}, logger)
}
