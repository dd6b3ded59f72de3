package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/arcinvoice/internal/worker"
)

// NewTimer returns the "disputes" job: it finishes claimed acceptances,
// then expires disputes past their window. Both steps run even if the
// first fails.
func NewTimer(n *Negotiator, interval time.Duration, logger *slog.Logger) *worker.Periodic {
	if interval <= 0 {
		interval = time.Minute
	}
	return worker.New("disputes", interval, func(ctx context.Context) error {
		finalized, errFinalize := n.FinalizeAccepted(ctx)
		if finalized > 0 {
			logger.Info("accepted disputes finalized", "count", finalized)
		}
		expired, errExpire := n.ExpireStale(ctx)
		if expired > 0 {
			logger.Info("stale disputes expired", "count", expired)
		}
		if errFinalize != nil {
			errFinalize = fmt.Errorf("finalize accepted: %w", errFinalize)
		}
		if errExpire != nil {
			errExpire = fmt.Errorf("expire stale: %w", errExpire)
		}
		return errors.Join(errFinalize, errExpire)
	}, logger)
}
