package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"semaphore/qrsession/internal/config"
)

// Sweeper deactivates expired sessions and reports how many it closed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

func StartExpirySweepJob(ctx context.Context, cfg config.Config, sweeper Sweeper, log logrus.FieldLogger) {
	if !cfg.ExpirySweepEnabled {
		return
	}
	if sweeper == nil {
		log.Warn("expiry sweep job disabled: no sweeper configured")
		return
	}
	interval := cfg.ExpirySweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.ExpirySweepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				closed, err := sweeper.Sweep(tickCtx)
				cancel()
				if err != nil {
					log.WithError(err).Error("expiry sweep job error")
					continue
				}
				if closed > 0 {
					log.WithField("closed", closed).Info("expiry sweep job closed sessions")
				}
			}
		}
	}()
}
