// Package retention prunes old messages from the local log on a cron
// schedule. Pruning is store hygiene only: sequences are never reused and
// replay keeps working from the oldest retained message.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"relayd/pkg/config"
	"relayd/pkg/logger"
	"relayd/pkg/store"
)

// Start starts the retention scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.RetentionConfig, log *store.Log) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}
	if cfg.Period.Duration() <= 0 {
		return nil, fmt.Errorf("retention enabled but no period configured")
	}

	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", cfg.Period.Duration().String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, log, cronExpr)
	return cancel, nil
}

// runScheduler computes the next cron tick with gronx and sleeps until it.
func runScheduler(ctx context.Context, cfg config.RetentionConfig, log *store.Log, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		case <-time.After(time.Until(next)):
		}

		if err := RunOnce(cfg, log); err != nil {
			logger.Error("retention_run_error", "error", err)
		}
	}
}

// RunOnce prunes everything older than the configured period.
func RunOnce(cfg config.RetentionConfig, log *store.Log) error {
	cutoff := time.Now().UTC().Add(-cfg.Period.Duration())
	removed, err := log.PruneBefore(cutoff.UnixNano(), cfg.BatchSize)
	if err != nil {
		return err
	}
	logger.Info("retention_run_complete", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	return nil
}
