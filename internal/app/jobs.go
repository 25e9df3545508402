/**
 * @description
 * This file wires the scheduled background jobs: re-verifying pending deposits
 * whose webhook never arrived, and scanning for stuck withdrawals. The payout
 * dispatcher runs its own loop and is not a cron job.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/robfig/cron/v3: Cron scheduling.
 * - internal/config.
 */

package app

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/bundlehub/wallet-service/internal/config"
)

// NewCronRunner registers the scheduled jobs and returns the runner. The
// caller starts and stops it alongside the HTTP server.
func NewCronRunner(svc *Service, cfg config.Config) (*cron.Cron, error) {
	c := cron.New()

	if _, err := c.AddFunc(cfg.DepositRefreshCronSpec, func() {
		svc.RefreshPendingDeposits(context.Background())
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(cfg.StuckDetectorCronSpec, func() {
		svc.ReportStuckWithdrawals(context.Background())
	}); err != nil {
		return nil, err
	}

	log.Printf("level=info component=jobs msg=\"scheduled jobs registered\" deposit_refresh=%q stuck_detector=%q", cfg.DepositRefreshCronSpec, cfg.StuckDetectorCronSpec)
	return c, nil
}
