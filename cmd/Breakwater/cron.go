package main

import (
	"Breakwater/internal/biz"
	"Breakwater/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// newStatsCron starts the periodic resilience heartbeat. Every 30 seconds it
// logs an aggregate view of all breakers and bulkheads so state is visible in
// the logs even when nobody is polling the diagnostics endpoints.
func newStatsCron(mgr *biz.ResilienceManager, logger log.Logger) (*cron.Cron, func()) {
	helper := log.NewHelper(logger)

	c := cron.New(cron.WithSeconds())

	_, err := c.AddFunc("*/30 * * * * *", func() {
		stats := mgr.GetAllStats()
		if len(stats) == 0 {
			return
		}

		open := 0
		halfOpen := 0
		for _, s := range stats {
			switch s.State {
			case model.StateOpen:
				open++
				helper.Warnw("dependency circuit open",
					"dependency", s.Dependency,
					"failure_count", s.FailureCount,
					"last_transition_at", s.LastTransitionAt)
			case model.StateHalfOpen:
				halfOpen++
			}
		}

		queued := 0
		for _, b := range mgr.GetAllBulkheadStats() {
			queued += b.Queued
			if b.Utilization >= 1.0 {
				helper.Warnw("bulkhead saturated",
					"resource", b.Resource,
					"in_flight", b.InFlight,
					"queued", b.Queued)
			}
		}

		helper.Infow("resilience heartbeat",
			"dependencies", len(stats),
			"open", open,
			"half_open", halfOpen,
			"queued_calls", queued)
	})
	if err != nil {
		helper.Errorw("failed to register resilience heartbeat cron job", "error", err)
		return c, func() {}
	}

	c.Start()
	helper.Info("resilience heartbeat cron job started: runs every 30 seconds")

	cleanup := func() {
		helper.Info("stopping resilience heartbeat cron job")
		<-c.Stop().Done()
	}
	return c, cleanup
}
