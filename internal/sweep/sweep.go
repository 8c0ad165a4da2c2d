// Package sweep drives escalation: it periodically scans runnable instances
// and hands each overdue stage to the engine's escalation policy.
package sweep

import (
	"context"
	"log"
	"time"

	"stagegate/internal/engine"
)

const defaultInterval = 30 * time.Second

type Sweeper struct {
	Engine   engine.Engine
	Interval time.Duration
}

type Result struct {
	Scanned   int
	Escalated int
	Failed    int
}

func New(e engine.Engine) *Sweeper {
	interval := defaultInterval
	if e.Config != nil && e.Config.Escalation.SweepIntervalSeconds > 0 {
		interval = time.Duration(e.Config.Escalation.SweepIntervalSeconds) * time.Second
	}
	return &Sweeper{Engine: e, Interval: interval}
}

// Run sweeps until the context is cancelled. One pass runs immediately.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil {
			log.Printf("sweep: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce checks every runnable instance once. A failure on one instance
// is logged and does not stop the pass; a stuck instance must not shield
// the rest of the backlog from their timeouts.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var res Result
	instances, err := s.Engine.Repo.ListRunnable(ctx)
	if err != nil {
		return res, err
	}
	for _, inst := range instances {
		res.Scanned++
		acted, err := s.Engine.EscalateInstance(ctx, inst.ID)
		if err != nil {
			res.Failed++
			log.Printf("sweep: instance %s: %v", inst.ID, err)
			continue
		}
		if acted {
			res.Escalated++
		}
	}
	return res, nil
}
