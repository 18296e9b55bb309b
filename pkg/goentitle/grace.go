package goentitle

import (
	"context"
	"sync"
	"time"
)

const (
	defaultGraceSweepInterval = time.Hour
	defaultGraceSweepBatch    = 100
)

// GraceEnforcer revokes entitlement from principals whose payment issue has
// outlived the grace period. It does so by reconciling them: the provider stays
// the source of truth, and an unreachable provider changes nothing.
type GraceEnforcer struct {
	reconciler *Reconciler
	interval   time.Duration
	batch      int

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// SweepReport summarizes one grace sweep.
type SweepReport struct {
	Checked int
	Revoked int
	Stale   int
	Failed  int
}

// NewGraceEnforcer creates an enforcer that sweeps every interval (default: 1h).
func NewGraceEnforcer(reconciler *Reconciler, interval time.Duration) *GraceEnforcer {
	if interval <= 0 {
		interval = defaultGraceSweepInterval
	}
	return &GraceEnforcer{
		reconciler: reconciler,
		interval:   interval,
		batch:      defaultGraceSweepBatch,
	}
}

// Start runs a sweep immediately and then on every tick until Stop or ctx ends.
func (g *GraceEnforcer) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	g.stop = cancel
	g.running = true
	g.wg.Add(1)
	g.mu.Unlock()

	log := g.reconciler.config.Logger
	log.Info("starting grace period enforcer", Field{"interval", g.interval.String()})

	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("grace enforcer panicked", Field{"panic", r})
			}
		}()

		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			g.sweepAndLog(loopCtx)
			select {
			case <-ticker.C:
			case <-loopCtx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (g *GraceEnforcer) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	stop := g.stop
	g.stop = nil
	g.mu.Unlock()

	stop()
	g.wg.Wait()
}

func (g *GraceEnforcer) sweepAndLog(ctx context.Context) {
	report, err := g.Sweep(ctx)
	log := g.reconciler.config.Logger
	if err != nil {
		log.Error("grace sweep failed", Field{"error", err.Error()})
		return
	}
	if report.Checked > 0 {
		log.Info("grace sweep finished",
			Field{"checked", report.Checked},
			Field{"revoked", report.Revoked},
			Field{"stale", report.Stale},
			Field{"failed", report.Failed})
	}
}

// Sweep reconciles every entitled principal whose payment issue started
// before now minus the grace period. Principals the provider reports as
// recovered keep their entitlement.
func (g *GraceEnforcer) Sweep(ctx context.Context) (SweepReport, error) {
	r := g.reconciler
	cutoff := r.now().Add(-r.config.GracePeriod)

	candidates, err := r.listPaymentIssues(ctx, cutoff, g.batch)
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for i := range candidates {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		ref := candidates[i].Ref()
		report.Checked++

		res, err := r.reconcile(ctx, ref, "grace")
		switch {
		case err != nil:
			report.Failed++
			r.config.Logger.Warn("grace reconcile failed",
				withFields(principalFields(ref), Field{"error", err.Error()})...)
		case res.Stale:
			report.Stale++
		case !res.IsEntitled:
			report.Revoked++
		}
	}
	return report, nil
}
