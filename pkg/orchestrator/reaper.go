package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/esb/pkg/log"
	"github.com/cuemby/esb/pkg/metrics"
	"github.com/cuemby/esb/pkg/types"
)

// Reaper is the periodic idle-timeout sweeper (§4.9), grounded on
// pkg/reconciler's ticker-driven loop shape.
type Reaper struct {
	orch *Orchestrator
	log  zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReaper constructs a Reaper bound to orch. Call Run to start its loop.
func NewReaper(orch *Orchestrator) *Reaper {
	return &Reaper{
		orch:   orch,
		log:    log.WithComponent("reaper"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run blocks, sweeping every o.cfg.ReaperInterval until ctx is cancelled or
// Stop is called.
func (r *Reaper) Run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.orch.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to finish its current sweep.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) sweep(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReaperDuration)
		metrics.ReaperCyclesTotal.Inc()
	}()

	defaultIdle := r.orch.cfg.IdleTimeout
	now := time.Now()

	for _, fn := range r.orch.store.AllFunctions() {
		idleTimeout := defaultIdle
		if r.orch.registry != nil {
			if desc, err := r.orch.registry.Get(fn); err == nil {
				idleTimeout = desc.EffectiveIdleTimeout(defaultIdle)
			}
		}
		stuckThreshold := time.Duration(r.orch.cfg.StuckMultiplier) * idleTimeout

		for _, rec := range r.orch.store.ForFunction(fn) {
			switch rec.State {
			// READY is this architecture's available/idle state: the
			// Gateway tracks its own acquire/release bookkeeping and
			// never reports release back here, so a container sitting in
			// READY with a stale heartbeat is exactly as idle as one
			// explicitly marked IDLE.
			case types.StateReady, types.StateIdle, types.StatePaused:
				if now.Sub(rec.LastUsedAt) > idleTimeout {
					r.teardown(ctx, rec, "idle")
				}
			case types.StateBusy:
				if now.Sub(rec.LastUsedAt) > stuckThreshold {
					r.log.Warn().Str("container_id", rec.ID).Str("function", fn).
						Dur("idle_for", now.Sub(rec.LastUsedAt)).
						Msg("reaper: tearing down stuck container")
					r.teardown(ctx, rec, "stuck")
				}
			}
		}
	}
}

// teardown drives a record through STOPPING to GONE, per the container
// state machine (§4.12). A pause-before-remove policy pauses READY/IDLE
// records on their first idle sweep instead of removing them outright; a
// record already PAUSED that exceeds idle_timeout again is removed instead,
// since its pause dwell has already elapsed.
func (r *Reaper) teardown(ctx context.Context, rec *types.ContainerRecord, reason string) {
	if r.orch.cfg.PauseBeforeRemove && reason == "idle" && rec.State != types.StatePaused {
		if err := r.orch.driver.Pause(ctx, rec.ID); err == nil {
			rec.State = types.StatePaused
			r.orch.store.Put(rec)
			r.log.Debug().Str("container_id", rec.ID).Msg("reaper: paused before remove")
			return
		}
	}

	rec.State = types.StateStopping
	r.orch.store.Put(rec)

	if err := r.orch.driver.Remove(ctx, rec.ID, true); err != nil {
		r.log.Error().Err(err).Str("container_id", rec.ID).Msg("reaper: remove failed")
		return
	}

	r.orch.store.Remove(rec.ID)
	r.orch.ports.Release(rec.ID)
	metrics.ReaperTeardownsTotal.WithLabelValues(rec.FunctionName, reason).Inc()
	r.log.Info().Str("container_id", rec.ID).Str("function", rec.FunctionName).Str("reason", reason).
		Msg("reaper: container removed")
}
