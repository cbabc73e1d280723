package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/esb/pkg/health"
	"github.com/cuemby/esb/pkg/log"
	"github.com/cuemby/esb/pkg/metrics"
	"github.com/cuemby/esb/pkg/runtime"
	"github.com/cuemby/esb/pkg/types"
)

// Ensure implements the idempotent "container for F is running and ready"
// RPC (§4.7). Concurrent callers for the same function share one in-flight
// operation via the flight map; every caller observes the same result.
func (o *Orchestrator) Ensure(ctx context.Context, functionName string) (types.EnsureResponse, error) {
	timer := metrics.NewTimer()
	resp, outcome, err := o.ensureCoalesced(ctx, functionName)
	timer.ObserveDurationVec(metrics.EnsureDuration, functionName)
	metrics.EnsureTotal.WithLabelValues(functionName, outcome).Inc()
	return resp, err
}

// ensureCoalesced joins an in-flight flight for functionName if one exists,
// otherwise becomes the leader and performs the work itself, broadcasting
// the result to any followers that arrive before it completes.
func (o *Orchestrator) ensureCoalesced(ctx context.Context, functionName string) (types.EnsureResponse, string, error) {
	o.flightMu.Lock()
	if f, ok := o.flights[functionName]; ok {
		o.flightMu.Unlock()
		<-f.done
		return f.resp, "coalesced", f.err
	}
	f := &flight{done: make(chan struct{})}
	o.flights[functionName] = f
	o.flightMu.Unlock()

	resp, outcome, err := o.ensureLeader(ctx, functionName)
	f.resp, f.err = resp, err
	close(f.done)

	o.flightMu.Lock()
	delete(o.flights, functionName)
	o.flightMu.Unlock()

	return resp, outcome, err
}

// ensureLeader does the actual warm/paused/cold work. It runs with no lock
// held across network or runtime calls; the flight map entry created by the
// caller is the only serialization primitive in play.
func (o *Orchestrator) ensureLeader(ctx context.Context, functionName string) (types.EnsureResponse, string, error) {
	clog := log.WithFunction(functionName)

	fn, err := o.lookupFunction(functionName)
	if err != nil {
		return types.EnsureResponse{}, "error", err
	}

	if rec := o.store.WarmContainer(functionName); rec != nil {
		o.store.Touch(rec.ID)
		clog.Debug().Str("container_id", rec.ID).Msg("ensure: warm")
		return types.EnsureResponse{ContainerID: rec.ID, Address: rec.Address}, "warm", nil
	}

	if rec := o.store.PausedContainer(functionName); rec != nil {
		if err := o.driver.Resume(ctx, rec.ID); err != nil {
			clog.Error().Err(err).Str("container_id", rec.ID).Msg("ensure: resume failed")
			return types.EnsureResponse{}, "error", types.NewError(types.KindContainerStartFailed, err)
		}
		rec.State = types.StateReady
		o.store.Put(rec)
		o.store.Touch(rec.ID)
		clog.Info().Str("container_id", rec.ID).Msg("ensure: resumed from paused")
		return types.EnsureResponse{ContainerID: rec.ID, Address: rec.Address}, "resumed", nil
	}

	if o.store.CountOccupied(functionName) >= fn.MaxCapacity {
		return types.EnsureResponse{}, "at_capacity", types.NewError(types.KindAtCapacity, nil)
	}

	resp, err := o.coldStart(ctx, fn)
	if err != nil {
		return types.EnsureResponse{}, "error", err
	}
	return resp, "cold", nil
}

// coldStart pulls the image if needed, creates, starts and probes a new
// container, persisting a READY record on success. Any failure rolls back
// the partially-created container against a detached context so request
// cancellation never leaks one.
func (o *Orchestrator) coldStart(ctx context.Context, fn *types.FunctionDescriptor) (types.EnsureResponse, error) {
	clog := log.WithFunction(fn.Name)
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ColdStartTimeout)
	defer cancel()

	if err := o.driver.EnsureImage(ctx, fn.ImageRef); err != nil {
		clog.Error().Err(err).Msg("ensure: image pull failed")
		return types.EnsureResponse{}, types.NewError(types.KindImagePullFailed, err)
	}

	id := o.IDGenerator(fn.Name)
	spec := runtime.Spec{
		ID:      id,
		Image:   fn.ImageRef,
		Env:     fn.Env,
		Labels:  types.Labels(fn.Name),
		Network: o.cfg.Network,
	}

	createdID, err := o.driver.CreateContainer(ctx, spec)
	if err != nil {
		if adopted, adoptErr := o.tryAdoptConflict(ctx, fn, id, err); adoptErr == nil {
			return adopted, nil
		}
		clog.Error().Err(err).Msg("ensure: create_container failed")
		return types.EnsureResponse{}, types.NewError(types.KindContainerStartFailed, err)
	}

	now := time.Now()
	rec := &types.ContainerRecord{
		ID:           createdID,
		FunctionName: fn.Name,
		State:        types.StateProvisioning,
		CreatedAt:    now,
		LastUsedAt:   now,
		Labels:       types.Labels(fn.Name),
	}
	o.store.Put(rec)

	if err := o.driver.Start(ctx, createdID); err != nil {
		clog.Error().Err(err).Str("container_id", createdID).Msg("ensure: start failed")
		o.rollback(createdID)
		return types.EnsureResponse{}, types.NewError(types.KindContainerStartFailed, err)
	}

	info, err := o.driver.Inspect(ctx, createdID)
	if err != nil {
		clog.Error().Err(err).Str("container_id", createdID).Msg("ensure: inspect after start failed")
		o.rollback(createdID)
		return types.EnsureResponse{}, types.NewError(types.KindContainerStartFailed, err)
	}
	rec.Address = info.Address

	if err := o.waitReady(ctx, info.Address); err != nil {
		clog.Error().Err(err).Str("container_id", createdID).Msg("ensure: readiness probe timed out")
		o.rollback(createdID)
		return types.EnsureResponse{}, types.NewError(types.KindReadinessTimedOut, err)
	}

	rec.State = types.StateReady
	o.store.Put(rec)
	clog.Info().Str("container_id", createdID).Str("address", rec.Address).Msg("ensure: cold start complete")

	return types.EnsureResponse{ContainerID: createdID, Address: rec.Address}, nil
}

// tryAdoptConflict handles a runtime-reported name collision by attempting
// to load and adopt the existing container if it carries our labels (§4.7
// "409/Conflict handling"). id is the same id coldStart just tried to
// create under, i.e. the one that actually collided.
func (o *Orchestrator) tryAdoptConflict(ctx context.Context, fn *types.FunctionDescriptor, id string, createErr error) (types.EnsureResponse, error) {
	if !errors.Is(createErr, types.ErrRuntimeConflict) {
		return types.EnsureResponse{}, createErr
	}

	info, err := o.driver.Load(ctx, id)
	if err != nil {
		return types.EnsureResponse{}, createErr
	}
	if info.Labels[types.LabelFunctionName] != fn.Name {
		return types.EnsureResponse{}, createErr
	}

	rec := &types.ContainerRecord{
		ID:           info.ID,
		FunctionName: fn.Name,
		State:        types.StateReady,
		Address:      info.Address,
		CreatedAt:    time.Now(),
		LastUsedAt:   time.Now(),
		Labels:       info.Labels,
	}
	o.store.Put(rec)
	return types.EnsureResponse{ContainerID: info.ID, Address: info.Address}, nil
}

// waitReady polls o.ReadinessProbe at o.cfg.ReadinessInterval until it
// succeeds or ctx expires.
func (o *Orchestrator) waitReady(ctx context.Context, address string) error {
	if address == "" {
		return types.NewError(types.KindReadinessTimedOut, nil)
	}

	ticker := time.NewTicker(o.cfg.ReadinessInterval)
	defer ticker.Stop()

	for {
		if err := o.ReadinessProbe(ctx, address); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tcpReadinessProbe is the default ReadinessProbe: a TCP connect check
// against the runtime-interface port (§4.7 "TCP connect + optional HTTP
// ping").
func (o *Orchestrator) tcpReadinessProbe(ctx context.Context, address string) error {
	result := health.NewTCPChecker(address).Check(ctx)
	if result.Healthy {
		return nil
	}
	return fmt.Errorf("%s", result.Message)
}

// rollback tears down a partially-created container on a detached context
// so cancellation of the inbound Ensure request cannot abandon it.
func (o *Orchestrator) rollback(id string) {
	o.store.Remove(id)
	ctx, cancel := detachedContext()
	defer cancel()
	if err := o.driver.Remove(ctx, id, true); err != nil {
		rlog := log.WithContainer(id)
		rlog.Warn().Err(err).Msg("ensure: rollback remove failed")
	}
}
