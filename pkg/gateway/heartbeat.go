package gateway

import (
	"context"
	"time"

	"github.com/cuemby/esb/pkg/log"
	"github.com/cuemby/esb/pkg/metrics"
)

// HeartbeatJanitor runs the single periodic task described in §4.6: collect
// every container id this Gateway currently considers warm (checked out of
// a pool, or cached-but-idle) and report it to the Orchestrator so the
// Reaper doesn't reap a container this Gateway is still relying on.
// Grounded on pkg/worker/worker.go's heartbeatLoop (ticker, stopCh, tolerant
// of send errors) and on the lastSeen-map pattern of
// other_examples/84fd31d9_ares-17-docker-aweking-gateway__gateway-manager.go.go's
// RecordActivity/checkIdle.
type HeartbeatJanitor struct {
	interval time.Duration
	rpc      *RPCClient
	inFlight *inFlightSet
	cache    *HostCache

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHeartbeatJanitor builds a janitor; call Run to start its loop.
func NewHeartbeatJanitor(interval time.Duration, rpc *RPCClient, inFlight *inFlightSet, cache *HostCache) *HeartbeatJanitor {
	return &HeartbeatJanitor{
		interval: interval,
		rpc:      rpc,
		inFlight: inFlight,
		cache:    cache,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run blocks, sending a heartbeat report every interval, until Stop is
// called or ctx is done.
func (h *HeartbeatJanitor) Run(ctx context.Context) {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.report(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (h *HeartbeatJanitor) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *HeartbeatJanitor) report(ctx context.Context) {
	ids := h.collectIDs()
	if len(ids) == 0 {
		return
	}

	reportCtx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()

	if err := h.rpc.Heartbeat(reportCtx, ids); err != nil {
		// Loss of a heartbeat report is tolerated (§4.6): the Orchestrator
		// will simply see the container go idle naturally.
		hlog := log.WithComponent("heartbeat")
		hlog.Warn().Err(err).Int("count", len(ids)).Msg("heartbeat: report failed")
		return
	}
	metrics.HeartbeatsSentTotal.Inc()
}

// collectIDs unions checked-out and cached-but-unexpired container ids,
// deduplicated, per §9 Open Question 2.
func (h *HeartbeatJanitor) collectIDs() []string {
	seen := make(map[string]struct{})
	var ids []string

	for _, id := range h.inFlight.Snapshot() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, id := range h.cache.ContainerIDs() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
