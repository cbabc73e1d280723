package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/esb/pkg/log"
	"github.com/cuemby/esb/pkg/metrics"
	"github.com/cuemby/esb/pkg/types"
)

// LambdaSystemErrorHeader, when present on an upstream response, marks it as
// a function-runtime-level failure even though the HTTP status itself may
// be 200 — the breaker and invocation metrics must still count it as a
// failure (§4.3).
const LambdaSystemErrorHeader = "X-Lambda-System-Error"

// Config is the PoolOrchestrator's tunable behaviour, sourced from pkg/config
// (§6's environment variable table).
type Config struct {
	PoolAcquireTimeout  time.Duration
	InvokeTimeout       time.Duration
	EnableContainerPool bool

	CacheTTL            time.Duration
	BreakerThreshold    int
	BreakerRecoveryTime time.Duration
	HeartbeatInterval   time.Duration
}

// PoolOrchestrator is the per-request glue described in §4.5: breaker check,
// pool acquire, cache-or-Ensure resolution, proxy, and release/evict. It is
// the Gateway-side counterpart of pkg/orchestrator's Ensure handler, reusing
// pkg/ingress/proxy.go's acquire-then-proxy-then-release shape but against
// a hand-rolled pool instead of a load balancer over a static backend set.
type PoolOrchestrator struct {
	cfg      Config
	pools    *Pools
	breakers *Breakers
	cache    *HostCache
	rpc      *RPCClient
	inFlight *inFlightSet
	http     *http.Client
}

// NewPoolOrchestrator wires the pieces built in this package together.
func NewPoolOrchestrator(cfg Config, pools *Pools, breakers *Breakers, cache *HostCache, rpc *RPCClient, inFlight *inFlightSet) *PoolOrchestrator {
	return &PoolOrchestrator{
		cfg:      cfg,
		pools:    pools,
		breakers: breakers,
		cache:    cache,
		rpc:      rpc,
		inFlight: inFlight,
		http:     &http.Client{},
	}
}

// EffectiveCapacity computes a function's pool capacity per §4.4: 0 if
// disabled, 1 if container pooling is globally disabled, otherwise the
// descriptor's configured max_capacity.
func (po *PoolOrchestrator) EffectiveCapacity(fn *types.FunctionDescriptor) int {
	if fn.Disabled() {
		return 0
	}
	if !po.cfg.EnableContainerPool {
		return 1
	}
	return fn.MaxCapacity
}

// Invoke runs the full §4.5 flow for one request against fn and returns the
// upstream response for the caller to stream into its own ResponseWriter.
// Internal layers never write an HTTP response themselves (§9) — only the
// caller of Invoke does, after mapping a returned error to a status code.
func (po *PoolOrchestrator) Invoke(ctx context.Context, fn *types.FunctionDescriptor, r *http.Request, requestID string) (*http.Response, error) {
	clog := log.WithFunction(fn.Name)
	breaker := po.breakers.Get(fn.Name)

	allowed, _ := breaker.Allow()
	if !allowed {
		return nil, types.NewError(types.KindBreakerOpen, nil)
	}

	pool := po.pools.Get(fn.Name, po.EffectiveCapacity(fn))

	acquireCtx, cancel := context.WithTimeout(ctx, po.cfg.PoolAcquireTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	handle, err := pool.Acquire(acquireCtx)
	timer.ObserveDurationVec(metrics.PoolAcquireDuration, fn.Name)
	if err != nil {
		return nil, err
	}

	// releaseOrEvict is the single exit path for the permit pool.Acquire just
	// granted, covering the warm-handle, evict, and never-resolved-a-handle
	// cases so every acquire is matched by exactly one release or evict
	// (§4.5's guarantee), including on panic.
	released := false
	releaseOrEvict := func(evict bool) {
		if released {
			return
		}
		released = true
		if handle == nil {
			pool.Evict(WorkerHandle{})
			return
		}
		if evict {
			pool.Evict(*handle)
			po.cache.Invalidate(fn.Name)
			po.evictUpstream(handle.ContainerID)
		} else {
			pool.Release(*handle)
		}
		po.inFlight.Remove(handle.ContainerID)
	}
	defer func() {
		if rec := recover(); rec != nil {
			releaseOrEvict(true)
			panic(rec)
		}
	}()

	if handle == nil {
		resolved, err := po.resolveHandle(ctx, fn, requestID)
		if err != nil {
			releaseOrEvict(true)
			return nil, err
		}
		handle = resolved
	}
	po.inFlight.Add(handle.ContainerID)

	invokeTimeout := po.cfg.InvokeTimeout
	if fn.InvokeTimeoutMS > 0 {
		invokeTimeout = time.Duration(fn.InvokeTimeoutMS) * time.Millisecond
	}
	invokeCtx, icancel := context.WithTimeout(ctx, invokeTimeout)
	defer icancel()

	invTimer := metrics.NewTimer()
	upstream, err := po.proxy(invokeCtx, handle.Address, r)
	if err != nil {
		releaseOrEvict(true)
		breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.InvocationsTotal.WithLabelValues(fn.Name, "timeout").Inc()
			return nil, types.NewError(types.KindUpstreamTimeout, err)
		}
		metrics.InvocationsTotal.WithLabelValues(fn.Name, "network_error").Inc()
		clog.Warn().Err(err).Str("container_id", handle.ContainerID).Msg("invoke: upstream network error")
		return nil, types.NewError(types.KindUpstreamNetworkError, err)
	}
	invTimer.ObserveDurationVec(metrics.InvocationDuration, fn.Name)

	if upstream.StatusCode >= 500 || upstream.Header.Get(LambdaSystemErrorHeader) != "" {
		upstream.Body.Close()
		releaseOrEvict(true)
		breaker.RecordFailure()
		metrics.InvocationsTotal.WithLabelValues(fn.Name, "upstream_5xx").Inc()
		clog.Warn().Int("status", upstream.StatusCode).Str("container_id", handle.ContainerID).Msg("invoke: upstream server error")
		return nil, types.NewError(types.KindUpstreamServerError, fmt.Errorf("upstream status %d", upstream.StatusCode))
	}

	releaseOrEvict(false)
	breaker.RecordSuccess()
	metrics.InvocationsTotal.WithLabelValues(fn.Name, "success").Inc()
	return upstream, nil
}

// resolveHandle fills a ProvisionToken: cache hit skips the RPC entirely,
// otherwise it calls Orchestrator Ensure and populates the cache (§4.5 step 3).
func (po *PoolOrchestrator) resolveHandle(ctx context.Context, fn *types.FunctionDescriptor, requestID string) (*WorkerHandle, error) {
	if addr, id, ok := po.cache.Get(fn.Name); ok {
		return &WorkerHandle{ContainerID: id, Address: addr}, nil
	}

	resp, err := po.rpc.Ensure(ctx, fn.Name, requestID)
	if err != nil {
		return nil, err
	}
	po.cache.Put(fn.Name, resp.ContainerID, resp.Address)
	return &WorkerHandle{ContainerID: resp.ContainerID, Address: resp.Address}, nil
}

// evictUpstream best-effort notifies the Orchestrator that this Gateway
// gave up on containerID, against a short detached context so the caller's
// own request cancellation can't abandon the notification.
func (po *PoolOrchestrator) evictUpstream(containerID string) {
	if containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := po.rpc.Evict(ctx, containerID); err != nil {
		clog := log.WithContainer(containerID)
		clog.Warn().Err(err).Msg("invoke: evict rpc failed")
	}
}

// proxy forwards r to address, preserving method, path, query, headers and
// body, and adding the forwarded headers pkg/ingress/proxy.go's Director
// sets on every hop.
func (po *PoolOrchestrator) proxy(ctx context.Context, address string, r *http.Request) (*http.Response, error) {
	target := url.URL{Scheme: "http", Host: address, Path: r.URL.Path, RawQuery: r.URL.RawQuery}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	outReq.Header = r.Header.Clone()
	outReq.Header.Set("X-Forwarded-For", r.RemoteAddr)
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	outReq.Header.Set("X-Forwarded-Proto", "https")

	return po.http.Do(outReq)
}
