package gateway

import (
	"context"
	"time"

	"github.com/cuemby/esb/pkg/log"
	"github.com/cuemby/esb/pkg/types"
)

// Gateway carries the one context object this package's design notes (§9)
// describe: the route table, host cache, per-function pools and breakers,
// the RPC client to the Orchestrator, the in-flight set, and the heartbeat
// task handle. cmd/gateway builds exactly one of these per process.
type Gateway struct {
	routes   *RouteTable
	cache    *HostCache
	pools    *Pools
	breakers *Breakers
	rpc      *RPCClient
	inFlight *inFlightSet
	pool     *PoolOrchestrator
	heart    *HeartbeatJanitor
	auth     AuthConfig
}

// New wires every piece declared in this package into one Gateway.
func New(cfg Config, auth AuthConfig, rpc *RPCClient) *Gateway {
	cache := NewHostCache(cfg.cacheTTL())
	inFlight := newInFlightSet()

	g := &Gateway{
		routes:   NewRouteTable(),
		cache:    cache,
		pools:    NewPools(),
		breakers: NewBreakers(cfg.breakerThreshold(), cfg.breakerRecoveryTime()),
		rpc:      rpc,
		inFlight: inFlight,
		auth:     auth,
	}
	g.pool = NewPoolOrchestrator(cfg, g.pools, g.breakers, cache, rpc, inFlight)
	g.heart = NewHeartbeatJanitor(cfg.heartbeatInterval(), rpc, inFlight, cache)
	return g
}

// cacheTTL/breakerThreshold/heartbeatInterval apply the §6 documented
// defaults when the caller leaves a Config field at its zero value.
func (c Config) cacheTTL() time.Duration {
	if c.CacheTTL > 0 {
		return c.CacheTTL
	}
	return 30 * time.Second
}

func (c Config) breakerThreshold() int {
	if c.BreakerThreshold > 0 {
		return c.BreakerThreshold
	}
	return 5
}

func (c Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return 30 * time.Second
}

func (c Config) breakerRecoveryTime() time.Duration {
	if c.BreakerRecoveryTime > 0 {
		return c.BreakerRecoveryTime
	}
	return 30 * time.Second
}

// ReloadRoutes atomically swaps the route table, used at startup and on any
// later routing-table change (§4.1).
func (g *Gateway) ReloadRoutes(descs []*types.FunctionDescriptor) {
	g.routes.Reload(descs)
}

// RunHeartbeat starts the HeartbeatJanitor's loop; it blocks until ctx is
// done or Stop is called, so callers run it in its own goroutine.
func (g *Gateway) RunHeartbeat(ctx context.Context) {
	glog := log.WithComponent("gateway")
	glog.Info().Msg("heartbeat janitor starting")
	g.heart.Run(ctx)
}

// StopHeartbeat stops the HeartbeatJanitor and waits for it to exit.
func (g *Gateway) StopHeartbeat() {
	g.heart.Stop()
}
