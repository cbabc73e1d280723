// Package orchestrator implements the privileged control-plane half
// (§2, §4.7-§4.10): the Ensure RPC handler, the Reaper, and
// AdoptSync, all sharing one LifecycleStore and RuntimeDriver.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/esb/pkg/lifecycle"
	"github.com/cuemby/esb/pkg/log"
	"github.com/cuemby/esb/pkg/registry"
	"github.com/cuemby/esb/pkg/runtime"
	"github.com/cuemby/esb/pkg/types"
)

// Config is the Orchestrator's tunable behaviour, sourced from pkg/config.
type Config struct {
	Network           string
	IdleTimeout       time.Duration
	ReaperInterval    time.Duration
	StuckMultiplier   int // a READY/BUSY record idle > StuckMultiplier*IdleTimeout is "stuck"
	PauseBeforeRemove bool
	ColdStartTimeout  time.Duration
	ReadinessInterval time.Duration
	PortRangeStart    int
	PortRangeEnd      int
}

// DefaultConfig returns the §6 documented defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       5 * time.Minute,
		ReaperInterval:    60 * time.Second,
		StuckMultiplier:   4,
		PauseBeforeRemove: false,
		ColdStartTimeout:  30 * time.Second,
		ReadinessInterval: 200 * time.Millisecond,
		PortRangeStart:    30000,
		PortRangeEnd:      40000,
	}
}

// Orchestrator owns the LifecycleStore and RuntimeDriver and serves the
// internal Ensure/Heartbeat/Evict RPCs defined in pkg/types/rpc.go.
type Orchestrator struct {
	cfg      Config
	store    *lifecycle.Store
	driver   runtime.Driver
	registry *registry.Registry
	ports    *PortAllocator
	log      zerolog.Logger

	flightMu sync.Mutex
	flights  map[string]*flight

	// ReadinessProbe overrides the default TCP-connect readiness probe used
	// by the cold-start path. Tests running against runtime.MemoryDriver set
	// this to a deterministic stub, since the driver's synthetic addresses
	// have no real listener behind them (§9 "tests use ... deterministic
	// timing hooks").
	ReadinessProbe func(ctx context.Context, address string) error

	// IDGenerator overrides the container id minted for a cold start.
	// Tests pin this to a fixed id to exercise the 409/conflict-adopt path
	// deterministically.
	IDGenerator func(function string) string
}

// flight is the in-progress Ensure call for one function, coalescing
// concurrent callers the way a singleflight.Group would (§4.7,
// §8 invariant 6: "at most one create_container call in flight per
// function at a time"). Hand-rolled rather than golang.org/x/sync/singleflight
// to avoid a new dependency (see SPEC_FULL.md §5). The flight carries only
// the response and error: followers report the "coalesced" outcome, not the
// leader's warm/resumed/cold outcome.
type flight struct {
	done chan struct{}
	resp types.EnsureResponse
	err  error
}

// New constructs an Orchestrator. descReg supplies FunctionDescriptor
// lookups (image ref, env, idle timeout override).
func New(cfg Config, store *lifecycle.Store, driver runtime.Driver, descReg *registry.Registry) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		driver:   driver,
		registry: descReg,
		ports:    NewPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd),
		log:      log.WithComponent("orchestrator"),
		flights:  make(map[string]*flight),
	}
	o.ReadinessProbe = o.tcpReadinessProbe
	o.IDGenerator = newContainerID
	return o
}

// lookupFunction resolves a function descriptor, wrapping a missing-function
// registry error as a types.Error so handlers never leak raw bolt errors.
func (o *Orchestrator) lookupFunction(name string) (*types.FunctionDescriptor, error) {
	fn, err := o.registry.Get(name)
	if err != nil {
		return nil, types.NewError(types.KindNotFound, fmt.Errorf("function %s: %w", name, err))
	}
	if fn.Disabled() {
		return nil, types.NewError(types.KindDisabled, nil)
	}
	return fn, nil
}

func newContainerID(function string) string {
	return fmt.Sprintf("esb-%s-%s", function, uuid.NewString()[:8])
}

// Close releases resources the Orchestrator owns directly (the registry is
// owned by the caller and not closed here).
func (o *Orchestrator) Close() error {
	if closer, ok := o.driver.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// detachedContext returns a context carrying no deadline from ctx but
// preserving none of its values either, used for rollback cleanup that must
// still run after the inbound request context has been cancelled (§4.7
// "rollback runs against a short detached context, not the caller's").
func detachedContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}
