package gateway

import (
	"context"
	"sync"

	"github.com/cuemby/esb/pkg/metrics"
	"github.com/cuemby/esb/pkg/types"
)

// WorkerHandle identifies one checked-out container.
type WorkerHandle struct {
	ContainerID string
	Address     string
}

// pendingResult is what a waiter receives once its permit is granted. A nil
// Handle means "you hold a reserved permit, fill it yourself" (a
// ProvisionToken in §4.4's terms) — the same outcome Acquire returns
// directly when a permit is free with no idle handle attached to it.
type pendingResult struct {
	handle *WorkerHandle
	err    error
}

type waiter struct {
	ch chan pendingResult
}

// Pool is one function's ContainerPool (§4.4): a semaphore of max_capacity
// permits, a LIFO stack of warm idle handles, and a FIFO queue of
// acquirers waiting for a permit to free up. Grounded on
// other_examples/993ebde8_oriys-nova__internal-pool-pool.go.go's
// functionPool (mutex-guarded ready/idle bookkeeping plus a waiter count),
// adapted from that pool's sync.Cond broadcast to a per-waiter channel
// handoff so a released permit can be routed to one specific FIFO head
// waiter instead of waking every blocked goroutine.
type Pool struct {
	function string

	mu       sync.Mutex
	capacity int
	inUse    int
	idle     []WorkerHandle
	waiters  []*waiter
}

// NewPool builds a pool for function with the given capacity. Callers
// compute the effective capacity themselves: 0 for a disabled function, 1
// when ENABLE_CONTAINER_POOLING is false, otherwise the descriptor's
// max_capacity (§4.4).
func NewPool(function string, capacity int) *Pool {
	return &Pool{function: function, capacity: capacity}
}

// Acquire reserves one permit, blocking until one is available, ctx is
// done, or the pool is disabled. A non-nil returned handle is warm and
// ready to proxy to; a nil handle with a nil error means the caller holds a
// reserved permit and must provision it itself (cache lookup or Ensure).
func (p *Pool) Acquire(ctx context.Context) (*WorkerHandle, error) {
	p.mu.Lock()
	if p.capacity <= 0 {
		p.mu.Unlock()
		return nil, types.NewError(types.KindDisabled, nil)
	}

	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return &h, nil
	}

	if p.inUse+len(p.idle) < p.capacity {
		p.inUse++
		p.mu.Unlock()
		return nil, nil
	}

	w := &waiter{ch: make(chan pendingResult, 1)}
	p.waiters = append(p.waiters, w)
	p.reportWaitersLocked()
	p.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.handle, res.err
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(w)
		if removed {
			p.reportWaitersLocked()
		}
		p.mu.Unlock()

		if removed {
			return nil, types.NewError(types.KindAcquireTimedOut, nil)
		}
		// Lost the race: a permit was handed to this waiter just before we
		// removed it from the queue. Honor it rather than leak the permit.
		res := <-w.ch
		return res.handle, res.err
	}
}

// Release returns handle to idle use, or hands it directly to the oldest
// waiter if one is queued (§4.4 "skip the idle queue and hand it over
// directly").
func (p *Pool) Release(handle WorkerHandle) {
	p.mu.Lock()
	if w := p.popWaiterLocked(); w != nil {
		p.mu.Unlock()
		w.ch <- pendingResult{handle: &handle}
		return
	}

	p.idle = append(p.idle, handle)
	p.inUse--
	p.mu.Unlock()
}

// Evict frees handle's permit without returning it to idle, used when the
// worker behind it is known unhealthy. The freed permit still goes to the
// oldest waiter, if any, as a provision token.
func (p *Pool) Evict(handle WorkerHandle) {
	p.mu.Lock()
	if w := p.popWaiterLocked(); w != nil {
		p.mu.Unlock()
		w.ch <- pendingResult{}
		return
	}

	p.inUse--
	p.mu.Unlock()
}

func (p *Pool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.reportWaitersLocked()
	return w
}

func (p *Pool) removeWaiterLocked(target *waiter) bool {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) reportWaitersLocked() {
	metrics.PoolWaitersCurrent.WithLabelValues(p.function).Set(float64(len(p.waiters)))
}

// Pools is the per-function registry of Pool, created on first use.
type Pools struct {
	mu sync.Mutex
	m  map[string]*Pool
}

// NewPools builds an empty pool registry.
func NewPools() *Pools {
	return &Pools{m: make(map[string]*Pool)}
}

// Get returns function's pool, creating it with capacity on first access.
// capacity is ignored on subsequent calls — a function's effective capacity
// is fixed for the process lifetime of its first pool access.
func (ps *Pools) Get(function string, capacity int) *Pool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p, ok := ps.m[function]
	if !ok {
		p = NewPool(function, capacity)
		ps.m[function] = p
	}
	return p
}
