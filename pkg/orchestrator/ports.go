package orchestrator

import (
	"fmt"
	"sync"
)

// PortAllocator hands out host ports from a fixed range for containerd-NAT
// mode port-mapped containers (§5 "Shared mutable resources").
// It is a mutex-guarded set of in-use ports plus a holder-to-port map, safe
// under concurrent Ensure calls for different functions.
type PortAllocator struct {
	mu       sync.Mutex
	start    int
	end      int
	inUse    map[int]struct{}
	byHolder map[string]int
}

// NewPortAllocator constructs an allocator over the inclusive [start, end]
// range. A zero-valued range (start == end == 0) disables the allocator;
// Acquire always fails, which is fine for backends that route directly to
// container IPs and never consult it.
func NewPortAllocator(start, end int) *PortAllocator {
	return &PortAllocator{
		start:    start,
		end:      end,
		inUse:    make(map[int]struct{}),
		byHolder: make(map[string]int),
	}
}

// Acquire reserves the lowest free port in range for holder (a container
// id), returning the same port on a repeated call for the same holder.
func (p *PortAllocator) Acquire(holder string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.byHolder[holder]; ok {
		return port, nil
	}
	if p.start == 0 && p.end == 0 {
		return 0, fmt.Errorf("port allocator: disabled (empty port range)")
	}

	for port := p.start; port <= p.end; port++ {
		if _, taken := p.inUse[port]; !taken {
			p.inUse[port] = struct{}{}
			p.byHolder[holder] = port
			return port, nil
		}
	}
	return 0, fmt.Errorf("port allocator: no free port in range [%d, %d]", p.start, p.end)
}

// Release frees the port held by holder, if any.
func (p *PortAllocator) Release(holder string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	port, ok := p.byHolder[holder]
	if !ok {
		return
	}
	delete(p.byHolder, holder)
	delete(p.inUse, port)
}
