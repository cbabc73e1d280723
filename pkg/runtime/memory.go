package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/esb/pkg/types"
)

// MemoryDriver is a deterministic in-memory Driver double used by tests
// (§2.1, §9). It never touches a real container runtime;
// container "processes" are just records held in a map, and readiness is
// immediate unless a hook says otherwise.
type MemoryDriver struct {
	mu         sync.Mutex
	containers map[string]*Info
	images     map[string]bool

	// CreateHook, when set, is called synchronously from CreateContainer
	// before the record is stored, letting tests inject failures or force
	// a types.ErrRuntimeConflict on a chosen id.
	CreateHook func(spec Spec) error
	// NextAddress assigns the address a newly started container reports;
	// defaults to a counter-based 10.0.0.N:8080 if nil.
	NextAddress func(id string) string

	nextIP  int
	creates int
}

// NewMemoryDriver constructs an empty MemoryDriver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		containers: make(map[string]*Info),
		images:     make(map[string]bool),
		nextIP:     1,
	}
}

func (d *MemoryDriver) EnsureImage(_ context.Context, ref string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.images[ref] = true
	return nil
}

func (d *MemoryDriver) CreateContainer(_ context.Context, spec Spec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.CreateHook != nil {
		if err := d.CreateHook(spec); err != nil {
			return "", err
		}
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := d.containers[id]; exists {
		return "", fmt.Errorf("create container %s: %w", id, types.ErrRuntimeConflict)
	}

	d.containers[id] = &Info{
		ID:      id,
		State:   types.StateProvisioning,
		Labels:  spec.Labels,
		Address: "",
	}
	d.creates++
	return id, nil
}

func (d *MemoryDriver) Start(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, ok := d.containers[id]
	if !ok {
		return fmt.Errorf("start %s: %w", id, types.ErrRuntimeNotFound)
	}
	info.State = types.StateReady
	if d.NextAddress != nil {
		info.Address = d.NextAddress(id)
	} else {
		info.Address = fmt.Sprintf("10.0.0.%d:8080", d.nextIP)
		d.nextIP++
	}
	return nil
}

func (d *MemoryDriver) Pause(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, ok := d.containers[id]
	if !ok {
		return fmt.Errorf("pause %s: %w", id, types.ErrRuntimeNotFound)
	}
	info.State = types.StatePaused
	return nil
}

func (d *MemoryDriver) Resume(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, ok := d.containers[id]
	if !ok {
		return fmt.Errorf("resume %s: %w", id, types.ErrRuntimeNotFound)
	}
	info.State = types.StateReady
	return nil
}

func (d *MemoryDriver) Remove(_ context.Context, id string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.containers[id]; !ok {
		if force {
			return nil
		}
		return fmt.Errorf("remove %s: %w", id, types.ErrRuntimeNotFound)
	}
	delete(d.containers, id)
	return nil
}

func (d *MemoryDriver) Inspect(_ context.Context, id string) (Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, ok := d.containers[id]
	if !ok {
		return Info{}, fmt.Errorf("inspect %s: %w", id, types.ErrRuntimeNotFound)
	}
	return *info, nil
}

func (d *MemoryDriver) List(_ context.Context, selector map[string]string) ([]Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Info, 0, len(d.containers))
	for _, info := range d.containers {
		if labelsMatch(info.Labels, selector) {
			out = append(out, *info)
		}
	}
	return out, nil
}

func (d *MemoryDriver) Load(ctx context.Context, id string) (Info, error) {
	return d.Inspect(ctx, id)
}

// Seed injects a pre-existing container record directly into the driver's
// state, bypassing CreateContainer/Start, for tests exercising AdoptSync
// against containers the Orchestrator did not itself create this run.
func (d *MemoryDriver) Seed(info Info) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := info
	d.containers[info.ID] = &cp
}

// CreateCount returns the number of containers ever created, for tests
// asserting Ensure-coalescing (§8 invariant 6: at most one CreateContainer
// call per cold-start race).
func (d *MemoryDriver) CreateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creates
}

var _ Driver = (*MemoryDriver)(nil)
