package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/esb/pkg/lifecycle"
	"github.com/cuemby/esb/pkg/registry"
	"github.com/cuemby/esb/pkg/runtime"
	"github.com/cuemby/esb/pkg/types"
)

func testOrchestrator(t *testing.T) (*Orchestrator, *runtime.MemoryDriver, *registry.Registry) {
	t.Helper()

	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	driver := runtime.NewMemoryDriver()
	store := lifecycle.New()

	cfg := DefaultConfig()
	cfg.ColdStartTimeout = 2 * time.Second
	cfg.ReadinessInterval = 10 * time.Millisecond

	orch := New(cfg, store, driver, reg)
	orch.ReadinessProbe = func(ctx context.Context, address string) error { return nil }

	return orch, driver, reg
}

func TestEnsure_ColdStart(t *testing.T) {
	orch, driver, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 5}))

	resp, err := orch.Ensure(context.Background(), "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ContainerID)
	assert.NotEmpty(t, resp.Address)
	assert.Equal(t, 1, driver.CreateCount())

	rec := orch.store.Get(resp.ContainerID)
	require.NotNil(t, rec)
	assert.Equal(t, types.StateReady, rec.State)
}

func TestEnsure_WarmPathReturnsSameContainer(t *testing.T) {
	orch, driver, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 5}))

	first, err := orch.Ensure(context.Background(), "hello")
	require.NoError(t, err)

	second, err := orch.Ensure(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, first.ContainerID, second.ContainerID)
	assert.Equal(t, 1, driver.CreateCount(), "warm path must not create a second container")
}

func TestEnsure_PausedContainerResumes(t *testing.T) {
	orch, driver, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 5}))

	first, err := orch.Ensure(context.Background(), "hello")
	require.NoError(t, err)

	require.NoError(t, driver.Pause(context.Background(), first.ContainerID))
	rec := orch.store.Get(first.ContainerID)
	rec.State = types.StatePaused
	orch.store.Put(rec)

	second, err := orch.Ensure(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, first.ContainerID, second.ContainerID)
	assert.Equal(t, 1, driver.CreateCount())

	resumed := orch.store.Get(second.ContainerID)
	assert.Equal(t, types.StateReady, resumed.State)
}

func TestEnsure_AtCapacity(t *testing.T) {
	orch, _, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 1}))

	first, err := orch.Ensure(context.Background(), "hello")
	require.NoError(t, err)

	rec := orch.store.Get(first.ContainerID)
	rec.State = types.StateBusy
	orch.store.Put(rec)

	_, err = orch.Ensure(context.Background(), "hello")
	require.Error(t, err)
	typed, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.KindAtCapacity, typed.Kind)
}

func TestEnsure_Disabled(t *testing.T) {
	orch, _, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "off", ImageRef: "esb/off:latest", MaxCapacity: 0}))

	_, err := orch.Ensure(context.Background(), "off")
	require.Error(t, err)
	typed, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.KindDisabled, typed.Kind)
}

// TestEnsure_ConcurrentColdStartsCoalesce exercises §8 invariant 6: N
// concurrent Ensure(F) calls while no warm container exists must result in
// at most one CreateContainer call.
func TestEnsure_ConcurrentColdStartsCoalesce(t *testing.T) {
	orch, driver, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 50}))

	const n = 20
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := orch.Ensure(context.Background(), "hello")
			ids[i] = resp.ContainerID
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, driver.CreateCount())
}

// TestEnsure_AdoptsContainerOnCreateConflict exercises §4.7's 409/conflict
// adopt path: CreateContainer reports a name collision against the exact id
// coldStart attempted, and the orchestrator must load and adopt that same
// id rather than a freshly minted one.
func TestEnsure_AdoptsContainerOnCreateConflict(t *testing.T) {
	orch, driver, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 5}))

	const collidingID = "esb-hello-deadbeef"
	orch.IDGenerator = func(function string) string { return collidingID }

	driver.Seed(runtime.Info{
		ID:      collidingID,
		State:   types.StateReady,
		Address: "10.0.0.77:8080",
		Labels:  types.Labels("hello"),
	})
	driver.CreateHook = func(spec runtime.Spec) error {
		assert.Equal(t, collidingID, spec.ID)
		return types.ErrRuntimeConflict
	}

	resp, err := orch.Ensure(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, collidingID, resp.ContainerID)
	assert.Equal(t, "10.0.0.77:8080", resp.Address)
	assert.Equal(t, 0, driver.CreateCount(), "the colliding create never actually succeeded")

	rec := orch.store.Get(collidingID)
	require.NotNil(t, rec)
	assert.Equal(t, types.StateReady, rec.State)
}

// TestEnsure_ConflictAdoptFailsOnLabelMismatch covers the case where the
// colliding container exists but belongs to a different function: adoption
// must be refused and the original conflict error returned.
func TestEnsure_ConflictAdoptFailsOnLabelMismatch(t *testing.T) {
	orch, driver, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 5}))

	const collidingID = "esb-hello-deadbeef"
	orch.IDGenerator = func(function string) string { return collidingID }

	driver.Seed(runtime.Info{
		ID:      collidingID,
		State:   types.StateReady,
		Address: "10.0.0.77:8080",
		Labels:  types.Labels("someone-else"),
	})
	driver.CreateHook = func(spec runtime.Spec) error {
		return types.ErrRuntimeConflict
	}

	_, err := orch.Ensure(context.Background(), "hello")
	require.Error(t, err)
	typed, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.KindContainerStartFailed, typed.Kind)
	assert.Nil(t, orch.store.Get(collidingID))
}

func TestEnsure_RollsBackOnReadinessTimeout(t *testing.T) {
	orch, driver, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 5}))
	orch.ReadinessProbe = func(ctx context.Context, address string) error {
		return context.DeadlineExceeded
	}
	orch.cfg.ColdStartTimeout = 50 * time.Millisecond
	orch.cfg.ReadinessInterval = 5 * time.Millisecond

	_, err := orch.Ensure(context.Background(), "hello")
	require.Error(t, err)
	typed, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.KindReadinessTimedOut, typed.Kind)

	all, err := driver.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, all, "rollback must remove the container the runtime still knows about")
}
