package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/esb/pkg/types"
)

func TestReaper_RemovesIdleContainerPastTimeout(t *testing.T) {
	orch, driver, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 5}))
	orch.cfg.IdleTimeout = 10 * time.Millisecond

	resp, err := orch.Ensure(context.Background(), "hello")
	require.NoError(t, err)

	rec := orch.store.Get(resp.ContainerID)
	rec.State = types.StateIdle
	rec.LastUsedAt = time.Now().Add(-time.Hour)
	orch.store.Put(rec)

	reaper := NewReaper(orch)
	reaper.sweep(context.Background())

	assert.Nil(t, orch.store.Get(resp.ContainerID))
	_, err = driver.Inspect(context.Background(), resp.ContainerID)
	assert.Error(t, err, "reaper must have removed the container from the runtime too")
}

// TestReaper_RemovesReadyContainerPastIdleTimeout exercises the real warm
// path: Ensure leaves a container in READY, nothing ever flips it to IDLE,
// and the reaper must still tear it down at idle_timeout rather than
// waiting for the stuck_multiplier threshold.
func TestReaper_RemovesReadyContainerPastIdleTimeout(t *testing.T) {
	orch, driver, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 5}))
	orch.cfg.IdleTimeout = 10 * time.Millisecond
	orch.cfg.StuckMultiplier = 4

	resp, err := orch.Ensure(context.Background(), "hello")
	require.NoError(t, err)

	rec := orch.store.Get(resp.ContainerID)
	require.Equal(t, types.StateReady, rec.State, "ensure leaves a cold-started container READY, never IDLE")
	rec.LastUsedAt = time.Now().Add(-2 * orch.cfg.IdleTimeout)
	orch.store.Put(rec)

	reaper := NewReaper(orch)
	reaper.sweep(context.Background())

	assert.Nil(t, orch.store.Get(resp.ContainerID), "a READY container past idle_timeout must be reaped, not held until stuck_multiplier*idle_timeout")
	_, err = driver.Inspect(context.Background(), resp.ContainerID)
	assert.Error(t, err)
}

func TestReaper_LeavesFreshIdleContainerAlone(t *testing.T) {
	orch, _, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 5}))
	orch.cfg.IdleTimeout = time.Hour

	resp, err := orch.Ensure(context.Background(), "hello")
	require.NoError(t, err)

	rec := orch.store.Get(resp.ContainerID)
	rec.State = types.StateIdle
	orch.store.Put(rec)

	reaper := NewReaper(orch)
	reaper.sweep(context.Background())

	assert.NotNil(t, orch.store.Get(resp.ContainerID))
}

func TestReaper_TearsDownStuckBusyContainer(t *testing.T) {
	orch, _, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 5}))
	orch.cfg.IdleTimeout = time.Minute
	orch.cfg.StuckMultiplier = 4

	resp, err := orch.Ensure(context.Background(), "hello")
	require.NoError(t, err)

	rec := orch.store.Get(resp.ContainerID)
	rec.State = types.StateBusy
	rec.LastUsedAt = time.Now().Add(-5 * time.Minute)
	orch.store.Put(rec)

	reaper := NewReaper(orch)
	reaper.sweep(context.Background())

	assert.Nil(t, orch.store.Get(resp.ContainerID), "a stuck BUSY record past stuck_threshold must still be torn down")
}

func TestReaper_PauseBeforeRemoveDwellsOneCycle(t *testing.T) {
	orch, driver, reg := testOrchestrator(t)
	require.NoError(t, reg.Put(&types.FunctionDescriptor{Name: "hello", ImageRef: "esb/hello:latest", MaxCapacity: 5}))
	orch.cfg.IdleTimeout = 10 * time.Millisecond
	orch.cfg.PauseBeforeRemove = true

	resp, err := orch.Ensure(context.Background(), "hello")
	require.NoError(t, err)

	rec := orch.store.Get(resp.ContainerID)
	rec.State = types.StateIdle
	rec.LastUsedAt = time.Now().Add(-time.Hour)
	orch.store.Put(rec)

	reaper := NewReaper(orch)
	reaper.sweep(context.Background())

	afterFirst := orch.store.Get(resp.ContainerID)
	require.NotNil(t, afterFirst, "first sweep should pause, not remove")
	assert.Equal(t, types.StatePaused, afterFirst.State)

	afterFirst.LastUsedAt = time.Now().Add(-time.Hour)
	orch.store.Put(afterFirst)

	reaper.sweep(context.Background())
	assert.Nil(t, orch.store.Get(resp.ContainerID), "second sweep on an already-paused idle container removes it")

	_, err = driver.Inspect(context.Background(), resp.ContainerID)
	assert.Error(t, err)
}
