package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/esb/pkg/runtime"
	"github.com/cuemby/esb/pkg/types"
)

func TestAdoptSync_AdoptsRunningAndRemovesStopped(t *testing.T) {
	orch, driver, _ := testOrchestrator(t)

	driver.Seed(runtime.Info{
		ID:      "running-1",
		State:   types.StateReady,
		Address: "10.0.0.5:8080",
		Labels:  types.Labels("hello"),
	})
	driver.Seed(runtime.Info{
		ID:     "stopped-1",
		State:  types.StateGone,
		Labels: types.Labels("hello"),
	})

	require.NoError(t, orch.AdoptSync(context.Background()))

	assert.NotNil(t, orch.store.Get("running-1"))
	assert.Equal(t, types.StateReady, orch.store.Get("running-1").State)

	_, err := driver.Inspect(context.Background(), "stopped-1")
	assert.Error(t, err, "adoptsync must have force-removed the stopped orphan")

	assert.Nil(t, orch.store.Get("stopped-1"))
}

func TestAdoptSync_IgnoresUnlabeledContainers(t *testing.T) {
	orch, driver, _ := testOrchestrator(t)

	driver.Seed(runtime.Info{
		ID:      "unrelated-1",
		State:   types.StateReady,
		Address: "10.0.0.9:9090",
		Labels:  map[string]string{"created_by": "someone-else"},
	})

	require.NoError(t, orch.AdoptSync(context.Background()))
	assert.Nil(t, orch.store.Get("unrelated-1"))

	_, err := driver.Inspect(context.Background(), "unrelated-1")
	assert.NoError(t, err, "containers not bearing our labels must be left entirely alone")
}
