package orchestrator

import (
	"context"
	"time"

	"github.com/cuemby/esb/pkg/log"
	"github.com/cuemby/esb/pkg/metrics"
	"github.com/cuemby/esb/pkg/types"
)

// AdoptSync runs once at Orchestrator start, before serving RPCs (§4.10).
// It walks the runtime's view of ESB-owned containers and reconciles the
// (empty, on a fresh process) LifecycleStore against it, rather than
// restoring from any durable store of its own — the runtime's container
// list is the only authority for lifecycle state (§9 "List containers on
// the runtime is authoritative").
func (o *Orchestrator) AdoptSync(ctx context.Context) error {
	clog := log.WithComponent("adoptsync")

	selector := map[string]string{types.LabelCreatedBy: types.LabelCreatedByUs}
	containers, err := o.driver.List(ctx, selector)
	if err != nil {
		return err
	}

	var adopted, removed int
	for _, info := range containers {
		function := info.Labels[types.LabelFunctionName]

		switch info.State {
		case types.StateReady, types.StatePaused:
			rec := &types.ContainerRecord{
				ID:           info.ID,
				FunctionName: function,
				Address:      info.Address,
				State:        info.State,
				CreatedAt:    time.Now(),
				LastUsedAt:   time.Now(),
				Labels:       info.Labels,
			}
			o.store.Put(rec)
			adopted++
			clog.Info().Str("container_id", info.ID).Str("function", function).Msg("adoptsync: adopted running container")
		default:
			if err := o.driver.Remove(ctx, info.ID, true); err != nil {
				clog.Warn().Err(err).Str("container_id", info.ID).Msg("adoptsync: failed to remove orphan")
				continue
			}
			removed++
			clog.Info().Str("container_id", info.ID).Str("function", function).Msg("adoptsync: removed stopped orphan")
		}
	}

	metrics.AdoptSyncAdoptedTotal.Add(float64(adopted))
	metrics.AdoptSyncRemovedTotal.Add(float64(removed))
	clog.Info().Int("adopted", adopted).Int("removed", removed).Msg("adoptsync: complete")
	return nil
}
