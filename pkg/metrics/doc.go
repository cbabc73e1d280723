// Package metrics defines the Prometheus catalogue shared by the Gateway
// and the Orchestrator: per-function container/pool/breaker gauges, Ensure
// and invocation counters and histograms, and the Reaper/AdoptSync
// counters, all registered against the default registry at package init.
// Handler returns the promhttp handler for that registry; neither
// cmd/gateway nor cmd/orchestrator mounts it, so no /metrics endpoint is
// served by either service.
//
// Updating a gauge or counter:
//
//	metrics.ContainersTotal.WithLabelValues(function, "ready").Set(3)
//	metrics.InvocationsTotal.WithLabelValues(function, "success").Inc()
//
// Timing an operation:
//
//	timer := metrics.NewTimer()
//	// ... do work ...
//	timer.ObserveDurationVec(metrics.PoolAcquireDuration, function)
package metrics
