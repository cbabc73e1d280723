// Package gateway implements the stateless, request-facing half of the
// control plane (§2, §4.1-§4.6): route matching, the warm-host
// cache, per-function circuit breakers and container pools, the glue that
// ties them to the Orchestrator's internal RPC, the heartbeat reporter, and
// the public HTTP surface clients actually talk to.
//
// Nothing in this package persists anything; every piece of state here is
// an optimization or a safety valve over calls the Orchestrator can always
// answer authoritatively.
package gateway
