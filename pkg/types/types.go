// Package types defines the shared data model of the control plane: function
// descriptors, container records, and the error taxonomy the Gateway maps
// onto HTTP status codes.
package types

import (
	"errors"
	"time"
)

// ContainerState is the lifecycle state of a single container record.
type ContainerState string

const (
	StateProvisioning ContainerState = "PROVISIONING"
	StateReady        ContainerState = "READY"
	StateBusy         ContainerState = "BUSY"
	StateIdle         ContainerState = "IDLE"
	StatePaused       ContainerState = "PAUSED"
	StateStopping     ContainerState = "STOPPING"
	StateGone         ContainerState = "GONE"
)

// Occupied reports whether a state counts against a function's max_capacity.
func (s ContainerState) Occupied() bool {
	switch s {
	case StateProvisioning, StateReady, StateBusy, StateIdle, StatePaused:
		return true
	default:
		return false
	}
}

// BreakerState is the circuit breaker state for a function.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Container labels AdoptSync uses to identify containers this control plane
// owns (§6).
const (
	LabelCreatedBy    = "created_by"
	LabelCreatedByUs  = "esb"
	LabelFunctionName = "esb_function"
)

// RoutePattern is one (method, path-pattern) entry in a function's declared
// routes. Path segments wrapped in braces, e.g. "{id}", are single-segment
// wildcards.
type RoutePattern struct {
	Method string
	Path   string
}

// FunctionDescriptor is the static, immutable-per-run configuration for one
// deployed function, as loaded from the routing table.
type FunctionDescriptor struct {
	Name            string
	ImageRef        string
	Handler         string
	Routes          []RoutePattern
	Env             map[string]string
	MaxCapacity     int
	InvokeTimeoutMS int
	IdleTimeoutS    int // 0 means "use the global default"
}

// EffectiveIdleTimeout returns the function's idle timeout override if set,
// otherwise the supplied default.
func (f *FunctionDescriptor) EffectiveIdleTimeout(def time.Duration) time.Duration {
	if f.IdleTimeoutS > 0 {
		return time.Duration(f.IdleTimeoutS) * time.Second
	}
	return def
}

// Disabled reports whether a descriptor's capacity makes it disabled (§4.4).
func (f *FunctionDescriptor) Disabled() bool {
	return f.MaxCapacity <= 0
}

// ContainerRecord is one running (or transitioning) container, as tracked by
// the Orchestrator's LifecycleStore.
type ContainerRecord struct {
	ID           string
	FunctionName string
	Address      string
	State        ContainerState
	LastUsedAt   time.Time
	CreatedAt    time.Time
	Labels       map[string]string
}

// Labels returns the minimal label set every managed container must carry.
func Labels(functionName string) map[string]string {
	return map[string]string{
		LabelCreatedBy:    LabelCreatedByUs,
		LabelFunctionName: functionName,
	}
}

// Kind classifies an *Error for the Gateway's single HTTP-status switch.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindMethodNotAllowed
	KindBadAPIKey
	KindBadCredentials
	KindAcquireTimedOut
	KindAtCapacity
	KindBreakerOpen
	KindDisabled
	KindImagePullFailed
	KindContainerStartFailed
	KindReadinessTimedOut
	KindUpstreamTimeout
	KindUpstreamServerError
	KindUpstreamNetworkError
	KindConflict
	KindGone
)

// Error is the control plane's error taxonomy (§7). It wraps an
// underlying cause while carrying enough structure for the outermost Gateway
// handler to pick an HTTP status without string-matching messages.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Cause.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindMethodNotAllowed:
		return "method not allowed"
	case KindBadAPIKey:
		return "bad api key"
	case KindBadCredentials:
		return "bad credentials"
	case KindAcquireTimedOut:
		return "acquire timed out"
	case KindAtCapacity:
		return "at capacity"
	case KindBreakerOpen:
		return "circuit breaker open"
	case KindDisabled:
		return "function disabled"
	case KindImagePullFailed:
		return "image pull failed"
	case KindContainerStartFailed:
		return "container start failed"
	case KindReadinessTimedOut:
		return "readiness timed out"
	case KindUpstreamTimeout:
		return "upstream timeout"
	case KindUpstreamServerError:
		return "upstream server error"
	case KindUpstreamNetworkError:
		return "upstream network error"
	case KindConflict:
		return "conflict"
	case KindGone:
		return "gone"
	default:
		return "unknown error"
	}
}

// NewError wraps cause (which may be nil) as an *Error of the given Kind.
func NewError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// kindSlugs is the machine-readable wire form of each Kind, used by the
// internal RPC's error body (types.RPCError) instead of the human-readable
// String() text, so the Gateway's RPC client can switch on it reliably.
var kindSlugs = map[Kind]string{
	KindNotFound:             "not_found",
	KindMethodNotAllowed:     "method_not_allowed",
	KindBadAPIKey:            "bad_api_key",
	KindBadCredentials:       "bad_credentials",
	KindAcquireTimedOut:      "acquire_timed_out",
	KindAtCapacity:           "at_capacity",
	KindBreakerOpen:          "breaker_open",
	KindDisabled:             "disabled",
	KindImagePullFailed:      "image_pull_failed",
	KindContainerStartFailed: "container_start_failed",
	KindReadinessTimedOut:    "readiness_timed_out",
	KindUpstreamTimeout:      "upstream_timeout",
	KindUpstreamServerError:  "upstream_server_error",
	KindUpstreamNetworkError: "upstream_network_error",
	KindConflict:             "conflict",
	KindGone:                 "gone",
}

// Slug returns the wire form of a Kind (see kindSlugs), or "unknown".
func (k Kind) Slug() string {
	if s, ok := kindSlugs[k]; ok {
		return s
	}
	return "unknown"
}

// KindFromSlug parses a wire-form slug back into a Kind, returning
// KindUnknown for anything unrecognised.
func KindFromSlug(slug string) Kind {
	for k, s := range kindSlugs {
		if s == slug {
			return k
		}
	}
	return KindUnknown
}

// Sentinel errors a RuntimeDriver must be able to signal distinctly (§4.11).
// Callers test for these with errors.Is against a driver-returned error that
// wraps one of them.
var (
	ErrRuntimeNotFound = errors.New("runtime: container not found")
	ErrRuntimeConflict = errors.New("runtime: container name conflict")
)
