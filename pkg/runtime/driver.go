// Package runtime implements the RuntimeDriver contract (§4.11): a narrow
// interface over concrete container backends (containerd, Docker) plus an
// in-memory double used by tests.
package runtime

import (
	"context"
	"time"

	"github.com/cuemby/esb/pkg/types"
)

// Spec describes a container to be created. It carries everything a backend
// needs to satisfy the container labels contract (§6).
type Spec struct {
	ID          string // desired container name/id; backends may require uniqueness
	Image       string
	Env         map[string]string
	Labels      map[string]string
	Network     string
	ExposedPort int
}

// Info is a backend's view of one container.
type Info struct {
	ID      string
	State   types.ContainerState
	Address string
	Labels  map[string]string
}

// Driver is the narrow contract the Orchestrator drives every container
// through. Two failure modes must be surfaced distinctly by wrapping
// types.ErrRuntimeNotFound / types.ErrRuntimeConflict; everything else is
// opaque and treated as transient by the caller.
type Driver interface {
	// EnsureImage pulls ref if it is not already present locally. Idempotent.
	EnsureImage(ctx context.Context, ref string) error

	// CreateContainer creates (but does not start) a container per spec,
	// returning its runtime-assigned id.
	CreateContainer(ctx context.Context, spec Spec) (string, error)

	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error

	// Inspect returns the current state and address of a container.
	Inspect(ctx context.Context, id string) (Info, error)

	// List returns all containers whose labels are a superset of selector.
	List(ctx context.Context, selector map[string]string) ([]Info, error)

	// Load reattaches to an existing container by id after a restart,
	// equivalent to Inspect but permitted to perform backend-specific
	// reattachment bookkeeping first.
	Load(ctx context.Context, id string) (Info, error)
}

// StopTimeout is the grace period backends give a container between SIGTERM
// and SIGKILL on remove.
const StopTimeout = 10 * time.Second
