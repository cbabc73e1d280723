package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/errdefs"

	"github.com/cuemby/esb/pkg/types"
)

const (
	// ContainerdNamespace is the containerd namespace this control plane
	// creates and queries containers in.
	ContainerdNamespace = "esb"

	// DefaultContainerdSocket is the default containerd socket path.
	DefaultContainerdSocket = "/run/containerd/containerd.sock"
)

// ContainerdDriver implements Driver against a containerd socket.
type ContainerdDriver struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdDriver connects to the containerd socket at socketPath (or
// DefaultContainerdSocket if empty).
func NewContainerdDriver(socketPath string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultContainerdSocket
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}

	return &ContainerdDriver{client: client, namespace: ContainerdNamespace}, nil
}

// Close releases the containerd client connection.
func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *ContainerdDriver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, d.namespace)
}

// EnsureImage pulls ref if it is not already present locally.
func (d *ContainerdDriver) EnsureImage(ctx context.Context, ref string) error {
	ctx = d.ctx(ctx)
	if _, err := d.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// CreateContainer creates (but does not start) a container per spec.
func (d *ContainerdDriver) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	ctx = d.ctx(ctx)

	image, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envSlice(spec.Env)),
	}

	ctrdContainer, err := d.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			return "", fmt.Errorf("create container %s: %w", spec.ID, types.ErrRuntimeConflict)
		}
		return "", fmt.Errorf("create container: %w", err)
	}

	return ctrdContainer.ID(), nil
}

// Start creates a task for the container and starts it.
func (d *ContainerdDriver) Start(ctx context.Context, id string) error {
	ctx = d.ctx(ctx)

	c, err := d.loadContainerd(ctx, id)
	if err != nil {
		return err
	}

	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task for %s: %w", id, err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task for %s: %w", id, err)
	}
	return nil
}

// Pause suspends a running container's task.
func (d *ContainerdDriver) Pause(ctx context.Context, id string) error {
	ctx = d.ctx(ctx)

	c, err := d.loadContainerd(ctx, id)
	if err != nil {
		return err
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("load task for %s: %w", id, err)
	}
	if err := task.Pause(ctx); err != nil {
		return fmt.Errorf("pause %s: %w", id, err)
	}
	return nil
}

// Resume unsuspends a paused container's task.
func (d *ContainerdDriver) Resume(ctx context.Context, id string) error {
	ctx = d.ctx(ctx)

	c, err := d.loadContainerd(ctx, id)
	if err != nil {
		return err
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("load task for %s: %w", id, err)
	}
	if err := task.Resume(ctx); err != nil {
		return fmt.Errorf("resume %s: %w", id, err)
	}
	return nil
}

// Remove stops (SIGTERM, then SIGKILL after StopTimeout) and deletes a
// container and its snapshot.
func (d *ContainerdDriver) Remove(ctx context.Context, id string, force bool) error {
	ctx = d.ctx(ctx)

	c, err := d.loadContainerd(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrRuntimeNotFound) {
			return nil
		}
		return err
	}

	task, err := c.Task(ctx, nil)
	if err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, StopTimeout)
		if killErr := task.Kill(stopCtx, syscall.SIGTERM); killErr != nil && !force {
			cancel()
			return fmt.Errorf("kill task %s: %w", id, killErr)
		}

		statusC, waitErr := task.Wait(stopCtx)
		if waitErr == nil {
			select {
			case <-statusC:
			case <-stopCtx.Done():
				_ = task.Kill(ctx, syscall.SIGKILL)
			}
		}
		cancel()
		_, _ = task.Delete(ctx)
	}

	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container %s: %w", id, err)
	}
	return nil
}

// Inspect returns the current state and address of a container.
func (d *ContainerdDriver) Inspect(ctx context.Context, id string) (Info, error) {
	ctx = d.ctx(ctx)

	c, err := d.loadContainerd(ctx, id)
	if err != nil {
		return Info{}, err
	}

	cInfo, err := c.Info(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("inspect %s: %w", id, err)
	}

	state := types.StateProvisioning
	address := ""

	task, err := c.Task(ctx, nil)
	if err == nil {
		status, statusErr := task.Status(ctx)
		if statusErr == nil {
			switch status.Status {
			case containerd.Running:
				state = types.StateReady
				if ip, ipErr := d.containerIP(ctx, task.Pid()); ipErr == nil {
					address = ip
				}
			case containerd.Paused:
				state = types.StatePaused
			case containerd.Stopped:
				state = types.StateGone
			}
		}
	}

	return Info{ID: id, State: state, Address: address, Labels: cInfo.Labels}, nil
}

// List returns all containers whose labels match selector.
func (d *ContainerdDriver) List(ctx context.Context, selector map[string]string) ([]Info, error) {
	ctx = d.ctx(ctx)

	containers, err := d.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var out []Info
	for _, c := range containers {
		cInfo, infoErr := c.Info(ctx)
		if infoErr != nil {
			continue
		}
		if !labelsMatch(cInfo.Labels, selector) {
			continue
		}
		info, inspectErr := d.Inspect(ctx, c.ID())
		if inspectErr != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// Load reattaches to an existing container by id, equivalent to Inspect.
func (d *ContainerdDriver) Load(ctx context.Context, id string) (Info, error) {
	return d.Inspect(ctx, id)
}

func (d *ContainerdDriver) loadContainerd(ctx context.Context, id string) (containerd.Container, error) {
	c, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load container %s: %w", id, errors.Join(err, types.ErrRuntimeNotFound))
	}
	return c, nil
}

// containerIP shells out to nsenter to read the container's eth0 address
// from its network namespace, since containerd does not track addresses
// itself the way a CNI-integrated orchestrator would.
func (d *ContainerdDriver) containerIP(ctx context.Context, pid uint32) (string, error) {
	if pid == 0 {
		return "", fmt.Errorf("task has no pid")
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("read container ip: %w (output: %s)", err, string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, _, parseErr := net.ParseCIDR(fields[1])
		if parseErr != nil {
			return "", fmt.Errorf("parse container ip %s: %w", fields[1], parseErr)
		}
		return ip.String(), nil
	}
	return "", fmt.Errorf("no eth0 address found")
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
