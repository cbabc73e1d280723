package runtime

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/cuemby/esb/pkg/types"
)

// DefaultDockerSocket is the default Docker Engine API socket path.
const DefaultDockerSocket = "/var/run/docker.sock"

// DockerDriver implements Driver against a Docker Engine API socket via the
// moby client, the second concrete RuntimeDriver backend alongside
// ContainerdDriver.
type DockerDriver struct {
	api *client.Client
}

// NewDockerDriver connects to the Docker socket at socketPath (or
// DefaultDockerSocket if empty).
func NewDockerDriver(socketPath string) (*DockerDriver, error) {
	if socketPath == "" {
		socketPath = DefaultDockerSocket
	}

	api, err := client.New(client.WithHost("unix://" + socketPath))
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	return &DockerDriver{api: api}, nil
}

// Close releases the Docker client's resources.
func (d *DockerDriver) Close() error {
	return d.api.Close()
}

// EnsureImage pulls ref if it is not already present locally.
func (d *DockerDriver) EnsureImage(ctx context.Context, ref string) error {
	if _, err := d.api.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	resp, err := d.api.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return resp.Wait(ctx)
}

// CreateContainer creates (but does not start) a container per spec.
func (d *DockerDriver) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    envSlice(spec.Env),
		Labels: spec.Labels,
	}
	if spec.ExposedPort > 0 {
		port, err := network.ParsePort(fmt.Sprintf("%d/tcp", spec.ExposedPort))
		if err != nil {
			return "", fmt.Errorf("parse exposed port %d: %w", spec.ExposedPort, err)
		}
		cfg.ExposedPorts = network.PortSet{port: {}}
	}

	hostCfg := &container.HostConfig{
		PublishAllPorts: spec.ExposedPort > 0,
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := d.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             spec.ID,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", fmt.Errorf("create container %s: %w", spec.ID, types.ErrRuntimeConflict)
		}
		return "", fmt.Errorf("create container %s: %w", spec.ID, err)
	}
	return resp.ID, nil
}

// Start starts a created container.
func (d *DockerDriver) Start(ctx context.Context, id string) error {
	_, err := d.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return notFoundOr(err)
}

// Pause suspends a running container.
func (d *DockerDriver) Pause(ctx context.Context, id string) error {
	_, err := d.api.ContainerPause(ctx, id, client.ContainerPauseOptions{})
	return notFoundOr(err)
}

// Resume unsuspends a paused container.
func (d *DockerDriver) Resume(ctx context.Context, id string) error {
	_, err := d.api.ContainerUnpause(ctx, id, client.ContainerUnpauseOptions{})
	return notFoundOr(err)
}

// Remove stops and removes a container.
func (d *DockerDriver) Remove(ctx context.Context, id string, force bool) error {
	timeout := int(StopTimeout.Seconds())
	_, _ = d.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout})
	_, err := d.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: force})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// Inspect returns the current state and address of a container.
func (d *DockerDriver) Inspect(ctx context.Context, id string) (Info, error) {
	resp, err := d.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Info{}, fmt.Errorf("inspect %s: %w", id, types.ErrRuntimeNotFound)
		}
		return Info{}, fmt.Errorf("inspect %s: %w", id, err)
	}
	return dockerInfo(resp.Container), nil
}

func dockerInfo(c container.InspectResponse) Info {
	state := types.StateProvisioning
	address := ""

	if c.State != nil {
		switch {
		case c.State.Paused:
			state = types.StatePaused
		case c.State.Running:
			state = types.StateReady
			if c.NetworkSettings != nil {
				for _, ep := range c.NetworkSettings.Networks {
					if ep != nil && ep.IPAddress.IsValid() {
						address = ep.IPAddress.String()
						break
					}
				}
			}
		default:
			state = types.StateGone
		}
	}

	var labels map[string]string
	if c.Config != nil {
		labels = c.Config.Labels
	}

	return Info{ID: c.ID, State: state, Address: address, Labels: labels}
}

// List returns all containers whose labels are a superset of selector.
func (d *DockerDriver) List(ctx context.Context, selector map[string]string) ([]Info, error) {
	filters := make(client.Filters)
	for k, v := range selector {
		filters = filters.Add("label", k+"="+v)
	}

	result, err := d.api.ContainerList(ctx, client.ContainerListOptions{All: true, Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]Info, 0, len(result.Items))
	for _, c := range result.Items {
		info, inspectErr := d.Inspect(ctx, c.ID)
		if inspectErr != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// Load reattaches to an existing container by id, equivalent to Inspect.
func (d *DockerDriver) Load(ctx context.Context, id string) (Info, error) {
	return d.Inspect(ctx, id)
}

func notFoundOr(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %w", types.ErrRuntimeNotFound, err)
	}
	return err
}
