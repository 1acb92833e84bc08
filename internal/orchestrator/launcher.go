// Launcher wraps the subset of the Docker SDK the orchestrator needs
// to bring up the worker container's network and the container itself
// (spec §4.10 boot step 6: "launch the worker container attached to
// the internal-only network with the proxy and DNS as its sole
// egress path"). The network-create-if-absent / container-create /
// container-start shape is grounded on
// _examples/Aureuma-si/agents/shared/docker/client.go's Client
// (EnsureNetwork, CreateContainer, StartContainer), narrowed to the
// calls this package actually issues.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// Launcher creates the internal-only network and the worker container
// attached to it.
type Launcher struct {
	api *client.Client
}

// NewLauncher wraps an already-connected Docker client. The caller
// (Orchestrator.Boot) owns the client returned by the runtime probe's
// underlying connection; Launcher does not probe or reconnect.
func NewLauncher(api *client.Client) *Launcher {
	return &Launcher{api: api}
}

// WorkerSpec describes the container to launch.
type WorkerSpec struct {
	Name        string
	Image       string
	NetworkName string
	Env         []string
	Labels      map[string]string
	Command     []string
}

// EnsureInternalNetwork creates an internal (no external gateway)
// bridge network if one by this name does not already exist, and
// returns its ID. "Internal" here means Docker's own --internal flag:
// containers on it can reach each other and the host's proxy/DNS
// listeners but not the outside world directly.
func (l *Launcher) EnsureInternalNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("orchestrator: network name required")
	}

	args := filters.NewArgs()
	args.Add("name", name)
	existing, err := l.api.NetworkList(ctx, networktypes.ListOptions{Filters: args})
	if err != nil {
		return "", fmt.Errorf("orchestrator: list networks: %w", err)
	}
	for _, n := range existing {
		if n.Name == name {
			return n.ID, nil
		}
	}

	resp, err := l.api.NetworkCreate(ctx, name, networktypes.CreateOptions{
		Driver:   "bridge",
		Internal: true,
		Labels:   labels,
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: create internal network: %w", err)
	}
	return resp.ID, nil
}

// LaunchWorker creates and starts the worker container attached to
// networkID, with no published ports: the only way out is the proxy
// and DNS listeners reachable over that network.
func (l *Launcher) LaunchWorker(ctx context.Context, spec WorkerSpec, networkID string) (string, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return "", errors.New("orchestrator: worker image required")
	}

	labels := map[string]string{"aegis.managed": "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: labels,
		Cmd:    spec.Command,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(networkID),
	}
	netCfg := &networktypes.NetworkingConfig{
		EndpointsConfig: map[string]*networktypes.EndpointSettings{
			spec.NetworkName: {NetworkID: networkID},
		},
	}

	resp, err := l.api.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("orchestrator: create worker container: %w", err)
	}

	if err := l.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("orchestrator: start worker container: %w", err)
	}
	return resp.ID, nil
}

// StopWorker stops and removes the worker container. Errors from Stop
// are logged by the caller but do not prevent Remove from being
// attempted, so a wedged container does not leak past shutdown.
func (l *Launcher) StopWorker(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return nil
	}
	stopErr := l.api.ContainerStop(ctx, containerID, container.StopOptions{})
	removeErr := l.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if removeErr != nil {
		return fmt.Errorf("orchestrator: remove worker container: %w", removeErr)
	}
	if stopErr != nil {
		return fmt.Errorf("orchestrator: stop worker container: %w", stopErr)
	}
	return nil
}
