// Package runtime verifies that a container runtime is reachable
// before the orchestrator launches the worker container (spec
// §4.10 boot step 2: "verify container runtime available"). The
// candidate-list-with-fallback probing shape and the small
// dockerClient seam for test doubles are grounded on
// internal/dockeragent's tryRuntimeCandidate/connectRuntime.
package runtime

import (
	"context"
	"fmt"
	"strings"

	systemtypes "github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

// Kind identifies which container runtime was detected (or preferred).
type Kind string

const (
	KindAuto   Kind = "auto"
	KindDocker Kind = "docker"
	KindPodman Kind = "podman"
)

// dockerClient is the subset of *client.Client the probe needs; it
// exists so tests can substitute a fake without a real daemon socket.
type dockerClient interface {
	Info(ctx context.Context) (systemtypes.Info, error)
	DaemonHost() string
	Close() error
}

type runtimeCandidate struct {
	label string
	opts  []client.Opt
}

// newDockerClientFn and the two seams below are package vars so tests
// can swap them out, following the teacher's test-doubling convention.
var newDockerClientFn = func(opts ...client.Opt) (dockerClient, error) {
	return client.NewClientWithOpts(opts...)
}

var buildRuntimeCandidatesFn = buildRuntimeCandidates

var tryRuntimeCandidateFn = tryRuntimeCandidate

// dockerSocketPaths and podmanSocketPaths are the well-known Unix
// socket locations probed in order.
var dockerSocketPaths = []string{
	"unix:///var/run/docker.sock",
	"unix:///run/docker.sock",
}

var podmanSocketPaths = []string{
	"unix:///run/podman/podman.sock",
	"unix:///var/run/podman/podman.sock",
}

func buildRuntimeCandidates(pref Kind) []runtimeCandidate {
	var candidates []runtimeCandidate
	addSockets := func(label string, paths []string) {
		for _, p := range paths {
			candidates = append(candidates, runtimeCandidate{
				label: label,
				opts:  []client.Opt{client.WithHost(p), client.WithAPIVersionNegotiation()},
			})
		}
	}

	switch pref {
	case KindDocker:
		addSockets("docker", dockerSocketPaths)
	case KindPodman:
		addSockets("podman", podmanSocketPaths)
	default:
		addSockets("docker", dockerSocketPaths)
		addSockets("podman", podmanSocketPaths)
	}

	// The environment-derived default client (DOCKER_HOST, etc.) is
	// tried last so an explicit override always wins over env state.
	candidates = append(candidates, runtimeCandidate{
		label: "env",
		opts:  []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()},
	})
	return candidates
}

func tryRuntimeCandidate(opts []client.Opt) (dockerClient, systemtypes.Info, error) {
	cli, err := newDockerClientFn(opts...)
	if err != nil {
		return nil, systemtypes.Info{}, fmt.Errorf("runtime: create client: %w", err)
	}

	info, err := cli.Info(context.Background())
	if err != nil {
		cli.Close()
		return nil, systemtypes.Info{}, fmt.Errorf("runtime: query info: %w", err)
	}
	return cli, info, nil
}

// connectRuntime tries each candidate in order, returning the first
// one that answers. If pref names a specific runtime but the daemon
// that answers turns out to be the other one, that is an error: the
// caller asked for docker and got podman (or vice versa).
func connectRuntime(pref Kind, logger *zerolog.Logger) (dockerClient, systemtypes.Info, Kind, error) {
	candidates := buildRuntimeCandidatesFn(pref)
	if len(candidates) == 0 {
		return nil, systemtypes.Info{}, "", fmt.Errorf("runtime: no candidates to probe for %q", pref)
	}

	var errs []string
	for _, c := range candidates {
		cli, info, err := tryRuntimeCandidateFn(c.opts)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", c.label, err))
			continue
		}

		detected := detectKind(cli, info)
		if pref != KindAuto && detected != pref {
			cli.Close()
			return nil, systemtypes.Info{}, "", fmt.Errorf("runtime: requested %s but detected %s runtime at %s", pref, detected, cli.DaemonHost())
		}

		if logger != nil {
			logger.Info().Str("runtime", string(detected)).Str("server_version", info.ServerVersion).Msg("container runtime detected")
		}
		return cli, info, detected, nil
	}

	return nil, systemtypes.Info{}, "", fmt.Errorf("runtime: no candidate succeeded: %s", strings.Join(errs, "; "))
}

func detectKind(cli dockerClient, info systemtypes.Info) Kind {
	if strings.Contains(cli.DaemonHost(), "podman") || strings.Contains(strings.ToLower(info.OperatingSystem), "podman") {
		return KindPodman
	}
	return KindDocker
}

// Probe verifies a container runtime is reachable per the preferred
// kind, closing the client before returning (the orchestrator only
// needs a yes/no answer and the detected kind at boot time; the
// worker container is launched through a separate client connection
// owned by the orchestrator).
func Probe(pref Kind, logger *zerolog.Logger) (Kind, string, error) {
	cli, info, detected, err := connectRuntime(pref, logger)
	if err != nil {
		return "", "", err
	}
	defer cli.Close()
	return detected, info.ServerVersion, nil
}
