package runtime

import (
	"context"
	"errors"
	"testing"

	systemtypes "github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/require"
)

type fakeDockerClient struct {
	infoFunc   func(context.Context) (systemtypes.Info, error)
	closeFn    func() error
	daemonHost string
}

func (f *fakeDockerClient) Info(ctx context.Context) (systemtypes.Info, error) {
	if f.infoFunc != nil {
		return f.infoFunc(ctx)
	}
	return systemtypes.Info{}, nil
}

func (f *fakeDockerClient) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

func (f *fakeDockerClient) DaemonHost() string { return f.daemonHost }

// swap replaces *target with value for the duration of the test.
func swap[T any](t *testing.T, target *T, value T) {
	t.Helper()
	original := *target
	*target = value
	t.Cleanup(func() { *target = original })
}

func TestTryRuntimeCandidate_NewClientError(t *testing.T) {
	swap(t, &newDockerClientFn, func(_ ...client.Opt) (dockerClient, error) {
		return nil, errors.New("dial failed")
	})

	_, _, err := tryRuntimeCandidate(nil)
	require.Error(t, err)
}

func TestTryRuntimeCandidate_InfoErrorClosesClient(t *testing.T) {
	closed := false
	fake := &fakeDockerClient{
		infoFunc: func(context.Context) (systemtypes.Info, error) {
			return systemtypes.Info{}, errors.New("info failed")
		},
		closeFn: func() error { closed = true; return nil },
	}
	swap(t, &newDockerClientFn, func(_ ...client.Opt) (dockerClient, error) {
		return fake, nil
	})

	_, _, err := tryRuntimeCandidate(nil)
	require.Error(t, err)
	require.True(t, closed)
}

func TestTryRuntimeCandidate_Success(t *testing.T) {
	fake := &fakeDockerClient{
		infoFunc: func(context.Context) (systemtypes.Info, error) {
			return systemtypes.Info{ServerVersion: "24.0.0"}, nil
		},
	}
	swap(t, &newDockerClientFn, func(_ ...client.Opt) (dockerClient, error) {
		return fake, nil
	})

	cli, info, err := tryRuntimeCandidate(nil)
	require.NoError(t, err)
	require.Equal(t, fake, cli)
	require.Equal(t, "24.0.0", info.ServerVersion)
}

func TestConnectRuntime_NoCandidates(t *testing.T) {
	swap(t, &buildRuntimeCandidatesFn, func(_ Kind) []runtimeCandidate { return nil })

	_, _, _, err := connectRuntime(KindAuto, nil)
	require.Error(t, err)
}

func TestConnectRuntime_AllCandidatesFail(t *testing.T) {
	swap(t, &buildRuntimeCandidatesFn, func(_ Kind) []runtimeCandidate {
		return []runtimeCandidate{{label: "first"}}
	})
	swap(t, &tryRuntimeCandidateFn, func(_ []client.Opt) (dockerClient, systemtypes.Info, error) {
		return nil, systemtypes.Info{}, errors.New("no socket")
	})

	_, _, _, err := connectRuntime(KindAuto, nil)
	require.Error(t, err)
}

func TestConnectRuntime_PreferenceMismatch(t *testing.T) {
	fake := &fakeDockerClient{daemonHost: "unix:///run/podman/podman.sock"}
	swap(t, &buildRuntimeCandidatesFn, func(_ Kind) []runtimeCandidate {
		return []runtimeCandidate{{label: "podman"}}
	})
	swap(t, &tryRuntimeCandidateFn, func(_ []client.Opt) (dockerClient, systemtypes.Info, error) {
		return fake, systemtypes.Info{ServerVersion: "4.6.1"}, nil
	})

	_, _, _, err := connectRuntime(KindDocker, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "detected podman runtime")
}

func TestConnectRuntime_Success(t *testing.T) {
	fake := &fakeDockerClient{daemonHost: "unix:///var/run/docker.sock"}
	swap(t, &buildRuntimeCandidatesFn, func(_ Kind) []runtimeCandidate {
		return []runtimeCandidate{{label: "docker"}}
	})
	swap(t, &tryRuntimeCandidateFn, func(_ []client.Opt) (dockerClient, systemtypes.Info, error) {
		return fake, systemtypes.Info{ServerVersion: "24.0.0"}, nil
	})

	cli, info, kind, err := connectRuntime(KindAuto, nil)
	require.NoError(t, err)
	require.Equal(t, fake, cli)
	require.Equal(t, "24.0.0", info.ServerVersion)
	require.Equal(t, KindDocker, kind)
}

func TestProbe_ReturnsDetectedKindAndCloses(t *testing.T) {
	closed := false
	fake := &fakeDockerClient{
		daemonHost: "unix:///var/run/docker.sock",
		infoFunc: func(context.Context) (systemtypes.Info, error) {
			return systemtypes.Info{ServerVersion: "24.0.0"}, nil
		},
		closeFn: func() error { closed = true; return nil },
	}
	swap(t, &buildRuntimeCandidatesFn, func(_ Kind) []runtimeCandidate {
		return []runtimeCandidate{{label: "docker"}}
	})
	swap(t, &tryRuntimeCandidateFn, func(_ []client.Opt) (dockerClient, systemtypes.Info, error) {
		return fake, systemtypes.Info{ServerVersion: "24.0.0"}, nil
	})

	kind, version, err := Probe(KindAuto, nil)
	require.NoError(t, err)
	require.Equal(t, KindDocker, kind)
	require.Equal(t, "24.0.0", version)
	require.True(t, closed)
}
