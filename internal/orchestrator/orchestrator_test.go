package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegisrun/aegis-core/internal/runtime"
)

type fakeLauncher struct {
	networkErr error
	launchErr  error
	stopErr    error

	networkCalls int
	launchCalls  int
	stopCalls    int
	stoppedID    string
}

func (f *fakeLauncher) EnsureInternalNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	f.networkCalls++
	if f.networkErr != nil {
		return "", f.networkErr
	}
	return "net-" + name, nil
}

func (f *fakeLauncher) LaunchWorker(ctx context.Context, spec WorkerSpec, networkID string) (string, error) {
	f.launchCalls++
	if f.launchErr != nil {
		return "", f.launchErr
	}
	return "container-123", nil
}

func (f *fakeLauncher) StopWorker(ctx context.Context, containerID string) error {
	f.stopCalls++
	f.stoppedID = containerID
	return f.stopErr
}

// fakeCloser counts Close calls so tests can assert teardown ran.
type fakeCloser struct{ closed int }

func (c *fakeCloser) Close() error { c.closed++; return nil }

func swapConnect(t *testing.T, launcher *fakeLauncher, closer *fakeCloser, probeErr error) {
	t.Helper()
	orig := connectRuntimeAndLauncher
	connectRuntimeAndLauncher = func(pref runtime.Kind) (runtime.Kind, string, workerLauncher, io.Closer, error) {
		if probeErr != nil {
			return "", "", nil, nil, probeErr
		}
		return runtime.KindDocker, "26.0.0", launcher, closer, nil
	}
	t.Cleanup(func() { connectRuntimeAndLauncher = orig })
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "egress.yaml")
	auditLogPath := filepath.Join(dir, "audit.log")
	body := fmt.Sprintf("audit_log_path: %q\n", auditLogPath)
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o644))

	return Options{
		ConfigPath:        configPath,
		ProxyAddr:         "127.0.0.1:0",
		DNSAddr:           "127.0.0.1:0",
		ApprovalQueuePath: filepath.Join(dir, "approvals.json"),
		MetricsAddr:       "",
		Version:           "test",
		RuntimePreference: runtime.KindAuto,
		Worker: WorkerConfig{
			Name:        "aegis-worker-test",
			Image:       "aegis/worker:test",
			NetworkName: "aegis-internal-test",
		},
	}
}

func TestBoot_HappyPathLaunchesWorkerAndRecordsAuditTrail(t *testing.T) {
	launcher := &fakeLauncher{}
	closer := &fakeCloser{}
	swapConnect(t, launcher, closer, nil)

	o := New(testOptions(t))
	err := o.Boot(context.Background())
	require.NoError(t, err)
	require.Equal(t, "container-123", o.WorkerContainerID())
	require.Equal(t, runtime.KindDocker, o.RuntimeKind())
	require.Equal(t, 1, launcher.networkCalls)
	require.Equal(t, 1, launcher.launchCalls)

	o.Stop(context.Background())
	require.Equal(t, 1, launcher.stopCalls)
	require.Equal(t, "container-123", launcher.stoppedID)
	require.Equal(t, 1, closer.closed)
}

func TestBoot_RuntimeUnavailableFailsAtRuntimeStage(t *testing.T) {
	launcher := &fakeLauncher{}
	closer := &fakeCloser{}
	swapConnect(t, launcher, closer, fmt.Errorf("no runtime reachable"))

	o := New(testOptions(t))
	err := o.Boot(context.Background())
	require.Error(t, err)

	var bootErr *BootError
	require.ErrorAs(t, err, &bootErr)
	require.Equal(t, StageRuntime, bootErr.Stage)
	require.Equal(t, ExitRuntimeUnavailable, bootErr.ExitCode)
	require.Equal(t, 0, launcher.networkCalls, "launcher must not be touched once the runtime probe fails")
}

func TestBoot_WorkerLaunchFailureUnwindsProxyApprovalAndDNS(t *testing.T) {
	launcher := &fakeLauncher{launchErr: fmt.Errorf("image pull failed")}
	closer := &fakeCloser{}
	swapConnect(t, launcher, closer, nil)

	o := New(testOptions(t))
	err := o.Boot(context.Background())
	require.Error(t, err)

	var bootErr *BootError
	require.ErrorAs(t, err, &bootErr)
	require.Equal(t, StageWorker, bootErr.Stage)
	require.Equal(t, ExitRuntimeUnavailable, bootErr.ExitCode)

	// Every component started before the failing step must have been
	// torn down: the runtime client close and the network probe were
	// both reached, but no worker container ID was ever recorded.
	require.Equal(t, 1, closer.closed)
	require.Empty(t, o.WorkerContainerID())

	entries := readAuditEntries(t, o)
	require.Contains(t, entries, "orchestrator.boot:worker:error")
	require.Contains(t, entries, "orchestrator.stop:proxy:ok")
	require.Contains(t, entries, "orchestrator.stop:approval_queue:ok")
}

func TestBoot_ConfigLoadFailureStopsBeforeAnyComponentStarts(t *testing.T) {
	launcher := &fakeLauncher{}
	closer := &fakeCloser{}
	swapConnect(t, launcher, closer, nil)

	opts := testOptions(t)
	// A directory in place of the config file makes os.ReadFile fail
	// with something other than "not exist", which egressconfig.Load
	// surfaces as a config error.
	require.NoError(t, os.Remove(opts.ConfigPath))
	require.NoError(t, os.Mkdir(opts.ConfigPath, 0o755))

	o := New(opts)
	err := o.Boot(context.Background())
	require.Error(t, err)

	var bootErr *BootError
	require.ErrorAs(t, err, &bootErr)
	require.Equal(t, StageConfig, bootErr.Stage)
	require.Equal(t, ExitConfigInvalid, bootErr.ExitCode)
	require.Equal(t, 0, launcher.networkCalls)
}

func TestReload_DiffsWhitelistAndSwapsRuleSet(t *testing.T) {
	launcher := &fakeLauncher{}
	closer := &fakeCloser{}
	swapConnect(t, launcher, closer, nil)

	opts := testOptions(t)
	o := New(opts)
	require.NoError(t, o.Boot(context.Background()))
	defer o.Stop(context.Background())

	configBody := []byte("whitelist:\n  - domain: newly-allowed.example\n    allow_write: true\n")
	require.NoError(t, os.WriteFile(opts.ConfigPath, configBody, 0o644))

	require.NoError(t, o.Reload())

	entries := readAuditEntries(t, o)
	found := false
	for _, e := range entries {
		if e == "orchestrator.reload:config:ok" {
			found = true
		}
	}
	require.True(t, found)
}

func TestReload_BeforeBootReturnsError(t *testing.T) {
	o := New(testOptions(t))
	err := o.Reload()
	require.Error(t, err)
}

func readAuditEntries(t *testing.T, o *Orchestrator) []string {
	t.Helper()
	entries, err := o.auditLogger.ReadAll()
	require.NoError(t, err)

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, fmt.Sprintf("%s:%s:%s", e.EventType, e.Subject, e.Outcome))
	}
	return out
}
