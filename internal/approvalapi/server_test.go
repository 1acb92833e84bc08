package approvalapi

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegisrun/aegis-core/internal/approval"
)

type fakeReloader struct {
	calls int
	err   error
}

func (f *fakeReloader) Reload() error {
	f.calls++
	return f.err
}

func newTestServer(t *testing.T) (*Server, *approval.Queue, *fakeReloader, string) {
	t.Helper()
	dir := t.TempDir()
	queue, err := approval.NewQueue(approval.Config{Path: filepath.Join(dir, "approvals.json")})
	require.NoError(t, err)
	t.Cleanup(queue.Stop)

	reloader := &fakeReloader{}
	srv := NewServer(queue, reloader)
	socketPath := filepath.Join(dir, "aegis.sock")
	require.NoError(t, srv.Start(socketPath))
	t.Cleanup(srv.Stop)

	return srv, queue, reloader, socketPath
}

func TestClient_ListPendingReturnsSubmittedRequest(t *testing.T) {
	_, queue, _, socketPath := newTestServer(t)

	id, err := queue.Submit("run rm -rf /tmp/scratch", time.Minute)
	require.NoError(t, err)

	client := NewClient(socketPath)
	pending, err := client.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].ID)
	require.Equal(t, approval.StatePending, pending[0].State)
}

func TestClient_ResolveApprovesRequest(t *testing.T) {
	_, queue, _, socketPath := newTestServer(t)

	id, err := queue.Submit("curl https://example.com", time.Minute)
	require.NoError(t, err)

	client := NewClient(socketPath)
	state, err := client.Resolve(context.Background(), id, true)
	require.NoError(t, err)
	require.Equal(t, approval.StateApproved, state)
}

func TestClient_ResolveUnknownIDReturnsError(t *testing.T) {
	_, _, _, socketPath := newTestServer(t)

	client := NewClient(socketPath)
	_, err := client.Resolve(context.Background(), "no-such-id", true)
	require.Error(t, err)
}

func TestClient_ReloadInvokesReloader(t *testing.T) {
	_, _, reloader, socketPath := newTestServer(t)

	client := NewClient(socketPath)
	require.NoError(t, client.Reload(context.Background()))
	require.Equal(t, 1, reloader.calls)
}

func TestClient_ReloadSurfacesReloaderError(t *testing.T) {
	_, _, reloader, socketPath := newTestServer(t)
	reloader.err = context.DeadlineExceeded

	client := NewClient(socketPath)
	err := client.Reload(context.Background())
	require.Error(t, err)
}
