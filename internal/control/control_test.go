package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindswarm/subspace/internal/sandbox"
)

func sleepBinary(t *testing.T) string {
	t.Helper()
	for _, candidate := range []string{"/bin/sleep", "/usr/bin/sleep"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	t.Skip("no sleep binary available on this system")
	return ""
}

func TestClientSpawnAndTerminateAgainstServer(t *testing.T) {
	host := sandbox.NewHost(4, nil)
	srv := NewServer(host)

	socketPath := filepath.Join(t.TempDir(), "control.sock")
	ln, err := srv.Listen(socketPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	client := NewClient(socketPath)
	ws := t.TempDir()

	status, err := client.Spawn(sandbox.CyberSpec{
		Name:         "alice",
		WorkspaceDir: ws,
		CyberBinary:  sleepBinary(t),
	})
	require.NoError(t, err)
	assert.Greater(t, status.PID, 0)

	status, err = client.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateRunning, status.State)

	require.NoError(t, client.Terminate("alice", 2*time.Second))

	status, err = client.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateTerminated, status.State)
}

func TestClientSpawnFailsWhenNoServerListening(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	_, err := client.Spawn(sandbox.CyberSpec{Name: "anyone"})
	assert.Error(t, err)
}
