package tasks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindswarm/subspace/internal/workspace"
	"github.com/mindswarm/subspace/pkg/types"
)

func seedOpenTask(t *testing.T, root *workspace.Root, id string) {
	t.Helper()
	dir := root.GridTasksDir("open")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	task := types.Task{ID: id, Summary: "do thing", TaskType: types.TaskCommunity, Created: time.Now(), Updated: time.Now()}
	data, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), data, 0o644))
}

func TestClaimMovesOpenToClaimed(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	seedOpenTask(t, root, "task-1")

	c := NewClaimer(root)
	task, err := c.Claim(context.Background(), "task-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", task.ClaimedBy)

	_, err = os.Stat(filepath.Join(root.GridTasksDir("open"), "task-1.json"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(root.GridTasksDir("claimed"), "task-1.json"))
	assert.NoError(t, err)
}

func TestClaimRefusesSecondClaimByCyber(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	seedOpenTask(t, root, "task-1")
	seedOpenTask(t, root, "task-2")

	c := NewClaimer(root)
	_, err := c.Claim(context.Background(), "task-1", "alice")
	require.NoError(t, err)

	_, err = c.Claim(context.Background(), "task-2", "alice")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaimIsRaceSafeAcrossConcurrentCybers(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	seedOpenTask(t, root, "task-1")

	c := NewClaimer(root)
	var wg sync.WaitGroup
	results := make([]error, 5)
	tasks := make([]*types.Task, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := c.Claim(context.Background(), "task-1", cyberName(i))
			results[i] = err
			tasks[i] = task
		}(i)
	}
	wg.Wait()

	successes := 0
	var winner string
	for i, err := range results {
		if err == nil {
			successes++
			winner = cyberName(i)
		}
	}
	assert.Equal(t, 1, successes)
	require.NotEmpty(t, winner)

	data, err := os.ReadFile(filepath.Join(root.GridTasksDir("claimed"), "task-1.json"))
	require.NoError(t, err)
	var onDisk types.Task
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, winner, onDisk.ClaimedBy)
	assert.Equal(t, "task-1", onDisk.ID)

	_, err = os.Stat(filepath.Join(root.GridTasksDir("open"), "task-1.json.claimed-lock"))
	assert.True(t, os.IsNotExist(err), "claim lock file should be cleaned up")
}

func cyberName(i int) string {
	return "cyber-" + string(rune('a'+i))
}

func TestCompleteMovesClaimedToCompleted(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	seedOpenTask(t, root, "task-1")
	seedOpenTask(t, root, "task-2")

	c := NewClaimer(root)
	_, err := c.Claim(context.Background(), "task-1", "alice")
	require.NoError(t, err)

	require.NoError(t, c.Complete("task-1", "alice"))

	_, err = os.Stat(filepath.Join(root.GridTasksDir("claimed"), "task-1.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root.GridTasksDir("completed"), "task-1.json"))
	assert.NoError(t, err)

	_, claimErr := c.Claim(context.Background(), "task-2", "alice")
	assert.NoError(t, claimErr)
}
