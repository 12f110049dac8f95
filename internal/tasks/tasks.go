// Package tasks implements Community Task claiming: moving a task file
// from open/ to claimed/ via atomic rename, per spec.md §4.10.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mindswarm/subspace/internal/workspace"
	"github.com/mindswarm/subspace/pkg/types"
)

// ErrAlreadyClaimed is returned when the rename loses the race (another
// cyber claimed the task first) or the cyber already holds a claim.
var ErrAlreadyClaimed = fmt.Errorf("tasks: already claimed")

// Claimer tracks each cyber's single active claim as a best-effort fast
// path ahead of the authoritative rename, grounded on the teacher's
// in-memory-plus-storage double-check pattern used for session locks.
type Claimer struct {
	root *workspace.Root

	mu     sync.Mutex
	active map[string]string // cyberName -> taskID
}

// NewClaimer returns a Claimer rooted at root.
func NewClaimer(root *workspace.Root) *Claimer {
	return &Claimer{root: root, active: make(map[string]string)}
}

// Claim attempts to move taskID from open/ to claimed/ on behalf of
// cyberName, stamping claimed_by and claimed_at. Returns
// ErrAlreadyClaimed if cyberName already holds a claim or another cyber
// won the rename race.
func (c *Claimer) Claim(ctx context.Context, taskID, cyberName string) (*types.Task, error) {
	c.mu.Lock()
	if existing, ok := c.active[cyberName]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already holds task %s", ErrAlreadyClaimed, cyberName, existing)
	}
	c.active[cyberName] = taskID
	c.mu.Unlock()

	task, err := c.claimOnDisk(taskID, cyberName)
	if err != nil {
		c.mu.Lock()
		delete(c.active, cyberName)
		c.mu.Unlock()
		return nil, err
	}
	return task, nil
}

func (c *Claimer) claimOnDisk(taskID, cyberName string) (*types.Task, error) {
	openDir := c.root.GridTasksDir("open")
	claimedDir := c.root.GridTasksDir("claimed")
	if err := os.MkdirAll(claimedDir, 0o755); err != nil {
		return nil, fmt.Errorf("tasks: mkdir claimed: %w", err)
	}

	openPath := filepath.Join(openDir, taskID+".json")
	data, err := os.ReadFile(openPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: task %s no longer open", ErrAlreadyClaimed, taskID)
		}
		return nil, fmt.Errorf("tasks: read %s: %w", openPath, err)
	}

	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("tasks: parse %s: %w", openPath, err)
	}

	// The rename below is the actual claim: POSIX rename(2) is atomic,
	// so exactly one concurrent caller observes a nil error here. Only
	// the winner may proceed to stamp and write a claimed/ copy, so a
	// losing goroutine can never race the winner's write.
	lockPath := openPath + ".claimed-lock"
	if err := os.Rename(openPath, lockPath); err != nil {
		return nil, fmt.Errorf("%w: lost race for task %s", ErrAlreadyClaimed, taskID)
	}

	now := time.Now()
	task.ClaimedBy = cyberName
	task.ClaimedAt = &now
	task.Updated = now

	stamped, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		os.Remove(lockPath)
		return nil, err
	}

	tmp, err := os.CreateTemp(claimedDir, ".claim-*")
	if err != nil {
		os.Remove(lockPath)
		return nil, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(stamped); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		os.Remove(lockPath)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		os.Remove(lockPath)
		return nil, err
	}

	claimedPath := filepath.Join(claimedDir, taskID+".json")
	if err := os.Rename(tmpName, claimedPath); err != nil {
		os.Remove(tmpName)
		os.Remove(lockPath)
		return nil, fmt.Errorf("tasks: stage claimed copy: %w", err)
	}
	os.Remove(lockPath)

	return &task, nil
}

// Release clears cyberName's in-memory active claim, e.g. after task
// completion or abandonment.
func (c *Claimer) Release(cyberName string) {
	c.mu.Lock()
	delete(c.active, cyberName)
	c.mu.Unlock()
}

// Complete moves taskID from claimed/ to completed/, stamping
// Completed, and releases cyberName's active-claim slot.
func (c *Claimer) Complete(taskID, cyberName string) error {
	claimedDir := c.root.GridTasksDir("claimed")
	completedDir := c.root.GridTasksDir("completed")
	if err := os.MkdirAll(completedDir, 0o755); err != nil {
		return err
	}

	claimedPath := filepath.Join(claimedDir, taskID+".json")
	data, err := os.ReadFile(claimedPath)
	if err != nil {
		return fmt.Errorf("tasks: read %s: %w", claimedPath, err)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return err
	}
	now := time.Now()
	task.Completed = &now
	task.Updated = now

	stamped, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(completedDir, ".complete-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(stamped); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	tmp.Close()

	completedPath := filepath.Join(completedDir, taskID+".json")
	if err := os.Rename(tmp.Name(), completedPath); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	os.Remove(claimedPath)
	c.Release(cyberName)
	return nil
}
