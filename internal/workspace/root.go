// Package workspace encodes the Subspace filesystem layout (spec.md §6)
// as typed path helpers, and implements the Template Syncer that
// reconciles a template tree with a live cyber workspace.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Root is the top-level /workspace directory.
type Root struct {
	Path string
}

// NewRoot returns a Root rooted at path (an absolute directory).
func NewRoot(path string) *Root {
	return &Root{Path: path}
}

// CyberRoot returns a CyberWorkspace for the named cyber.
func (r *Root) CyberRoot(name string) *CyberWorkspace {
	return &CyberWorkspace{root: r, Name: name, Path: filepath.Join(r.Path, "cybers", name)}
}

// CybersDir is the parent directory of every cyber's workspace.
func (r *Root) CybersDir() string { return filepath.Join(r.Path, "cybers") }

// ListCyberNames returns the names of every cyber with a workspace
// directory under this Root, in no particular order. A missing
// cybers/ directory (fresh workspace) yields an empty, non-error
// result.
func (r *Root) ListCyberNames() ([]string, error) {
	entries, err := os.ReadDir(r.CybersDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: list cybers: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// GridRoot returns the grid (shared) area path.
func (r *Root) GridRoot() string { return filepath.Join(r.Path, "grid") }

// GridCommunity, GridLibrary, GridWorkshop are the grid's named areas.
func (r *Root) GridCommunity() string { return filepath.Join(r.GridRoot(), "community") }
func (r *Root) GridBulletin() string  { return filepath.Join(r.GridCommunity(), "bulletin") }
func (r *Root) GridLibrary() string   { return filepath.Join(r.GridRoot(), "library") }
func (r *Root) GridWorkshop() string  { return filepath.Join(r.GridRoot(), "workshop") }

// GridTasksDir returns grid/community/tasks/<state>.
func (r *Root) GridTasksDir(state string) string {
	return filepath.Join(r.GridCommunity(), "tasks", state)
}

// GridCyberDirectory returns the path to the community cyber directory
// listing.
func (r *Root) GridCyberDirectory() string {
	return filepath.Join(r.GridCommunity(), "cyber_directory.json")
}

// CyberWorkspace is one cyber's directory tree.
type CyberWorkspace struct {
	root *Root
	Name string
	Path string
}

func (w *CyberWorkspace) Inbox() string  { return filepath.Join(w.Path, "inbox") }
func (w *CyberWorkspace) Outbox() string { return filepath.Join(w.Path, "outbox") }
func (w *CyberWorkspace) OutboxSentFailed() string {
	return filepath.Join(w.Outbox(), "sent", "failed")
}
func (w *CyberWorkspace) Memory() string   { return filepath.Join(w.Path, "memory") }
func (w *CyberWorkspace) Internal() string { return filepath.Join(w.Path, ".internal") }
func (w *CyberWorkspace) Code() string     { return filepath.Join(w.Path, "code") }
func (w *CyberWorkspace) Logs() string     { return filepath.Join(w.Internal(), "logs") }

// PipelineStageDir returns .internal/memory/pipeline/<stage>.
func (w *CyberWorkspace) PipelineStageDir(stage string) string {
	return filepath.Join(w.Internal(), "memory", "pipeline", stage)
}

// PipelineCurrent and PipelinePrevious return the current/previous
// buffer file path for a stage.
func (w *CyberWorkspace) PipelineCurrent(stage string) string {
	return filepath.Join(w.PipelineStageDir(stage), "current")
}
func (w *CyberWorkspace) PipelinePrevious(stage string) string {
	return filepath.Join(w.PipelineStageDir(stage), "previous")
}

func (w *CyberWorkspace) StatusDir() string { return filepath.Join(w.Internal(), "memory", "status") }
func (w *CyberWorkspace) StatusTxt() string { return filepath.Join(w.StatusDir(), "status.txt") }
func (w *CyberWorkspace) StatusJSON() string {
	return filepath.Join(w.StatusDir(), "status.json")
}
func (w *CyberWorkspace) BiofeedbackState() string {
	return filepath.Join(w.StatusDir(), "biofeedback_state.json")
}

// TasksDir returns .internal/tasks/<state> for state in
// {open,claimed,completed,blocked,hobby,maintenance}.
func (w *CyberWorkspace) TasksDir(state string) string {
	return filepath.Join(w.Internal(), "tasks", state)
}

// MemorySnapshotFile is where WorkingMemory persists its JSON snapshot.
func (w *CyberWorkspace) MemorySnapshotFile() string {
	return filepath.Join(w.Internal(), "memory", "snapshot.json")
}

// AllDirs lists every directory the cyber workspace needs at creation
// time, in an order safe to MkdirAll independently.
func (w *CyberWorkspace) AllDirs() []string {
	stages := []string{"observation", "decision", "execution", "reflection"}
	pipelineDirs := make([]string, 0, len(stages))
	for _, s := range stages {
		pipelineDirs = append(pipelineDirs, w.PipelineStageDir(s))
	}
	taskStates := []string{"open", "claimed", "completed", "blocked", "hobby", "maintenance"}
	taskDirs := make([]string, 0, len(taskStates))
	for _, s := range taskStates {
		taskDirs = append(taskDirs, w.TasksDir(s))
	}
	dirs := []string{
		w.Inbox(), w.Outbox(), w.OutboxSentFailed(), w.Memory(), w.Code(),
		w.Logs(), w.StatusDir(),
	}
	dirs = append(dirs, pipelineDirs...)
	dirs = append(dirs, taskDirs...)
	return dirs
}

// Resolve confines a cyber-relative path request to /personal (the
// cyber's own workspace) or /grid, rejecting any attempt to escape via
// ".." or an absolute path elsewhere. This is the path-policy fallback
// named in SPEC_FULL.md §6.1, exercised even when the host cannot
// mount-namespace-isolate the process.
func (w *CyberWorkspace) Resolve(requested string) (string, error) {
	var base string
	var rel string

	switch {
	case strings.HasPrefix(requested, "/personal/"):
		base = w.Path
		rel = strings.TrimPrefix(requested, "/personal/")
	case requested == "/personal":
		base = w.Path
		rel = "."
	case strings.HasPrefix(requested, "/grid/"):
		base = w.root.GridRoot()
		rel = strings.TrimPrefix(requested, "/grid/")
	case requested == "/grid":
		base = w.root.GridRoot()
		rel = "."
	default:
		return "", fmt.Errorf("workspace: %w: path %q is outside /personal and /grid", ErrSandboxViolation, requested)
	}

	clean := filepath.Clean(filepath.Join(base, rel))
	baseClean := filepath.Clean(base)
	if clean != baseClean && !strings.HasPrefix(clean, baseClean+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace: %w: path %q escapes %q", ErrSandboxViolation, requested, baseClean)
	}
	return clean, nil
}
