// Package sandbox implements the Sandbox Host: spawn/terminate/status
// of one OS process per cyber, with resource caps and a path policy
// fallback, per spec.md §4.1.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mindswarm/subspace/internal/bus"
	"github.com/mindswarm/subspace/internal/logging"
	"github.com/mindswarm/subspace/pkg/types"
)

// CyberKind distinguishes general cybers from I/O-capable ones, per
// spec.md §3.
type CyberKind string

const (
	KindGeneral    CyberKind = "general"
	KindIOGateway  CyberKind = "io_gateway"
)

// CyberState is the lifecycle state of a spawned cyber process.
type CyberState string

const (
	StateCreated    CyberState = "created"
	StateStarting   CyberState = "starting"
	StateRunning    CyberState = "running"
	StatePaused     CyberState = "paused"
	StateTerminated CyberState = "terminated"
	StateCrashed    CyberState = "crashed"
)

// CyberSpec describes a cyber to spawn.
type CyberSpec struct {
	Name          string
	Kind          CyberKind
	WorkspaceDir  string
	CyberBinary   string // path to the cmd/cyber executable
	CPUQuotaPercent int
	MemoryLimitMB int
}

// Status mirrors spec.md §4.1's status(cyber) contract.
type Status struct {
	State         CyberState
	PID           int
	CPUPercent    float64
	MemoryMB      float64
	LastHeartbeat time.Time
}

// Handle is returned by a successful Spawn.
type Handle struct {
	mu     sync.RWMutex
	name   string
	cmd    *exec.Cmd
	state  CyberState
	pid    int
	spawnedAt time.Time
	lastHeartbeat time.Time
	exitCode int
	done   chan struct{}
}

// Host supervises one OS process per cyber.
type Host struct {
	mu      sync.Mutex
	cybers  map[string]*Handle
	maxCybers int
	log     *logging.Logger
	bus     *bus.Bus
}

// NewHost returns a Host that refuses to spawn beyond maxCybers
// concurrent cybers. eventBus may be nil, in which case lifecycle
// events are not published (useful for tests that don't care about the
// event surface).
func NewHost(maxCybers int, eventBus *bus.Bus) *Host {
	return &Host{cybers: make(map[string]*Handle), maxCybers: maxCybers, log: logging.New("sandbox.host"), bus: eventBus}
}

// publish is a nil-safe wrapper so Host works without a bus wired in.
func (h *Host) publish(typ bus.EventType, data any) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(bus.Event{Type: typ, Data: data, Timestamp: time.Now()})
}

// ErrSpawnRefused matches spec.md §7's SpawnRefused error kind.
type ErrSpawnRefused struct {
	Reason string
}

func (e *ErrSpawnRefused) Error() string {
	return fmt.Sprintf("%s: %s", types.ErrSpawnRefused, e.Reason)
}

// Spawn execs spec.CyberBinary in its own process group. Just after
// Start it applies spec.MemoryLimitMB as an address-space rlimit;
// spec.CPUQuotaPercent is not applied.
func (h *Host) Spawn(ctx context.Context, spec CyberSpec) (*Handle, error) {
	h.mu.Lock()
	if len(h.cybers) >= h.maxCybers {
		h.mu.Unlock()
		return nil, &ErrSpawnRefused{Reason: "max_cybers quota reached"}
	}
	if _, exists := h.cybers[spec.Name]; exists {
		h.mu.Unlock()
		return nil, &ErrSpawnRefused{Reason: fmt.Sprintf("cyber %q already spawned", spec.Name)}
	}
	h.mu.Unlock()

	if _, err := os.Stat(spec.CyberBinary); err != nil {
		return nil, &ErrSpawnRefused{Reason: fmt.Sprintf("cyber binary missing: %v", err)}
	}
	if _, err := os.Stat(spec.WorkspaceDir); err != nil {
		return nil, &ErrSpawnRefused{Reason: fmt.Sprintf("workspace missing: %v", err)}
	}

	cmd := exec.CommandContext(ctx, spec.CyberBinary, "-workspace", spec.WorkspaceDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), "SUBSPACE_CYBER_NAME="+spec.Name, "SUBSPACE_CYBER_KIND="+string(spec.Kind))

	if err := cmd.Start(); err != nil {
		return nil, &ErrSpawnRefused{Reason: fmt.Sprintf("exec failed: %v", err)}
	}

	if spec.MemoryLimitMB > 0 {
		if err := applyMemoryLimit(cmd.Process.Pid, spec.MemoryLimitMB); err != nil {
			h.log.WithField("cyber", spec.Name).Error(err, "failed to apply memory rlimit")
		}
	}

	handle := &Handle{
		name:      spec.Name,
		cmd:       cmd,
		state:     StateStarting,
		pid:       cmd.Process.Pid,
		spawnedAt: time.Now(),
		lastHeartbeat: time.Now(),
		done:      make(chan struct{}),
	}
	handle.setState(StateRunning)

	h.mu.Lock()
	h.cybers[spec.Name] = handle
	h.mu.Unlock()

	go h.supervise(spec.Name, handle)

	h.publish(bus.EventCyberCreated, map[string]any{"cyber": spec.Name, "kind": string(spec.Kind), "pid": handle.pid})

	return handle, nil
}

// supervise waits on the process and records its terminal state,
// publishing cyber_crashed for the operator/monitoring surface when the
// process exits without a preceding graceful Terminate.
func (h *Host) supervise(name string, handle *Handle) {
	err := handle.cmd.Wait()
	close(handle.done)

	handle.mu.Lock()
	if handle.state == StateTerminated {
		handle.mu.Unlock()
		return // graceful Terminate already set this
	}
	handle.state = StateCrashed
	if exitErr, ok := err.(*exec.ExitError); ok {
		handle.exitCode = exitErr.ExitCode()
	}
	exitCode := handle.exitCode
	handle.mu.Unlock()

	h.log.WithFields(map[string]any{"cyber": name, "exit_code": exitCode}).Warn("cyber process exited unexpectedly")
	h.publish(bus.EventCyberCrashed, map[string]any{"cyber": name, "exit_code": exitCode})
}

// Terminate signals the cyber's process group, escalating to SIGKILL
// if it has not exited within grace.
func (h *Host) Terminate(ctx context.Context, name string, grace time.Duration) error {
	h.mu.Lock()
	handle, ok := h.cybers[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("sandbox: unknown cyber %q", name)
	}

	pgid, err := syscall.Getpgid(handle.pid)
	if err == nil {
		syscall.Kill(-pgid, syscall.SIGTERM)
	}

	select {
	case <-handle.done:
	case <-time.After(grace):
		if err == nil {
			syscall.Kill(-pgid, syscall.SIGKILL)
		}
		<-handle.done
	case <-ctx.Done():
		if err == nil {
			syscall.Kill(-pgid, syscall.SIGKILL)
		}
		<-handle.done
	}

	handle.setState(StateTerminated)
	h.publish(bus.EventCyberTerminated, map[string]any{"cyber": name})
	return nil
}

// Status returns the handle's current view of the process, reading
// VmRSS from /proc/<pid>/status for MemoryMB (Linux-only, matching the
// POSIX filesystem substrate the rest of the spec assumes). CPUPercent
// is not filled in.
func (h *Host) Status(name string) (Status, error) {
	h.mu.Lock()
	handle, ok := h.cybers[name]
	h.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("sandbox: unknown cyber %q", name)
	}

	handle.mu.RLock()
	defer handle.mu.RUnlock()

	memMB := readRSSFromProc(handle.pid)

	return Status{
		State:         handle.state,
		PID:           handle.pid,
		MemoryMB:      memMB,
		LastHeartbeat: handle.lastHeartbeat,
	}, nil
}

func (hd *Handle) setState(s CyberState) {
	hd.mu.Lock()
	hd.state = s
	hd.mu.Unlock()
}

// applyMemoryLimit caps pid's address-space (virtual memory) rlimit via
// prlimit(2). This runs just after Start(), so the process runs briefly
// before the limit takes effect. Nothing else watches a cyber's memory
// use or kills it for overage.
func applyMemoryLimit(pid int, memoryLimitMB int) error {
	limit := uint64(memoryLimitMB) * 1024 * 1024
	rlimit := unix.Rlimit{Cur: limit, Max: limit}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &rlimit, nil)
}

func readRSSFromProc(pid int) float64 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	var kb int64
	for _, line := range splitLines(string(data)) {
		if n, ok := parseVmRSS(line); ok {
			kb = n
			break
		}
	}
	return float64(kb) / 1024.0
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return lines
}

func parseVmRSS(line string) (int64, bool) {
	const prefix = "VmRSS:"
	if len(line) < len(prefix) || line[:len(prefix)] != prefix {
		return 0, false
	}
	var kb int64
	_, err := fmt.Sscanf(line[len(prefix):], "%d", &kb)
	if err != nil {
		return 0, false
	}
	return kb, true
}
