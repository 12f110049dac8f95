// Package cognitive implements the Cognitive Loop: the four-stage
// Observation/Decision/Execution/Reflection state machine each cyber
// process runs every cycle, per spec.md §4.7.
package cognitive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mindswarm/subspace/internal/bus"
	"github.com/mindswarm/subspace/internal/logging"
	"github.com/mindswarm/subspace/internal/workspace"
	"github.com/mindswarm/subspace/pkg/types"
)

// StageName identifies one of the four fixed pipeline stages.
type StageName string

const (
	StageObservation StageName = "observation"
	StageDecision    StageName = "decision"
	StageExecution   StageName = "execution"
	StageReflection  StageName = "reflection"
)

var stageOrder = []StageName{StageObservation, StageDecision, StageExecution, StageReflection}

// stageFloor is the minimum token share (out of 100) guaranteed to each
// stage regardless of how the adaptive split recomputes the remainder,
// so a cycle's latter stages are never starved to zero by an earlier
// stage's actual usage.
var stageFloor = map[StageName]int{
	StageObservation: 25,
	StageDecision:    25,
	StageExecution:   10,
	StageReflection:  40,
}

// StageInput is what a Stage receives on each run: the cycle number,
// the overall per-cycle token budget already split for this stage, and
// the previous stage's output within this cycle (always nil for
// Observation, which runs first).
type StageInput struct {
	Cycle       int
	TokenBudget int
	Previous    *StageOutput
}

// StageOutput is what a Stage produces; Data is stage-specific and
// opaque to the loop, persisted verbatim to the pipeline buffer.
type StageOutput struct {
	Stage     StageName      `json:"stage"`
	Cycle     int            `json:"cycle"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Stage runs one pipeline stage's logic.
type Stage interface {
	Run(ctx context.Context, in StageInput) (StageOutput, error)
}

// StageTimeout bounds how long a single stage run may take before the
// loop treats it as failed and moves on with a structured error.
const StageTimeout = 30 * time.Second

// Loop drives the four stages in order each cycle, persisting each
// stage's buffer and recomputing the token-budget split from the
// previous cycle's reported usage.
type Loop struct {
	cyber  *workspace.CyberWorkspace
	stages map[StageName]Stage
	bus    *bus.Bus
	log    *logging.Logger

	cycle       int
	lastUsage   map[StageName]int
	totalBudget int
}

// NewLoop returns a Loop for cyber with the given total per-cycle token
// budget, dispatching to stages for each named pipeline stage. Every
// entry in stageOrder must have a Stage registered.
func NewLoop(cyber *workspace.CyberWorkspace, stages map[StageName]Stage, eventBus *bus.Bus, totalBudget int) (*Loop, error) {
	for _, name := range stageOrder {
		if _, ok := stages[name]; !ok {
			return nil, fmt.Errorf("cognitive: missing stage implementation for %q", name)
		}
	}
	if totalBudget <= 0 {
		totalBudget = 4000
	}
	return &Loop{
		cyber:       cyber,
		stages:      stages,
		bus:         eventBus,
		log:         logging.New("cognitive.loop"),
		lastUsage:   make(map[StageName]int),
		totalBudget: totalBudget,
	}, nil
}

// RunOnce executes exactly one cycle: all four stages in order, each
// writing its PipelineBuffer and rotating current->previous first.
func (l *Loop) RunOnce(ctx context.Context) error {
	l.cycle++
	l.publish(bus.EventCycleStarted, map[string]any{"cycle": l.cycle})

	budgets := l.splitBudget()
	var previous *StageOutput

	for _, name := range stageOrder {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cognitive: cycle %d aborted before stage %q: %w", l.cycle, name, err)
		}

		if err := l.rotateBuffer(name); err != nil {
			l.log.Error(err, fmt.Sprintf("rotate buffer for stage %q", name))
		}

		l.publish(bus.EventStageStarted, map[string]any{"cycle": l.cycle, "stage": string(name)})

		stageCtx, cancel := context.WithTimeout(ctx, StageTimeout)
		out, err := l.stages[name].Run(stageCtx, StageInput{Cycle: l.cycle, TokenBudget: budgets[name], Previous: previous})
		cancel()

		if err != nil {
			detached := logging.DetachContext(ctx)
			l.writeErrorBuffer(detached, name, err)
			return &types.StageError{Kind: types.ErrActionError, Message: fmt.Sprintf("stage %q failed", name), Cause: err.Error()}
		}

		if err := l.writeBuffer(name, out); err != nil {
			l.log.Error(err, fmt.Sprintf("persist buffer for stage %q", name))
		}
		if usage, ok := out.Data["token_usage"].(int); ok {
			l.lastUsage[name] = usage
		}

		l.publish(bus.EventStageCompleted, map[string]any{"cycle": l.cycle, "stage": string(name)})
		previous = &out
	}

	l.publish(bus.EventCycleCompleted, map[string]any{"cycle": l.cycle})
	return nil
}

// splitBudget recomputes the 25/25/10/40 adaptive split from the
// previous cycle's reported usage, never dropping a stage below its
// floor share even if a stage reported zero usage.
func (l *Loop) splitBudget() map[StageName]int {
	if l.cycle <= 1 || l.totalUsage() == 0 {
		return l.floorSplit()
	}

	total := l.totalUsage()
	budgets := make(map[StageName]int, len(stageOrder))
	remaining := l.totalBudget
	for i, name := range stageOrder {
		floor := l.totalBudget * stageFloor[name] / 100
		share := l.totalBudget * l.lastUsage[name] / total
		if share < floor {
			share = floor
		}
		if i == len(stageOrder)-1 {
			share = remaining
		}
		budgets[name] = share
		remaining -= share
	}
	return budgets
}

func (l *Loop) floorSplit() map[StageName]int {
	budgets := make(map[StageName]int, len(stageOrder))
	for _, name := range stageOrder {
		budgets[name] = l.totalBudget * stageFloor[name] / 100
	}
	return budgets
}

func (l *Loop) totalUsage() int {
	total := 0
	for _, v := range l.lastUsage {
		total += v
	}
	return total
}

func (l *Loop) rotateBuffer(stage StageName) error {
	cur := l.cyber.PipelineCurrent(string(stage))
	prev := l.cyber.PipelinePrevious(string(stage))
	if _, err := os.Stat(cur); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(prev), 0o755); err != nil {
		return err
	}
	return os.Rename(cur, prev)
}

func (l *Loop) writeBuffer(stage StageName, out StageOutput) error {
	dir := l.cyber.PipelineStageDir(string(stage))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".buffer-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	tmp.Close()
	return os.Rename(tmp.Name(), l.cyber.PipelineCurrent(string(stage)))
}

func (l *Loop) writeErrorBuffer(ctx context.Context, stage StageName, stageErr error) {
	out := StageOutput{
		Stage:     stage,
		Cycle:     l.cycle,
		Data:      map[string]any{"error": stageErr.Error()},
		Timestamp: time.Now(),
	}
	if err := l.writeBuffer(stage, out); err != nil {
		l.log.Error(err, "persist error buffer")
	}
}

func (l *Loop) publish(typ bus.EventType, data map[string]any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(bus.Event{Type: typ, Data: data, Timestamp: time.Now()})
}

// Cycle returns the number of the most recently started cycle.
func (l *Loop) Cycle() int { return l.cycle }
