package cognitive

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindswarm/subspace/internal/bus"
	"github.com/mindswarm/subspace/internal/workspace"
)

type fakeStage struct {
	name  StageName
	usage int
	calls int
}

func (s *fakeStage) Run(ctx context.Context, in StageInput) (StageOutput, error) {
	s.calls++
	return StageOutput{
		Stage: s.name,
		Cycle: in.Cycle,
		Data:  map[string]any{"token_usage": s.usage, "budget_seen": in.TokenBudget},
	}, nil
}

func newTestLoop(t *testing.T) (*Loop, map[StageName]*fakeStage) {
	t.Helper()
	root := workspace.NewRoot(t.TempDir())
	cyber := root.CyberRoot("alice")
	require.NoError(t, os.MkdirAll(cyber.Path, 0o755))

	stages := map[StageName]Stage{}
	fakes := map[StageName]*fakeStage{}
	for _, name := range stageOrder {
		f := &fakeStage{name: name, usage: 10}
		stages[name] = f
		fakes[name] = f
	}

	b := bus.New(64)
	loop, err := NewLoop(cyber, stages, b, 4000)
	require.NoError(t, err)
	return loop, fakes
}

func TestRunOnceExecutesAllStagesInOrder(t *testing.T) {
	loop, fakes := newTestLoop(t)
	require.NoError(t, loop.RunOnce(context.Background()))

	for _, name := range stageOrder {
		assert.Equal(t, 1, fakes[name].calls, "stage %q should run exactly once", name)
	}
	assert.Equal(t, 1, loop.Cycle())
}

func TestRunOnceWritesCurrentPipelineBuffer(t *testing.T) {
	loop, _ := newTestLoop(t)
	require.NoError(t, loop.RunOnce(context.Background()))

	for _, name := range stageOrder {
		_, err := os.Stat(loop.cyber.PipelineCurrent(string(name)))
		assert.NoError(t, err, "stage %q current buffer should exist", name)
	}
}

func TestRunOnceRotatesPreviousBufferOnSecondCycle(t *testing.T) {
	loop, _ := newTestLoop(t)
	require.NoError(t, loop.RunOnce(context.Background()))
	require.NoError(t, loop.RunOnce(context.Background()))

	for _, name := range stageOrder {
		_, err := os.Stat(loop.cyber.PipelinePrevious(string(name)))
		assert.NoError(t, err, "stage %q previous buffer should exist after second cycle", name)
	}
}

func TestSplitBudgetNeverDropsBelowFloor(t *testing.T) {
	loop, _ := newTestLoop(t)
	budgets := loop.floorSplit()

	total := 0
	for _, name := range stageOrder {
		floor := loop.totalBudget * stageFloor[name] / 100
		assert.GreaterOrEqual(t, budgets[name], floor)
		total += budgets[name]
	}
	assert.LessOrEqual(t, total, loop.totalBudget)
}

func TestMissingStageReturnsError(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	cyber := root.CyberRoot("bob")
	_, err := NewLoop(cyber, map[StageName]Stage{StageObservation: &fakeStage{name: StageObservation}}, nil, 1000)
	assert.Error(t, err)
}

func TestRunOncePublishesCycleEvents(t *testing.T) {
	loop, _ := newTestLoop(t)

	var mu sync.Mutex
	var seen []bus.EventType
	unsub := loopBusOf(t, loop).Subscribe("", func(e bus.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})
	defer unsub()

	require.NoError(t, loop.RunOnce(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		hasStarted, hasCompleted, hasStageStarted, hasStageCompleted := false, false, false, false
		for _, typ := range seen {
			switch typ {
			case bus.EventCycleStarted:
				hasStarted = true
			case bus.EventCycleCompleted:
				hasCompleted = true
			case bus.EventStageStarted:
				hasStageStarted = true
			case bus.EventStageCompleted:
				hasStageCompleted = true
			}
		}
		return hasStarted && hasCompleted && hasStageStarted && hasStageCompleted
	}, time.Second, 5*time.Millisecond, "bus delivery did not complete in time")
}

func loopBusOf(t *testing.T, l *Loop) *bus.Bus {
	t.Helper()
	return l.bus
}
