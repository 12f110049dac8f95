package cognitive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindswarm/subspace/internal/action"
	"github.com/mindswarm/subspace/internal/bodyfile"
	"github.com/mindswarm/subspace/internal/brain"
	"github.com/mindswarm/subspace/internal/memory"
	"github.com/mindswarm/subspace/internal/perception"
	"github.com/mindswarm/subspace/internal/workspace"
	"github.com/mindswarm/subspace/pkg/types"
)

type stubThinkProvider struct {
	outputValues map[string]any
	err          error
}

func (p *stubThinkProvider) Complete(ctx context.Context, prompt string, maxTokens int) (string, types.TokenUsage, error) {
	if p.err != nil {
		return "", types.TokenUsage{}, p.err
	}
	data, err := json.Marshal(p.outputValues)
	if err != nil {
		return "", types.TokenUsage{}, err
	}
	return string(data), types.TokenUsage{TotalTokens: 42}, nil
}

func newBrainClient(t *testing.T, provider brain.LLMProvider) *brain.Client {
	t.Helper()
	server, err := brain.NewServer(provider, 16)
	require.NoError(t, err)
	channel := bodyfile.NewRequestChannel("brain", 1, server.Handle)
	return brain.NewClient(channel)
}

func newCyberWorkspace(t *testing.T) *workspace.CyberWorkspace {
	t.Helper()
	root := workspace.NewRoot(t.TempDir())
	cyber := root.CyberRoot("alice")
	for _, d := range cyber.AllDirs() {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	return cyber
}

func TestObservationStageAddsNewObservationsAndAsksBrain(t *testing.T) {
	cyber := newCyberWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(cyber.Memory(), "note.txt"), []byte("hello"), 0o644))

	scanner, err := perception.NewScanner(filepath.Join(cyber.Internal(), "perception.db"), []string{cyber.Memory()})
	require.NoError(t, err)
	defer scanner.Close()

	working := memory.NewWorkingMemory()
	selector := memory.NewSelector()
	builder := memory.NewContextBuilder(memory.NewContentLoader(cyber, time.Minute))
	provider := &stubThinkProvider{outputValues: map[string]any{"understanding": "one new file", "foci": "note.txt"}}
	brainClient := newBrainClient(t, provider)

	stage := NewObservationStage(scanner, working, selector, builder, brainClient)
	out, err := stage.Run(context.Background(), StageInput{Cycle: 1, TokenBudget: 1000})
	require.NoError(t, err)

	assert.Equal(t, "one new file", out.Data["understanding"])
	assert.Equal(t, 1, out.Data["new_observations"])
	assert.Len(t, working.ByType(types.BlockObservation), 1)
}

func TestDecisionStageParsesActionsAndDropsUnknownRecipient(t *testing.T) {
	provider := &stubThinkProvider{outputValues: map[string]any{
		"actions": []any{
			map[string]any{"name": "send_message", "params": map[string]any{"to": "bob", "body": "hi"}},
			map[string]any{"name": "send_message", "params": map[string]any{"to": "ghost", "body": "hi"}},
			map[string]any{"name": "wait", "params": map[string]any{}},
		},
	}}
	brainClient := newBrainClient(t, provider)
	exists := func(name string) bool { return name == "bob" }
	stage := NewDecisionStage(brainClient, []string{"send_message", "wait"}, exists)

	in := StageInput{Cycle: 1, TokenBudget: 500, Previous: &StageOutput{
		Data: map[string]any{"understanding": "say hi to bob"},
	}}
	out, err := stage.Run(context.Background(), in)
	require.NoError(t, err)

	actions := out.Data["actions"].([]types.Action)
	require.Len(t, actions, 2)
	assert.Equal(t, "send_message", actions[0].Name)
	assert.Equal(t, "bob", actions[0].Params["to"])
	assert.Equal(t, "wait", actions[1].Name)
}

func TestDecisionStageShortCircuitsOnAbortedObservation(t *testing.T) {
	brainClient := newBrainClient(t, &stubThinkProvider{})
	stage := NewDecisionStage(brainClient, nil, nil)

	in := StageInput{Cycle: 1, Previous: &StageOutput{Data: map[string]any{"aborted": true}}}
	out, err := stage.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, out.Data["actions"].([]types.Action))
	assert.Equal(t, true, out.Data["aborted"])
}

func TestExecutionStageRunsActionsAndRecordsObservations(t *testing.T) {
	working := memory.NewWorkingMemory()
	coordinator := action.NewCoordinator(nil)
	coordinator.Register("ping", func(ctx context.Context, params map[string]any) types.Result {
		return types.Result{Success: true, Output: map[string]any{"pong": true}}
	})
	stage := NewExecutionStage(coordinator, working)

	in := StageInput{Cycle: 1, Previous: &StageOutput{Data: map[string]any{
		"actions": []types.Action{{Name: "ping"}},
	}}}
	out, err := stage.Run(context.Background(), in)
	require.NoError(t, err)

	results := out.Data["results"].([]types.Result)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Len(t, working.ByType(types.BlockObservation), 1)
}

func TestExecutionStageStopsOnFatalError(t *testing.T) {
	working := memory.NewWorkingMemory()
	coordinator := action.NewCoordinator(nil)
	coordinator.Register("fatal", func(ctx context.Context, params map[string]any) types.Result {
		return types.Result{Success: false, Error: &types.StageError{Kind: types.ErrBrainUnavailable, Message: "down"}}
	})
	coordinator.Register("never", func(ctx context.Context, params map[string]any) types.Result {
		return types.Result{Success: true}
	})
	stage := NewExecutionStage(coordinator, working)

	in := StageInput{Cycle: 1, Previous: &StageOutput{Data: map[string]any{
		"actions": []types.Action{{Name: "fatal"}, {Name: "never"}},
	}}}
	out, err := stage.Run(context.Background(), in)
	require.NoError(t, err)

	results := out.Data["results"].([]types.Result)
	assert.Len(t, results, 1)
	assert.NotEmpty(t, out.Data["fatal_error"])
}

func TestReflectionStageAddsInsightAndCycleStateAndAppendsLog(t *testing.T) {
	cyber := newCyberWorkspace(t)
	working := memory.NewWorkingMemory()
	provider := &stubThinkProvider{outputValues: map[string]any{
		"insight": "bob replied quickly", "activity_log_line": "cycle done",
	}}
	brainClient := newBrainClient(t, provider)
	stage := NewReflectionStage(brainClient, working, cyber, time.Hour, 10)

	in := StageInput{Cycle: 3, Previous: &StageOutput{Data: map[string]any{
		"results": []types.Result{{Success: true}},
	}}}
	out, err := stage.Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "bob replied quickly", out.Data["insight"])
	assert.Len(t, working.ByType(types.BlockKnowledge), 1)
	assert.Len(t, working.ByType(types.BlockCycleState), 1)

	logData, err := os.ReadFile(filepath.Join(cyber.Logs(), "activity.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "cycle done")
}
