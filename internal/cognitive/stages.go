package cognitive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mindswarm/subspace/internal/action"
	"github.com/mindswarm/subspace/internal/brain"
	"github.com/mindswarm/subspace/internal/memory"
	"github.com/mindswarm/subspace/internal/perception"
	"github.com/mindswarm/subspace/internal/workspace"
	"github.com/mindswarm/subspace/pkg/types"
)

// ObservationStage scans the filesystem, folds new observations into
// working memory, and asks the brain for an understanding document and
// candidate foci, per spec.md §4.7.
type ObservationStage struct {
	scanner  *perception.Scanner
	working  *memory.WorkingMemory
	selector *memory.Selector
	builder  *memory.ContextBuilder
	brain    *brain.Client
}

// NewObservationStage wires the Observation stage's collaborators.
func NewObservationStage(scanner *perception.Scanner, working *memory.WorkingMemory, selector *memory.Selector, builder *memory.ContextBuilder, brainClient *brain.Client) *ObservationStage {
	return &ObservationStage{scanner: scanner, working: working, selector: selector, builder: builder, brain: brainClient}
}

func (s *ObservationStage) Run(ctx context.Context, in StageInput) (StageOutput, error) {
	observed, err := s.scanner.Scan(ctx)
	if err != nil {
		return StageOutput{}, fmt.Errorf("observation: scan: %w", err)
	}

	newCount := 0
	for _, b := range observed {
		if _, exists := s.working.Get(b.ID); exists {
			continue // identical observation already held, suppress per spec.md §4.6
		}
		s.working.Add(b)
		newCount++
	}

	selection := s.selector.Select(s.working.All(), in.TokenBudget, "observation")
	renderedContext, err := s.builder.Build(selection, memory.FormatStructured)
	if err != nil {
		return StageOutput{}, fmt.Errorf("observation: build context: %w", err)
	}

	resp, err := s.brain.Think(ctx, types.BrainRequest{
		Signature: types.Signature{
			Task: "Summarize the current situation from the working-memory context below: name the salient items and propose one or more candidate foci for this cycle.",
			Inputs: map[string]string{
				"context": "the rendered working-memory context for this cycle",
			},
			Outputs: map[string]string{
				"understanding": "a prose summary of the salient items",
				"foci":          "comma-separated candidate foci for this cycle",
			},
		},
		InputValues: map[string]any{"context": renderedContext},
		Context: types.BrainContext{
			Cycle: in.Cycle, Stage: string(StageObservation), Phase: "understand", TokenBudget: in.TokenBudget,
		},
	})
	if err != nil {
		// A brain abort does not fail the cycle: proceed with an empty
		// understanding so later stages can still run maintenance work.
		return StageOutput{
			Stage: StageObservation,
			Cycle: in.Cycle,
			Data:  map[string]any{"aborted": true, "error": err.Error(), "new_observations": newCount},
			Timestamp: time.Now(),
		}, nil
	}

	understanding, _ := resp.OutputValues["understanding"].(string)
	foci, _ := resp.OutputValues["foci"].(string)

	return StageOutput{
		Stage: StageObservation,
		Cycle: in.Cycle,
		Data: map[string]any{
			"understanding":    understanding,
			"foci":             foci,
			"new_observations": newCount,
			"token_usage":      resp.TokenUsage.TotalTokens,
		},
		Timestamp: time.Now(),
	}, nil
}

// DecisionStage asks the brain for an ordered action list given the
// Observation stage's understanding, then drops any action whose
// precondition is obviously violated, per spec.md §4.7.
type DecisionStage struct {
	brain           *brain.Client
	actionsCatalog  []string
	recipientExists func(name string) bool
}

// NewDecisionStage wires the Decision stage. recipientExists may be nil
// (no precondition checking against cyber existence is then performed).
func NewDecisionStage(brainClient *brain.Client, actionsCatalog []string, recipientExists func(name string) bool) *DecisionStage {
	return &DecisionStage{brain: brainClient, actionsCatalog: actionsCatalog, recipientExists: recipientExists}
}

func (s *DecisionStage) Run(ctx context.Context, in StageInput) (StageOutput, error) {
	if in.Previous == nil {
		return StageOutput{Stage: StageDecision, Cycle: in.Cycle, Data: map[string]any{"actions": []types.Action{}}, Timestamp: time.Now()}, nil
	}
	if aborted, _ := in.Previous.Data["aborted"].(bool); aborted {
		return StageOutput{Stage: StageDecision, Cycle: in.Cycle, Data: map[string]any{"actions": []types.Action{}, "aborted": true}, Timestamp: time.Now()}, nil
	}

	understanding, _ := in.Previous.Data["understanding"].(string)
	foci, _ := in.Previous.Data["foci"].(string)

	resp, err := s.brain.Think(ctx, types.BrainRequest{
		Signature: types.Signature{
			Task: "Given the current understanding and the registered actions, decide an ordered list of actions for this cycle. Parameters may reference @last or @last.path to pull from the previous action's result.",
			Inputs: map[string]string{
				"understanding":      "the observation stage's prose summary",
				"foci":               "comma-separated candidate foci",
				"available_actions":  "comma-separated list of registered action names",
			},
			Outputs: map[string]string{
				"actions": "a JSON array of {\"name\": string, \"params\": object}, most urgent first",
			},
		},
		InputValues: map[string]any{
			"understanding":     understanding,
			"foci":              foci,
			"available_actions": strings.Join(s.actionsCatalog, ", "),
		},
		Context: types.BrainContext{
			Cycle: in.Cycle, Stage: string(StageDecision), Phase: "decide", TokenBudget: in.TokenBudget,
		},
	})
	if err != nil {
		return StageOutput{Stage: StageDecision, Cycle: in.Cycle, Data: map[string]any{"actions": []types.Action{}, "aborted": true, "error": err.Error()}, Timestamp: time.Now()}, nil
	}

	actions := s.filterInvalid(parseDecisionActions(resp.OutputValues["actions"]))

	return StageOutput{
		Stage: StageDecision,
		Cycle: in.Cycle,
		Data: map[string]any{
			"actions":     actions,
			"token_usage": resp.TokenUsage.TotalTokens,
		},
		Timestamp: time.Now(),
	}, nil
}

// filterInvalid drops any action whose precondition is obviously
// violated — currently, a send_message targeting a cyber that does not
// exist.
func (s *DecisionStage) filterInvalid(actions []types.Action) []types.Action {
	if s.recipientExists == nil {
		return actions
	}
	out := make([]types.Action, 0, len(actions))
	for _, act := range actions {
		if act.Name == "send_message" {
			if to, ok := act.Params["to"].(string); ok && to != "" && !s.recipientExists(to) {
				continue
			}
		}
		out = append(out, act)
	}
	return out
}

// parseDecisionActions accepts either a native []types.Action (as
// tests construct directly), the []any/map[string]any shape a JSON
// brain reply unmarshals into, or a JSON-encoded string, in that order
// of preference.
func parseDecisionActions(raw any) []types.Action {
	switch v := raw.(type) {
	case []types.Action:
		return v
	case []any:
		return actionsFromList(v)
	case string:
		var list []any
		if err := json.Unmarshal([]byte(v), &list); err != nil {
			return nil
		}
		return actionsFromList(list)
	default:
		return nil
	}
}

func actionsFromList(list []any) []types.Action {
	actions := make([]types.Action, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		params, _ := m["params"].(map[string]any)
		actions = append(actions, types.Action{Name: name, Params: params})
	}
	return actions
}

// ExecutionStage runs the Decision stage's action list in order,
// recording each result as a new observation in working memory and
// short-circuiting on a fatal error, per spec.md §4.7.
type ExecutionStage struct {
	coordinator *action.Coordinator
	working     *memory.WorkingMemory
}

// NewExecutionStage wires the Execution stage.
func NewExecutionStage(coordinator *action.Coordinator, working *memory.WorkingMemory) *ExecutionStage {
	return &ExecutionStage{coordinator: coordinator, working: working}
}

func (s *ExecutionStage) Run(ctx context.Context, in StageInput) (StageOutput, error) {
	var actions []types.Action
	if in.Previous != nil {
		actions, _ = in.Previous.Data["actions"].([]types.Action)
	}

	results := make([]types.Result, 0, len(actions))
	var fatalErr string
	for i, act := range actions {
		result := s.coordinator.Execute(ctx, act)
		results = append(results, result)
		s.working.Add(executionObservationBlock(in.Cycle, i, act, result))

		if !result.Success && isFatal(result.Error) {
			fatalErr = result.Error.Error()
			break
		}
	}

	data := map[string]any{"results": results, "executed": len(results)}
	if fatalErr != "" {
		data["fatal_error"] = fatalErr
	}
	return StageOutput{Stage: StageExecution, Cycle: in.Cycle, Data: data, Timestamp: time.Now()}, nil
}

// isFatal classifies which action failures should abort the remainder
// of the cycle's action list rather than simply being skipped.
func isFatal(stageErr *types.StageError) bool {
	if stageErr == nil {
		return false
	}
	switch stageErr.Kind {
	case types.ErrBrainUnavailable, types.ErrShutdownRequested, types.ErrSandboxViolation:
		return true
	default:
		return false
	}
}

func executionObservationBlock(cycle, index int, act types.Action, result types.Result) *types.Block {
	now := time.Now()
	summary := fmt.Sprintf("action %q %s", act.Name, outcomeWord(result.Success))
	return &types.Block{
		Header: types.Header{
			ID:         types.NewBlockID(types.ScopePersonal, types.BlockObservation, fmt.Sprintf("action-result:%d:%d", cycle, index), ""),
			Priority:   types.PriorityMedium,
			Confidence: 1.0,
			CreatedAt:  now,
		},
		Type: types.BlockObservation,
		Observation: &types.ObservationPayload{
			Kind: "action_result", Path: act.Name, Timestamp: now, Summary: summary,
		},
	}
}

func outcomeWord(success bool) string {
	if success {
		return "succeeded"
	}
	return "failed"
}

// ReflectionStage compacts this cycle's understanding and action
// results into durable insights, appends an activity-log line, purges
// expired/stale memory, and writes the new cycle-state block, per
// spec.md §4.7.
type ReflectionStage struct {
	brain             *brain.Client
	working           *memory.WorkingMemory
	cyber             *workspace.CyberWorkspace
	observationMaxAge time.Duration
	historyMaxEntries int
}

// NewReflectionStage wires the Reflection stage. observationMaxAge
// bounds how long an observation block survives; historyMaxEntries
// bounds the retained history block count.
func NewReflectionStage(brainClient *brain.Client, working *memory.WorkingMemory, cyber *workspace.CyberWorkspace, observationMaxAge time.Duration, historyMaxEntries int) *ReflectionStage {
	if observationMaxAge <= 0 {
		observationMaxAge = 24 * time.Hour
	}
	if historyMaxEntries <= 0 {
		historyMaxEntries = 200
	}
	return &ReflectionStage{brain: brainClient, working: working, cyber: cyber, observationMaxAge: observationMaxAge, historyMaxEntries: historyMaxEntries}
}

func (s *ReflectionStage) Run(ctx context.Context, in StageInput) (StageOutput, error) {
	var execResults []types.Result
	if in.Previous != nil {
		execResults, _ = in.Previous.Data["results"].([]types.Result)
	}

	var understanding string
	if obsOut, err := readStageBuffer(s.cyber, StageObservation); err == nil {
		understanding, _ = obsOut.Data["understanding"].(string)
	}

	resp, err := s.brain.Think(ctx, types.BrainRequest{
		Signature: types.Signature{
			Task: "Reflect on this cycle: compact the understanding and action results into one durable insight worth remembering, and write a one-line activity-log entry.",
			Inputs: map[string]string{
				"understanding": "this cycle's observation-stage understanding",
				"results":       "a summary of this cycle's executed action results",
			},
			Outputs: map[string]string{
				"insight":            "one compacted insight to add to memory, or empty if nothing is worth keeping",
				"activity_log_line":  "one-line activity log entry describing this cycle",
			},
		},
		InputValues: map[string]any{
			"understanding": understanding,
			"results":       summarizeResults(execResults),
		},
		Context: types.BrainContext{
			Cycle: in.Cycle, Stage: string(StageReflection), Phase: "reflect", TokenBudget: in.TokenBudget,
		},
	})

	insight := ""
	logLine := fmt.Sprintf("cycle %d: executed %d action(s)", in.Cycle, len(execResults))
	tokenUsage := 0
	if err == nil {
		if v, ok := resp.OutputValues["insight"].(string); ok {
			insight = v
		}
		if v, ok := resp.OutputValues["activity_log_line"].(string); ok && v != "" {
			logLine = v
		}
		tokenUsage = resp.TokenUsage.TotalTokens
	}

	if insight != "" {
		s.working.Add(insightBlock(in.Cycle, insight))
	}
	if logErr := s.appendActivityLog(logLine); logErr != nil {
		return StageOutput{}, fmt.Errorf("reflection: append activity log: %w", logErr)
	}

	now := time.Now()
	purgedExpired := s.working.CleanupExpired(now)
	purgedObservations := s.working.CleanupObservationsOlderThan(now, s.observationMaxAge)
	s.trimHistory()
	s.working.Add(cycleStateBlock(in.Cycle, now))

	return StageOutput{
		Stage: StageReflection,
		Cycle: in.Cycle,
		Data: map[string]any{
			"insight":              insight,
			"purged_expired":       purgedExpired,
			"purged_observations":  purgedObservations,
			"token_usage":          tokenUsage,
		},
		Timestamp: now,
	}, nil
}

func (s *ReflectionStage) appendActivityLog(line string) error {
	if err := os.MkdirAll(s.cyber.Logs(), 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.cyber.Logs(), "activity.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(time.Now().Format(time.RFC3339) + " " + line + "\n")
	return err
}

func (s *ReflectionStage) trimHistory() {
	hist := s.working.ByType(types.BlockHistory)
	if len(hist) <= s.historyMaxEntries {
		return
	}
	sort.Slice(hist, func(i, j int) bool { return hist[i].CreatedAt.Before(hist[j].CreatedAt) })
	excess := len(hist) - s.historyMaxEntries
	for i := 0; i < excess; i++ {
		s.working.Remove(hist[i].ID)
	}
}

func summarizeResults(results []types.Result) string {
	if len(results) == 0 {
		return "no actions executed"
	}
	parts := make([]string, 0, len(results))
	for i, r := range results {
		status := "ok"
		if !r.Success {
			status = "failed"
			if r.Error != nil {
				status = "failed: " + r.Error.Message
			}
		}
		parts = append(parts, fmt.Sprintf("%d:%s", i, status))
	}
	return strings.Join(parts, ", ")
}

func insightBlock(cycle int, insight string) *types.Block {
	now := time.Now()
	return &types.Block{
		Header: types.Header{
			ID:         types.NewBlockID(types.ScopePersonal, types.BlockKnowledge, fmt.Sprintf("insight:cycle-%d", cycle), ""),
			Priority:   types.PriorityMedium,
			Confidence: 0.8,
			CreatedAt:  now,
		},
		Type:      types.BlockKnowledge,
		Knowledge: &types.KnowledgePayload{Topic: []string{insight}, Relevance: 1.0},
		Raw:       insight,
	}
}

func cycleStateBlock(cycle int, at time.Time) *types.Block {
	raw, _ := json.Marshal(map[string]any{"cycle": cycle, "completed_at": at})
	return &types.Block{
		Header: types.Header{
			ID:         types.NewBlockID(types.ScopePersonal, types.BlockCycleState, "current", ""),
			Priority:   types.PriorityHigh,
			Confidence: 1.0,
			CreatedAt:  at,
		},
		Type: types.BlockCycleState,
		Raw:  string(raw),
	}
}

// readStageBuffer reads another stage's current pipeline buffer
// directly off disk, letting Reflection reach back past its immediate
// predecessor to the Observation stage's understanding without
// threading it through every intermediate StageInput.
func readStageBuffer(cyber *workspace.CyberWorkspace, stage StageName) (*StageOutput, error) {
	data, err := os.ReadFile(cyber.PipelineCurrent(string(stage)))
	if err != nil {
		return nil, err
	}
	var out StageOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
