// Package action implements the Action Coordinator: the registry of
// built-in actions plus the Lua scripted-action sandbox, per spec.md
// §4.8.
package action

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mindswarm/subspace/internal/logging"
	"github.com/mindswarm/subspace/pkg/types"
)

// Handler executes one action kind against its params and returns a
// Result. ctx carries the per-action deadline.
type Handler func(ctx context.Context, params map[string]any) types.Result

// Coordinator dispatches types.Action values to registered built-in
// handlers or the scripted-action runner, resolving any @last[.path]
// references in params against the previous action's Result first.
type Coordinator struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	lastResult types.Result
	log      *logging.Logger

	scriptRunner *ScriptRunner
}

// NewCoordinator returns a Coordinator with no actions registered; call
// RegisterBuiltins or Register to populate it.
func NewCoordinator(scriptRunner *ScriptRunner) *Coordinator {
	return &Coordinator{
		handlers:     make(map[string]Handler),
		log:          logging.New("action.coordinator"),
		scriptRunner: scriptRunner,
	}
}

// Register adds or replaces the handler for name.
func (c *Coordinator) Register(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
}

// Execute resolves action.Params against the previous result, dispatches
// to the registered handler (or the Lua runner for the "script" action),
// and records the outcome as the new @last result.
func (c *Coordinator) Execute(ctx context.Context, act types.Action) types.Result {
	resolvedParams := c.resolveParams(act.Params)

	var result types.Result
	if act.Name == "script" {
		result = c.executeScript(ctx, resolvedParams)
	} else {
		c.mu.RLock()
		h, ok := c.handlers[act.Name]
		c.mu.RUnlock()
		if !ok {
			result = types.Result{
				Success: false,
				Error:   &types.StageError{Kind: types.ErrActionError, Message: fmt.Sprintf("unknown action %q", act.Name)},
			}
		} else {
			result = h(ctx, resolvedParams)
		}
	}

	c.mu.Lock()
	c.lastResult = result
	c.mu.Unlock()
	return result
}

func (c *Coordinator) executeScript(ctx context.Context, params map[string]any) types.Result {
	if c.scriptRunner == nil {
		return types.Result{Success: false, Error: &types.StageError{Kind: types.ErrActionError, Message: "script action not configured"}}
	}
	source, _ := params["source"].(string)
	timeout, _ := params["timeout"].(time.Duration)
	return c.scriptRunner.Run(ctx, source, timeout)
}

// resolveParams walks params recursively (into nested maps and slices),
// replacing any string value
// recognized as an @last reference with its resolved value from the
// previous action's Output tree.
func (c *Coordinator) resolveParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	c.mu.RLock()
	last := c.lastResult
	c.mu.RUnlock()

	resolved := make(map[string]any, len(params))
	for k, v := range params {
		resolved[k] = resolveValue(v, last)
	}
	return resolved
}

func resolveValue(v any, last types.Result) any {
	switch val := v.(type) {
	case string:
		ref, ok := types.ParseReference(val)
		if !ok {
			return val
		}
		out := any(map[string]any{
			"success":      last.Success,
			"output":       last.Output,
			"side_effects": last.SideEffects,
		})
		return ref.Resolve(out)
	case map[string]any:
		nested := make(map[string]any, len(val))
		for k, nv := range val {
			nested[k] = resolveValue(nv, last)
		}
		return nested
	case []any:
		nested := make([]any, len(val))
		for i, nv := range val {
			nested[i] = resolveValue(nv, last)
		}
		return nested
	default:
		return v
	}
}
