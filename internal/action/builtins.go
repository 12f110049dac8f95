package action

import (
	"context"
	"fmt"
	"time"

	"github.com/mindswarm/subspace/internal/brain"
	"github.com/mindswarm/subspace/internal/memory"
	"github.com/mindswarm/subspace/internal/tasks"
	"github.com/mindswarm/subspace/internal/workspace"
	"github.com/mindswarm/subspace/pkg/types"
)

// Deps bundles the per-cyber collaborators the built-in actions dispatch
// into. Any field may be nil if the owning cyber has no use for it (a
// general cyber never needs a Claimer, for instance).
type Deps struct {
	Working   *memory.WorkingMemory
	Workspace *workspace.CyberWorkspace
	Claimer   *tasks.Claimer
	Brain     *brain.Client
	SendFunc  func(to, subject, body string) error
}

// RegisterBuiltins wires the standard action set (memory read/write,
// send message, search memory, community task claim/complete, wait,
// brain-thinking) into c. No built-in creates or updates a task.
func RegisterBuiltins(c *Coordinator, deps Deps) {
	c.Register("memory_read", memoryReadHandler(deps))
	c.Register("memory_write", memoryWriteHandler(deps))
	c.Register("memory_search", memorySearchHandler(deps))
	c.Register("send_message", sendMessageHandler(deps))
	c.Register("task_claim", taskClaimHandler(deps))
	c.Register("task_complete", taskCompleteHandler(deps))
	c.Register("wait", waitHandler())
	c.Register("think", thinkHandler(deps))
}

func memoryReadHandler(deps Deps) Handler {
	return func(ctx context.Context, params map[string]any) types.Result {
		idStr, _ := params["id"].(string)
		if deps.Working == nil || idStr == "" {
			return errResult("memory_read requires a working memory and an id")
		}
		block, ok := deps.Working.Get(types.BlockID(idStr))
		if !ok {
			return types.Result{Success: false, Error: &types.StageError{Kind: types.ErrActionError, Message: fmt.Sprintf("no such block %q", idStr)}}
		}
		return types.Result{Success: true, Output: map[string]any{"block": block}}
	}
}

func memoryWriteHandler(deps Deps) Handler {
	return func(ctx context.Context, params map[string]any) types.Result {
		if deps.Working == nil {
			return errResult("memory_write requires a working memory")
		}
		block, ok := params["block"].(*types.Block)
		if !ok {
			return errResult("memory_write requires a *types.Block under \"block\"")
		}
		deps.Working.Add(block)
		return types.Result{Success: true, Output: map[string]any{"id": string(block.ID)}}
	}
}

func memorySearchHandler(deps Deps) Handler {
	return func(ctx context.Context, params map[string]any) types.Result {
		if deps.Working == nil {
			return errResult("memory_search requires a working memory")
		}
		typStr, _ := params["type"].(string)
		blocks := deps.Working.ByType(types.BlockType(typStr))
		ids := make([]string, 0, len(blocks))
		for _, b := range blocks {
			ids = append(ids, string(b.ID))
		}
		return types.Result{Success: true, Output: map[string]any{"ids": ids, "count": len(ids)}}
	}
}

func sendMessageHandler(deps Deps) Handler {
	return func(ctx context.Context, params map[string]any) types.Result {
		if deps.SendFunc == nil {
			return errResult("send_message requires a send function")
		}
		to, _ := params["to"].(string)
		subject, _ := params["subject"].(string)
		body, _ := params["body"].(string)
		if to == "" {
			return errResult("send_message requires \"to\"")
		}
		if err := deps.SendFunc(to, subject, body); err != nil {
			return types.Result{Success: false, Error: &types.StageError{Kind: types.ErrDeliveryFailed, Message: err.Error()}}
		}
		return types.Result{Success: true, Output: map[string]any{"to": to}}
	}
}

func taskClaimHandler(deps Deps) Handler {
	return func(ctx context.Context, params map[string]any) types.Result {
		if deps.Claimer == nil {
			return errResult("task_claim requires a Claimer")
		}
		taskID, _ := params["task_id"].(string)
		cyberName, _ := params["cyber"].(string)
		task, err := deps.Claimer.Claim(ctx, taskID, cyberName)
		if err != nil {
			return types.Result{Success: false, Error: &types.StageError{Kind: types.ErrActionError, Message: err.Error()}}
		}
		return types.Result{Success: true, Output: map[string]any{"task_id": task.ID, "claimed_by": task.ClaimedBy}}
	}
}

func taskCompleteHandler(deps Deps) Handler {
	return func(ctx context.Context, params map[string]any) types.Result {
		if deps.Claimer == nil {
			return errResult("task_complete requires a Claimer")
		}
		taskID, _ := params["task_id"].(string)
		cyberName, _ := params["cyber"].(string)
		if err := deps.Claimer.Complete(taskID, cyberName); err != nil {
			return types.Result{Success: false, Error: &types.StageError{Kind: types.ErrActionError, Message: err.Error()}}
		}
		return types.Result{Success: true, Output: map[string]any{"task_id": taskID}}
	}
}

func waitHandler() Handler {
	return func(ctx context.Context, params map[string]any) types.Result {
		d, _ := params["duration"].(time.Duration)
		if d <= 0 {
			d = time.Second
		}
		select {
		case <-time.After(d):
			return types.Result{Success: true}
		case <-ctx.Done():
			return types.Result{Success: false, Error: &types.StageError{Kind: types.ErrTimeoutExceeded, Message: ctx.Err().Error()}}
		}
	}
}

func thinkHandler(deps Deps) Handler {
	return func(ctx context.Context, params map[string]any) types.Result {
		if deps.Brain == nil {
			return errResult("think requires a brain.Client")
		}
		sig, ok := params["signature"].(types.Signature)
		if !ok {
			return errResult("think requires a types.Signature under \"signature\"")
		}
		inputValues, _ := params["input_values"].(map[string]any)
		brainCtx, _ := params["context"].(types.BrainContext)

		resp, err := deps.Brain.Think(ctx, types.BrainRequest{
			Signature:   sig,
			InputValues: inputValues,
			Context:     brainCtx,
		})
		if err != nil {
			return types.Result{Success: false, Error: &types.StageError{Kind: types.ErrBrainUnavailable, Message: err.Error()}}
		}
		if resp.Error != "" {
			return types.Result{Success: false, Error: &types.StageError{Kind: types.ErrActionError, Message: resp.Error}}
		}
		return types.Result{Success: true, Output: resp.OutputValues}
	}
}

func errResult(msg string) types.Result {
	return types.Result{Success: false, Error: &types.StageError{Kind: types.ErrActionError, Message: msg}}
}
