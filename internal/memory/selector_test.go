package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mindswarm/subspace/pkg/types"
)

func block(id string, priority types.Priority, pinned bool, age time.Duration) *types.Block {
	return &types.Block{
		Header: types.Header{
			ID:         types.BlockID(id),
			Priority:   priority,
			Confidence: 0.8,
			CreatedAt:  time.Now().Add(-age),
			Pinned:     pinned,
		},
		Type: types.BlockKnowledge,
		Knowledge: &types.KnowledgePayload{Topic: []string{"calculator", "math"}, Relevance: 0.5},
	}
}

func TestSelectorAlwaysIncludesCritical(t *testing.T) {
	sel := NewSelector()
	criticals := []*types.Block{
		block("grid:knowledge:c1", types.PriorityCritical, false, time.Hour),
		block("grid:knowledge:c2", types.PriorityCritical, false, 2*time.Hour),
	}
	result := sel.Select(criticals, 1, "")
	assert.Len(t, result.Blocks, 2, "critical blocks are included regardless of budget")
}

func TestSelectorIncludesPinnedThatFits(t *testing.T) {
	sel := NewSelector()
	blocks := []*types.Block{
		block("grid:knowledge:pinned", types.PriorityLow, true, time.Hour),
	}
	result := sel.Select(blocks, 1000, "")
	assert.Len(t, result.Blocks, 1)
}

func TestSelectorNeverExceedsBudgetByMoreThanLargestCritical(t *testing.T) {
	sel := NewSelector()
	critical := block("grid:knowledge:critical", types.PriorityCritical, false, 0)
	var highs []*types.Block
	for i := 0; i < 10; i++ {
		highs = append(highs, block("grid:knowledge:h"+string(rune('a'+i)), types.PriorityHigh, false, time.Duration(i)*time.Minute))
	}
	blocks := append([]*types.Block{critical}, highs...)

	budget := 1000
	result := sel.Select(blocks, budget, "")
	assert.LessOrEqual(t, result.EstimatedTokens, budget+result.LargestCriticalCost)
}

func TestSelectorDeterministic(t *testing.T) {
	sel := NewSelector(WithClock(func() time.Time { return time.Unix(0, 0) }))
	blocks := []*types.Block{
		block("grid:knowledge:a", types.PriorityHigh, false, time.Hour),
		block("grid:knowledge:b", types.PriorityHigh, false, 2*time.Hour),
	}
	r1 := sel.Select(blocks, 1000, "calculator")
	r2 := sel.Select(blocks, 1000, "calculator")
	assert.Equal(t, r1.Blocks, r2.Blocks)
}
