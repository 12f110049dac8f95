package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindswarm/subspace/pkg/types"
)

type stubContent struct{}

func (stubContent) Load(b *types.Block) (string, error) { return "stub content", nil }

func sampleSelection() Selection {
	return Selection{Blocks: []*types.Block{
		{
			Header: types.Header{ID: "personal:task:t1", Priority: types.PriorityHigh, CreatedAt: time.Unix(0, 0)},
			Type:   types.BlockTask,
			Task:   &types.TaskPayload{Identifier: "t1", Description: "fix the bug", Status: "IN-PROGRESS"},
		},
		{
			Header: types.Header{ID: "personal:file:a", Priority: types.PriorityMedium, CreatedAt: time.Unix(0, 0)},
			Type:   types.BlockFile,
			File:   &types.FilePayload{Path: "/personal/a.txt"},
		},
	}}
}

func TestContextBuilderDeterministic(t *testing.T) {
	cb := NewContextBuilder(stubContent{})
	sel := sampleSelection()

	out1, err := cb.Build(sel, FormatStructured)
	require.NoError(t, err)
	out2, err := cb.Build(sel, FormatStructured)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
}

func TestContextBuilderFormats(t *testing.T) {
	cb := NewContextBuilder(stubContent{})
	sel := sampleSelection()

	structured, err := cb.Build(sel, FormatStructured)
	require.NoError(t, err)
	assert.Contains(t, structured, "TASK")
	assert.Contains(t, structured, "stub content")

	asJSON, err := cb.Build(sel, FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, asJSON, `"task"`)

	narrative, err := cb.Build(sel, FormatNarrative)
	require.NoError(t, err)
	assert.Contains(t, narrative, "fix the bug")
}
