package memory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindswarm/subspace/pkg/types"
)

func fileBlock(id string, pinned bool, priority types.Priority) *types.Block {
	return &types.Block{
		Header: types.Header{
			ID:        types.BlockID(id),
			Priority:  priority,
			Confidence: 0.9,
			CreatedAt: time.Now(),
			Pinned:    pinned,
		},
		Type: types.BlockFile,
		File: &types.FilePayload{Path: "/personal/notes.txt"},
	}
}

func TestWorkingMemoryAddReplacePreservesPinned(t *testing.T) {
	wm := NewWorkingMemory()
	b := fileBlock("personal:file:notes", true, types.PriorityHigh)
	wm.Add(b)

	replacement := fileBlock("personal:file:notes", false, types.PriorityMedium)
	wm.Add(replacement)

	got, ok := wm.Get("personal:file:notes")
	require.True(t, ok)
	assert.True(t, got.Pinned, "replacing a block must preserve its pinned flag")
	assert.Equal(t, types.PriorityMedium, got.Priority)
}

func TestWorkingMemoryByType(t *testing.T) {
	wm := NewWorkingMemory()
	wm.Add(fileBlock("personal:file:a", false, types.PriorityLow))
	wm.Add(fileBlock("personal:file:b", false, types.PriorityLow))
	assert.Len(t, wm.ByType(types.BlockFile), 2)
	assert.Empty(t, wm.ByType(types.BlockMessage))
}

func TestWorkingMemoryCleanupExpired(t *testing.T) {
	wm := NewWorkingMemory()
	past := time.Now().Add(-time.Hour)
	b := fileBlock("personal:file:old", false, types.PriorityLow)
	b.ExpiresAt = &past
	wm.Add(b)

	n := wm.CleanupExpired(time.Now())
	assert.Equal(t, 1, n)
	_, ok := wm.Get("personal:file:old")
	assert.False(t, ok)
}

func TestWorkingMemorySnapshotRoundTrip(t *testing.T) {
	wm := NewWorkingMemory()
	pinned := fileBlock("personal:file:pinned", true, types.PriorityCritical)
	wm.Add(pinned)
	for i := 0; i < 5; i++ {
		wm.Add(fileBlock("personal:file:"+string(rune('a'+i)), false, types.PriorityMedium))
	}

	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, wm.SaveSnapshot(path))

	loaded := NewWorkingMemory()
	require.NoError(t, loaded.LoadSnapshot(path))

	assert.Len(t, loaded.All(), 6)
	got, ok := loaded.Get("personal:file:pinned")
	require.True(t, ok)
	assert.True(t, got.Pinned)
	assert.Equal(t, types.PriorityCritical, got.Priority)
}
