// Package memory implements the per-cyber Memory System: Working
// Memory, Content Loader, Selector and Context Builder, per spec.md
// §4.5.
package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mindswarm/subspace/pkg/types"
)

// WorkingMemory is the in-process symbolic set of memory blocks for one
// cyber, indexed by identifier and by type.
type WorkingMemory struct {
	mu     sync.RWMutex
	byID   map[types.BlockID]*types.Block
	byType map[types.BlockType][]types.BlockID
}

// NewWorkingMemory returns an empty WorkingMemory.
func NewWorkingMemory() *WorkingMemory {
	return &WorkingMemory{
		byID:   make(map[types.BlockID]*types.Block),
		byType: make(map[types.BlockType][]types.BlockID),
	}
}

// Add inserts block, or replaces an existing block with the same ID
// while preserving its pinned flag (invariant 5 of spec.md §3).
func (m *WorkingMemory) Add(block *types.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byID[block.ID]; ok {
		block = block.Clone()
		block.Pinned = existing.Pinned
		m.byID[block.ID] = block
		return
	}

	m.byID[block.ID] = block
	m.byType[block.Type] = append(m.byType[block.Type], block.ID)
}

// Remove deletes the block with the given ID, if present.
func (m *WorkingMemory) Remove(id types.BlockID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	ids := m.byType[b.Type]
	for i, existing := range ids {
		if existing == id {
			m.byType[b.Type] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Get returns the block with the given ID, if present.
func (m *WorkingMemory) Get(id types.BlockID) (*types.Block, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.byID[id]
	return b, ok
}

// ByType returns every block of the given type, in insertion order.
func (m *WorkingMemory) ByType(t types.BlockType) []*types.Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byType[t]
	out := make([]*types.Block, 0, len(ids))
	for _, id := range ids {
		if b, ok := m.byID[id]; ok {
			out = append(out, b)
		}
	}
	return out
}

// All returns every block currently held, in no particular order.
func (m *WorkingMemory) All() []*types.Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Block, 0, len(m.byID))
	for _, b := range m.byID {
		out = append(out, b)
	}
	return out
}

// CleanupExpired removes every block whose ExpiresAt has passed.
func (m *WorkingMemory) CleanupExpired(now time.Time) int {
	m.mu.Lock()
	expired := make([]types.BlockID, 0)
	for id, b := range m.byID {
		if b.ExpiresAt != nil && now.After(*b.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.Remove(id)
	}
	return len(expired)
}

// CleanupObservationsOlderThan removes observation blocks older than
// age relative to now.
func (m *WorkingMemory) CleanupObservationsOlderThan(now time.Time, age time.Duration) int {
	cutoff := now.Add(-age)
	old := make([]types.BlockID, 0)

	for _, b := range m.ByType(types.BlockObservation) {
		if b.CreatedAt.Before(cutoff) {
			old = append(old, b.ID)
		}
	}
	for _, id := range old {
		m.Remove(id)
	}
	return len(old)
}

// snapshot is the JSON-serializable form of a WorkingMemory, matching
// spec.md §6's "symbolic store snapshots" file.
type snapshot struct {
	Blocks []*types.Block `json:"blocks"`
}

// SaveSnapshot writes every block to path atomically (temp file then
// rename), round-tripping every field including pinned flags and
// timestamps, per spec.md §4.5.
func (m *WorkingMemory) SaveSnapshot(path string) error {
	m.mu.RLock()
	snap := snapshot{Blocks: make([]*types.Block, 0, len(m.byID))}
	for _, b := range m.byID {
		snap.Blocks = append(snap.Blocks, b)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadSnapshot replaces this WorkingMemory's contents with the blocks
// persisted at path.
func (m *WorkingMemory) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	m.mu.Lock()
	m.byID = make(map[types.BlockID]*types.Block, len(snap.Blocks))
	m.byType = make(map[types.BlockType][]types.BlockID)
	m.mu.Unlock()

	for _, b := range snap.Blocks {
		m.Add(b)
	}
	return nil
}
