package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSyncerTemplateOwnedOverwritesUnconditionally(t *testing.T) {
	tmp := t.TempDir()
	template := filepath.Join(tmp, "template")
	live := filepath.Join(tmp, "live")

	writeFile(t, filepath.Join(template, "code", "main.py"), "v1")
	writeFile(t, filepath.Join(live, "code", "main.py"), "locally edited")

	s, err := NewSyncer(filepath.Join(tmp, "history.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Sync(context.Background(), template, live)
	require.NoError(t, err)
	assert.Contains(t, res.Overwritten, "code/main.py")

	data, err := os.ReadFile(filepath.Join(live, "code", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestSyncerCyberOwnedNeverTouched(t *testing.T) {
	tmp := t.TempDir()
	template := filepath.Join(tmp, "template")
	live := filepath.Join(tmp, "live")

	writeFile(t, filepath.Join(template, "memory", "notes.txt"), "template notes")
	writeFile(t, filepath.Join(live, "memory", "notes.txt"), "my notes")

	s, err := NewSyncer(filepath.Join(tmp, "history.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Sync(context.Background(), template, live)
	require.NoError(t, err)
	assert.Contains(t, res.Skipped, "memory/notes.txt")

	data, err := os.ReadFile(filepath.Join(live, "memory", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "my notes", string(data))
}

func TestSyncerMergeRequiredConflictOnDoubleEdit(t *testing.T) {
	tmp := t.TempDir()
	template := filepath.Join(tmp, "template")
	live := filepath.Join(tmp, "live")

	writeFile(t, filepath.Join(template, "config.yaml"), "v1")
	writeFile(t, filepath.Join(live, "config.yaml"), "v1")

	s, err := NewSyncer(filepath.Join(tmp, "history.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.Sync(ctx, template, live)
	require.NoError(t, err)

	// Both sides now diverge from the recorded hash of "v1".
	writeFile(t, filepath.Join(template, "config.yaml"), "template-v2")
	writeFile(t, filepath.Join(live, "config.yaml"), "live-edited")

	res, err := s.Sync(ctx, template, live)
	require.NoError(t, err)
	assert.Contains(t, res.Conflicts, "config.yaml")

	data, err := os.ReadFile(filepath.Join(live, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "live-edited", string(data), "live copy must survive a merge-required conflict")
}

func TestClassifyFirstMatchWins(t *testing.T) {
	assert.Equal(t, TemplateOwned, Classify(DefaultOwnershipTable, "code/main.py"))
	assert.Equal(t, CyberOwned, Classify(DefaultOwnershipTable, "memory/notes.txt"))
	assert.Equal(t, MergeRequired, Classify(DefaultOwnershipTable, "config.yaml"))

	overlapping := []OwnershipRule{
		{Pattern: "memory/*", Ownership: CyberOwned},
		{Pattern: "memory/**", Ownership: TemplateOwned},
	}
	assert.Equal(t, CyberOwned, Classify(overlapping, "memory/notes.txt"))
}
