package perception

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScannerEmitsNewModifiedRemoved(t *testing.T) {
	tmp := t.TempDir()
	watched := filepath.Join(tmp, "inbox")
	require.NoError(t, os.MkdirAll(watched, 0o755))

	store := filepath.Join(tmp, "digests.db")
	s, err := NewScanner(store, []string{watched})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	fileA := filepath.Join(watched, "a.msg.json")
	require.NoError(t, os.WriteFile(fileA, []byte(`{"body":"hi"}`), 0o644))

	obs, err := s.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "new_file", obs[0].Observation.Kind)

	obs, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, obs, "unchanged tree produces no observations")

	require.NoError(t, os.WriteFile(fileA, []byte(`{"body":"hi there"}`), 0o644))
	obs, err = s.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "modified", obs[0].Observation.Kind)

	require.NoError(t, os.Remove(fileA))
	obs, err = s.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "removed", obs[0].Observation.Kind)
}

func TestScannerAccessErrorDoesNotAbort(t *testing.T) {
	tmp := t.TempDir()
	watched := filepath.Join(tmp, "inbox")
	require.NoError(t, os.MkdirAll(watched, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(watched, "ok.txt"), []byte("fine"), 0o644))

	store := filepath.Join(tmp, "digests.db")
	s, err := NewScanner(store, []string{watched, filepath.Join(tmp, "nonexistent")})
	require.NoError(t, err)
	defer s.Close()

	obs, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 2, "the existing file's new_file observation plus one access_error for the missing dir")

	kinds := map[string]int{}
	for _, o := range obs {
		kinds[o.Observation.Kind]++
	}
	assert.Equal(t, 1, kinds["new_file"])
	assert.Equal(t, 1, kinds["access_error"])
}
