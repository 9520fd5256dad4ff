package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotArtifacts(t *testing.T) {
	dir := t.TempDir()
	tasks := filepath.Join(dir, "tasks.md")
	missing := filepath.Join(dir, "progress.md")
	require.NoError(t, os.WriteFile(tasks, []byte("- [ ] one\n"), 0o600))

	artifacts := SnapshotArtifacts([]string{tasks, missing})
	require.Len(t, artifacts, 2)

	assert.True(t, artifacts[tasks].Exists)
	assert.Equal(t, "- [ ] one\n", artifacts[tasks].Content)
	assert.Equal(t, int64(10), artifacts[tasks].Size)
	assert.False(t, artifacts[tasks].ModifiedAt.IsZero())

	assert.False(t, artifacts[missing].Exists)
	assert.Empty(t, artifacts[missing].Content)
}

func TestChangedSince(t *testing.T) {
	dir := t.TempDir()
	tasks := filepath.Join(dir, "tasks.md")
	progress := filepath.Join(dir, "progress.md")
	require.NoError(t, os.WriteFile(tasks, []byte("v1"), 0o600))
	require.NoError(t, os.WriteFile(progress, []byte("p1"), 0o600))

	prev := SnapshotArtifacts([]string{tasks, progress})

	require.NoError(t, os.WriteFile(tasks, []byte("v2"), 0o600))
	require.NoError(t, os.Remove(progress))
	curr := SnapshotArtifacts([]string{tasks, progress})

	changed := ChangedSince(prev, curr)
	assert.ElementsMatch(t, []string{tasks, progress}, changed)

	// No changes yields an empty set.
	assert.Empty(t, ChangedSince(curr, SnapshotArtifacts([]string{tasks, progress})))
}
