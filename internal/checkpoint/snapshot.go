package checkpoint

import (
	"os"

	"github.com/membank/bankd/pkg/models"
)

// SnapshotArtifacts captures the current state of every monitored artifact,
// content included. Artifacts that do not exist are recorded with
// Exists=false so a rewind can delete them.
func SnapshotArtifacts(paths []string) map[string]models.ArtifactState {
	artifacts := make(map[string]models.ArtifactState, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			artifacts[path] = models.ArtifactState{Path: path, Exists: false}
			continue
		}

		state := models.ArtifactState{
			Path:       path,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			Exists:     true,
		}
		if content, err := os.ReadFile(path); err == nil {
			state.Content = string(content)
		}
		artifacts[path] = state
	}
	return artifacts
}

// ChangedSince compares two artifact snapshots and returns the paths whose
// content differs or whose existence changed.
func ChangedSince(prev, curr map[string]models.ArtifactState) []string {
	var changed []string
	for path, c := range curr {
		p, ok := prev[path]
		if !ok || p.Exists != c.Exists || p.Content != c.Content {
			changed = append(changed, path)
		}
	}
	return changed
}
