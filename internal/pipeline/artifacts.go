package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/Napageneral/podgraph/internal/extract"
)

// artifactStore persists intermediate stage outputs next to the episode's
// checkpoint file, so a resumed run can feed later stages without repeating
// LLM work.
type artifactStore struct {
	dir string
}

const (
	structureArtifact = "structure.json"
	extractArtifact   = "extract.json"
	embedArtifact     = "embed.json"
)

// extractOutput is the persisted shape of the extract stage: results by unit
// id plus the units that failed permanently, with the reason.
type extractOutput struct {
	Results map[string]*extract.Result `json:"results"`
	Failed  map[string]string          `json:"failed,omitempty"`
}

// embedOutput maps unit id to its embedding vector.
type embedOutput struct {
	Vectors map[string][]float32 `json:"vectors"`
}

func (a artifactStore) path(episodeID, name string) string {
	return filepath.Join(a.dir, episodeID, name)
}

func (a artifactStore) save(episodeID, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := a.path(episodeID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// load fails when the artifact is missing: a complete checkpoint without its
// artifact means the state directory was tampered with, and the caller should
// reset the episode rather than silently redo LLM work.
func (a artifactStore) load(episodeID, name string, v any) error {
	path := a.path(episodeID, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("stage artifact %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
