package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
)

// Analyze runs the aggregate graph queries for one episode and materialises
// the results as Analysis nodes.
func (p *Processor) Analyze(ctx context.Context, store Store, episodeID string) error {
	st, err := store.Stats(ctx, episodeID)
	if err != nil {
		return fmt.Errorf("episode stats: %w", err)
	}

	gapRatio := 0.0
	if st.Units > 0 {
		gapRatio = float64(st.UnitsWithoutEntities) / float64(st.Units)
	}
	if err := store.WriteAnalysis(ctx, episodeID, "knowledge_gaps", map[string]any{
		"units":                st.Units,
		"unitsWithoutEntities": st.UnitsWithoutEntities,
		"gapRatio":             gapRatio,
	}); err != nil {
		return err
	}

	// Neo4j properties cannot hold maps; the type histogram goes in as JSON
	types, jerr := json.Marshal(st.EntityTypes)
	if jerr != nil {
		types = []byte("{}")
	}
	dominant := ""
	var dominantCount int64
	for t, n := range st.EntityTypes {
		if n > dominantCount || (n == dominantCount && t < dominant) {
			dominant, dominantCount = t, n
		}
	}
	if err := store.WriteAnalysis(ctx, episodeID, "diversity", map[string]any{
		"entities":      st.Entities,
		"distinctTypes": int64(len(st.EntityTypes)),
		"typeHistogram": string(types),
		"dominantType":  dominant,
	}); err != nil {
		return err
	}

	return store.WriteAnalysis(ctx, episodeID, "missing_links", map[string]any{
		"entities":                     st.Entities,
		"relationships":                st.Relationships,
		"entitiesWithoutRelationships": st.EntitiesWithoutRelationships,
	})
}
