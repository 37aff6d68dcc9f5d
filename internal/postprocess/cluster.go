package postprocess

import (
	"context"
	"fmt"
)

// AssignClusters attaches every unclustered embedded unit of the episode to
// its nearest cluster centroid. Units whose best similarity falls below the
// threshold stay unassigned; their count is returned so the caller can decide
// on a corpus-wide re-cluster. Centroids move as members join.
func (p *Processor) AssignClusters(ctx context.Context, store Store, podcastID, episodeID string) (assigned, unassigned int, err error) {
	units, err := store.UnclusteredUnits(ctx, episodeID)
	if err != nil {
		return 0, 0, err
	}
	if len(units) == 0 {
		return 0, 0, nil
	}
	clusters, err := store.Clusters(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, uv := range units {
		if len(uv.Embedding) == 0 {
			continue
		}
		best := -1
		var bestSim float64
		for i, c := range clusters {
			if sim := cosine(uv.Embedding, c.Centroid); sim > bestSim {
				best, bestSim = i, sim
			}
		}
		if best < 0 || bestSim < p.tau {
			unassigned++
			continue
		}

		c := clusters[best]
		c.Centroid = moveCentroid(c.Centroid, uv.Embedding, c.MemberCount)
		c.MemberCount++
		if err := store.UpsertCluster(ctx, c); err != nil {
			return assigned, unassigned, fmt.Errorf("update cluster %s: %w", c.ID, err)
		}
		if err := store.AssignCluster(ctx, uv.UnitID, c.ID); err != nil {
			return assigned, unassigned, fmt.Errorf("assign unit %s: %w", uv.UnitID, err)
		}
		clusters[best] = c
		assigned++
	}
	return assigned, unassigned, nil
}

// moveCentroid returns the running mean after adding one member to a cluster
// of n members.
func moveCentroid(centroid, v []float32, n int) []float32 {
	if len(centroid) != len(v) || n <= 0 {
		return v
	}
	out := make([]float32, len(centroid))
	fn := float32(n)
	for i := range centroid {
		out[i] = (centroid[i]*fn + v[i]) / (fn + 1)
	}
	return out
}
