// Package postprocess runs the per-episode passes that follow persistence:
// speaker mapping, cluster assignment and the graph analyses.
package postprocess

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"github.com/Napageneral/podgraph/internal/graph"
	"github.com/Napageneral/podgraph/internal/llm"
)

const defaultSimilarityThreshold = 0.75

// Store is what post-processing needs from the graph layer; *graph.Store
// satisfies it.
type Store interface {
	UnclusteredUnits(ctx context.Context, episodeID string) ([]graph.UnitVector, error)
	Clusters(ctx context.Context) ([]graph.Cluster, error)
	UpsertCluster(ctx context.Context, c graph.Cluster) error
	AssignCluster(ctx context.Context, unitID, clusterID string) error
	UpdateUnitSpeakers(ctx context.Context, unitID, primarySpeaker string, distribution map[string]float64) error
	WriteAnalysis(ctx context.Context, episodeID, kind string, props map[string]any) error
	Stats(ctx context.Context, episodeID string) (*graph.EpisodeStats, error)
}

// Generator is the LLM call path; llm.Caller satisfies it.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error)
}

// Processor holds the shared dependencies of the post-persistence passes.
type Processor struct {
	gen   Generator
	model string
	tau   float64
	log   zerolog.Logger
}

// New builds a processor using the given model for speaker mapping.
func New(gen Generator, model string, log zerolog.Logger) *Processor {
	return &Processor{gen: gen, model: model, tau: defaultSimilarityThreshold, log: log}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
