// Package pipeline orchestrates the per-episode stage sequence: parse,
// structure, extract, embed, persist, cluster, analyze. Episodes run
// concurrently up to MAX_EPISODES_CONCURRENT; their units share one pool of
// MAX_CONCURRENT_UNITS extraction slots. Every stage is checkpointed, so an
// interrupted run resumes where it stopped without repeating LLM calls or
// graph writes.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/podgraph/internal/checkpoint"
	"github.com/Napageneral/podgraph/internal/config"
	"github.com/Napageneral/podgraph/internal/extract"
	"github.com/Napageneral/podgraph/internal/graph"
	"github.com/Napageneral/podgraph/internal/ids"
	"github.com/Napageneral/podgraph/internal/metrics"
	"github.com/Napageneral/podgraph/internal/postprocess"
	"github.com/Napageneral/podgraph/internal/rotate"
	"github.com/Napageneral/podgraph/internal/router"
	"github.com/Napageneral/podgraph/internal/structure"
	"github.com/Napageneral/podgraph/internal/vtt"
)

// GraphStore is the persistence surface one episode needs. *graph.Store
// satisfies it.
type GraphStore interface {
	postprocess.Store
	UpsertEpisode(ctx context.Context, ep graph.Episode) error
	UpsertUnits(ctx context.Context, episodeID string, units []structure.Unit) error
	PersistUnitKnowledge(ctx context.Context, podcastID string, unit structure.Unit, res *extract.Result, embedding []float32) error
	SetEpisodeStatus(ctx context.Context, episodeID, status string) error
}

// StoreFunc resolves the graph store for a podcast; router.Registry provides
// the production implementation.
type StoreFunc func(ctx context.Context, podcastID string) (GraphStore, error)

// Structurer partitions cues into units; structure.Structurer satisfies it.
type Structurer interface {
	Structure(ctx context.Context, cues []vtt.Cue, ep structure.EpisodeContext) (*structure.Result, error)
}

// Extractor pulls knowledge out of one unit; extract.Extractor satisfies it.
type Extractor interface {
	Extract(ctx context.Context, unit structure.Unit, ep structure.EpisodeContext) (*extract.Result, error)
}

// Embedder vectorises unit text; embed.Service satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Post runs the passes after persistence; postprocess.Processor satisfies it.
type Post interface {
	MapSpeakers(ctx context.Context, store postprocess.Store, ep structure.EpisodeContext, units []structure.Unit) (map[string]string, error)
	AssignClusters(ctx context.Context, store postprocess.Store, podcastID, episodeID string) (assigned, unassigned int, err error)
	Analyze(ctx context.Context, store postprocess.Store, episodeID string) error
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Config      *config.Config
	Stores      StoreFunc
	Structurer  Structurer
	Extractor   Extractor
	Embedder    Embedder
	Post        Post
	Checkpoints *checkpoint.Manager
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
}

// EpisodeSummary reports the outcome of one episode.
type EpisodeSummary struct {
	Path          string        `json:"path"`
	PodcastID     string        `json:"podcast_id,omitempty"`
	EpisodeID     string        `json:"episode_id,omitempty"`
	Title         string        `json:"title,omitempty"`
	Units         int           `json:"units"`
	UnitsFailed   int           `json:"units_failed"`
	StagesSkipped int           `json:"stages_skipped"`
	Fallback      bool          `json:"fallback,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	Error         string        `json:"error,omitempty"`

	err error
}

// Orchestrator drives episodes through the pipeline.
type Orchestrator struct {
	d         Deps
	artifacts artifactStore
	unitSem   chan struct{}
}

// New builds an orchestrator. A nil Metrics gets a private registry.
func New(d Deps) *Orchestrator {
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	units := d.Config.Limits.MaxConcurrentUnits
	if units <= 0 {
		units = 1
	}
	return &Orchestrator{
		d:         d,
		artifacts: artifactStore{dir: d.Config.Limits.CheckpointDir},
		unitSem:   make(chan struct{}, units),
	}
}

// fatal reports errors that must halt the whole run, not just one episode.
func fatal(err error) bool {
	return errors.Is(err, rotate.ErrNoCredentialAvailable) || errors.Is(err, context.Canceled)
}

// Run processes the given VTT files. Per-episode failures land in the
// summaries; the returned error is non-nil only for run-level halts
// (cancellation, credential exhaustion).
func (o *Orchestrator) Run(ctx context.Context, paths []string) ([]EpisodeSummary, error) {
	summaries := make([]EpisodeSummary, len(paths))
	o.d.Metrics.QueueDepth.Set(float64(len(paths)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.d.Config.Limits.MaxEpisodesConcurrent, 1))
	for i, path := range paths {
		g.Go(func() error {
			o.d.Metrics.QueueDepth.Dec()
			sum := o.processEpisode(gctx, path)
			summaries[i] = sum
			if sum.Error != "" {
				o.d.Metrics.FilesFailed.Inc()
			} else {
				o.d.Metrics.FilesProcessed.Inc()
			}
			o.d.Metrics.UpdateMemory()
			if sum.err != nil && fatal(sum.err) {
				return sum.err
			}
			return nil
		})
	}
	err := g.Wait()
	return summaries, err
}

func (o *Orchestrator) processEpisode(ctx context.Context, path string) EpisodeSummary {
	started := time.Now()
	sum := EpisodeSummary{Path: path}
	log := o.d.Log.With().Str("path", path).Logger()

	fail := func(err error) EpisodeSummary {
		sum.Error = err.Error()
		sum.err = err
		sum.Duration = time.Since(started)
		log.Error().Err(err).Msg("episode failed")
		return sum
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fail(fmt.Errorf("read transcript: %w", err))
	}
	payload := ids.PayloadHash(data)

	meta, cues, warnings, err := vtt.Parse(bytes.NewReader(data))
	if err != nil {
		return fail(fmt.Errorf("parse transcript: %w", err))
	}
	for _, w := range warnings {
		log.Warn().Str("warning", w.String()).Msg("transcript cue dropped")
	}

	podcastID := router.ResolvePodcastID(meta, path)
	title := meta.Episode
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	episodeID := ids.Episode(podcastID, title, meta.PublishedDate)
	sum.PodcastID = podcastID
	sum.EpisodeID = episodeID
	sum.Title = title
	log = log.With().Str("podcast_id", podcastID).Str("episode_id", episodeID).Logger()

	store, err := o.d.Stores(ctx, podcastID)
	if err != nil {
		return fail(fmt.Errorf("resolve podcast store: %w", err))
	}
	epCtx := structure.EpisodeContext{
		EpisodeID:    episodeID,
		PodcastID:    podcastID,
		EpisodeTitle: title,
	}
	if pc, ok := o.d.Config.Podcast(podcastID); ok {
		epCtx.PodcastName = pc.Name
	}

	// parse has no side effects beyond this process; the record only tracks
	// that the payload was seen
	skipped, err := o.runStage(ctx, episodeID, checkpoint.StageParse, payload, func() error { return nil })
	if err != nil {
		return fail(err)
	}
	if skipped {
		sum.StagesSkipped++
	}

	// structure
	var sres structure.Result
	skipped, err = o.runStage(ctx, episodeID, checkpoint.StageStructure, payload, func() error {
		r, serr := o.d.Structurer.Structure(ctx, cues, epCtx)
		if serr != nil {
			return serr
		}
		sres = *r
		return o.artifacts.save(episodeID, structureArtifact, r)
	})
	if err != nil {
		return fail(err)
	}
	if skipped {
		sum.StagesSkipped++
		if err := o.artifacts.load(episodeID, structureArtifact, &sres); err != nil {
			return fail(err)
		}
	}
	units := sres.Units
	sum.Units = len(units)
	sum.Fallback = sres.Fallback
	if sres.Fallback {
		o.d.Metrics.StructurerFallbacks.Inc()
	}
	if !skipped {
		o.d.Metrics.UnitsCreated.Add(float64(len(units)))
	}

	// extract, units fanned out over the shared slot pool
	var ext extractOutput
	skipped, err = o.runStage(ctx, episodeID, checkpoint.StageExtract, payload, func() error {
		out, eerr := o.extractUnits(ctx, units, epCtx, log)
		if eerr != nil {
			return eerr
		}
		ext = *out
		return o.artifacts.save(episodeID, extractArtifact, out)
	})
	if err != nil {
		return fail(err)
	}
	if skipped {
		sum.StagesSkipped++
		if err := o.artifacts.load(episodeID, extractArtifact, &ext); err != nil {
			return fail(err)
		}
	}
	sum.UnitsFailed = len(ext.Failed)

	// embed
	var emb embedOutput
	skipped, err = o.runStage(ctx, episodeID, checkpoint.StageEmbed, payload, func() error {
		texts := make([]string, len(units))
		for i, u := range units {
			texts[i] = u.Text
		}
		vecs, eerr := o.d.Embedder.Embed(ctx, texts)
		o.d.Metrics.RecordAPICall(eerr != nil)
		if eerr != nil {
			return eerr
		}
		emb.Vectors = make(map[string][]float32, len(units))
		for i, u := range units {
			emb.Vectors[u.ID] = vecs[i]
		}
		return o.artifacts.save(episodeID, embedArtifact, &emb)
	})
	if err != nil {
		return fail(err)
	}
	if skipped {
		sum.StagesSkipped++
		if err := o.artifacts.load(episodeID, embedArtifact, &emb); err != nil {
			return fail(err)
		}
	}

	// persist
	skipped, err = o.runStage(ctx, episodeID, checkpoint.StagePersist, payload, func() error {
		t0 := time.Now()
		ep := graph.Episode{
			ID:               episodeID,
			PodcastID:        podcastID,
			Title:            title,
			PublishedDate:    meta.PublishedDate,
			YouTubeURL:       meta.YouTubeURL,
			VTTPath:          path,
			ProcessingStatus: "processing",
		}
		if len(cues) > 0 {
			ep.DurationSeconds = cues[len(cues)-1].EndSec
		}
		if perr := store.UpsertEpisode(ctx, ep); perr != nil {
			return perr
		}
		if perr := store.UpsertUnits(ctx, episodeID, units); perr != nil {
			return perr
		}
		for _, u := range units {
			if perr := store.PersistUnitKnowledge(ctx, podcastID, u, ext.Results[u.ID], emb.Vectors[u.ID]); perr != nil {
				return perr
			}
		}
		o.d.Metrics.DBWriteLatency.Observe(float64(time.Since(t0).Milliseconds()))
		return nil
	})
	if err != nil {
		return fail(err)
	}
	if skipped {
		sum.StagesSkipped++
	}

	// cluster
	skipped, err = o.runStage(ctx, episodeID, checkpoint.StageCluster, payload, func() error {
		assigned, unassigned, cerr := o.d.Post.AssignClusters(ctx, store, podcastID, episodeID)
		if cerr != nil {
			return cerr
		}
		log.Debug().Int("assigned", assigned).Int("unassigned", unassigned).
			Msg("cluster assignment done")
		return nil
	})
	if err != nil {
		return fail(err)
	}
	if skipped {
		sum.StagesSkipped++
	}

	// analyze: speaker mapping plus the graph analyses
	skipped, err = o.runStage(ctx, episodeID, checkpoint.StageAnalyze, payload, func() error {
		if _, aerr := o.d.Post.MapSpeakers(ctx, store, epCtx, units); aerr != nil {
			return aerr
		}
		if aerr := o.d.Post.Analyze(ctx, store, episodeID); aerr != nil {
			return aerr
		}
		status := "complete"
		if len(ext.Failed) > 0 {
			status = "completed_with_errors"
		}
		return store.SetEpisodeStatus(ctx, episodeID, status)
	})
	if err != nil {
		return fail(err)
	}
	if skipped {
		sum.StagesSkipped++
	}

	sum.Duration = time.Since(started)
	log.Info().
		Int("units", sum.Units).
		Int("units_failed", sum.UnitsFailed).
		Int("stages_skipped", sum.StagesSkipped).
		Dur("duration", sum.Duration).
		Msg("episode processed")
	return sum
}

// runStage wraps a stage body with checkpoint bookkeeping. A complete record
// for the same payload skips the body entirely.
func (o *Orchestrator) runStage(ctx context.Context, episodeID string, stage checkpoint.Stage, payload string, fn func() error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := o.d.Checkpoints.Begin(episodeID, stage, payload)
	if errors.Is(err, checkpoint.ErrAlreadyDone) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if err := fn(); err != nil {
		if cerr := o.d.Checkpoints.Fail(episodeID, stage, err.Error()); cerr != nil {
			o.d.Log.Warn().Err(cerr).Str("episode_id", episodeID).Msg("recording stage failure")
		}
		return false, fmt.Errorf("%s: %w", stage, err)
	}
	return false, o.d.Checkpoints.Complete(episodeID, stage, payload)
}

// extractUnits runs knowledge extraction over the shared unit pool. Permanent
// per-unit failures are recorded and skipped; credential exhaustion and
// cancellation abort the episode.
func (o *Orchestrator) extractUnits(ctx context.Context, units []structure.Unit, epCtx structure.EpisodeContext, log zerolog.Logger) (*extractOutput, error) {
	out := &extractOutput{
		Results: make(map[string]*extract.Result, len(units)),
		Failed:  make(map[string]string),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range units {
		g.Go(func() error {
			select {
			case o.unitSem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-o.unitSem }()

			tctx, cancel := context.WithTimeout(gctx, o.d.Config.Limits.ExtractionTimeout)
			defer cancel()

			start := time.Now()
			res, err := o.d.Extractor.Extract(tctx, u, epCtx)
			o.d.Metrics.UnitDuration.Observe(time.Since(start).Seconds())
			o.d.Metrics.RecordAPICall(err != nil)
			if err != nil {
				if fatal(err) {
					return err
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn().Err(err).Str("unit_id", u.ID).Msg("unit extraction failed")
				mu.Lock()
				out.Failed[u.ID] = err.Error()
				mu.Unlock()
				return nil
			}
			mu.Lock()
			out.Results[u.ID] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(units) > 0 && len(out.Failed) == len(units) {
		return nil, fmt.Errorf("extraction failed for all %d units", len(units))
	}
	return out, nil
}
