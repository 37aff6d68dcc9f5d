// Package router resolves which podcast a VTT belongs to and hands out the
// graph store for that podcast's database. Write isolation across podcasts
// falls out of the design: a store holds exactly one connection target, and
// only the router can mint stores.
package router

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/Napageneral/podgraph/internal/config"
	"github.com/Napageneral/podgraph/internal/graph"
	"github.com/Napageneral/podgraph/internal/vtt"
)

// UnknownPodcast is the fallback identity when nothing in the file resolves.
const UnknownPodcast = "unknown_podcast"

// ErrUnknownPodcast is returned for ids with no configured database.
var ErrUnknownPodcast = errors.New("podcast not configured")

// ResolvePodcastID determines a VTT's podcast, in priority order: the NOTE
// metadata, a /podcasts/<id>/ path segment, a legacy /transcripts/<name>/
// segment normalised to lower_snake, then the unknown fallback.
func ResolvePodcastID(meta vtt.EpisodeMetadata, path string) string {
	if meta.PodcastID != "" {
		return meta.PodcastID
	}
	segments := strings.Split(filepath.ToSlash(path), "/")
	// the id segment must be a directory, not the file itself
	for i, seg := range segments {
		if seg == "podcasts" && i+2 < len(segments) && segments[i+1] != "" {
			return segments[i+1]
		}
	}
	for i, seg := range segments {
		if seg == "transcripts" && i+2 < len(segments) && segments[i+1] != "" {
			return LowerSnake(segments[i+1])
		}
	}
	return UnknownPodcast
}

// LowerSnake normalises a legacy directory name into a podcast id.
func LowerSnake(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				sb.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(sb.String(), "_")
}

// connectFunc opens a store; injectable for tests.
type connectFunc func(ctx context.Context, db config.DatabaseConfig) (*graph.Store, error)

// Registry maps podcast ids to lazily opened graph stores.
type Registry struct {
	cfg     *config.Config
	log     zerolog.Logger
	connect connectFunc

	mu     sync.Mutex
	stores map[string]*graph.Store
}

// NewRegistry builds the static registry from configuration.
func NewRegistry(cfg *config.Config, log zerolog.Logger) *Registry {
	r := &Registry{
		cfg:    cfg,
		log:    log,
		stores: make(map[string]*graph.Store),
	}
	r.connect = func(ctx context.Context, db config.DatabaseConfig) (*graph.Store, error) {
		s, err := graph.Connect(ctx, db, cfg.Limits.DBBatch, log)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close(ctx)
			return nil, err
		}
		s.WarnLegacyEdges(ctx)
		return s, nil
	}
	return r
}

// Store returns the graph store for one podcast, opening the connection and
// bootstrapping the schema on first use.
func (r *Registry) Store(ctx context.Context, podcastID string) (*graph.Store, error) {
	pc, ok := r.cfg.Podcast(podcastID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPodcast, podcastID)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("%w: %q is disabled", ErrUnknownPodcast, podcastID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[podcastID]; ok {
		return s, nil
	}
	s, err := r.connect(ctx, pc.Database)
	if err != nil {
		return nil, err
	}
	r.stores[podcastID] = s
	r.log.Info().Str("podcast_id", podcastID).Str("uri", pc.Database.URI).
		Msg("connected podcast database")
	return s, nil
}

// Podcast returns the configuration for one podcast id.
func (r *Registry) Podcast(podcastID string) (*config.PodcastConfig, bool) {
	return r.cfg.Podcast(podcastID)
}

// Close shuts every open store.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.stores {
		if err := s.Close(ctx); err != nil {
			r.log.Warn().Err(err).Str("podcast_id", id).Msg("closing podcast database")
		}
		delete(r.stores, id)
	}
}
