// Package embed produces fixed-dimension vectors for unit text: batched
// provider calls, a per-text cache, and optional L2 normalisation for
// cosine-similarity consumers.
package embed

import (
	"context"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Batcher is the provider call path; llm.Caller satisfies it.
type Batcher interface {
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Options configure the service.
type Options struct {
	Model     string
	Dimension int
	BatchSize int  // max texts per provider call, default 32
	Normalize bool // L2-normalise vectors, required for cosine downstream
}

// Service embeds text with order preservation: result i always corresponds
// to input i. Empty or whitespace-only inputs get a zero vector without a
// provider call.
type Service struct {
	batcher Batcher
	cache   *Cache
	opts    Options
	sf      singleflight.Group
}

// New builds the service. A nil cache gets an in-memory one.
func New(batcher Batcher, cache *Cache, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Service{batcher: batcher, cache: cache, opts: opts}
}

// Dimension returns the configured vector dimension.
func (s *Service) Dimension() int { return s.opts.Dimension }

type missRef struct {
	key  string
	text string
}

// Embed returns one vector per input text, in input order.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	positions := make(map[string][]int)
	var misses []missRef

	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			out[i] = make([]float32, s.opts.Dimension)
			continue
		}
		key := CacheKey(s.opts.Model, t)
		if len(positions[key]) == 0 {
			if vec, ok := s.cache.Get(key); ok {
				out[i] = vec
				continue
			}
			misses = append(misses, missRef{key: key, text: t})
		}
		positions[key] = append(positions[key], i)
	}

	for start := 0; start < len(misses); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(misses))
		chunk := misses[start:end]
		if err := s.loadChunk(ctx, chunk); err != nil {
			return nil, err
		}
		for _, m := range chunk {
			vec, ok := s.cache.Get(m.key)
			if !ok {
				return nil, fmt.Errorf("embedding for %s missing after fetch", m.key)
			}
			for _, pos := range positions[m.key] {
				out[pos] = vec
			}
		}
	}
	return out, nil
}

// loadChunk fetches one batch of cache misses. The chunk is keyed under its
// first member so concurrent callers embedding the same texts collapse into
// one provider call; members already filled by another flight are skipped via
// the cache re-check.
func (s *Service) loadChunk(ctx context.Context, chunk []missRef) error {
	_, err, _ := s.sf.Do(chunk[0].key, func() (any, error) {
		pending := make([]missRef, 0, len(chunk))
		for _, m := range chunk {
			if _, ok := s.cache.Get(m.key); !ok {
				pending = append(pending, m)
			}
		}
		if len(pending) == 0 {
			return nil, nil
		}
		texts := make([]string, len(pending))
		for i, m := range pending {
			texts[i] = m.text
		}
		vecs, err := s.batcher.EmbedBatch(ctx, s.opts.Model, texts)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(pending) {
			return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(pending))
		}
		for i, m := range pending {
			vec := vecs[i]
			if s.opts.Normalize {
				vec = l2Normalize(vec)
			}
			if err := s.cache.Put(m.key, s.opts.Model, vec); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// l2Normalize scales a vector to unit length. Zero vectors pass through.
func l2Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
