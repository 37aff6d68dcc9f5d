package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Napageneral/podgraph/internal/rotate"
)

const (
	defaultMaxRetries = 5
	initialBackoff    = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
)

// Caller routes provider calls through the credential rotator: every attempt
// leases a credential, and retries naturally rotate because a rate-limited
// key goes into cooldown before the next acquire.
type Caller struct {
	provider   Provider
	embedder   Embedder
	rotator    *rotate.Rotator
	maxRetries int
}

// NewCaller wires a provider and embedder to a rotator. Either capability
// may be nil if unused.
func NewCaller(provider Provider, embedder Embedder, rotator *rotate.Rotator, maxRetries int) *Caller {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Caller{provider: provider, embedder: embedder, rotator: rotator, maxRetries: maxRetries}
}

// Generate runs one completion with retry, backoff and credential rotation.
func (c *Caller) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	est := estimateTokens(req.System+req.Prompt) + req.MaxOutputTokens

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		lease, err := c.rotator.Acquire(ctx, est)
		if err != nil {
			return nil, err
		}

		resp, err := c.provider.Generate(ctx, lease.Cred.Key, req)
		if err == nil {
			c.rotator.Release(lease, resp.PromptTokens+resp.OutputTokens, rotate.ResultOK, 0)
			return resp, nil
		}

		lastErr = err
		switch KindOf(err) {
		case KindRateLimit:
			var retryAfter time.Duration
			if pe, ok := err.(*ProviderError); ok {
				retryAfter = pe.RetryAfter
			}
			c.rotator.Release(lease, 0, rotate.ResultRateLimit, retryAfter)
			// the offending key is cooling down; retry immediately on
			// another one
			attempt--
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		case KindPermanent:
			c.rotator.Release(lease, 0, rotate.ResultError, 0)
			return nil, err
		default:
			c.rotator.Release(lease, 0, rotate.ResultError, 0)
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// EmbedBatch runs one embedding batch under the same rotation discipline.
func (c *Caller) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	est := 0
	for _, t := range texts {
		est += estimateTokens(t)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		lease, err := c.rotator.Acquire(ctx, est)
		if err != nil {
			return nil, err
		}

		vecs, err := c.embedder.EmbedBatch(ctx, lease.Cred.Key, model, texts)
		if err == nil {
			c.rotator.Release(lease, est, rotate.ResultOK, 0)
			return vecs, nil
		}

		lastErr = err
		switch KindOf(err) {
		case KindRateLimit:
			var retryAfter time.Duration
			if pe, ok := err.(*ProviderError); ok {
				retryAfter = pe.RetryAfter
			}
			c.rotator.Release(lease, 0, rotate.ResultRateLimit, retryAfter)
			attempt--
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		case KindPermanent:
			c.rotator.Release(lease, 0, rotate.ResultError, 0)
			return nil, err
		default:
			c.rotator.Release(lease, 0, rotate.ResultError, 0)
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// estimateTokens is the usual ~4 chars/token heuristic, used only for window
// admission; Release corrects to the provider-reported count.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func sleepBackoff(ctx context.Context, attempt int) error {
	backoff := float64(initialBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	select {
	case <-time.After(time.Duration(backoff + jitter)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
