// Package llm abstracts the language-model and embedding providers behind
// capability interfaces and provides the shared retry/rotation call path.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// GenerateRequest is a single completion call. The system prompt is kept
// stable and content-addressed by the callers so providers can reuse cached
// context.
type GenerateRequest struct {
	Model           string
	System          string
	Prompt          string
	Temperature     float64
	MaxOutputTokens int
	JSONMode        bool
}

// GenerateResponse carries the model text plus token accounting.
type GenerateResponse struct {
	Text         string
	PromptTokens int
	OutputTokens int
}

// Provider is the language-model capability. Implementations perform exactly
// one attempt per call and classify failures as typed *ProviderError values;
// retry and credential-rotation policy lives in Caller.
type Provider interface {
	Generate(ctx context.Context, apiKey string, req GenerateRequest) (*GenerateResponse, error)
}

// Embedder is the embedding capability. Order of the returned vectors matches
// the input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, apiKey string, model string, texts []string) ([][]float32, error)
	Dimension() int
}

// ErrorKind classifies provider failures for orchestrator policy.
type ErrorKind int

const (
	KindTransient ErrorKind = iota // 5xx, network, timeout
	KindRateLimit                  // 429 / quota
	KindPermanent                  // 4xx other than 429, safety blocks
)

// ProviderError is the typed failure returned by providers.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration // only meaningful for KindRateLimit, zero if unknown
	Msg        string
}

func (e *ProviderError) Error() string {
	switch e.Kind {
	case KindRateLimit:
		return fmt.Sprintf("provider rate limited (status %d): %s", e.StatusCode, e.Msg)
	case KindTransient:
		return fmt.Sprintf("transient provider error (status %d): %s", e.StatusCode, e.Msg)
	default:
		return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Msg)
	}
}

// KindOf extracts the error kind, defaulting to transient for untyped errors
// (network failures surface as plain errors from the HTTP client).
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}
