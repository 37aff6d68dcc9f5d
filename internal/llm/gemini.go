package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	defaultBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout      = 120 * time.Second
	maxIdleConns        = 1000
	maxConnsPerHost     = 1000
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

// GeminiClient speaks the generateContent / batchEmbedContents wire format.
// It implements Provider and Embedder. Each call performs a single attempt
// with the supplied credential and returns typed errors; retries and key
// rotation are layered on top by Caller.
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	dimension  int

	// Usage tracking
	usageMu           sync.Mutex
	totalPromptTokens int64
	totalOutputTokens int64
	totalEmbedChars   int64
	generateCalls     int64
	embedCalls        int64
}

// GeminiOption tweaks client construction.
type GeminiOption func(*GeminiClient)

// WithBaseURL points the client at a different endpoint (test servers).
func WithBaseURL(url string) GeminiOption {
	return func(c *GeminiClient) { c.baseURL = url }
}

// WithDimension sets the embedding dimension the model produces.
func WithDimension(d int) GeminiOption {
	return func(c *GeminiClient) { c.dimension = d }
}

// NewGeminiClient creates a client with HTTP/2 connection pooling.
func NewGeminiClient(opts ...GeminiOption) *GeminiClient {
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxConnsPerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}
	c := &GeminiClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   defaultTimeout,
		},
		baseURL:   defaultBaseURL,
		dimension: 768,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- wire types ---

type generateContentRequest struct {
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generateContentResponse struct {
	Candidates     []candidate     `json:"candidates,omitempty"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *usageMetadata  `json:"usageMetadata,omitempty"`
	Error          *apiError       `json:"error,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type embedContentRequest struct {
	Model   string  `json:"model,omitempty"`
	Content content `json:"content"`
}

type batchEmbedContentsRequest struct {
	Requests []embedContentRequest `json:"requests"`
}

type batchEmbedContentsResponse struct {
	Embeddings []embedding `json:"embeddings,omitempty"`
	Error      *apiError   `json:"error,omitempty"`
}

type embedding struct {
	Values []float32 `json:"values"`
}

// Generate performs one generateContent call.
func (c *GeminiClient) Generate(ctx context.Context, apiKey string, req GenerateRequest) (*GenerateResponse, error) {
	wire := generateContentRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
	}
	if req.System != "" {
		wire.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	cfg := &generationConfig{MaxOutputTokens: req.MaxOutputTokens}
	temp := req.Temperature
	cfg.Temperature = &temp
	if req.JSONMode {
		cfg.ResponseMimeType = "application/json"
	}
	wire.GenerationConfig = cfg

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("models/%s:generateContent", req.Model)
	respBody, err := c.post(ctx, apiKey, endpoint, body)
	if err != nil {
		return nil, err
	}

	var result generateContentResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, classifyAPIError(result.Error)
	}
	if result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
		return nil, &ProviderError{Kind: KindPermanent, Msg: "prompt blocked: " + result.PromptFeedback.BlockReason}
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, &ProviderError{Kind: KindTransient, Msg: "empty response"}
	}

	out := &GenerateResponse{Text: result.Candidates[0].Content.Parts[0].Text}
	if u := result.UsageMetadata; u != nil {
		out.PromptTokens = u.PromptTokenCount
		out.OutputTokens = u.CandidatesTokenCount
	}
	c.recordGenerateUsage(out.PromptTokens, out.OutputTokens)
	return out, nil
}

// EmbedBatch performs one batchEmbedContents call, preserving input order.
func (c *GeminiClient) EmbedBatch(ctx context.Context, apiKey string, model string, texts []string) ([][]float32, error) {
	requests := make([]embedContentRequest, len(texts))
	chars := 0
	for i, t := range texts {
		requests[i] = embedContentRequest{
			Model:   "models/" + model,
			Content: content{Parts: []part{{Text: t}}},
		}
		chars += len(t)
	}

	body, err := json.Marshal(batchEmbedContentsRequest{Requests: requests})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("models/%s:batchEmbedContents", model)
	respBody, err := c.post(ctx, apiKey, endpoint, body)
	if err != nil {
		return nil, err
	}

	var result batchEmbedContentsResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, classifyAPIError(result.Error)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, &ProviderError{Kind: KindTransient, Msg: fmt.Sprintf("got %d embeddings for %d texts", len(result.Embeddings), len(texts))}
	}

	out := make([][]float32, len(texts))
	for i, e := range result.Embeddings {
		out[i] = e.Values
	}
	c.recordEmbedUsage(chars)
	return out, nil
}

// Dimension returns the configured embedding dimension.
func (c *GeminiClient) Dimension() int { return c.dimension }

func (c *GeminiClient) post(ctx context.Context, apiKey, endpoint string, body []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/%s?key=%s", c.baseURL, endpoint, apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err // network errors stay untyped: always transient
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		pe := &ProviderError{StatusCode: resp.StatusCode, Msg: truncate(string(respBody), 200)}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			pe.Kind = KindRateLimit
			pe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		case resp.StatusCode >= 500:
			pe.Kind = KindTransient
		default:
			pe.Kind = KindPermanent
		}
		return nil, pe
	}
	return respBody, nil
}

func classifyAPIError(e *apiError) *ProviderError {
	pe := &ProviderError{StatusCode: e.Code, Msg: e.Message}
	switch {
	case e.Code == 429:
		pe.Kind = KindRateLimit
	case e.Code >= 500:
		pe.Kind = KindTransient
	default:
		pe.Kind = KindPermanent
	}
	return pe
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// UsageStats contains accumulated usage statistics.
type UsageStats struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	EmbedChars       int64   `json:"embed_chars"`
	GenerateCalls    int64   `json:"generate_calls"`
	EmbedCalls       int64   `json:"embed_calls"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// GetUsageStats returns accumulated usage and estimated cost.
// Pricing (Gemini 2.0 Flash):
//   - Input: $0.075 per 1M tokens
//   - Output: $0.30 per 1M tokens
//   - Embeddings: $0.00001 per 1K characters
func (c *GeminiClient) GetUsageStats() UsageStats {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()

	stats := UsageStats{
		PromptTokens:  c.totalPromptTokens,
		OutputTokens:  c.totalOutputTokens,
		EmbedChars:    c.totalEmbedChars,
		GenerateCalls: c.generateCalls,
		EmbedCalls:    c.embedCalls,
	}
	inputCost := float64(c.totalPromptTokens) * 0.075 / 1_000_000
	outputCost := float64(c.totalOutputTokens) * 0.30 / 1_000_000
	embedCost := float64(c.totalEmbedChars) * 0.00001 / 1_000
	stats.EstimatedCostUSD = inputCost + outputCost + embedCost
	return stats
}

func (c *GeminiClient) recordGenerateUsage(promptTokens, outputTokens int) {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.totalPromptTokens += int64(promptTokens)
	c.totalOutputTokens += int64(outputTokens)
	c.generateCalls++
}

func (c *GeminiClient) recordEmbedUsage(charCount int) {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.totalEmbedChars += int64(charCount)
	c.embedCalls++
}
