package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(handler http.HandlerFunc) (*GeminiClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewGeminiClient(WithBaseURL(srv.URL)), srv
}

func generateOK(text string, promptTokens, outputTokens int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := generateContentResponse{
			Candidates: []candidate{{Content: content{Parts: []part{{Text: text}}}}},
			UsageMetadata: &usageMetadata{
				PromptTokenCount:     promptTokens,
				CandidatesTokenCount: outputTokens,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestGenerate_Success(t *testing.T) {
	var gotPath string
	var gotReq generateContentRequest
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotReq)
		generateOK(`{"ok":true}`, 120, 30)(w, r)
	})
	defer srv.Close()

	resp, err := client.Generate(context.Background(), "test-key", GenerateRequest{
		Model:           "gemini-2.0-flash",
		System:          "you are a careful annotator",
		Prompt:          "analyze this",
		Temperature:     0.1,
		MaxOutputTokens: 4096,
		JSONMode:        true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != `{"ok":true}` {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.PromptTokens != 120 || resp.OutputTokens != 30 {
		t.Errorf("tokens = %d/%d, want 120/30", resp.PromptTokens, resp.OutputTokens)
	}
	if !strings.Contains(gotPath, "models/gemini-2.0-flash:generateContent") {
		t.Errorf("path = %q", gotPath)
	}
	if gotReq.SystemInstruction == nil || gotReq.SystemInstruction.Parts[0].Text != "you are a careful annotator" {
		t.Error("system instruction not forwarded")
	}
	if gotReq.GenerationConfig.ResponseMimeType != "application/json" {
		t.Error("JSON mode not requested")
	}
	if *gotReq.GenerationConfig.Temperature != 0.1 {
		t.Errorf("temperature = %v", *gotReq.GenerationConfig.Temperature)
	}
}

func TestGenerate_RateLimitClassified(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"quota"}}`))
	})
	defer srv.Close()

	_, err := client.Generate(context.Background(), "k", GenerateRequest{Model: "m", Prompt: "p"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("want *ProviderError, got %v", err)
	}
	if pe.Kind != KindRateLimit {
		t.Errorf("kind = %v, want rate limit", pe.Kind)
	}
	if pe.RetryAfter != 7*time.Second {
		t.Errorf("retry-after = %v, want 7s", pe.RetryAfter)
	}
}

func TestGenerate_ServerErrorTransient(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer srv.Close()

	_, err := client.Generate(context.Background(), "k", GenerateRequest{Model: "m", Prompt: "p"})
	if KindOf(err) != KindTransient {
		t.Errorf("kind = %v, want transient", KindOf(err))
	}
}

func TestGenerate_BadRequestPermanent(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"bad"}}`))
	})
	defer srv.Close()

	_, err := client.Generate(context.Background(), "k", GenerateRequest{Model: "m", Prompt: "p"})
	if KindOf(err) != KindPermanent {
		t.Errorf("kind = %v, want permanent", KindOf(err))
	}
}

func TestGenerate_BlockedPromptPermanent(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateContentResponse{
			PromptFeedback: &promptFeedback{BlockReason: "SAFETY"},
		})
	})
	defer srv.Close()

	_, err := client.Generate(context.Background(), "k", GenerateRequest{Model: "m", Prompt: "p"})
	if KindOf(err) != KindPermanent {
		t.Errorf("kind = %v, want permanent for blocked prompt", KindOf(err))
	}
}

func TestGenerate_EmptyCandidatesTransient(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateContentResponse{})
	})
	defer srv.Close()

	_, err := client.Generate(context.Background(), "k", GenerateRequest{Model: "m", Prompt: "p"})
	if KindOf(err) != KindTransient {
		t.Errorf("kind = %v, want transient for empty response", KindOf(err))
	}
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		var req batchEmbedContentsRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := batchEmbedContentsResponse{}
		for i := range req.Requests {
			resp.Embeddings = append(resp.Embeddings, embedding{Values: []float32{float32(i)}})
		}
		json.NewEncoder(w).Encode(resp)
	})
	defer srv.Close()

	vecs, err := client.EmbedBatch(context.Background(), "k", "text-embedding-004", []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("vector %d out of order: %v", i, v)
		}
	}
}

func TestEmbedBatch_CountMismatchTransient(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(batchEmbedContentsResponse{
			Embeddings: []embedding{{Values: []float32{1}}},
		})
	})
	defer srv.Close()

	_, err := client.EmbedBatch(context.Background(), "k", "m", []string{"a", "b"})
	if KindOf(err) != KindTransient {
		t.Errorf("kind = %v, want transient for count mismatch", KindOf(err))
	}
}

func TestUsageStats_Accumulate(t *testing.T) {
	client, srv := newTestClient(generateOK("x", 1000, 500))
	defer srv.Close()

	for i := 0; i < 3; i++ {
		if _, err := client.Generate(context.Background(), "k", GenerateRequest{Model: "m", Prompt: "p"}); err != nil {
			t.Fatal(err)
		}
	}
	stats := client.GetUsageStats()
	if stats.GenerateCalls != 3 || stats.PromptTokens != 3000 || stats.OutputTokens != 1500 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.EstimatedCostUSD <= 0 {
		t.Error("expected non-zero cost estimate")
	}
}
