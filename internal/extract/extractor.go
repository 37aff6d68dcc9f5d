// Package extract runs the combined per-unit extraction: one LLM call that
// returns entities, quotes, insights, relationships and a short conversation
// analysis together, instead of four separate calls.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Napageneral/podgraph/internal/ids"
	"github.com/Napageneral/podgraph/internal/llm"
	"github.com/Napageneral/podgraph/internal/structure"
)

// ErrInvalidJSON is returned after the repair retry also fails to produce a
// schema-conformant object. The orchestrator marks the unit failed.
var ErrInvalidJSON = errors.New("extraction response is not valid JSON")

const (
	extractTemperature = 0.2
	maxOutputTokens    = 4096
	minQuoteLen        = 20
	repairSuffix       = "\n\nReturn ONLY valid JSON matching the schema."
)

// Generator is the LLM call path; llm.Caller satisfies it.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error)
}

// Extractor issues combined extraction calls.
type Extractor struct {
	gen   Generator
	model string
}

// New builds an extractor for the given model.
func New(gen Generator, model string) *Extractor {
	return &Extractor{gen: gen, model: model}
}

// wire shapes for the model response
type wireResult struct {
	Entities []struct {
		Name        string   `json:"name"`
		Type        string   `json:"type"`
		Description string   `json:"description"`
		Importance  int      `json:"importance"`
		Context     string   `json:"context"`
		Frequency   int      `json:"frequency"`
		Aliases     []string `json:"aliases"`
	} `json:"entities"`
	Quotes []struct {
		Text        string `json:"text"`
		Speaker     string `json:"speaker"`
		Context     string `json:"context"`
		IsMemorable bool   `json:"is_memorable"`
		Theme       string `json:"theme"`
	} `json:"quotes"`
	Insights []struct {
		Title              string   `json:"title"`
		Description        string   `json:"description"`
		InsightType        string   `json:"insight_type"`
		Confidence         int      `json:"confidence"`
		SupportingEntities []string `json:"supporting_entities"`
	} `json:"insights"`
	Relationships []struct {
		SourceEntity string `json:"source_entity"`
		TargetEntity string `json:"target_entity"`
		Type         string `json:"type"`
		Description  string `json:"description"`
		Confidence   int    `json:"confidence"`
		Evidence     string `json:"evidence"`
	} `json:"relationships"`
	Analysis ConversationAnalysis `json:"conversation_analysis"`
}

var validInsightTypes = map[string]bool{
	"actionable": true, "conceptual": true, "experiential": true,
	"predictive": true, "analytical": true,
}

// Extract runs one combined call for the unit. Empty unit text returns an
// empty result without touching the LLM. A malformed response gets exactly
// one repair retry with a schema reminder before ErrInvalidJSON.
func (e *Extractor) Extract(ctx context.Context, unit structure.Unit, ep structure.EpisodeContext) (*Result, error) {
	started := time.Now()
	if strings.TrimSpace(unit.Text) == "" {
		return &Result{UnitID: unit.ID, Timestamp: started}, nil
	}

	prompt := buildPrompt(unit, ep)
	result, tokens, err := e.attempt(ctx, prompt)
	if err != nil {
		if !errors.Is(err, ErrInvalidJSON) {
			return nil, err
		}
		result, tokens, err = e.attempt(ctx, prompt+repairSuffix)
		if err != nil {
			return nil, err
		}
	}

	result.UnitID = unit.ID
	result.TokenCount = tokens
	result.ProcessingTime = time.Since(started)
	result.Timestamp = started
	return result, nil
}

func (e *Extractor) attempt(ctx context.Context, prompt string) (*Result, int, error) {
	resp, err := e.gen.Generate(ctx, llm.GenerateRequest{
		Model:           e.model,
		System:          systemPrompt,
		Prompt:          prompt,
		Temperature:     extractTemperature,
		MaxOutputTokens: maxOutputTokens,
		JSONMode:        true,
	})
	if err != nil {
		return nil, 0, err
	}

	jsonText := extractJSONObject(resp.Text)
	if jsonText == "" {
		return nil, 0, fmt.Errorf("%w: no JSON object in response", ErrInvalidJSON)
	}
	var wire wireResult
	if err := json.Unmarshal([]byte(jsonText), &wire); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return normalizeResult(&wire), resp.PromptTokens + resp.OutputTokens, nil
}

// normalizeResult applies the edge policies: type normalisation, score
// clamping, within-unit entity merging, and the minimum quote length.
func normalizeResult(wire *wireResult) *Result {
	r := &Result{Analysis: wire.Analysis}

	merged := make(map[string]int) // canonicalName+type -> index in r.Entities
	for _, we := range wire.Entities {
		name := strings.TrimSpace(we.Name)
		if name == "" {
			continue
		}
		ent := Entity{
			Name:          name,
			CanonicalName: ids.CanonicalName(name),
			Type:          NormalizeEntityType(we.Type),
			Description:   we.Description,
			Importance:    clamp(we.Importance),
			Context:       we.Context,
			Frequency:     we.Frequency,
			Aliases:       we.Aliases,
		}
		if ent.Frequency < 1 {
			ent.Frequency = 1
		}
		key := ent.CanonicalName + "|" + ent.Type
		if idx, ok := merged[key]; ok {
			prev := &r.Entities[idx]
			prev.Frequency += ent.Frequency
			if ent.Importance > prev.Importance {
				prev.Importance = ent.Importance
			}
			if prev.Description == "" {
				prev.Description = ent.Description
			}
			prev.Aliases = mergeAliases(prev.Aliases, append(ent.Aliases, ent.Name))
			continue
		}
		merged[key] = len(r.Entities)
		r.Entities = append(r.Entities, ent)
	}

	for _, wq := range wire.Quotes {
		text := strings.TrimSpace(wq.Text)
		if len(text) < minQuoteLen {
			continue
		}
		r.Quotes = append(r.Quotes, Quote{
			Text:        text,
			Speaker:     wq.Speaker,
			Context:     wq.Context,
			IsMemorable: wq.IsMemorable,
			Theme:       wq.Theme,
		})
	}

	for _, wi := range wire.Insights {
		title := strings.TrimSpace(wi.Title)
		if title == "" {
			continue
		}
		it := strings.ToLower(strings.TrimSpace(wi.InsightType))
		if !validInsightTypes[it] {
			it = "analytical"
		}
		r.Insights = append(r.Insights, Insight{
			Title:              title,
			Description:        wi.Description,
			InsightType:        it,
			Confidence:         clamp(wi.Confidence),
			SupportingEntities: wi.SupportingEntities,
		})
	}

	for _, wr := range wire.Relationships {
		src := strings.TrimSpace(wr.SourceEntity)
		dst := strings.TrimSpace(wr.TargetEntity)
		if src == "" || dst == "" || src == dst {
			continue
		}
		relType := strings.ToUpper(strings.TrimSpace(wr.Type))
		if relType == "" {
			relType = "RELATED_TO"
		}
		r.Relationships = append(r.Relationships, Relationship{
			SourceEntity: src,
			TargetEntity: dst,
			Type:         relType,
			Description:  wr.Description,
			Confidence:   clamp(wr.Confidence),
			Evidence:     wr.Evidence,
		})
	}
	return r
}

func mergeAliases(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	out := existing
	for _, a := range existing {
		seen[strings.ToLower(a)] = true
	}
	for _, a := range extra {
		a = strings.TrimSpace(a)
		if a == "" || seen[strings.ToLower(a)] {
			continue
		}
		seen[strings.ToLower(a)] = true
		out = append(out, a)
	}
	return out
}

func extractJSONObject(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}
