// Package structure partitions a flat cue sequence into MeaningfulUnits.
// Caption-level splits are arbitrary; a unit is a complete conversational
// object (a story, a Q&A exchange, a topic discussion) that downstream
// extraction can reason about.
package structure

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Napageneral/podgraph/internal/ids"
	"github.com/Napageneral/podgraph/internal/llm"
	"github.com/Napageneral/podgraph/internal/vtt"
)

// FallbackSentinel marks units produced by the deterministic fallback so
// metrics can count degraded episodes.
const FallbackSentinel = "[structurer-fallback]"

// Unit types and completeness values the model may assign. Anything else is
// normalised.
var (
	validUnitTypes = map[string]bool{
		"introduction": true, "topic_discussion": true, "story": true,
		"qa_exchange": true, "tangent": true, "conclusion": true, "other": true,
	}
	validCompleteness = map[string]bool{
		"complete": true, "incomplete": true, "fragmented": true,
	}
)

// Unit is a structured MeaningfulUnit, ready for extraction and persistence.
type Unit struct {
	ID                  string             `json:"id"`
	EpisodeID           string             `json:"episode_id"`
	StartIndex          int                `json:"start_index"`
	EndIndex            int                `json:"end_index"`
	StartSec            float64            `json:"start_sec"`
	EndSec              float64            `json:"end_sec"`
	Text                string             `json:"text"`
	UnitType            string             `json:"unit_type"`
	Summary             string             `json:"summary"`
	Themes              []string           `json:"themes,omitempty"`
	PrimarySpeaker      string             `json:"primary_speaker,omitempty"`
	SpeakerDistribution map[string]float64 `json:"speaker_distribution,omitempty"`
	Completeness        string             `json:"completeness"`
	SegmentIndices      []int              `json:"segment_indices"`
}

// Flow is the model's arc-level read of the episode.
type Flow struct {
	Arc       string `json:"arc,omitempty"`
	Pacing    string `json:"pacing,omitempty"`
	Coherence string `json:"coherence,omitempty"`
}

// Result is the full structuring outcome for one episode.
type Result struct {
	Units    []Unit   `json:"units"`
	Themes   []string `json:"themes,omitempty"`
	Flow     Flow     `json:"flow"`
	Fallback bool     `json:"fallback"`
}

// EpisodeContext carries the metadata the prompt leads with.
type EpisodeContext struct {
	EpisodeID    string
	PodcastID    string
	PodcastName  string
	EpisodeTitle string
}

// Generator is the LLM call path; llm.Caller satisfies it.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error)
}

// Structurer issues one LLM call per episode and falls back to a single
// fragmented unit when the model fails.
type Structurer struct {
	gen             Generator
	model           string
	maxOutputTokens int
}

// New builds a structurer for the given model.
func New(gen Generator, model string) *Structurer {
	return &Structurer{gen: gen, model: model, maxOutputTokens: 8192}
}

// Structure partitions cues into non-overlapping units. It never returns an
// error for model failures: those degrade to the deterministic fallback.
func (s *Structurer) Structure(ctx context.Context, cues []vtt.Cue, ep EpisodeContext) (*Result, error) {
	if len(cues) == 0 {
		u := Unit{
			EpisodeID:    ep.EpisodeID,
			UnitType:     "other",
			Summary:      FallbackSentinel + " empty transcript",
			Completeness: "fragmented",
		}
		u.ID = ids.Unit(ep.EpisodeID, 0, 0)
		return &Result{Units: []Unit{u}, Fallback: true}, nil
	}
	if len(cues) == 1 {
		u := buildUnit(ep.EpisodeID, cues, 0, 0, "other", summaryFromText(cues[0].Text), nil, "complete")
		return &Result{Units: []Unit{u}}, nil
	}

	resp, err := s.gen.Generate(ctx, llm.GenerateRequest{
		Model:           s.model,
		System:          systemPrompt,
		Prompt:          buildPrompt(cues, ep),
		Temperature:     0.1,
		MaxOutputTokens: s.maxOutputTokens,
		JSONMode:        true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return s.fallback(cues, ep, fmt.Sprintf("llm call failed: %v", err)), nil
	}

	specs, themes, flow, perr := parseResponse(resp.Text, len(cues))
	if perr != nil {
		return s.fallback(cues, ep, fmt.Sprintf("invalid structure: %v", perr)), nil
	}

	units := make([]Unit, 0, len(specs))
	for _, sp := range specs {
		units = append(units, buildUnit(ep.EpisodeID, cues, sp.StartIndex, sp.EndIndex, sp.UnitType, sp.Summary, sp.Themes, sp.Completeness))
	}
	clampOverlap(units)
	return &Result{Units: units, Themes: themes, Flow: flow}, nil
}

// clampOverlap enforces endSec <= next startSec. Cues may overlap in time
// (simultaneous speakers are legal WebVTT), so index-level repair alone
// cannot guarantee non-overlapping units. Clamping changes the time range,
// so the content-derived id is recomputed.
func clampOverlap(units []Unit) {
	for i := 0; i+1 < len(units); i++ {
		if units[i].EndSec > units[i+1].StartSec {
			units[i].EndSec = units[i+1].StartSec
			units[i].ID = ids.Unit(units[i].EpisodeID, units[i].StartSec, units[i].EndSec)
		}
	}
}

func (s *Structurer) fallback(cues []vtt.Cue, ep EpisodeContext, reason string) *Result {
	u := buildUnit(ep.EpisodeID, cues, 0, len(cues)-1, "other",
		FallbackSentinel+" "+reason, nil, "fragmented")
	return &Result{Units: []Unit{u}, Fallback: true}
}

// unitSpec is the wire shape of one unit in the model response.
type unitSpec struct {
	StartIndex   int      `json:"start_index"`
	EndIndex     int      `json:"end_index"`
	UnitType     string   `json:"unit_type"`
	Summary      string   `json:"summary"`
	Themes       []string `json:"themes"`
	Completeness string   `json:"completeness"`
}

type structureResponse struct {
	Units         []unitSpec `json:"units"`
	Themes        []string   `json:"themes"`
	Boundaries    []int      `json:"boundaries"`
	Flow          Flow       `json:"flow"`
	TotalSegments int        `json:"total_segments"`
}

// parseResponse validates and repairs the model output. Overlapping ranges
// are repaired by pulling the earlier unit's end back; degenerate ranges are
// dropped. An empty survivor set is an error, which triggers the fallback.
func parseResponse(text string, cueCount int) ([]unitSpec, []string, Flow, error) {
	jsonText := extractJSONObject(text)
	if jsonText == "" {
		return nil, nil, Flow{}, fmt.Errorf("no JSON object in response")
	}
	var resp structureResponse
	if err := json.Unmarshal([]byte(jsonText), &resp); err != nil {
		return nil, nil, Flow{}, fmt.Errorf("parse JSON: %w", err)
	}
	if len(resp.Units) == 0 {
		return nil, nil, Flow{}, fmt.Errorf("response contains no units")
	}

	specs := make([]unitSpec, 0, len(resp.Units))
	for _, u := range resp.Units {
		if u.StartIndex < 0 || u.EndIndex >= cueCount || u.StartIndex > u.EndIndex {
			continue
		}
		if !validUnitTypes[u.UnitType] {
			u.UnitType = "other"
		}
		if !validCompleteness[u.Completeness] {
			u.Completeness = "incomplete"
		}
		specs = append(specs, u)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].StartIndex < specs[j].StartIndex })

	// strict non-overlap: prev.end < next.start
	repaired := specs[:0]
	for i := 0; i < len(specs); i++ {
		u := specs[i]
		if i+1 < len(specs) && u.EndIndex >= specs[i+1].StartIndex {
			u.EndIndex = specs[i+1].StartIndex - 1
		}
		if u.EndIndex < u.StartIndex {
			continue // degenerate after repair
		}
		repaired = append(repaired, u)
	}
	if len(repaired) == 0 {
		return nil, nil, Flow{}, fmt.Errorf("no valid units after repair")
	}
	return repaired, resp.Themes, resp.Flow, nil
}

// buildUnit assembles a Unit from a validated index range, computing text,
// timing and speaker statistics from the covered cues.
func buildUnit(episodeID string, cues []vtt.Cue, start, end int, unitType, summary string, themes []string, completeness string) Unit {
	u := Unit{
		EpisodeID:    episodeID,
		StartIndex:   start,
		EndIndex:     end,
		UnitType:     unitType,
		Summary:      summary,
		Themes:       themes,
		Completeness: completeness,
	}
	if len(cues) == 0 {
		u.ID = ids.Unit(episodeID, 0, 0)
		return u
	}

	var sb strings.Builder
	durations := make(map[string]float64)
	var total float64
	for i := start; i <= end; i++ {
		c := cues[i]
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(c.Text)
		u.SegmentIndices = append(u.SegmentIndices, i)

		speaker := c.Speaker
		if speaker == "" {
			speaker = "Unknown"
		}
		d := c.EndSec - c.StartSec
		durations[speaker] += d
		total += d
	}
	u.StartSec = cues[start].StartSec
	u.EndSec = cues[end].EndSec
	u.Text = sb.String()
	u.ID = ids.Unit(episodeID, u.StartSec, u.EndSec)

	u.SpeakerDistribution = make(map[string]float64, len(durations))
	if total > 0 {
		for sp, d := range durations {
			u.SpeakerDistribution[sp] = d / total * 100
		}
	} else {
		// zero-duration cues: weight by cue count instead
		n := float64(end - start + 1)
		for i := start; i <= end; i++ {
			sp := cues[i].Speaker
			if sp == "" {
				sp = "Unknown"
			}
			u.SpeakerDistribution[sp] += 100 / n
		}
	}
	best := ""
	var bestShare float64
	for sp, share := range u.SpeakerDistribution {
		if share > bestShare || (share == bestShare && sp < best) {
			best, bestShare = sp, share
		}
	}
	u.PrimarySpeaker = best
	return u
}

func summaryFromText(text string) string {
	t := strings.TrimSpace(text)
	if len(t) > 120 {
		t = t[:120] + "..."
	}
	return t
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
