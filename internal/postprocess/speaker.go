package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/Napageneral/podgraph/internal/llm"
	"github.com/Napageneral/podgraph/internal/structure"
)

// MapSpeakers resolves generic speaker labels ("Speaker 1", "Unknown") to
// real names using one LLM call over the episode's unit summaries, then
// rewrites the affected units in the graph. The mapping is derived fresh for
// every episode; labels are not stable across episodes of the same podcast.
//
// Mapping failures are non-fatal: the units keep their raw labels.
func (p *Processor) MapSpeakers(ctx context.Context, store Store, ep structure.EpisodeContext, units []structure.Unit) (map[string]string, error) {
	labels := collectLabels(units)
	if len(labels) == 0 || !anyGeneric(labels) {
		return nil, nil
	}

	resp, err := p.gen.Generate(ctx, llm.GenerateRequest{
		Model:           p.model,
		System:          speakerSystemPrompt,
		Prompt:          buildSpeakerPrompt(ep, labels, units),
		Temperature:     0.1,
		MaxOutputTokens: 1024,
		JSONMode:        true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.log.Warn().Err(err).Str("episode_id", ep.EpisodeID).Msg("speaker mapping call failed")
		return nil, nil
	}

	mapping := parseMapping(resp.Text, labels)
	if len(mapping) == 0 {
		return nil, nil
	}

	for _, u := range units {
		primary, dist, changed := remapUnit(u, mapping)
		if !changed {
			continue
		}
		if err := store.UpdateUnitSpeakers(ctx, u.ID, primary, dist); err != nil {
			return mapping, fmt.Errorf("update unit %s speakers: %w", u.ID, err)
		}
	}
	return mapping, nil
}

func collectLabels(units []structure.Unit) []string {
	seen := make(map[string]bool)
	for _, u := range units {
		for sp := range u.SpeakerDistribution {
			seen[sp] = true
		}
	}
	labels := make([]string, 0, len(seen))
	for sp := range seen {
		labels = append(labels, sp)
	}
	sort.Strings(labels)
	return labels
}

// genericLabel reports whether a speaker label carries no real identity.
func genericLabel(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	switch l {
	case "", "unknown", "host", "guest", "interviewer", "interviewee":
		return true
	}
	if strings.HasPrefix(l, "speaker") || strings.HasPrefix(l, "spk") {
		return true
	}
	if len([]rune(l)) == 1 {
		return true
	}
	// purely numeric labels
	for _, r := range l {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func anyGeneric(labels []string) bool {
	for _, l := range labels {
		if genericLabel(l) {
			return true
		}
	}
	return false
}

const speakerSystemPrompt = `You identify podcast speakers. Given generic speaker labels and what each one talked about, infer their real names from context. Only map a label when the transcript gives real evidence for the name; otherwise leave it out of the mapping.`

func buildSpeakerPrompt(ep structure.EpisodeContext, labels []string, units []structure.Unit) string {
	var sb strings.Builder
	sb.WriteString("## Episode\n")
	if ep.PodcastName != "" {
		sb.WriteString("Podcast: " + ep.PodcastName + "\n")
	}
	if ep.EpisodeTitle != "" {
		sb.WriteString("Title: " + ep.EpisodeTitle + "\n")
	}

	sb.WriteString("\n## Speaker Labels\n")
	for _, l := range labels {
		sb.WriteString("- " + l + "\n")
	}

	sb.WriteString("\n## What Each Speaker Said\n")
	for _, l := range labels {
		sb.WriteString(l + ":\n")
		n := 0
		for _, u := range units {
			if u.PrimarySpeaker != l || u.Summary == "" {
				continue
			}
			sb.WriteString("  - " + u.Summary + "\n")
			n++
			if n == 3 {
				break
			}
		}
		if n == 0 {
			sb.WriteString("  (no summaries)\n")
		}
	}

	sb.WriteString("\n## Output Schema\n")
	sb.WriteString(`{"mapping": {"<label>": "<real name>"}}` + "\n\n")
	sb.WriteString("Return ONLY the JSON object, no other text.")
	return sb.String()
}

// parseMapping keeps only mappings for known labels with a non-empty,
// different target name.
func parseMapping(text string, labels []string) map[string]string {
	jsonText := extractJSONObject(text)
	if jsonText == "" {
		return nil
	}
	var resp struct {
		Mapping map[string]string `json:"mapping"`
	}
	if err := json.Unmarshal([]byte(jsonText), &resp); err != nil {
		return nil
	}
	known := make(map[string]bool, len(labels))
	for _, l := range labels {
		known[l] = true
	}
	mapping := make(map[string]string)
	for from, to := range resp.Mapping {
		to = strings.TrimSpace(to)
		if known[from] && to != "" && to != from && !genericLabel(to) {
			mapping[from] = to
		}
	}
	return mapping
}

// remapUnit applies a label mapping to one unit's speaker fields. Shares of
// labels that map to the same name are merged.
func remapUnit(u structure.Unit, mapping map[string]string) (string, map[string]float64, bool) {
	changed := false
	dist := make(map[string]float64, len(u.SpeakerDistribution))
	for sp, share := range u.SpeakerDistribution {
		name := sp
		if to, ok := mapping[sp]; ok {
			name = to
			changed = true
		}
		dist[name] += share
	}
	if !changed {
		return u.PrimarySpeaker, u.SpeakerDistribution, false
	}
	primary := ""
	var best float64
	for sp, share := range dist {
		if share > best || (share == best && sp < primary) {
			primary, best = sp, share
		}
	}
	return primary, dist, true
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
