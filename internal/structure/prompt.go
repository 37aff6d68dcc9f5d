package structure

import (
	"fmt"
	"strings"

	"github.com/Napageneral/podgraph/internal/vtt"
)

// systemPrompt is deliberately stable: providers cache context keyed on it.
const systemPrompt = `You are an expert conversation analyst. You segment podcast transcripts into meaningful conversational units: complete stories, question-and-answer exchanges, topic discussions, introductions, tangents and conclusions. You reason about the whole episode arc, not local caption boundaries.`

// buildPrompt renders the episode header, the marked-up transcript and the
// output schema for the single structuring call.
func buildPrompt(cues []vtt.Cue, ep EpisodeContext) string {
	var sb strings.Builder

	sb.WriteString("## Episode\n\n")
	if ep.PodcastName != "" {
		fmt.Fprintf(&sb, "Podcast: %s\n", ep.PodcastName)
	}
	if ep.EpisodeTitle != "" {
		fmt.Fprintf(&sb, "Title: %s\n", ep.EpisodeTitle)
	}
	fmt.Fprintf(&sb, "Segments: %d\n\n", len(cues))

	sb.WriteString("## Transcript\n\nEach line is one segment: [index] [speaker MM:SS] text\n\n")
	for _, c := range cues {
		speaker := c.Speaker
		if speaker == "" {
			speaker = "?"
		}
		fmt.Fprintf(&sb, "[%d] [%s %s] %s\n", c.Index, speaker, mmss(c.StartSec), strings.ReplaceAll(c.Text, "\n", " "))
	}

	sb.WriteString(`
## Task

Partition ALL segments into meaningful conversational units. Units must not overlap, must use segment indices from the transcript, and should each be a complete conversational object.

## Output Schema

Return a JSON object with this exact structure:
{
  "units": [
    {
      "start_index": 0,
      "end_index": 14,
      "unit_type": "introduction",
      "summary": "One or two sentence summary of the unit",
      "themes": ["theme"],
      "completeness": "complete"
    }
  ],
  "themes": ["episode-level theme"],
  "boundaries": [14, 52],
  "flow": {"arc": "...", "pacing": "...", "coherence": "..."},
  "total_segments": `)
	fmt.Fprintf(&sb, "%d\n}\n\n", len(cues))
	sb.WriteString(`Where:
- unit_type: one of introduction, topic_discussion, story, qa_exchange, tangent, conclusion, other
- completeness: one of complete, incomplete, fragmented
- units must cover the transcript in order without overlapping index ranges

Return ONLY the JSON object, no other text.
`)
	return sb.String()
}

func mmss(sec float64) string {
	s := int(sec)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
