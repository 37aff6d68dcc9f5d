package extract

import (
	"fmt"
	"strings"

	"github.com/Napageneral/podgraph/internal/structure"
)

// systemPrompt is stable across all units so providers can reuse cached
// context. Everything unit-specific goes in the user prompt.
const systemPrompt = `You are an expert knowledge analyst. From a podcast conversation excerpt you extract, in a single pass: named entities, memorable quotes, distilled insights, relationships between entities, and a short conversation analysis. You are precise, you never invent facts not present in the text, and you always answer with a single JSON object.`

const outputSchema = `## Output Schema

Return a JSON object with this exact structure:
{
  "entities": [
    {
      "name": "Entity Name",
      "type": "person",
      "description": "who or what this is, from the text",
      "importance": 7,
      "context": "how the entity came up",
      "frequency": 2,
      "aliases": ["other surface forms"]
    }
  ],
  "quotes": [
    {
      "text": "verbatim quote of at least 20 characters",
      "speaker": "Speaker Name",
      "context": "what prompted it",
      "is_memorable": true,
      "theme": "optional theme"
    }
  ],
  "insights": [
    {
      "title": "Short insight title",
      "description": "the takeaway, grounded in the text",
      "insight_type": "actionable",
      "confidence": 8,
      "supporting_entities": ["Entity Name"]
    }
  ],
  "relationships": [
    {
      "source_entity": "Entity Name",
      "target_entity": "Other Entity",
      "type": "FOUNDED",
      "description": "how they relate",
      "confidence": 7,
      "evidence": "supporting text"
    }
  ],
  "conversation_analysis": {
    "topic_summary": "one sentence",
    "completeness": "complete",
    "key_themes": ["theme"],
    "speaker_dynamics": "who drives the exchange",
    "structural_notes": "optional"
  }
}

Where:
- importance and confidence are integers from 1 to 10
- insight_type: one of actionable, conceptual, experiential, predictive, analytical
- relationship type: SCREAMING_SNAKE_CASE, open vocabulary
- omit empty arrays rather than inventing content

Return ONLY the JSON object, no other text.
`

// buildPrompt renders the episode header and the unit text with speaker and
// timing markers.
func buildPrompt(unit structure.Unit, ep structure.EpisodeContext) string {
	var sb strings.Builder

	sb.WriteString("## Episode\n\n")
	if ep.PodcastName != "" {
		fmt.Fprintf(&sb, "Podcast: %s\n", ep.PodcastName)
	}
	if ep.EpisodeTitle != "" {
		fmt.Fprintf(&sb, "Title: %s\n", ep.EpisodeTitle)
	}
	fmt.Fprintf(&sb, "Unit type: %s\n", unit.UnitType)
	if unit.Summary != "" {
		fmt.Fprintf(&sb, "Unit summary: %s\n", unit.Summary)
	}
	if unit.PrimarySpeaker != "" {
		fmt.Fprintf(&sb, "Primary speaker: %s\n", unit.PrimarySpeaker)
	}
	fmt.Fprintf(&sb, "Time range: %s - %s\n\n", mmss(unit.StartSec), mmss(unit.EndSec))

	sb.WriteString("## Conversation\n\n")
	sb.WriteString(unit.Text)
	sb.WriteString("\n\n")
	sb.WriteString(outputSchema)
	return sb.String()
}

func mmss(sec float64) string {
	s := int(sec)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
