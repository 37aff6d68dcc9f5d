package vtt

import (
	"fmt"
	"io"
	"strings"
)

// Serialize writes cues back out as a WebVTT document. The output round-trips
// through Parse: speakers become <v> spans again and the metadata NOTE block
// is emitted when any field is set.
func Serialize(w io.Writer, meta EpisodeMetadata, cues []Cue) error {
	var sb strings.Builder
	sb.WriteString("WEBVTT\n\n")

	if meta != (EpisodeMetadata{}) {
		sb.WriteString("NOTE\n")
		if meta.PodcastID != "" {
			fmt.Fprintf(&sb, "podcast_id: %s\n", meta.PodcastID)
		}
		if meta.Episode != "" {
			fmt.Fprintf(&sb, "episode: %s\n", meta.Episode)
		}
		if meta.YouTubeURL != "" {
			fmt.Fprintf(&sb, "youtube_url: %s\n", meta.YouTubeURL)
		}
		if meta.PublishedDate != "" {
			fmt.Fprintf(&sb, "published_date: %s\n", meta.PublishedDate)
		}
		sb.WriteString("\n")
	}

	for _, c := range cues {
		fmt.Fprintf(&sb, "%s --> %s\n", FormatTimestamp(c.StartSec), FormatTimestamp(c.EndSec))
		text := c.Text
		if c.Speaker != "" {
			text = fmt.Sprintf("<v %s>%s", c.Speaker, text)
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// FormatTimestamp renders seconds as HH:MM:SS.mmm.
func FormatTimestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	ms := int64(sec*1000 + 0.5)
	h := ms / 3600000
	ms -= h * 3600000
	m := ms / 60000
	ms -= m * 60000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
