package vtt

import (
	"errors"
	"strings"
	"testing"
)

const minimalVTT = `WEBVTT

00:00:00.000 --> 00:00:02.000
Hello.

00:00:02.000 --> 00:00:04.000
Goodbye.
`

func TestParse_Minimal(t *testing.T) {
	_, cues, warnings, err := Parse(strings.NewReader(minimalVTT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if len(cues) != 2 {
		t.Fatalf("expected 2 cues, got %d", len(cues))
	}
	if cues[0].Index != 0 || cues[1].Index != 1 {
		t.Errorf("indices not monotonic from 0: %d, %d", cues[0].Index, cues[1].Index)
	}
	if cues[0].Text != "Hello." || cues[1].Text != "Goodbye." {
		t.Errorf("cue text mismatch: %q, %q", cues[0].Text, cues[1].Text)
	}
	if cues[0].StartSec != 0 || cues[0].EndSec != 2 {
		t.Errorf("cue timing mismatch: %v", cues[0])
	}
}

func TestParse_MissingMagic(t *testing.T) {
	_, _, _, err := Parse(strings.NewReader("00:00:00.000 --> 00:00:01.000\nhi\n"))
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Reason != ReasonMissingMagic {
		t.Fatalf("expected MISSING_MAGIC, got %v", err)
	}
}

func TestParse_HeaderOnlyIsFatal(t *testing.T) {
	_, _, _, err := Parse(strings.NewReader("WEBVTT\n\n"))
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Reason != ReasonNoCues {
		t.Fatalf("expected NO_CUES, got %v", err)
	}
}

func TestParse_NoteMetadata(t *testing.T) {
	tests := []struct {
		name string
		note string
	}{
		{
			name: "key-value",
			note: "NOTE\npodcast_id: lexcast\nepisode: The Future of AI\nyoutube_url: https://youtu.be/abc\npublished_date: 2025-03-01\n",
		},
		{
			name: "json object",
			note: "NOTE\n{\"podcast_id\":\"lexcast\",\"episode\":\"The Future of AI\",\"youtube_url\":\"https://youtu.be/abc\",\"published_date\":\"2025-03-01\"}\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := "WEBVTT\n\n" + tt.note + "\n00:00:00.000 --> 00:00:01.000\nhi\n"
			meta, cues, _, err := Parse(strings.NewReader(doc))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(cues) != 1 {
				t.Fatalf("expected 1 cue, got %d", len(cues))
			}
			if meta.PodcastID != "lexcast" {
				t.Errorf("podcast_id = %q", meta.PodcastID)
			}
			if meta.Episode != "The Future of AI" {
				t.Errorf("episode = %q", meta.Episode)
			}
			if meta.PublishedDate != "2025-03-01" {
				t.Errorf("published_date = %q", meta.PublishedDate)
			}
		})
	}
}

func TestParse_VoiceSpans(t *testing.T) {
	doc := "WEBVTT\n\n00:00:00.000 --> 00:00:02.000\n<v Host>Welcome back.\n\n00:00:02.000 --> 00:00:04.000\n<v Guest>Thanks for having me. <v Host>Sure.\n"
	_, cues, _, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cues[0].Speaker != "Host" {
		t.Errorf("speaker = %q, want Host", cues[0].Speaker)
	}
	if cues[0].Text != "Welcome back." {
		t.Errorf("text = %q", cues[0].Text)
	}
	// multiple voice tags: first wins, all markup stripped
	if cues[1].Speaker != "Guest" {
		t.Errorf("speaker = %q, want Guest", cues[1].Speaker)
	}
	if strings.Contains(cues[1].Text, "<v") {
		t.Errorf("voice markup not stripped: %q", cues[1].Text)
	}
}

func TestParse_NoSpeakerIsEmpty(t *testing.T) {
	_, cues, _, err := Parse(strings.NewReader(minimalVTT))
	if err != nil {
		t.Fatal(err)
	}
	if cues[0].Speaker != "" {
		t.Errorf("expected empty speaker, got %q", cues[0].Speaker)
	}
}

func TestParse_HoursOptional(t *testing.T) {
	doc := "WEBVTT\n\n01:02.500 --> 01:03.000\nshort form\n\n01:00:04.000 --> 01:00:05.000\nlong form\n"
	_, cues, _, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cues[0].StartSec != 62.5 {
		t.Errorf("MM:SS.mmm start = %v, want 62.5", cues[0].StartSec)
	}
	if cues[1].StartSec != 3604 {
		t.Errorf("HH:MM:SS.mmm start = %v, want 3604", cues[1].StartSec)
	}
}

func TestParse_MultilineCuePreserved(t *testing.T) {
	doc := "WEBVTT\n\n00:00:00.000 --> 00:00:02.000\nline one\nline two\n  line three\n"
	_, cues, _, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if cues[0].Text != "line one\nline two\n  line three" {
		t.Errorf("multi-line text not preserved: %q", cues[0].Text)
	}
}

func TestParse_MalformedCuesWarnAndContinue(t *testing.T) {
	doc := "WEBVTT\n\n00:00:05.000 --> 00:00:06.000\nok one\n\n00:00:02.000 --> 00:00:03.000\nnon-monotonic\n\n00:00:08.000 --> 00:00:07.000\nbackwards\n\n00:xx:09.000 --> 00:00:10.000\nbad time\n\n00:00:11.000 --> 00:00:12.000\nok two\n"
	_, cues, warnings, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cues) != 2 {
		t.Fatalf("expected 2 surviving cues, got %d: %v", len(cues), cues)
	}
	if len(warnings) != 3 {
		t.Errorf("expected 3 warnings, got %d: %v", len(warnings), warnings)
	}
	// invariant: non-decreasing starts, end >= start
	for i, c := range cues {
		if c.EndSec < c.StartSec {
			t.Errorf("cue %d ends before start", i)
		}
		if i > 0 && c.StartSec < cues[i-1].StartSec {
			t.Errorf("cue %d start decreases", i)
		}
	}
}

func TestParse_StrayNoteBetweenCues(t *testing.T) {
	doc := "WEBVTT\n\n00:00:00.000 --> 00:00:01.000\none\n\nNOTE this is ignored\nand this too\n\n00:00:02.000 --> 00:00:03.000\ntwo\n"
	meta, cues, _, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cues) != 2 {
		t.Fatalf("expected 2 cues, got %d", len(cues))
	}
	if meta.PodcastID != "" {
		t.Errorf("stray note must not populate metadata: %+v", meta)
	}
}

func TestParse_CueIdentifierIgnored(t *testing.T) {
	doc := "WEBVTT\n\nintro-1\n00:00:00.000 --> 00:00:01.000\nhello\n"
	_, cues, _, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cues) != 1 || cues[0].Text != "hello" {
		t.Errorf("cue identifier handling broken: %+v", cues)
	}
}

func TestRoundTrip(t *testing.T) {
	meta := EpisodeMetadata{PodcastID: "lexcast", Episode: "Ep 1", PublishedDate: "2025-01-01"}
	in := []Cue{
		{Index: 0, StartSec: 0, EndSec: 2.5, Text: "Hello there.", Speaker: "Host"},
		{Index: 1, StartSec: 2.5, EndSec: 4, Text: "Hi.\nGood to be here.", Speaker: "Guest"},
		{Index: 2, StartSec: 4, EndSec: 6, Text: "No speaker line."},
	}
	var sb strings.Builder
	if err := Serialize(&sb, meta, in); err != nil {
		t.Fatal(err)
	}
	gotMeta, out, warnings, err := Parse(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("re-parse failed: %v\n%s", err, sb.String())
	}
	if len(warnings) != 0 {
		t.Errorf("round-trip warnings: %v", warnings)
	}
	if gotMeta != meta {
		t.Errorf("metadata round-trip: got %+v want %+v", gotMeta, meta)
	}
	if len(out) != len(in) {
		t.Fatalf("cue count: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].StartSec != in[i].StartSec || out[i].EndSec != in[i].EndSec {
			t.Errorf("cue %d timing mismatch: %+v vs %+v", i, out[i], in[i])
		}
		if strings.TrimSpace(out[i].Text) != strings.TrimSpace(in[i].Text) {
			t.Errorf("cue %d text mismatch: %q vs %q", i, out[i].Text, in[i].Text)
		}
		if out[i].Speaker != in[i].Speaker {
			t.Errorf("cue %d speaker mismatch: %q vs %q", i, out[i].Speaker, in[i].Speaker)
		}
	}
}
