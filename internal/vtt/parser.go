// Package vtt parses WebVTT transcript files into timed cues.
//
// Two local extensions on top of the W3C format are supported: a leading NOTE
// block may carry episode metadata (key: value lines or a JSON object), and
// cue text may use <v Speaker> voice spans to mark who is talking.
package vtt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Cue is a single timed caption block. Cues are transient: they live only in
// memory while an episode is processed and are never persisted on their own.
type Cue struct {
	Index    int
	StartSec float64
	EndSec   float64
	Text     string
	Speaker  string // empty when the cue has no voice span
}

// EpisodeMetadata is extracted from the leading NOTE block, when present.
type EpisodeMetadata struct {
	PodcastID     string `json:"podcast_id"`
	Episode       string `json:"episode"`
	YouTubeURL    string `json:"youtube_url"`
	PublishedDate string `json:"published_date"`
}

// Warning reports a recoverable problem found while parsing. The offending
// cue is dropped but parsing continues.
type Warning struct {
	Line    int
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: %s", w.Line, w.Message)
}

// Reason codes for fatal parse errors.
const (
	ReasonMissingMagic = "MISSING_MAGIC"
	ReasonNoCues       = "NO_CUES"
)

// ParseError is fatal: the input is not a usable WebVTT document.
type ParseError struct {
	Reason string
	Line   int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("vtt parse error at line %d: %s", e.Line, e.Reason)
}

// parser states for the single forward pass.
type parseState int

const (
	stateHeader parseState = iota
	stateNote
	stateCueHeader
	stateCueBody
	stateBlank
)

var (
	voiceRe  = regexp.MustCompile(`<v(?:\.[^ >]*)?\s+([^>]+)>`)
	noteKVRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*:\s*(.+)$`)
)

// parseTimingLine splits "start --> end [settings]" and parses both sides.
func parseTimingLine(line string) (float64, float64, error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed timing line %q", line)
	}
	start, err := parseTimestamp(parts[0])
	if err != nil {
		return 0, 0, err
	}
	endFields := strings.Fields(parts[1])
	if len(endFields) == 0 {
		return 0, 0, fmt.Errorf("missing end timestamp in %q", line)
	}
	end, err := parseTimestamp(endFields[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// Parse reads a complete WebVTT document. It fails only on a missing WEBVTT
// magic line or when no cues at all could be produced; malformed cues are
// dropped and reported as warnings.
func Parse(r io.Reader) (EpisodeMetadata, []Cue, []Warning, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		meta     EpisodeMetadata
		cues     []Cue
		warnings []Warning
		state    = stateHeader
		lineNo   int

		cur       *Cue
		curLines  []string
		noteLines []string
		firstNote = true
		lastStart = -1.0
		sawMagic  bool
	)

	flushCue := func() {
		if cur == nil {
			return
		}
		text := strings.Join(curLines, "\n")
		speaker, text := extractSpeaker(text)
		cur.Text = strings.TrimRight(text, "\r\n")
		cur.Speaker = speaker
		cur.Index = len(cues)
		cues = append(cues, *cur)
		lastStart = cur.StartSec
		cur = nil
		curLines = nil
	}

	flushNote := func() {
		if len(noteLines) > 0 && firstNote && len(cues) == 0 && cur == nil {
			parseNoteMetadata(noteLines, &meta)
		}
		// stray NOTE blocks between cues are tolerated and ignored
		firstNote = false
		noteLines = nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")

		if lineNo == 1 {
			trimmed := strings.TrimPrefix(line, "\uFEFF")
			if !strings.HasPrefix(trimmed, "WEBVTT") {
				return meta, nil, warnings, &ParseError{Reason: ReasonMissingMagic, Line: 1}
			}
			sawMagic = true
			state = stateBlank
			continue
		}

		blank := strings.TrimSpace(line) == ""

		switch state {
		case stateNote:
			if blank {
				flushNote()
				state = stateBlank
				continue
			}
			noteLines = append(noteLines, line)

		case stateCueBody:
			if blank {
				flushCue()
				state = stateBlank
				continue
			}
			curLines = append(curLines, line)

		case stateBlank, stateHeader, stateCueHeader:
			if blank {
				continue
			}
			if strings.HasPrefix(line, "NOTE") {
				rest := strings.TrimSpace(strings.TrimPrefix(line, "NOTE"))
				if rest != "" {
					noteLines = append(noteLines, rest)
				}
				state = stateNote
				continue
			}
			if strings.Contains(line, "-->") {
				start, end, terr := parseTimingLine(line)
				switch {
				case terr != nil:
					warnings = append(warnings, Warning{Line: lineNo, Message: "unparseable timestamp, cue dropped"})
					state = stateCueBody // consume the body so it is not misread as a header
					cur = nil
				case end < start:
					warnings = append(warnings, Warning{Line: lineNo, Message: fmt.Sprintf("cue ends before it starts (%.3f > %.3f), cue dropped", start, end)})
					state = stateCueBody
					cur = nil
				case start < lastStart:
					warnings = append(warnings, Warning{Line: lineNo, Message: fmt.Sprintf("non-monotonic cue start %.3f after %.3f, cue dropped", start, lastStart)})
					state = stateCueBody
					cur = nil
				default:
					cur = &Cue{StartSec: start, EndSec: end}
					curLines = nil
					state = stateCueBody
				}
				continue
			}
			// A lone non-blank line before a timing line is a cue identifier.
			// Peek handled implicitly: ignore it and stay in blank state.
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return meta, cues, warnings, fmt.Errorf("read vtt: %w", err)
	}
	flushCue()
	flushNote()

	if !sawMagic {
		return meta, nil, warnings, &ParseError{Reason: ReasonMissingMagic, Line: 1}
	}
	if len(cues) == 0 {
		return meta, nil, warnings, &ParseError{Reason: ReasonNoCues, Line: lineNo}
	}
	return meta, cues, warnings, nil
}

// extractSpeaker pulls the first <v Name> voice span out of the cue text and
// strips all voice markup. An absent span yields an empty speaker.
func extractSpeaker(text string) (string, string) {
	speaker := ""
	if m := voiceRe.FindStringSubmatch(text); m != nil {
		speaker = strings.TrimSpace(m[1])
	}
	text = voiceRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "</v>", "")
	return speaker, text
}

// parseTimestamp accepts MM:SS.mmm or HH:MM:SS.mmm (comma accepted for the
// millisecond separator).
func parseTimestamp(ts string) (float64, error) {
	ts = strings.ReplaceAll(strings.TrimSpace(ts), ",", ".")
	parts := strings.Split(ts, ":")
	var h, m int
	var s float64
	var err error
	switch len(parts) {
	case 2:
		if m, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("bad minutes %q", parts[0])
		}
		if s, err = strconv.ParseFloat(parts[1], 64); err != nil {
			return 0, fmt.Errorf("bad seconds %q", parts[1])
		}
	case 3:
		if h, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("bad hours %q", parts[0])
		}
		if m, err = strconv.Atoi(parts[1]); err != nil {
			return 0, fmt.Errorf("bad minutes %q", parts[1])
		}
		if s, err = strconv.ParseFloat(parts[2], 64); err != nil {
			return 0, fmt.Errorf("bad seconds %q", parts[2])
		}
	default:
		return 0, fmt.Errorf("bad timestamp %q", ts)
	}
	if m > 59 || s >= 60 {
		return 0, fmt.Errorf("out of range timestamp %q", ts)
	}
	return float64(h)*3600 + float64(m)*60 + s, nil
}

// parseNoteMetadata interprets the leading NOTE block. A block whose first
// non-space character is '{' is parsed as a JSON object; otherwise each line
// is treated as key: value.
func parseNoteMetadata(lines []string, meta *EpisodeMetadata) {
	joined := strings.TrimSpace(strings.Join(lines, "\n"))
	if strings.HasPrefix(joined, "{") {
		// best effort: a malformed metadata object just leaves meta empty
		_ = json.Unmarshal([]byte(joined), meta)
		return
	}
	for _, line := range lines {
		m := noteKVRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		val := strings.TrimSpace(m[2])
		switch strings.ToLower(m[1]) {
		case "podcast_id":
			meta.PodcastID = val
		case "episode":
			meta.Episode = val
		case "youtube_url":
			meta.YouTubeURL = val
		case "published_date":
			meta.PublishedDate = val
		}
	}
}
