// Package ids derives stable identifiers for graph nodes.
//
// Every node id is a content hash over the fields that define the node's
// identity, so re-running any stage on the same inputs produces the same ids
// and graph upserts stay idempotent under retries.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// hashID returns a prefixed, truncated sha256 over the joined parts.
// 16 bytes (32 hex chars) is plenty for per-podcast uniqueness.
func hashID(prefix string, parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(p))
	}
	return prefix + "_" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Episode derives the episode id from (podcastID, normalized title, published date).
func Episode(podcastID, title, publishedDate string) string {
	return hashID("ep", podcastID, NormalizeText(title), publishedDate)
}

// Unit derives the meaningful-unit id from its episode and time span.
func Unit(episodeID string, startSec, endSec float64) string {
	return hashID("mu", episodeID, fmt.Sprintf("%.3f", startSec), fmt.Sprintf("%.3f", endSec))
}

// Entity derives the entity id from canonical name and type. Entity ids are
// scoped per podcast database, so the podcast id participates in the hash.
func Entity(podcastID, canonicalName, entityType string) string {
	return hashID("ent", podcastID, canonicalName, entityType)
}

// Quote derives the quote id from its source unit and normalized text.
func Quote(unitID, text string) string {
	return hashID("q", unitID, NormalizeText(text))
}

// Insight derives the insight id from its source unit and normalized title.
func Insight(unitID, title string) string {
	return hashID("ins", unitID, NormalizeText(title))
}

// Cluster derives a cluster id from the podcast and the cluster label.
func Cluster(podcastID, label string) string {
	return hashID("cl", podcastID, NormalizeText(label))
}

// PayloadHash returns the checkpoint payload hash for arbitrary stage input.
func PayloadHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalName normalizes an entity name into its merge key: lowercased,
// punctuation stripped, whitespace collapsed.
func CanonicalName(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	lastSpace := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '_':
			if !lastSpace {
				sb.WriteRune(' ')
				lastSpace = true
			}
		default:
			// punctuation dropped
		}
	}
	return strings.TrimRight(sb.String(), " ")
}

// NormalizeText lowercases and collapses whitespace. Used wherever free text
// participates in an identity hash so formatting drift does not mint new ids.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
