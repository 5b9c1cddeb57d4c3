// Package fragment splits normalized document text into bounded, overlapping
// fragments with stable, content-derived identities.
package fragment

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"unicode"

	"citerag/internal/models"
)

const (
	DefaultTarget       = 400
	DefaultMin          = 256
	DefaultMax          = 512
	DefaultOverlapRatio = 0.1

	idLength = 16
)

// Options bound the size of produced fragments. All sizes are in characters.
type Options struct {
	Target       int
	Min          int
	Max          int
	OverlapRatio float64
}

func DefaultOptions() Options {
	return Options{
		Target:       DefaultTarget,
		Min:          DefaultMin,
		Max:          DefaultMax,
		OverlapRatio: DefaultOverlapRatio,
	}
}

// Normalize fills zero or invalid values with defaults.
func (o Options) Normalize() Options {
	if o.Target <= 0 {
		o.Target = DefaultTarget
	}
	if o.Min <= 0 {
		o.Min = DefaultMin
	}
	if o.Max <= 0 {
		o.Max = DefaultMax
	}
	if o.Max < o.Min {
		o.Max = o.Min
	}
	if o.OverlapRatio < 0 || o.OverlapRatio >= 1 {
		o.OverlapRatio = DefaultOverlapRatio
	}
	return o
}

// Span is a piece of the input text. Start and End are rune offsets and
// Content is exactly the runes in [Start, End).
type Span struct {
	Content string `json:"content"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// Split cuts text into overlapping spans. It prefers to end a span on a
// sentence boundary and falls back to a hard cut at the target size.
// Split is pure: identical input always yields identical output.
func Split(text string, opts Options) []Span {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	opts = opts.Normalize()

	runes := []rune(text)
	n := len(runes)
	overlap := max(1, int(math.Floor(float64(opts.Target)*opts.OverlapRatio)))

	var spans []Span
	for i := 0; i < n; {
		end := min(i+opts.Target, n)
		if end < n {
			// Boundaries are searched from Min/2 but only taken when the
			// span keeps at least Min runes, so no fragment but the last
			// is shorter than Min.
			cut := lastSentenceEnd(runes, i+opts.Min/2, end)
			if cut != -1 && trimmedLen(runes, i, cut) >= opts.Min {
				end = cut
			}
		}

		spans = append(spans, pieces(runes, i, end, opts.Max)...)
		if end >= n {
			break
		}

		// step back by the overlap but always move forward
		next := end - overlap
		if next <= i {
			next = i + 1
		}
		i = next
	}
	return spans
}

// lastSentenceEnd returns the offset just past the last '.', '!' or '?' in
// [from, to] that is followed by whitespace or the end of text, or -1.
func lastSentenceEnd(runes []rune, from, to int) int {
	n := len(runes)
	if to >= n {
		to = n - 1
	}
	for j := to; j >= from; j-- {
		switch runes[j] {
		case '.', '!', '?':
			if j+1 >= n || unicode.IsSpace(runes[j+1]) {
				return j + 1
			}
		}
	}
	return -1
}

// pieces trims [start, end) and re-splits it on whitespace when it is longer
// than maxSize.
func pieces(runes []rune, start, end, maxSize int) []Span {
	s, e := trimBounds(runes, start, end)
	if s >= e {
		return nil
	}
	if e-s <= maxSize {
		return []Span{{Content: string(runes[s:e]), Start: s, End: e}}
	}

	var out []Span
	for sub := s; sub < e; {
		subEnd := min(sub+maxSize, e)
		if subEnd < e {
			if sp := lastSpace(runes, sub, subEnd); sp > sub+maxSize/2 {
				subEnd = sp
			}
		}
		if ts, te := trimBounds(runes, sub, subEnd); ts < te {
			out = append(out, Span{Content: string(runes[ts:te]), Start: ts, End: te})
		}
		sub = subEnd
	}
	return out
}

func lastSpace(runes []rune, from, at int) int {
	for j := at; j > from; j-- {
		if unicode.IsSpace(runes[j]) {
			return j
		}
	}
	return -1
}

func trimBounds(runes []rune, start, end int) (int, int) {
	for start < end && unicode.IsSpace(runes[start]) {
		start++
	}
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	return start, end
}

func trimmedLen(runes []rune, start, end int) int {
	s, e := trimBounds(runes, start, end)
	return e - s
}

// ID is the stable identity of a fragment: a truncated SHA-256 over its
// content, ordinal and owning document.
func ID(content string, ordinal int, documentID string) string {
	sum := sha256.Sum256([]byte(content + strconv.Itoa(ordinal) + documentID))
	return hex.EncodeToString(sum[:])[:idLength]
}

// Build assigns ordinals and ids to spans of one document.
func Build(documentID string, spans []Span) []models.Fragment {
	fragments := make([]models.Fragment, len(spans))
	for i, s := range spans {
		fragments[i] = models.Fragment{
			ID:         ID(s.Content, i, documentID),
			DocumentID: documentID,
			Ordinal:    i,
			Content:    s.Content,
			Start:      s.Start,
			End:        s.End,
		}
	}
	return fragments
}
