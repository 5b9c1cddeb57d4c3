// Package align maps original document lines onto fragments and renders the
// document as addressable markup, one block per non-empty line.
package align

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"citerag/internal/fragment"
	"citerag/internal/models"
)

// AddressAttr is the attribute carrying a block's fragment id.
const AddressAttr = "data-chunk-id"

// Block is one original line tagged with its owning fragment.
type Block struct {
	FragmentID string `json:"fragmentId"`
	Text       string `json:"text"`
}

// Prepare returns the non-empty lines of text and the whitespace-joined text
// that fragmentation runs on.
func Prepare(text string) ([]string, string) {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, strings.Join(lines, " ")
}

// Align assigns every non-empty line the fragment whose span overlaps the
// line's span in joined the most. Lines are located from a cursor that only
// moves forward, so repeated lines map to successive occurrences. Lines that
// overlap nothing fall back to the first fragment.
func Align(documentID string, lines []string, joined string, fragments []models.Fragment) []Block {
	blocks := make([]Block, 0, len(lines))

	cursor, runeCursor := 0, 0
	for li, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		var id string
		if len(fragments) > 0 {
			id = fragments[0].ID
		} else {
			id = fragment.ID(line, li, documentID)
		}

		if idx := strings.Index(joined[cursor:], trimmed); idx >= 0 {
			startByte := cursor + idx
			start := runeCursor + utf8.RuneCountInString(joined[cursor:startByte])
			end := start + utf8.RuneCountInString(trimmed)
			cursor, runeCursor = startByte+len(trimmed), end

			id = bestOverlap(fragments, start, end, id)
		}

		blocks = append(blocks, Block{FragmentID: id, Text: line})
	}
	return blocks
}

// bestOverlap returns the first fragment with the strictly largest overlap
// with [start, end), or fallback when nothing overlaps.
func bestOverlap(fragments []models.Fragment, start, end int, fallback string) string {
	best, bestScore := fallback, 0
	for _, f := range fragments {
		overlap := min(end, f.End) - max(start, f.Start)
		if overlap > bestScore {
			best, bestScore = f.ID, overlap
		}
	}
	return best
}

// Render writes blocks as newline-separated paragraphs carrying their
// fragment address.
func Render(blocks []Block) string {
	var b strings.Builder
	for i, block := range blocks {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(`<p ` + AddressAttr + `="`)
		b.WriteString(html.EscapeString(block.FragmentID))
		b.WriteString(`">`)
		b.WriteString(html.EscapeString(block.Text))
		b.WriteString(`</p>`)
	}
	return b.String()
}
