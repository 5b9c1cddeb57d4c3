package rag

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"citerag/internal/models"
)

var sourcesBlock = regexp.MustCompile(`(?is)<sources>.*?</sources>`)

// SanitizeStream prepares partially streamed answer text for display. It
// drops echoed <sources> blocks and cuts an unfinished citation so raw tag
// text never flashes on screen. Closed citations are kept.
func SanitizeStream(text string) string {
	if text == "" {
		return text
	}
	out := sourcesBlock.ReplaceAllString(text, "")

	open := strings.LastIndex(out, models.CitationOpenTag)
	if open != -1 && strings.LastIndex(out, models.CitationCloseTag) < open {
		return out[:open]
	}
	return trimPartialOpenTag(out)
}

// trimPartialOpenTag removes a suffix like "<cit" that may grow into a
// citation tag with the next delta. A lone "<" is left alone.
func trimPartialOpenTag(s string) string {
	for n := len(models.CitationOpenTag) - 1; n >= 2; n-- {
		if strings.HasSuffix(s, models.CitationOpenTag[:n]) {
			return s[:len(s)-n]
		}
	}
	return s
}

// ParseCitations returns the closed citation spans of an answer in order of
// appearance.
func ParseCitations(text string) []models.Citation {
	var (
		citations []models.Citation
		current   *models.Citation
		label     strings.Builder
	)

	z := html.NewTokenizer(strings.NewReader(text))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return citations
		}
		tok := z.Token()
		switch tt {
		case html.StartTagToken:
			if tok.Data != "citation" {
				continue
			}
			c := models.Citation{}
			for _, a := range tok.Attr {
				switch a.Key {
				case "cited-text":
					c.CitedText = a.Val
				case "file-id":
					c.DocumentID = a.Val
				case "chunk-id":
					c.FragmentID = a.Val
				case "file-page-number":
					if page, err := strconv.Atoi(strings.TrimSpace(a.Val)); err == nil {
						c.PageNumber = &page
					}
				}
			}
			current = &c
			label.Reset()
		case html.TextToken:
			if current != nil {
				label.WriteString(tok.Data)
			}
		case html.EndTagToken:
			if tok.Data != "citation" || current == nil {
				continue
			}
			n := strings.Trim(strings.TrimSpace(label.String()), "[]")
			if ordinal, err := strconv.Atoi(n); err == nil {
				current.Ordinal = ordinal
			}
			citations = append(citations, *current)
			current = nil
		}
	}
}
