// Package highlight marks a quoted excerpt inside a document's addressable
// markup so a viewer can scroll to it.
package highlight

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"citerag/internal/align"
)

const (
	Class    = "highlight"
	TargetID = "citation-target"
)

// Mode tells how the marks were placed.
type Mode string

const (
	ModeFragment Mode = "fragment"
	ModeDocument Mode = "document"
	ModeBlocks   Mode = "blocks"
	ModeNone     Mode = "none"
)

type Result struct {
	Markup string `json:"markup"`
	// Target is the fragment id of the block holding the first mark.
	Target  string `json:"target,omitempty"`
	Mode    Mode   `json:"mode"`
	Matches int    `json:"matches"`
}

// Highlight reverts earlier marks in markup and marks quote. With a
// fragment id the quote is looked up in that fragment's blocks first, then
// in the whole document, and as a last resort the fragment's blocks are
// marked as a whole.
func Highlight(markup, fragmentID, quote string) (Result, error) {
	root, err := parse(markup)
	if err != nil {
		return Result{}, err
	}
	revert(root)

	needle := lowerRunes(NormalizeQuote(quote))
	m := &marker{needle: needle}
	mode := ModeNone

	blocks := findBlocks(root, fragmentID)
	switch {
	case fragmentID != "" && len(blocks) > 0:
		if len(needle) > 0 {
			for _, b := range blocks {
				if m.markFirstPerNode(b) {
					mode = ModeFragment
					break
				}
			}
			if mode == ModeNone && m.markAll(root) {
				mode = ModeDocument
			}
		}
		if mode == ModeNone {
			for _, b := range blocks {
				addClass(b, Class)
				m.record(b)
			}
			mode = ModeBlocks
		}
	case len(needle) > 0:
		if m.markAll(root) {
			mode = ModeDocument
		}
	}

	out, err := render(root)
	if err != nil {
		return Result{}, err
	}
	return Result{Markup: out, Target: chunkOf(m.first), Mode: mode, Matches: m.count}, nil
}

// NormalizeQuote strips quote characters and collapses whitespace.
func NormalizeQuote(q string) string {
	q = strings.Map(func(r rune) rune {
		switch r {
		case '“', '”', '"', '\'':
			return -1
		}
		return r
	}, q)
	return strings.Join(strings.Fields(q), " ")
}

func parse(markup string) (*html.Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

func render(root *html.Node) (string, error) {
	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", fmt.Errorf("render markup: %w", err)
		}
	}
	return buf.String(), nil
}

// revert unwraps highlight spans, drops the highlight class and target id
// from other elements and merges the text nodes split by earlier marks.
func revert(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode {
			revert(c)
			if c.DataAtom == atom.Span && hasClass(c, Class) {
				for gc := c.FirstChild; gc != nil; {
					gnext := gc.NextSibling
					c.RemoveChild(gc)
					n.InsertBefore(gc, c)
					gc = gnext
				}
				n.RemoveChild(c)
			} else {
				removeClass(c, Class)
				if getAttr(c, "id") == TargetID {
					removeAttr(c, "id")
				}
			}
		}
		c = next
	}
	mergeText(n)
}

func mergeText(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.TextNode {
			for next != nil && next.Type == html.TextNode {
				c.Data += next.Data
				after := next.NextSibling
				n.RemoveChild(next)
				next = after
			}
			if c.Data == "" {
				n.RemoveChild(c)
			}
		}
		c = next
	}
}

func findBlocks(root *html.Node, fragmentID string) []*html.Node {
	if fragmentID == "" {
		return nil
	}
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && getAttr(n, align.AddressAttr) == fragmentID {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func textNodes(n *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// marker wraps matches in highlight spans. The first mark becomes the
// scroll target.
type marker struct {
	needle []rune
	first  *html.Node
	count  int
}

func (m *marker) record(n *html.Node) {
	if m.first == nil {
		m.first = n
		n.Attr = append(n.Attr, html.Attribute{Key: "id", Val: TargetID})
	}
	m.count++
}

// markFirstPerNode marks the first match of each text node under n.
func (m *marker) markFirstPerNode(n *html.Node) bool {
	found := false
	for _, tn := range textNodes(n) {
		if idx := indexFold([]rune(tn.Data), m.needle, 0); idx >= 0 {
			m.split(tn, []int{idx})
			found = true
		}
	}
	return found
}

// markAll marks every match under n.
func (m *marker) markAll(n *html.Node) bool {
	found := false
	for _, tn := range textNodes(n) {
		text := []rune(tn.Data)
		var hits []int
		for from := 0; ; {
			idx := indexFold(text, m.needle, from)
			if idx < 0 {
				break
			}
			hits = append(hits, idx)
			from = idx + len(m.needle)
		}
		if len(hits) > 0 {
			m.split(tn, hits)
			found = true
		}
	}
	return found
}

// split replaces tn by text and span nodes, one span per hit.
func (m *marker) split(tn *html.Node, hits []int) {
	parent := tn.Parent
	text := []rune(tn.Data)
	pos := 0
	for _, h := range hits {
		if h > pos {
			parent.InsertBefore(&html.Node{Type: html.TextNode, Data: string(text[pos:h])}, tn)
		}
		span := &html.Node{
			Type:     html.ElementNode,
			Data:     "span",
			DataAtom: atom.Span,
			Attr:     []html.Attribute{{Key: "class", Val: Class}},
		}
		span.AppendChild(&html.Node{Type: html.TextNode, Data: string(text[h : h+len(m.needle)])})
		parent.InsertBefore(span, tn)
		m.record(span)
		pos = h + len(m.needle)
	}
	if pos < len(text) {
		parent.InsertBefore(&html.Node{Type: html.TextNode, Data: string(text[pos:])}, tn)
	}
	parent.RemoveChild(tn)
}

// lowerRunes lowercases rune by rune so the result keeps the rune count of s.
func lowerRunes(s string) []rune {
	out := []rune(s)
	for i, r := range out {
		out[i] = unicode.ToLower(r)
	}
	return out
}

// indexFold finds needle (already lowercased by lowerRunes) in text at or after from,
// comparing runes case-insensitively. The result is a rune index.
func indexFold(text, needle []rune, from int) int {
	if len(needle) == 0 {
		return -1
	}
	for i := from; i+len(needle) <= len(text); i++ {
		match := true
		for j, r := range needle {
			if unicode.ToLower(text[i+j]) != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func chunkOf(n *html.Node) string {
	for ; n != nil; n = n.Parent {
		if n.Type == html.ElementNode {
			if id := getAttr(n, align.AddressAttr); id != "" {
				return id
			}
		}
	}
	return ""
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func removeAttr(n *html.Node, key string) {
	attrs := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			attrs = append(attrs, a)
		}
	}
	n.Attr = attrs
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func addClass(n *html.Node, class string) {
	if hasClass(n, class) {
		return
	}
	for i, a := range n.Attr {
		if a.Key == "class" {
			n.Attr[i].Val = strings.TrimSpace(a.Val + " " + class)
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: "class", Val: class})
}

func removeClass(n *html.Node, class string) {
	for i, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		var kept []string
		for _, c := range strings.Fields(a.Val) {
			if c != class {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
		} else {
			n.Attr[i].Val = strings.Join(kept, " ")
		}
		return
	}
}
