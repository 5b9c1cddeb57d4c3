package highlight

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citerag/internal/align"
)

const doc = `<p data-chunk-id="a">Refunds are accepted within 30 days of purchase.</p>
<p data-chunk-id="b">Store credit is issued after 30 days.</p>
<p data-chunk-id="b">Gift cards never expire.</p>`

func TestHighlight_InsideFragment(t *testing.T) {
	res, err := Highlight(doc, "b", "“30 days”")
	require.NoError(t, err)

	assert.Equal(t, ModeFragment, res.Mode)
	assert.Equal(t, "b", res.Target)
	assert.Equal(t, 1, res.Matches)
	assert.Contains(t, res.Markup, `<p data-chunk-id="b">Store credit is issued after <span class="highlight" id="citation-target">30 days</span>.</p>`)
	assert.Contains(t, res.Markup, `<p data-chunk-id="a">Refunds are accepted within 30 days of purchase.</p>`)
}

func TestHighlight_CaseInsensitiveKeepsOriginalCase(t *testing.T) {
	res, err := Highlight(doc, "a", "refunds   ARE")
	require.NoError(t, err)
	assert.Contains(t, res.Markup, `<span class="highlight" id="citation-target">Refunds are</span>`)
}

func TestHighlight_RunesWithExpandingLowercase(t *testing.T) {
	markup := `<p data-chunk-id="t">Flights to İSTANBUL leave daily.</p>`

	for _, quote := range []string{"İstanbul", "istanbul leave"} {
		t.Run(quote, func(t *testing.T) {
			res, err := Highlight(markup, "t", quote)
			require.NoError(t, err)
			assert.Equal(t, ModeFragment, res.Mode)
			assert.Equal(t, 1, res.Matches)
		})
	}

	res, err := Highlight(markup, "t", "İstanbul")
	require.NoError(t, err)
	assert.Contains(t, res.Markup, `Flights to <span class="highlight" id="citation-target">İSTANBUL</span> leave daily.`)
}

func TestHighlight_FallsBackToWholeDocument(t *testing.T) {
	res, err := Highlight(doc, "a", "gift cards")
	require.NoError(t, err)

	assert.Equal(t, ModeDocument, res.Mode)
	assert.Equal(t, "b", res.Target)
	assert.Contains(t, res.Markup, `<span class="highlight" id="citation-target">Gift cards</span> never expire.`)
}

func TestHighlight_MarksBlocksWhenQuoteMissing(t *testing.T) {
	res, err := Highlight(doc, "b", "not in the document")
	require.NoError(t, err)

	assert.Equal(t, ModeBlocks, res.Mode)
	assert.Equal(t, 2, res.Matches)
	assert.Contains(t, res.Markup, `<p data-chunk-id="b" class="highlight" id="citation-target">Store credit`)
	assert.Contains(t, res.Markup, `<p data-chunk-id="b" class="highlight">Gift cards`)
}

func TestHighlight_NoFragmentMarksAllOccurrences(t *testing.T) {
	res, err := Highlight(doc, "", "30 days")
	require.NoError(t, err)

	assert.Equal(t, ModeDocument, res.Mode)
	assert.Equal(t, 2, res.Matches)
	assert.Equal(t, "a", res.Target)
	assert.Equal(t, 1, strings.Count(res.Markup, TargetID))
}

func TestHighlight_RepeatedInOneNode(t *testing.T) {
	res, err := Highlight(`<p data-chunk-id="x">na na na</p>`, "", "na")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Matches)
	assert.Equal(t, `<p data-chunk-id="x"><span class="highlight" id="citation-target">na</span> <span class="highlight">na</span> <span class="highlight">na</span></p>`, res.Markup)
}

func TestHighlight_UnknownFragmentSearchesDocument(t *testing.T) {
	res, err := Highlight(doc, "zzz", "gift")
	require.NoError(t, err)
	assert.Equal(t, ModeDocument, res.Mode)
}

func TestHighlight_NothingToMark(t *testing.T) {
	res, err := Highlight(doc, "", "")
	require.NoError(t, err)
	assert.Equal(t, ModeNone, res.Mode)
	assert.Empty(t, res.Target)
	assert.Equal(t, doc, res.Markup)
}

func TestHighlight_RevertsPreviousMarks(t *testing.T) {
	first, err := Highlight(doc, "b", "30 days")
	require.NoError(t, err)
	blocks, err := Highlight(first.Markup, "b", "absent")
	require.NoError(t, err)

	second, err := Highlight(blocks.Markup, "a", "purchase")
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(second.Markup, Class))
	assert.Equal(t, 1, strings.Count(second.Markup, TargetID))
	assert.Contains(t, second.Markup, `<p data-chunk-id="b">Store credit is issued after 30 days.</p>`)
	assert.Contains(t, second.Markup, `<span class="highlight" id="citation-target">purchase</span>`)

	cleared, err := Highlight(second.Markup, "", "")
	require.NoError(t, err)
	assert.Equal(t, doc, cleared.Markup)
}

func TestHighlight_AlignedMarkup(t *testing.T) {
	markup := align.Render([]align.Block{
		{FragmentID: "f1", Text: `He said "hello" & left`},
	})
	res, err := Highlight(markup, "f1", `said "hello"`)
	require.NoError(t, err)
	// quotes are stripped from the quote, so the plain words must match
	assert.Equal(t, ModeBlocks, res.Mode)

	res, err = Highlight(markup, "f1", "& left")
	require.NoError(t, err)
	assert.Equal(t, ModeFragment, res.Mode)
	assert.Contains(t, res.Markup, `<span class="highlight" id="citation-target">&amp; left</span>`)
}

func TestNormalizeQuote(t *testing.T) {
	assert.Equal(t, "its a test", NormalizeQuote("  “it's”\n\ta   \"test\" "))
	assert.Empty(t, NormalizeQuote(" '' "))
}
