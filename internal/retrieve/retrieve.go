// Package retrieve finds the fragments that ground an answer. Similarity
// search runs first; when it comes back thin, literal keyword tiers fill in.
package retrieve

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"citerag/internal/models"
)

const (
	DefaultTopK = 10

	// minSimilarResults is the similarity result count below which the
	// keyword tiers run, capped by topK.
	minSimilarResults = 3
)

// Session is a handle on the fragment store scoped to a single retrieval.
// Release must be called once the retrieval is done.
type Session interface {
	Nearest(ctx context.Context, query []float32, documentIDs []string, k int) ([]models.Fragment, error)
	Containing(ctx context.Context, needle string, documentIDs []string, k int) ([]models.Fragment, error)
	Sample(ctx context.Context, documentIDs []string, k int) ([]models.Fragment, error)
	Release()
}

type Store interface {
	Acquire(ctx context.Context) (Session, error)
}

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Query is what every tier sees.
type Query struct {
	Text        string
	DocumentIDs []string
	TopK        int
}

// Matcher is one retrieval tier.
type Matcher func(ctx context.Context, s Session, q Query) ([]models.Fragment, error)

type Tier struct {
	Name  string
	Match Matcher
}

// Similarity embeds the question and ranks embedded fragments by distance.
func Similarity(embedder QueryEmbedder) Matcher {
	return func(ctx context.Context, s Session, q Query) ([]models.Fragment, error) {
		vec, err := embedder.EmbedQuery(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("embed question: %w", err)
		}
		return s.Nearest(ctx, vec, q.DocumentIDs, q.TopK)
	}
}

// ExactPhrase matches the whole question as a substring.
func ExactPhrase(ctx context.Context, s Session, q Query) ([]models.Fragment, error) {
	phrase := strings.TrimSpace(q.Text)
	if phrase == "" {
		return nil, nil
	}
	return s.Containing(ctx, phrase, q.DocumentIDs, q.TopK)
}

// FirstSignificantWord matches the first question word longer than two
// characters.
func FirstSignificantWord(ctx context.Context, s Session, q Query) ([]models.Fragment, error) {
	word := firstSignificantWord(q.Text)
	if word == "" {
		return nil, nil
	}
	return s.Containing(ctx, word, q.DocumentIDs, q.TopK)
}

// Unranked returns any fragments of the candidate documents.
func Unranked(ctx context.Context, s Session, q Query) ([]models.Fragment, error) {
	return s.Sample(ctx, q.DocumentIDs, q.TopK)
}

func firstSignificantWord(text string) string {
	for _, term := range strings.Fields(strings.ToLower(text)) {
		if utf8.RuneCountInString(term) > 2 {
			return term
		}
	}
	return ""
}

// Retriever runs a primary tier and, when it yields too little, the
// fallback tiers in order until one of them yields anything.
type Retriever struct {
	store     Store
	primary   Tier
	fallbacks []Tier
}

// New returns a retriever with the standard chain: similarity, then exact
// phrase, first significant word and unranked.
func New(store Store, embedder QueryEmbedder) *Retriever {
	return NewWithTiers(store,
		Tier{Name: "similarity", Match: Similarity(embedder)},
		Tier{Name: "exact_phrase", Match: ExactPhrase},
		Tier{Name: "first_word", Match: FirstSignificantWord},
		Tier{Name: "unranked", Match: Unranked},
	)
}

func NewWithTiers(store Store, primary Tier, fallbacks ...Tier) *Retriever {
	return &Retriever{store: store, primary: primary, fallbacks: fallbacks}
}

// Retrieve returns at most topK distinct fragments of the candidate
// documents. A failing primary tier counts as zero results; failing to reach
// the store aborts with models.ErrStorage.
func (r *Retriever) Retrieve(ctx context.Context, question string, documentIDs []string, topK int) ([]models.Fragment, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	scope := distinct(documentIDs)
	if len(scope) == 0 {
		return nil, nil
	}

	session, err := r.store.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	defer session.Release()

	q := Query{Text: question, DocumentIDs: scope, TopK: topK}
	set := newResultSet(scope, topK)

	found, err := r.primary.Match(ctx, session, q)
	if err != nil {
		log.Warn().Err(err).Str("tier", r.primary.Name).Msg("Primary retrieval tier failed, falling back to keyword tiers")
		found = nil
	}
	added := set.add(found)
	log.Debug().Str("tier", r.primary.Name).Int("results", added).Msg("Retrieval tier done")

	if added >= min(minSimilarResults, topK) {
		return set.items, nil
	}

	for _, tier := range r.fallbacks {
		found, err := tier.Match(ctx, session, q)
		if err != nil {
			return nil, fmt.Errorf("%w: %s tier: %v", models.ErrStorage, tier.Name, err)
		}
		log.Debug().Str("tier", tier.Name).Int("results", len(found)).Msg("Retrieval tier done")
		if len(found) > 0 {
			set.add(found)
			break
		}
	}
	return set.items, nil
}

// resultSet keeps tier order, drops duplicates and fragments outside the
// candidate documents, and stops at the cap.
type resultSet struct {
	scope map[string]bool
	seen  map[string]bool
	limit int
	items []models.Fragment
}

func newResultSet(scope []string, limit int) *resultSet {
	s := &resultSet{scope: make(map[string]bool, len(scope)), seen: map[string]bool{}, limit: limit}
	for _, id := range scope {
		s.scope[id] = true
	}
	return s
}

func (s *resultSet) add(fragments []models.Fragment) int {
	added := 0
	for _, f := range fragments {
		if len(s.items) >= s.limit {
			break
		}
		if s.seen[f.ID] || !s.scope[f.DocumentID] {
			continue
		}
		s.seen[f.ID] = true
		s.items = append(s.items, f)
		added++
	}
	return added
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
