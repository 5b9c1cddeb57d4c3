package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"citerag/internal/config"
	"citerag/internal/models"
)

const (
	DefaultBatchSize  = 10
	DefaultBatchPause = 50 * time.Millisecond
)

// NewClient creates an embedding client for the configured provider. Both
// langchaingo backends implement embeddings.EmbedderClient directly.
func NewClient(cfg *config.LLMConfig) (embeddings.EmbedderClient, error) {
	log.Debug().Str("provider", cfg.Provider).Str("base_url", cfg.BaseURL).Str("model", cfg.Model).Msg("Creating embedding client")

	switch cfg.Provider {
	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithEmbeddingModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, err
		}
		return llm, nil
	case config.ProviderOllama:
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, err
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", models.ErrConfiguration, cfg.Provider)
	}
}

// Indexer computes fragment embeddings in fixed-size, paced batches. A
// failed batch leaves its fragments without embeddings instead of failing
// the whole document.
type Indexer struct {
	client    embeddings.EmbedderClient
	batchSize int
	limiter   *rate.Limiter
}

func NewIndexer(client embeddings.EmbedderClient, batchSize int, pause time.Duration) *Indexer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if pause <= 0 {
		pause = DefaultBatchPause
	}
	return &Indexer{
		client:    client,
		batchSize: batchSize,
		limiter:   rate.NewLimiter(rate.Every(pause), 1),
	}
}

// Index returns one embedding per fragment, in fragment order. Entries are
// nil where the batch call failed. Only context cancellation is an error.
func (ix *Indexer) Index(ctx context.Context, fragments []models.Fragment, title string) ([][]float32, error) {
	vectors := make([][]float32, len(fragments))
	if len(fragments) == 0 {
		return vectors, nil
	}

	failed := 0
	for start := 0; start < len(fragments); start += ix.batchSize {
		if err := ix.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		end := min(start+ix.batchSize, len(fragments))
		texts := make([]string, 0, end-start)
		for _, f := range fragments[start:end] {
			texts = append(texts, f.Content)
		}

		batch, err := ix.client.CreateEmbedding(ctx, texts)
		if err == nil && len(batch) != len(texts) {
			err = fmt.Errorf("expected %d embeddings, got %d", len(texts), len(batch))
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed += end - start
			log.Warn().Err(err).Str("document", title).Int("batch_start", start).Int("batch_size", end-start).Msg("Embedding batch failed, fragments stay keyword-only")
			continue
		}

		for i, v := range batch {
			if len(v) > 0 {
				vectors[start+i] = v
			}
		}
	}

	log.Info().Str("document", title).Int("fragments", len(fragments)).Int("without_embedding", failed).Msg("Indexed fragments")
	return vectors, nil
}

// EmbedQuery embeds a single question for similarity search.
func (ix *Indexer) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := ix.client.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}
	return vectors[0], nil
}
