package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"citerag/internal/chromemdb"
	"citerag/internal/config"
	"citerag/internal/db"
	"citerag/internal/embedding"
	"citerag/internal/ingest"
	"citerag/internal/llmservice"
	"citerag/internal/parser"
	"citerag/internal/rag"
	"citerag/internal/retrieve"
	"citerag/internal/storage"
)

// app holds the wired services shared by the commands.
type app struct {
	db      *bun.DB
	repo    *db.Repository
	vectors *chromemdb.VectorDBManager
	answers *rag.Service
	ingest  *ingest.Service
}

// openRepository connects to the database and, with the chromem backend,
// the local vector index.
func openRepository(cfg *config.Config) (*app, error) {
	sqldb, err := db.Open(&cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{db: sqldb}

	var index db.VectorIndex
	if cfg.Vector.Backend == config.VectorChromem {
		a.vectors, err = chromemdb.NewVectorDBManager(cfg.Vector.Path, false, cfg.Vector.Compress, cfg.Vector.EncryptionKey)
		if err != nil {
			sqldb.Close()
			return nil, err
		}
		index = a.vectors
	}
	a.repo = db.NewRepository(sqldb, cfg.Vector.Backend == config.VectorPGVector, index)
	return a, nil
}

// newApp wires the full pipeline. A chat model that cannot be built is
// logged and leaves questions failing with a configuration error.
func newApp(cfg *config.Config) (*app, error) {
	a, err := openRepository(cfg)
	if err != nil {
		return nil, err
	}

	client, err := embedding.NewClient(&cfg.EmbedLLM)
	if err != nil {
		a.Close()
		return nil, err
	}
	indexer := embedding.NewIndexer(client, cfg.RAG.EmbedBatchSize, cfg.RAG.EmbedBatchPause)

	model, err := llmservice.NewModel(&cfg.InferLLM)
	if err != nil {
		log.Error().Err(err).Msg("Chat model unavailable, questions will be rejected")
		model = nil
	}
	a.answers = rag.NewService(a.repo, retrieve.New(a.repo, indexer), model, rag.Options{
		TopK:        cfg.RAG.TopK,
		Temperature: cfg.InferLLM.Temperature,
	})

	artifacts, err := storage.NewLocalStore(cfg.Storage.Dir)
	if err != nil {
		a.Close()
		return nil, err
	}
	var upsert ingest.VectorIndex
	if a.vectors != nil {
		upsert = a.vectors
	}
	a.ingest = ingest.NewService(a.repo, indexer, upsert, artifacts, parser.ParseToText, cfg.FragmentOptions())
	return a, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}
