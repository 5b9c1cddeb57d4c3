// Package ingest turns an uploaded file into a stored document with
// fragments, embeddings and addressable markup.
package ingest

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"

	"citerag/internal/align"
	"citerag/internal/fragment"
	"citerag/internal/helper"
	"citerag/internal/models"
)

// DocumentStore persists documents. GetDocument and DeleteDocument return
// models.ErrNotFound for unknown ids.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc *models.Document, fragments []models.Fragment) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

type Embedder interface {
	Index(ctx context.Context, fragments []models.Fragment, title string) ([][]float32, error)
}

// VectorIndex mirrors fragment embeddings into a separate index.
type VectorIndex interface {
	Upsert(ctx context.Context, documentID string, fragments []models.Fragment) error
	DeleteDocument(documentID string) error
}

type ArtifactStore interface {
	Put(name string, r io.Reader) (string, error)
	Remove(path string) error
}

// Extractor reads the plain text of a stored file.
type Extractor func(path string) (string, error)

type Service struct {
	docs      DocumentStore
	embedder  Embedder
	index     VectorIndex
	artifacts ArtifactStore
	extract   Extractor
	opts      fragment.Options
}

// NewService wires the pipeline. index and artifacts may be nil; without
// artifacts only IngestText is available.
func NewService(docs DocumentStore, embedder Embedder, index VectorIndex, artifacts ArtifactStore, extract Extractor, opts fragment.Options) *Service {
	return &Service{
		docs:      docs,
		embedder:  embedder,
		index:     index,
		artifacts: artifacts,
		extract:   extract,
		opts:      opts.Normalize(),
	}
}

type Result struct {
	Document  *models.Document
	Fragments []models.Fragment
}

// Analysis is the side-effect free part of ingestion.
type Analysis struct {
	Text      string
	Markup    string
	Fragments []models.Fragment
}

// Normalize puts text into NFC with LF line endings.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// Analyze fragments text and renders its addressable markup.
func Analyze(documentID, text string, opts fragment.Options) Analysis {
	text = Normalize(text)
	lines, joined := align.Prepare(text)
	fragments := fragment.Build(documentID, fragment.Split(joined, opts))
	blocks := align.Align(documentID, lines, joined, fragments)
	return Analysis{Text: text, Markup: align.Render(blocks), Fragments: fragments}
}

var unsafeName = regexp.MustCompile(`[^\w.-]`)

// SafeName replaces every character outside [A-Za-z0-9_.-] with '_'.
func SafeName(name string) string {
	return unsafeName.ReplaceAllString(name, "_")
}

// IngestFile stores the raw upload, extracts its text and ingests it. The
// stored upload is removed again when any later step fails.
func (s *Service) IngestFile(ctx context.Context, ownerID, name string, r io.Reader) (*Result, error) {
	if ownerID == "" {
		return nil, models.ErrUnauthorized
	}
	if s.artifacts == nil || s.extract == nil {
		return nil, fmt.Errorf("%w: no artifact store", models.ErrConfiguration)
	}

	name = SafeName(name)
	path, err := s.artifacts.Put(name, r)
	if err != nil {
		return nil, fmt.Errorf("%w: store upload: %v", models.ErrIngestion, err)
	}

	res, err := s.ingestFile(ctx, ownerID, name, path)
	if err != nil {
		if rmErr := s.artifacts.Remove(path); rmErr != nil {
			log.Error().Err(rmErr).Str("path", path).Msg("Failed to remove upload after failed ingestion")
		}
		return nil, err
	}
	return res, nil
}

func (s *Service) ingestFile(ctx context.Context, ownerID, name, path string) (*Result, error) {
	text, err := s.extract(path)
	if err != nil {
		return nil, fmt.Errorf("%w: extract %s: %w", models.ErrIngestion, name, err)
	}
	return s.ingest(ctx, ownerID, name, text, path)
}

// Delete removes one of ownerID's documents with its fragments. Its vectors
// and stored upload are removed afterwards; failures there are only logged.
// Message sources that cite the document are kept.
func (s *Service) Delete(ctx context.Context, ownerID, documentID string) error {
	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.OwnerID != ownerID {
		return fmt.Errorf("%w: document %s", models.ErrNotFound, documentID)
	}
	if err := s.docs.DeleteDocument(ctx, documentID); err != nil {
		return err
	}

	if s.index != nil {
		if err := s.index.DeleteDocument(documentID); err != nil {
			log.Warn().Err(err).Str("document", documentID).Msg("Failed to drop document vectors")
		}
	}
	if s.artifacts != nil && doc.StoragePath != "" {
		if err := s.artifacts.Remove(doc.StoragePath); err != nil {
			log.Warn().Err(err).Str("path", doc.StoragePath).Msg("Failed to remove upload")
		}
	}
	log.Info().Str("document", documentID).Msg("Deleted document")
	return nil
}

// IngestText ingests already extracted text.
func (s *Service) IngestText(ctx context.Context, ownerID, name, text string) (*Result, error) {
	if ownerID == "" {
		return nil, models.ErrUnauthorized
	}
	return s.ingest(ctx, ownerID, name, text, "")
}

func (s *Service) ingest(ctx context.Context, ownerID, name, text, storagePath string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %s has no text", models.ErrIngestion, name)
	}

	id, err := helper.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrIngestion, err)
	}
	a := Analyze(id, text, s.opts)

	vectors, err := s.embedder.Index(ctx, a.Fragments, name)
	if err != nil {
		return nil, fmt.Errorf("%w: embed %s: %w", models.ErrIngestion, name, err)
	}
	if len(vectors) != len(a.Fragments) {
		return nil, fmt.Errorf("%w: embed %s: got %d vectors for %d fragments", models.ErrIngestion, name, len(vectors), len(a.Fragments))
	}
	for i := range a.Fragments {
		a.Fragments[i].Embedding = vectors[i]
	}

	doc := &models.Document{
		ID:          id,
		OwnerID:     ownerID,
		Name:        name,
		RawText:     a.Text,
		Markup:      a.Markup,
		StoragePath: storagePath,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.docs.SaveDocument(ctx, doc, a.Fragments); err != nil {
		return nil, fmt.Errorf("%w: save %s: %w", models.ErrIngestion, name, err)
	}

	if s.index != nil {
		if err := s.index.Upsert(ctx, id, a.Fragments); err != nil {
			log.Warn().Err(err).Str("document", id).Msg("Vector index update failed, document stays keyword-searchable")
		}
	}

	log.Info().Str("document", id).Str("name", name).Int("fragments", len(a.Fragments)).Msg("Ingested document")
	return &Result{Document: doc, Fragments: a.Fragments}, nil
}
