package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"citerag/internal/models"
)

const collectionPrefix = "doc-"

// errNoEmbedder is returned when chromem is asked to embed text itself.
// Fragments always arrive with their embeddings.
var errNoEmbedder = errors.New("chromemdb: embeddings must be precomputed")

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

// VectorDBManager keeps fragment embeddings in chromem-go, one collection per
// document, for deployments without pgvector.
type VectorDBManager struct {
	db            *chromem.DB
	dbPath        string
	compress      bool
	encryptionKey string
}

// NewVectorDBManager opens the index at dbPath, or an in-memory one.
func NewVectorDBManager(dbPath string, inMemory, compress bool, encryptionKey string) (*VectorDBManager, error) {
	var db *chromem.DB
	if inMemory {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(dbPath, compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %v", err)
		}
	}

	return &VectorDBManager{
		db:            db,
		dbPath:        dbPath,
		compress:      compress,
		encryptionKey: encryptionKey,
	}, nil
}

func collectionName(documentID string) string {
	return collectionPrefix + documentID
}

// Upsert replaces the document's collection with its embedded fragments.
// Fragments without an embedding are skipped.
func (m *VectorDBManager) Upsert(ctx context.Context, documentID string, fragments []models.Fragment) error {
	name := collectionName(documentID)
	if err := m.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to reset collection: %v", err)
	}

	docs := make([]chromem.Document, 0, len(fragments))
	for _, f := range fragments {
		if !f.HasEmbedding() {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        f.ID,
			Content:   f.Content,
			Embedding: f.Embedding,
			Metadata: map[string]string{
				"document_id": f.DocumentID,
				"ordinal":     strconv.Itoa(f.Ordinal),
			},
		})
	}
	if len(docs) == 0 {
		return nil
	}

	c, err := m.db.GetOrCreateCollection(name, map[string]string{"document_id": documentID}, noEmbedding)
	if err != nil {
		return fmt.Errorf("failed to create/get collection: %v", err)
	}
	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %v", err)
	}
	log.Debug().Str("document", documentID).Int("vectors", len(docs)).Msg("Stored vectors")
	return nil
}

type hit struct {
	id         string
	similarity float32
}

// Nearest returns up to k fragment ids of the given documents, most similar
// first.
func (m *VectorDBManager) Nearest(ctx context.Context, query []float32, documentIDs []string, k int) ([]string, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}

	var hits []hit
	for _, id := range documentIDs {
		c := m.db.GetCollection(collectionName(id), noEmbedding)
		if c == nil || c.Count() == 0 {
			continue
		}
		results, err := c.QueryEmbedding(ctx, query, min(k, c.Count()), nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to query by similarity: %v", err)
		}
		for _, r := range results {
			hits = append(hits, hit{id: r.ID, similarity: r.Similarity})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].similarity > hits[j].similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

// DeleteDocument drops the document's collection.
func (m *VectorDBManager) DeleteDocument(documentID string) error {
	if err := m.db.DeleteCollection(collectionName(documentID)); err != nil {
		return fmt.Errorf("failed to drop collection: %v", err)
	}
	return nil
}

// Documents lists the ids of the documents that have vectors.
func (m *VectorDBManager) Documents() []string {
	var ids []string
	for name := range m.db.ListCollections() {
		if id, ok := strings.CutPrefix(name, collectionPrefix); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Export writes the whole index to an encrypted file.
func (m *VectorDBManager) Export(filePath string) error {
	if m.encryptionKey == "" {
		return fmt.Errorf("%w: encryption key is required", models.ErrConfiguration)
	}
	if filePath == "" {
		return fmt.Errorf("%w: export path is required", models.ErrConfiguration)
	}

	log.Debug().Str("file", filePath).Bool("compress", m.compress).Str("db_path", m.dbPath).Msg("Exporting vector index")
	if err := m.db.ExportToFile(filePath, m.compress, m.encryptionKey); err != nil {
		return fmt.Errorf("failed to export database: %v", err)
	}
	return nil
}

// Import loads collections previously written by Export.
func (m *VectorDBManager) Import(filePath string) error {
	if err := m.db.ImportFromFile(filePath, m.encryptionKey); err != nil {
		return fmt.Errorf("failed to import database: %v", err)
	}
	return nil
}
