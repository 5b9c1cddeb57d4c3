package db

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"

	"citerag/internal/models"
)

type Document struct {
	bun.BaseModel `bun:"table:documents,alias:d"`
	ID            string    `bun:"id,pk"`
	OwnerID       string    `bun:"owner_id,notnull"`
	Name          string    `bun:"name,notnull"`
	RawText       string    `bun:"raw_text,notnull"`
	Markup        string    `bun:"markup,notnull"`
	StoragePath   string    `bun:"storage_path"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// Fragment rows keep the embedding in a pgvector column. SQLite stores the
// same value as text.
type Fragment struct {
	bun.BaseModel `bun:"table:fragments,alias:f"`
	ID            string           `bun:"id,pk"`
	DocumentID    string           `bun:"document_id,notnull"`
	Ordinal       int              `bun:"ordinal,notnull"`
	Content       string           `bun:"content,notnull"`
	StartOffset   int              `bun:"start_offset,notnull"`
	EndOffset     int              `bun:"end_offset,notnull"`
	Embedding     *pgvector.Vector `bun:"embedding,type:vector"`
}

type Chat struct {
	bun.BaseModel `bun:"table:chats,alias:c"`
	ID            string    `bun:"id,pk"`
	UserID        string    `bun:"user_id,notnull"`
	Title         string    `bun:"title,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

type Message struct {
	bun.BaseModel `bun:"table:messages,alias:m"`
	ID            string    `bun:"id,pk"`
	ChatID        string    `bun:"chat_id,notnull"`
	Role          string    `bun:"role,notnull"`
	Content       string    `bun:"content,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

type MessageFile struct {
	bun.BaseModel `bun:"table:message_files,alias:mf"`
	MessageID     string `bun:"message_id,pk"`
	DocumentID    string `bun:"document_id,pk"`
}

type MessageSource struct {
	bun.BaseModel `bun:"table:message_sources,alias:ms"`
	MessageID     string `bun:"message_id,pk"`
	FragmentID    string `bun:"fragment_id,pk"`
	DocumentID    string `bun:"document_id,notnull"`
}

func documentRow(d *models.Document) *Document {
	return &Document{
		ID:          d.ID,
		OwnerID:     d.OwnerID,
		Name:        d.Name,
		RawText:     d.RawText,
		Markup:      d.Markup,
		StoragePath: d.StoragePath,
		CreatedAt:   d.CreatedAt,
	}
}

func (d *Document) model() *models.Document {
	return &models.Document{
		ID:          d.ID,
		OwnerID:     d.OwnerID,
		Name:        d.Name,
		RawText:     d.RawText,
		Markup:      d.Markup,
		StoragePath: d.StoragePath,
		CreatedAt:   d.CreatedAt,
	}
}

func fragmentRow(f models.Fragment) Fragment {
	row := Fragment{
		ID:          f.ID,
		DocumentID:  f.DocumentID,
		Ordinal:     f.Ordinal,
		Content:     f.Content,
		StartOffset: f.Start,
		EndOffset:   f.End,
	}
	if f.HasEmbedding() {
		v := pgvector.NewVector(f.Embedding)
		row.Embedding = &v
	}
	return row
}

func (f *Fragment) model() models.Fragment {
	out := models.Fragment{
		ID:         f.ID,
		DocumentID: f.DocumentID,
		Ordinal:    f.Ordinal,
		Content:    f.Content,
		Start:      f.StartOffset,
		End:        f.EndOffset,
	}
	if f.Embedding != nil {
		out.Embedding = f.Embedding.Slice()
	}
	return out
}

func fragmentModels(rows []Fragment) []models.Fragment {
	out := make([]models.Fragment, len(rows))
	for i := range rows {
		out[i] = rows[i].model()
	}
	return out
}

func (c *Chat) model() *models.Chat {
	return &models.Chat{ID: c.ID, UserID: c.UserID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}
