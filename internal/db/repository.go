package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"citerag/internal/models"
	"citerag/internal/retrieve"
)

// VectorIndex ranks fragment ids by similarity outside the database.
type VectorIndex interface {
	Nearest(ctx context.Context, query []float32, documentIDs []string, k int) ([]string, error)
}

// Repository stores documents, fragments and conversations. Similarity
// search runs on pgvector when usePGVector is set, otherwise on index; with
// neither it reports models.ErrVectorUnavailable.
type Repository struct {
	db          *bun.DB
	usePGVector bool
	index       VectorIndex
}

func NewRepository(db *bun.DB, usePGVector bool, index VectorIndex) *Repository {
	return &Repository{db: db, usePGVector: usePGVector && isPostgres(db), index: index}
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", models.ErrNotFound, what, id)
	}
	return err
}

// SaveDocument stores a document together with its fragments in one
// transaction. Re-saving a fragment refreshes its embedding.
func (r *Repository) SaveDocument(ctx context.Context, doc *models.Document, fragments []models.Fragment) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(documentRow(doc)).Exec(ctx); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		if len(fragments) == 0 {
			return nil
		}
		rows := make([]Fragment, len(fragments))
		for i, f := range fragments {
			rows[i] = fragmentRow(f)
		}
		_, err := tx.NewInsert().
			Model(&rows).
			On("CONFLICT (id) DO UPDATE").
			Set("embedding = EXCLUDED.embedding").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert fragments: %w", err)
		}
		return nil
	})
}

func (r *Repository) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var row Document
	if err := r.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err, "document", id)
	}
	return row.model(), nil
}

// ListDocuments returns the owner's documents without their text.
func (r *Repository) ListDocuments(ctx context.Context, ownerID string) ([]models.Document, error) {
	var rows []Document
	err := r.db.NewSelect().
		Model(&rows).
		Column("id", "owner_id", "name", "storage_path", "created_at").
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Document, len(rows))
	for i := range rows {
		out[i] = *rows[i].model()
	}
	return out, nil
}

func (r *Repository) ListFragments(ctx context.Context, documentID string) ([]models.Fragment, error) {
	var rows []Fragment
	err := r.db.NewSelect().Model(&rows).Where("document_id = ?", documentID).Order("ordinal ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fragmentModels(rows), nil
}

func (r *Repository) DeleteDocument(ctx context.Context, id string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Fragment)(nil)).Where("document_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().Model((*Document)(nil)).Where("id = ?", id).Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: document %s", models.ErrNotFound, id)
		}
		return nil
	})
}

func (r *Repository) CreateChat(ctx context.Context, chat *models.Chat) error {
	row := &Chat{ID: chat.ID, UserID: chat.UserID, Title: chat.Title, CreatedAt: chat.CreatedAt, UpdatedAt: chat.UpdatedAt}
	_, err := r.db.NewInsert().Model(row).Exec(ctx)
	return err
}

func (r *Repository) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	var row Chat
	if err := r.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err, "chat", id)
	}
	return row.model(), nil
}

// ListChats returns the user's chats, most recently active first.
func (r *Repository) ListChats(ctx context.Context, userID string) ([]models.Chat, error) {
	var rows []Chat
	if err := r.db.NewSelect().Model(&rows).Where("user_id = ?", userID).Order("updated_at DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]models.Chat, len(rows))
	for i := range rows {
		out[i] = *rows[i].model()
	}
	return out, nil
}

// DeleteChat removes a chat owned by userID with all its messages.
func (r *Repository) DeleteChat(ctx context.Context, userID, id string) error {
	chat, err := r.GetChat(ctx, id)
	if err != nil {
		return err
	}
	if chat.UserID != userID {
		return fmt.Errorf("%w: chat %s", models.ErrNotFound, id)
	}

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		ids := tx.NewSelect().Model((*Message)(nil)).Column("id").Where("chat_id = ?", id)
		if _, err := tx.NewDelete().Model((*MessageSource)(nil)).Where("message_id IN (?)", ids).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*MessageFile)(nil)).Where("message_id IN (?)", ids).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*Message)(nil)).Where("chat_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*Chat)(nil)).Where("id = ?", id).Exec(ctx)
		return err
	})
}

// CreateMessage appends a message with its attachments and sources and
// touches the chat.
func (r *Repository) CreateMessage(ctx context.Context, msg *models.Message) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := &Message{ID: msg.ID, ChatID: msg.ChatID, Role: string(msg.Role), Content: msg.Content, CreatedAt: msg.CreatedAt}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if len(msg.FileIDs) > 0 {
			files := make([]MessageFile, len(msg.FileIDs))
			for i, id := range msg.FileIDs {
				files[i] = MessageFile{MessageID: msg.ID, DocumentID: id}
			}
			if _, err := tx.NewInsert().Model(&files).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
				return fmt.Errorf("insert message files: %w", err)
			}
		}

		if len(msg.Sources) > 0 {
			sources := make([]MessageSource, len(msg.Sources))
			for i, s := range msg.Sources {
				sources[i] = MessageSource{MessageID: msg.ID, DocumentID: s.DocumentID, FragmentID: s.FragmentID}
			}
			if _, err := tx.NewInsert().Model(&sources).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
				return fmt.Errorf("insert message sources: %w", err)
			}
		}

		_, err := tx.NewUpdate().Model((*Chat)(nil)).Set("updated_at = ?", msg.CreatedAt).Where("id = ?", msg.ChatID).Exec(ctx)
		return err
	})
}

// ListMessages returns a chat's messages oldest first, with attachments and
// sources filled in.
func (r *Repository) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	var rows []Message
	if err := r.db.NewSelect().Model(&rows).Where("chat_id = ?", chatID).Order("created_at ASC", "id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, m := range rows {
		ids[i] = m.ID
	}
	var files []MessageFile
	if err := r.db.NewSelect().Model(&files).Where("message_id IN (?)", bun.In(ids)).Order("document_id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	var sources []MessageSource
	if err := r.db.NewSelect().Model(&sources).Where("message_id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, err
	}

	out := make([]models.Message, len(rows))
	index := make(map[string]*models.Message, len(rows))
	for i, m := range rows {
		out[i] = models.Message{ID: m.ID, ChatID: m.ChatID, Role: models.Role(m.Role), Content: m.Content, CreatedAt: m.CreatedAt}
		index[m.ID] = &out[i]
	}
	for _, f := range files {
		index[f.MessageID].FileIDs = append(index[f.MessageID].FileIDs, f.DocumentID)
	}
	for _, s := range sources {
		index[s.MessageID].Sources = append(index[s.MessageID].Sources, models.Source{DocumentID: s.DocumentID, FragmentID: s.FragmentID})
	}
	return out, nil
}

// Acquire pins one pooled connection for a retrieval.
func (r *Repository) Acquire(ctx context.Context) (retrieve.Session, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &session{repo: r, conn: conn}, nil
}

type session struct {
	repo *Repository
	conn bun.Conn
}

func (s *session) Release() {
	if err := s.conn.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to release connection")
	}
}

func (s *session) Nearest(ctx context.Context, query []float32, documentIDs []string, k int) ([]models.Fragment, error) {
	if s.repo.usePGVector {
		var rows []Fragment
		err := s.conn.NewSelect().
			Model(&rows).
			Where("document_id IN (?)", bun.In(documentIDs)).
			Where("embedding IS NOT NULL").
			OrderExpr("embedding <-> ?", pgvector.NewVector(query)).
			Limit(k).
			Scan(ctx)
		if err != nil {
			return nil, err
		}
		return fragmentModels(rows), nil
	}

	if s.repo.index == nil {
		return nil, models.ErrVectorUnavailable
	}
	ids, err := s.repo.index.Nearest(ctx, query, documentIDs, k)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	var rows []Fragment
	if err := s.conn.NewSelect().Model(&rows).Where("id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, err
	}
	byID := make(map[string]Fragment, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	out := make([]models.Fragment, 0, len(ids))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			out = append(out, row.model())
		}
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// Containing matches fragments whose content contains needle, ignoring case.
func (s *session) Containing(ctx context.Context, needle string, documentIDs []string, k int) ([]models.Fragment, error) {
	op := "LIKE"
	if isPostgres(s.repo.db) {
		op = "ILIKE"
	}
	var rows []Fragment
	err := s.conn.NewSelect().
		Model(&rows).
		Where("document_id IN (?)", bun.In(documentIDs)).
		Where("content "+op+" ? ESCAPE '!'", "%"+likeEscaper.Replace(needle)+"%").
		Order("document_id ASC", "ordinal ASC").
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fragmentModels(rows), nil
}

func (s *session) Sample(ctx context.Context, documentIDs []string, k int) ([]models.Fragment, error) {
	var rows []Fragment
	err := s.conn.NewSelect().
		Model(&rows).
		Where("document_id IN (?)", bun.In(documentIDs)).
		Order("document_id ASC", "ordinal ASC").
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fragmentModels(rows), nil
}
