package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"citerag/internal/helper"
	"citerag/internal/models"
)

const (
	DefaultTemperature = 0.1
	DefaultTopK        = 10

	titleLength = 50
)

// ChatStore persists conversations and resolves the documents they attach.
// GetChat and GetDocument return models.ErrNotFound for unknown ids.
// CreateMessage also writes the message's attachments and sources.
type ChatStore interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
	CreateMessage(ctx context.Context, msg *models.Message) error
}

type Retriever interface {
	Retrieve(ctx context.Context, question string, documentIDs []string, topK int) ([]models.Fragment, error)
}

// Sink receives the events of one answer stream. A returned error means the
// consumer is gone.
type Sink interface {
	Delta(text string) error
	ChatID(id string) error
	Error(text string) error
	Finish() error
}

type Options struct {
	TopK        int
	Temperature float64
}

type Service struct {
	chats     ChatStore
	retriever Retriever
	model     llms.Model
	opts      Options
}

func NewService(chats ChatStore, retriever Retriever, model llms.Model, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	return &Service{chats: chats, retriever: retriever, model: model, opts: opts}
}

type Request struct {
	UserID              string
	Question            string
	ConversationID      string
	AttachedDocumentIDs []string
}

// Turn is a question that has been recorded and is ready to be answered.
type Turn struct {
	svc       *Service
	chat      *models.Chat
	question  string
	history   []models.Message
	scope     []string
	retrieved []models.Fragment
}

func (t *Turn) ChatID() string { return t.chat.ID }

// Scope lists the documents the answer may draw from.
func (t *Turn) Scope() []string { return t.scope }

// Sources returns the fragments the answer was grounded on, once Stream ran.
func (t *Turn) Sources() []models.Fragment { return t.retrieved }

// Prepare resolves the conversation and records the user's question.
func (s *Service) Prepare(ctx context.Context, req Request) (*Turn, error) {
	if req.UserID == "" {
		return nil, models.ErrUnauthorized
	}
	if s.model == nil {
		return nil, fmt.Errorf("%w: no chat model", models.ErrConfiguration)
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is empty", models.ErrInvalidRequest)
	}

	attached := unique(req.AttachedDocumentIDs)
	if err := s.checkAttachments(ctx, req.UserID, attached); err != nil {
		return nil, err
	}

	chat, history, err := s.resolveChat(ctx, req.UserID, req.ConversationID, question)
	if err != nil {
		return nil, err
	}

	id, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}
	msg := &models.Message{
		ID:        id,
		ChatID:    chat.ID,
		Role:      models.RoleUser,
		Content:   question,
		FileIDs:   attached,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.chats.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: save question: %v", models.ErrStorage, err)
	}

	var scope []string
	for _, m := range history {
		scope = append(scope, m.FileIDs...)
	}
	scope = unique(append(scope, attached...))

	log.Debug().Str("chat", chat.ID).Int("history", len(history)).Int("documents", len(scope)).Msg("Prepared turn")
	return &Turn{svc: s, chat: chat, question: question, history: history, scope: scope}, nil
}

// checkAttachments rejects documents the user does not own. Foreign ids are
// reported as not found.
func (s *Service) checkAttachments(ctx context.Context, userID string, ids []string) error {
	for _, id := range ids {
		doc, err := s.chats.GetDocument(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: load document: %v", models.ErrStorage, err)
		}
		if doc.OwnerID != userID {
			return fmt.Errorf("%w: document %s", models.ErrNotFound, id)
		}
	}
	return nil
}

func (s *Service) resolveChat(ctx context.Context, userID, chatID, question string) (*models.Chat, []models.Message, error) {
	if chatID == "" {
		id, err := helper.GenerateUUID()
		if err != nil {
			return nil, nil, err
		}
		now := time.Now().UTC()
		chat := &models.Chat{ID: id, UserID: userID, Title: truncate(question, titleLength), CreatedAt: now, UpdatedAt: now}
		if err := s.chats.CreateChat(ctx, chat); err != nil {
			return nil, nil, fmt.Errorf("%w: create chat: %v", models.ErrStorage, err)
		}
		return chat, nil, nil
	}

	chat, err := s.chats.GetChat(ctx, chatID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load chat: %v", models.ErrStorage, err)
	}
	if chat.UserID != userID {
		return nil, nil, fmt.Errorf("%w: chat %s", models.ErrNotFound, chatID)
	}

	history, err := s.chats.ListMessages(ctx, chat.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load history: %v", models.ErrStorage, err)
	}
	return chat, history, nil
}

// Stream retrieves context, streams the model's answer into sink and, when
// the answer completed with text, stores it with its sources. Failures after
// streaming began are reported to the sink as error events.
func (t *Turn) Stream(ctx context.Context, sink Sink) error {
	s := t.svc

	fragments, err := s.retriever.Retrieve(ctx, t.question, t.scope, s.opts.TopK)
	if err != nil {
		log.Error().Err(err).Str("chat", t.chat.ID).Msg("Retrieval failed")
		// the question is already stored, so the client still needs the chat
		if sinkErr := sink.ChatID(t.chat.ID); sinkErr != nil {
			return err
		}
		_ = sink.Error(models.GenerationFailedText)
		return err
	}
	t.retrieved = fragments
	log.Info().Str("chat", t.chat.ID).Int("fragments", len(fragments)).Msg("Retrieved context")

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		answer  strings.Builder
		sinkErr error
	)
	stream := func(_ context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		answer.Write(chunk)
		if err := sink.Delta(string(chunk)); err != nil {
			sinkErr = err
			cancel()
			return err
		}
		return nil
	}

	prompt := BuildPrompt(t.question, t.history, fragments)
	resp, err := s.model.GenerateContent(genCtx,
		[]llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, prompt)},
		llms.WithTemperature(s.opts.Temperature),
		llms.WithStreamingFunc(stream),
	)
	if sinkErr != nil {
		log.Warn().Err(sinkErr).Str("chat", t.chat.ID).Msg("Client went away, generation cancelled")
		return sinkErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Err(err).Str("chat", t.chat.ID).Msg("Generation failed")
		_ = sink.Error(models.GenerationFailedText)
		return fmt.Errorf("%w: %v", models.ErrGeneration, err)
	}

	// Providers that ignore the streaming callback still return the text.
	if answer.Len() == 0 && resp != nil && len(resp.Choices) > 0 && resp.Choices[0].Content != "" {
		answer.WriteString(resp.Choices[0].Content)
		if err := sink.Delta(resp.Choices[0].Content); err != nil {
			return err
		}
	}

	if err := sink.ChatID(t.chat.ID); err != nil {
		return err
	}

	var saveErr error
	if text := answer.String(); text != "" {
		saveErr = t.saveAnswer(ctx, text, fragments)
	}
	if err := sink.Finish(); err != nil {
		return err
	}
	return saveErr
}

func (t *Turn) saveAnswer(ctx context.Context, text string, fragments []models.Fragment) error {
	id, err := helper.GenerateUUID()
	if err != nil {
		return err
	}
	msg := &models.Message{
		ID:        id,
		ChatID:    t.chat.ID,
		Role:      models.RoleAssistant,
		Content:   text,
		Sources:   sourcesOf(fragments),
		CreatedAt: time.Now().UTC(),
	}
	if err := t.svc.chats.CreateMessage(ctx, msg); err != nil {
		log.Error().Err(err).Str("chat", t.chat.ID).Msg("Failed to save answer")
		return fmt.Errorf("%w: save answer: %v", models.ErrStorage, err)
	}
	return nil
}

// sourcesOf lists one provenance row per distinct fragment.
func sourcesOf(fragments []models.Fragment) []models.Source {
	seen := make(map[string]bool, len(fragments))
	sources := make([]models.Source, 0, len(fragments))
	for _, f := range fragments {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		sources = append(sources, models.Source{DocumentID: f.DocumentID, FragmentID: f.ID})
	}
	return sources
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
