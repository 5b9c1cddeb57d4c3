package server

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"citerag/internal/models"
	"citerag/internal/rag"
)

type chatRequest struct {
	Question            string   `json:"question" validate:"required,max=8000"`
	ConversationID      string   `json:"conversationId" validate:"omitempty,max=64"`
	AttachedDocumentIDs []string `json:"attachedDocumentIds" validate:"omitempty,max=50,dive,required"`
}

type chatResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type sourceResponse struct {
	DocumentID string `json:"fileId"`
	FragmentID string `json:"chunkId"`
}

type messageResponse struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	FileIDs   []string          `json:"fileIds"`
	Sources   []sourceResponse  `json:"sources"`
	Citations []models.Citation `json:"citations,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

type ChatController struct {
	answers Answerer
	chats   ChatRepository
}

func NewChatController(answers Answerer, chats ChatRepository) *ChatController {
	return &ChatController{answers: answers, chats: chats}
}

func (c *ChatController) RegisterRoutes(r fiber.Router) {
	r.Post("/chat", c.Ask)
	r.Get("/chats", c.List)
	r.Get("/chats/:id", c.Get)
	r.Delete("/chats/:id", c.Delete)
}

// Ask records the question and streams the cited answer as server-sent events.
func (c *ChatController) Ask(ctx *fiber.Ctx) error {
	var req chatRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := validateRequest(&req); err != nil {
		return err
	}
	if c.answers == nil {
		return models.ErrConfiguration
	}

	turn, err := c.answers.Prepare(ctx.UserContext(), rag.Request{
		UserID:              userID(ctx),
		Question:            req.Question,
		ConversationID:      req.ConversationID,
		AttachedDocumentIDs: req.AttachedDocumentIDs,
	})
	if err != nil {
		return err
	}

	ctx.Set(fiber.HeaderContentType, "text/event-stream")
	ctx.Set(fiber.HeaderCacheControl, "no-cache")
	ctx.Set(fiber.HeaderConnection, "keep-alive")
	ctx.Set("X-Accel-Buffering", "no")
	ctx.Set("x-vercel-ai-ui-message-stream", "v1")

	// the request context is recycled once the handler returns
	ctx.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		streamCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := turn.Stream(streamCtx, &sseSink{w: w}); err != nil {
			log.Error().Err(err).Str("chat_id", turn.ChatID()).Msg("Answer stream ended with error")
		}
	}))
	return nil
}

func (c *ChatController) List(ctx *fiber.Ctx) error {
	chats, err := c.chats.ListChats(ctx.UserContext(), userID(ctx))
	if err != nil {
		return err
	}
	out := make([]chatResponse, 0, len(chats))
	for _, chat := range chats {
		out = append(out, toChatResponse(chat))
	}
	return ctx.JSON(out)
}

// Get returns one of the caller's chats with its messages. Assistant
// messages carry the citations found in their text.
func (c *ChatController) Get(ctx *fiber.Ctx) error {
	chat, err := c.ownedChat(ctx)
	if err != nil {
		return err
	}
	msgs, err := c.chats.ListMessages(ctx.UserContext(), chat.ID)
	if err != nil {
		return err
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp := messageResponse{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			FileIDs:   m.FileIDs,
			Sources:   make([]sourceResponse, 0, len(m.Sources)),
			CreatedAt: m.CreatedAt,
		}
		if resp.FileIDs == nil {
			resp.FileIDs = []string{}
		}
		for _, s := range m.Sources {
			resp.Sources = append(resp.Sources, sourceResponse{DocumentID: s.DocumentID, FragmentID: s.FragmentID})
		}
		if m.Role == models.RoleAssistant {
			resp.Citations = rag.ParseCitations(m.Content)
		}
		out = append(out, resp)
	}

	return ctx.JSON(fiber.Map{"chat": toChatResponse(*chat), "messages": out})
}

func (c *ChatController) Delete(ctx *fiber.Ctx) error {
	if err := c.chats.DeleteChat(ctx.UserContext(), userID(ctx), ctx.Params("id")); err != nil {
		return err
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

func (c *ChatController) ownedChat(ctx *fiber.Ctx) (*models.Chat, error) {
	chat, err := c.chats.GetChat(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return nil, err
	}
	if chat.UserID != userID(ctx) {
		return nil, fmt.Errorf("%w: chat %s", models.ErrNotFound, chat.ID)
	}
	return chat, nil
}

func toChatResponse(chat models.Chat) chatResponse {
	return chatResponse{ID: chat.ID, Title: chat.Title, CreatedAt: chat.CreatedAt, UpdatedAt: chat.UpdatedAt}
}
