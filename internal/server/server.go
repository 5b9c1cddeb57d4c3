// Package server exposes the chat, document and highlight endpoints over HTTP.
package server

import (
	"context"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"

	"citerag/internal/config"
	"citerag/internal/ingest"
	"citerag/internal/models"
	"citerag/internal/rag"
)

type Answerer interface {
	Prepare(ctx context.Context, req rag.Request) (*rag.Turn, error)
}

type ChatRepository interface {
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	ListChats(ctx context.Context, userID string) ([]models.Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
	DeleteChat(ctx context.Context, userID, id string) error
}

type DocumentRepository interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, ownerID string) ([]models.Document, error)
	ListFragments(ctx context.Context, documentID string) ([]models.Fragment, error)
}

type Ingester interface {
	IngestFile(ctx context.Context, ownerID, name string, r io.Reader) (*ingest.Result, error)
	Delete(ctx context.Context, ownerID, documentID string) error
}

// Deps are the services the handlers delegate to.
type Deps struct {
	Answers   Answerer
	Chats     ChatRepository
	Documents DocumentRepository
	Ingest    Ingester
}

type Server struct {
	app  *fiber.App
	addr string
}

func New(cfg *config.ServerConfig, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.BodyLimitMB * 1024 * 1024,
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(RequestLogger())

	app.Get("/health", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api", JwtMiddleware([]byte(cfg.JWTSecret)))
	NewChatController(deps.Answers, deps.Chats).RegisterRoutes(api)
	NewDocumentController(deps.Documents, deps.Ingest).RegisterRoutes(api)

	return &Server{app: app, addr: cfg.Addr}
}

func (s *Server) App() *fiber.App { return s.app }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("HTTP server listening")
		errCh <- s.app.Listen(s.addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutting down HTTP server")
		return s.app.Shutdown()
	}
}
