package server

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"citerag/internal/highlight"
	"citerag/internal/models"
	"citerag/internal/parser"
)

type fragmentResponse struct {
	ID           string `json:"id"`
	Ordinal      int    `json:"ordinal"`
	Content      string `json:"content"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
	HasEmbedding bool   `json:"hasEmbedding"`
}

type documentResponse struct {
	DocumentID        string             `json:"documentId"`
	Name              string             `json:"name"`
	AddressableMarkup string             `json:"addressableMarkup,omitempty"`
	Fragments         []fragmentResponse `json:"fragments,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
}

type highlightQuery struct {
	ChunkID   string `query:"chunkId"`
	CitedText string `query:"citedText" validate:"required"`
}

type DocumentController struct {
	docs   DocumentRepository
	ingest Ingester
}

func NewDocumentController(docs DocumentRepository, ingest Ingester) *DocumentController {
	return &DocumentController{docs: docs, ingest: ingest}
}

func (c *DocumentController) RegisterRoutes(r fiber.Router) {
	r.Post("/documents", c.Upload)
	r.Get("/documents", c.List)
	r.Get("/documents/:id", c.Get)
	r.Delete("/documents/:id", c.Delete)
	r.Get("/documents/:id/highlight", c.Highlight)
}

// Upload ingests the multipart "file" field.
func (c *DocumentController) Upload(ctx *fiber.Ctx) error {
	fh, err := ctx.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Missing file")
	}
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !slices.Contains(parser.Supported, ext) {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("Unsupported file type %q", ext))
	}

	f, err := fh.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Unreadable file")
	}
	defer f.Close()

	res, err := c.ingest.IngestFile(ctx.UserContext(), userID(ctx), fh.Filename, f)
	if err != nil {
		return err
	}

	resp := toDocumentResponse(res.Document)
	resp.Fragments = toFragmentResponses(res.Fragments)
	return ctx.Status(fiber.StatusCreated).JSON(resp)
}

func (c *DocumentController) List(ctx *fiber.Ctx) error {
	docs, err := c.docs.ListDocuments(ctx.UserContext(), userID(ctx))
	if err != nil {
		return err
	}
	out := make([]documentResponse, 0, len(docs))
	for i := range docs {
		resp := toDocumentResponse(&docs[i])
		resp.AddressableMarkup = ""
		out = append(out, resp)
	}
	return ctx.JSON(out)
}

func (c *DocumentController) Get(ctx *fiber.Ctx) error {
	doc, err := c.ownedDocument(ctx)
	if err != nil {
		return err
	}
	fragments, err := c.docs.ListFragments(ctx.UserContext(), doc.ID)
	if err != nil {
		return err
	}
	resp := toDocumentResponse(doc)
	resp.Fragments = toFragmentResponses(fragments)
	return ctx.JSON(resp)
}

// Delete removes the document, its fragments, vectors and upload.
func (c *DocumentController) Delete(ctx *fiber.Ctx) error {
	if err := c.ingest.Delete(ctx.UserContext(), userID(ctx), ctx.Params("id")); err != nil {
		return err
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

// Highlight marks the cited text inside the document's markup.
func (c *DocumentController) Highlight(ctx *fiber.Ctx) error {
	var q highlightQuery
	if err := ctx.QueryParser(&q); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid query")
	}
	if err := validateRequest(&q); err != nil {
		return err
	}

	doc, err := c.ownedDocument(ctx)
	if err != nil {
		return err
	}
	res, err := highlight.Highlight(doc.Markup, q.ChunkID, q.CitedText)
	if err != nil {
		return err
	}
	return ctx.JSON(res)
}

func (c *DocumentController) ownedDocument(ctx *fiber.Ctx) (*models.Document, error) {
	doc, err := c.docs.GetDocument(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != userID(ctx) {
		return nil, fmt.Errorf("%w: document %s", models.ErrNotFound, doc.ID)
	}
	return doc, nil
}

func toDocumentResponse(doc *models.Document) documentResponse {
	return documentResponse{
		DocumentID:        doc.ID,
		Name:              doc.Name,
		AddressableMarkup: doc.Markup,
		CreatedAt:         doc.CreatedAt,
	}
}

func toFragmentResponses(fragments []models.Fragment) []fragmentResponse {
	out := make([]fragmentResponse, 0, len(fragments))
	for _, fr := range fragments {
		out = append(out, fragmentResponse{
			ID:           fr.ID,
			Ordinal:      fr.Ordinal,
			Content:      fr.Content,
			Start:        fr.Start,
			End:          fr.End,
			HasEmbedding: fr.HasEmbedding(),
		})
	}
	return out
}
