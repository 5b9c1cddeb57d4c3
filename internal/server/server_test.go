package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"citerag/internal/config"
	"citerag/internal/db"
	"citerag/internal/fragment"
	"citerag/internal/ingest"
	"citerag/internal/models"
	"citerag/internal/rag"
)

const testSecret = "test-secret"

type chunkModel struct {
	chunks []string
}

func (m *chunkModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	for _, c := range m.chunks {
		if opts.StreamingFunc != nil {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: strings.Join(m.chunks, "")}}}, nil
}

func (m *chunkModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

type stubRetriever struct {
	fragments []models.Fragment
}

func (r *stubRetriever) Retrieve(context.Context, string, []string, int) ([]models.Fragment, error) {
	return r.fragments, nil
}

// stubIngester fakes uploads and deletes through a real service.
type stubIngester struct {
	*ingest.Service
	owner, name, body string
	err               error
}

func (s *stubIngester) IngestFile(_ context.Context, ownerID, name string, r io.Reader) (*ingest.Result, error) {
	data, _ := io.ReadAll(r)
	s.owner, s.name, s.body = ownerID, name, string(data)
	if s.err != nil {
		return nil, s.err
	}
	return &ingest.Result{
		Document:  &models.Document{ID: "doc-1", OwnerID: ownerID, Name: name, Markup: `<p data-chunk-id="f1">hello</p>`},
		Fragments: []models.Fragment{{ID: "f1", DocumentID: "doc-1", Content: "hello", End: 5, Embedding: []float32{1}}},
	}, nil
}

type fixture struct {
	app    *Server
	repo   *db.Repository
	ingest *stubIngester
}

func newFixture(t *testing.T, model llms.Model) *fixture {
	t.Helper()
	sqldb, err := db.Open(&config.DatabaseConfig{Driver: config.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { sqldb.Close() })
	require.NoError(t, db.InitDB(context.Background(), sqldb))
	repo := db.NewRepository(sqldb, false, nil)

	retriever := &stubRetriever{fragments: []models.Fragment{{ID: "f1", DocumentID: "doc-1", Content: "The sky is blue."}}}
	answers := rag.NewService(repo, retriever, model, rag.Options{})

	ing := &stubIngester{Service: ingest.NewService(repo, nil, nil, nil, nil, fragment.DefaultOptions())}
	srv := New(&config.ServerConfig{JWTSecret: testSecret, BodyLimitMB: 1}, Deps{
		Answers:   answers,
		Chats:     repo,
		Documents: repo,
		Ingest:    ing,
	})
	return &fixture{app: srv, repo: repo, ingest: ing}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": userID}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, req *http.Request, userID string) *http.Response {
	t.Helper()
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	resp, err := f.app.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func readEvents(t *testing.T, body io.Reader) []map[string]any {
	t.Helper()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	var events []map[string]any
	for _, frame := range strings.Split(string(data), "\n\n") {
		payload, ok := strings.CutPrefix(frame, "data: ")
		if !ok {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		events = append(events, ev)
	}
	return events
}

func TestJwtMiddleware(t *testing.T) {
	f := newFixture(t, &chunkModel{})

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header"},
		{name: "not bearer", header: "Basic abc"},
		{name: "garbage token", header: "Bearer not-a-jwt"},
		{name: "wrong secret", header: "Bearer " + func() string {
			tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "alice"}).SignedString([]byte("other"))
			return tok
		}()},
		{name: "no user claim", header: "Bearer " + func() string {
			tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte(testSecret))
			return tok
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp := f.do(t, req, "")
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestChat_Stream(t *testing.T) {
	f := newFixture(t, &chunkModel{chunks: []string{"The sky ", `<citation chunk-id="f1" file-id="doc-1" cited-text="The sky is blue.">[1]</citation>`}})

	resp := f.do(t, jsonRequest(http.MethodPost, "/api/chat", `{"question":"  What colour is the sky?  "}`), "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.Len(t, events, 4)
	assert.Equal(t, "text-delta", events[0]["type"])
	assert.Equal(t, "The sky ", events[0]["delta"])
	assert.Equal(t, "text-delta", events[1]["type"])
	assert.Equal(t, "data-chatId", events[2]["type"])
	assert.Equal(t, true, events[2]["transient"])
	assert.Equal(t, "finish", events[3]["type"])

	chatID := events[2]["data"].(map[string]any)["chatId"].(string)
	msgs, err := f.repo.ListMessages(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "What colour is the sky?", msgs[0].Content)
	assert.Equal(t, []models.Source{{DocumentID: "doc-1", FragmentID: "f1"}}, msgs[1].Sources)

	t.Run("chat detail parses citations", func(t *testing.T) {
		resp := f.do(t, httptest.NewRequest(http.MethodGet, "/api/chats/"+chatID, nil), "alice")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Chat     chatResponse      `json:"chat"`
			Messages []messageResponse `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "What colour is the sky?", body.Chat.Title)
		require.Len(t, body.Messages, 2)
		assert.Empty(t, body.Messages[0].Citations)
		require.Len(t, body.Messages[1].Citations, 1)
		assert.Equal(t, "f1", body.Messages[1].Citations[0].FragmentID)
	})

	t.Run("other users cannot see it", func(t *testing.T) {
		resp := f.do(t, httptest.NewRequest(http.MethodGet, "/api/chats/"+chatID, nil), "mallory")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("continuing a foreign chat is not found", func(t *testing.T) {
		resp := f.do(t, jsonRequest(http.MethodPost, "/api/chat", `{"question":"again","conversationId":"`+chatID+`"}`), "mallory")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("list and delete", func(t *testing.T) {
		resp := f.do(t, httptest.NewRequest(http.MethodGet, "/api/chats", nil), "alice")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var chats []chatResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&chats))
		require.Len(t, chats, 1)

		resp = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/chats/"+chatID, nil), "mallory")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/chats/"+chatID, nil), "alice")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		_, err := f.repo.GetChat(context.Background(), chatID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestChat_RequestErrors(t *testing.T) {
	f := newFixture(t, &chunkModel{chunks: []string{"x"}})
	bobDoc := &models.Document{ID: "bob-doc", OwnerID: "bob", Name: "bob.txt", RawText: "secret", Markup: "<p>secret</p>", CreatedAt: time.Now().UTC()}
	require.NoError(t, f.repo.SaveDocument(context.Background(), bobDoc, []models.Fragment{{ID: "bf1", DocumentID: "bob-doc", Content: "secret", End: 6}}))

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed json", body: `{"question":`, want: http.StatusBadRequest},
		{name: "missing question", body: `{}`, want: http.StatusBadRequest},
		{name: "blank question", body: `{"question":"   "}`, want: http.StatusBadRequest},
		{name: "empty attachment id", body: `{"question":"q","attachedDocumentIds":[""]}`, want: http.StatusBadRequest},
		{name: "unknown conversation", body: `{"question":"q","conversationId":"missing"}`, want: http.StatusNotFound},
		{name: "unknown attachment", body: `{"question":"q","attachedDocumentIds":["missing"]}`, want: http.StatusNotFound},
		{name: "foreign attachment", body: `{"question":"q","attachedDocumentIds":["bob-doc"]}`, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, jsonRequest(http.MethodPost, "/api/chat", tt.body), "alice")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	chats, err := f.repo.ListChats(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestChat_NotConfigured(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, jsonRequest(http.MethodPost, "/api/chat", `{"question":"q"}`), "alice")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Server not configured.", body["error"])
}

func multipartFile(t *testing.T, name, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestDocuments_Upload(t *testing.T) {
	f := newFixture(t, &chunkModel{})

	resp := f.do(t, multipartFile(t, "notes.txt", "hello"), "alice")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body documentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "doc-1", body.DocumentID)
	assert.Equal(t, "notes.txt", body.Name)
	assert.Contains(t, body.AddressableMarkup, `data-chunk-id="f1"`)
	require.Len(t, body.Fragments, 1)
	assert.True(t, body.Fragments[0].HasEmbedding)

	assert.Equal(t, "alice", f.ingest.owner)
	assert.Equal(t, "hello", f.ingest.body)

	t.Run("unsupported type", func(t *testing.T) {
		resp := f.do(t, multipartFile(t, "image.png", "x"), "alice")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing file", func(t *testing.T) {
		resp := f.do(t, jsonRequest(http.MethodPost, "/api/documents", `{}`), "alice")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("ingestion failure", func(t *testing.T) {
		f.ingest.err = models.ErrIngestion
		defer func() { f.ingest.err = nil }()
		resp := f.do(t, multipartFile(t, "empty.txt", ""), "alice")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestDocuments_Highlight(t *testing.T) {
	f := newFixture(t, &chunkModel{})
	doc := &models.Document{
		ID:        "doc-1",
		OwnerID:   "alice",
		Name:      "sky.txt",
		RawText:   "The sky is blue.",
		Markup:    `<p data-chunk-id="f1">The sky is blue.</p>`,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.repo.SaveDocument(context.Background(), doc, []models.Fragment{{ID: "f1", DocumentID: "doc-1", Content: doc.RawText, End: 16}}))

	t.Run("marks quote", func(t *testing.T) {
		resp := f.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/doc-1/highlight?chunkId=f1&citedText=sky%20is", nil), "alice")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var res struct {
			Markup  string `json:"markup"`
			Target  string `json:"target"`
			Matches int    `json:"matches"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		assert.Equal(t, "f1", res.Target)
		assert.Equal(t, 1, res.Matches)
		assert.Contains(t, res.Markup, `class="highlight"`)
	})

	t.Run("missing quote", func(t *testing.T) {
		resp := f.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/doc-1/highlight?chunkId=f1", nil), "alice")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("foreign document", func(t *testing.T) {
		resp := f.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/doc-1/highlight?citedText=sky", nil), "mallory")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("listed for owner only", func(t *testing.T) {
		resp := f.do(t, httptest.NewRequest(http.MethodGet, "/api/documents", nil), "alice")
		var docs []documentResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&docs))
		require.Len(t, docs, 1)
		assert.Empty(t, docs[0].AddressableMarkup)

		resp = f.do(t, httptest.NewRequest(http.MethodGet, "/api/documents", nil), "mallory")
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&docs))
		assert.Empty(t, docs)
	})
}

func TestDocuments_GetAndDelete(t *testing.T) {
	f := newFixture(t, &chunkModel{})
	doc := &models.Document{ID: "doc-1", OwnerID: "alice", Name: "sky.txt", RawText: "The sky is blue.", Markup: `<p data-chunk-id="f1">The sky is blue.</p>`, CreatedAt: time.Now().UTC()}
	require.NoError(t, f.repo.SaveDocument(context.Background(), doc, []models.Fragment{{ID: "f1", DocumentID: "doc-1", Content: doc.RawText, End: 16, Embedding: []float32{1, 0}}}))

	resp := f.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/doc-1", nil), "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body documentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Fragments, 1)
	assert.Equal(t, "f1", body.Fragments[0].ID)
	assert.True(t, body.Fragments[0].HasEmbedding)

	resp = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/documents/doc-1", nil), "mallory")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/documents/doc-1", nil), "alice")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err := f.repo.GetDocument(context.Background(), "doc-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	fragments, err := f.repo.ListFragments(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Empty(t, fragments)

	resp = f.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/doc-1", nil), "alice")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
