package models

import "time"

// Role of a chat message author.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// Document is an ingested file together with its addressable markup
type Document struct {
	ID          string
	OwnerID     string
	Name        string
	RawText     string
	Markup      string
	StoragePath string
	CreatedAt   time.Time
}

// Fragment is a bounded slice of a document's normalized text, the unit of
// retrieval and citation. Start and End are rune offsets, End exclusive.
type Fragment struct {
	ID         string
	DocumentID string
	Ordinal    int
	Content    string
	Start      int
	End        int
	Embedding  []float32
}

// HasEmbedding reports whether the fragment can take part in similarity search.
func (f Fragment) HasEmbedding() bool {
	return len(f.Embedding) > 0
}

// Citation is a runtime reference emitted inside answer text.
type Citation struct {
	CitedText  string `json:"citedText"`
	FragmentID string `json:"chunkId"`
	DocumentID string `json:"fileId"`
	PageNumber *int   `json:"pageNumber,omitempty"`
	Ordinal    int    `json:"ordinal"`
}

type Chat struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Source records that a fragment was part of the context of an assistant message.
type Source struct {
	DocumentID string
	FragmentID string
}

type Message struct {
	ID        string
	ChatID    string
	Role      Role
	Content   string
	FileIDs   []string
	Sources   []Source
	CreatedAt time.Time
}
