package rag

import (
	"fmt"
	"strings"

	"citerag/internal/models"
)

// sourceBlocks serializes retrieved fragments for the prompt. Content is
// passed verbatim so the model can quote it exactly.
func sourceBlocks(fragments []models.Fragment) string {
	blocks := make([]string, 0, len(fragments))
	for _, f := range fragments {
		blocks = append(blocks, fmt.Sprintf("<source chunk-id=%q file-id=%q>%s</source>", f.ID, f.DocumentID, f.Content))
	}
	return strings.Join(blocks, "\n\n")
}

func historyLines(history []models.Message) string {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, string(m.Role)+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

// BuildPrompt fills the answer template. Placeholders are replaced in a
// single pass, so user text is never re-expanded.
func BuildPrompt(question string, history []models.Message, fragments []models.Fragment) string {
	return strings.NewReplacer(
		"{context}", sourceBlocks(fragments),
		"{history}", historyLines(history),
		"{question}", question,
	).Replace(models.RAGPromptTemplate)
}
