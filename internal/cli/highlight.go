package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"citerag/internal/db"
	"citerag/internal/helper"
	"citerag/internal/highlight"
	"citerag/internal/models"
)

var (
	highlightChunk string
	highlightQuote string
	highlightOwner string
)

var highlightCmd = &cobra.Command{
	Use:   "highlight DOCUMENT",
	Short: "Mark a cited quote inside a document's markup",
	Args:  cobra.ExactArgs(1),
	RunE:  runHighlight,
}

func init() {
	highlightCmd.Flags().StringVar(&highlightChunk, "chunk", "", "fragment id the citation points at")
	highlightCmd.Flags().StringVar(&highlightQuote, "quote", "", "cited text to mark")
	highlightCmd.Flags().StringVar(&highlightOwner, "owner", "local", "user id that owns the document")
	rootCmd.AddCommand(highlightCmd)
}

func runHighlight(cmd *cobra.Command, args []string) error {
	sqldb, err := db.Open(&cfg.Database)
	if err != nil {
		return err
	}
	defer sqldb.Close()

	doc, err := db.NewRepository(sqldb, false, nil).GetDocument(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if doc.OwnerID != highlightOwner {
		return fmt.Errorf("%w: document %s", models.ErrNotFound, doc.ID)
	}

	res, err := highlight.Highlight(doc.Markup, highlightChunk, highlightQuote)
	if err != nil {
		return err
	}
	helper.PrettyPrint(cmd.OutOrStdout(), res)
	return nil
}
