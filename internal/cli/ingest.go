package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"citerag/internal/helper"
	"citerag/internal/ingest"
	"citerag/internal/parser"
)

var (
	ingestDryRun bool
	ingestOwner  string
	ingestJobs   int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE...",
	Short: "Ingest documents",
	Long: `Extracts the text of each file, splits it into fragments, embeds them and
stores the document with its addressable markup.
With --dry-run the fragments are printed and nothing is stored.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "print fragments without storing anything")
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "local", "user id that owns the documents")
	ingestCmd.Flags().IntVarP(&ingestJobs, "jobs", "j", 4, "documents ingested in parallel")
	rootCmd.AddCommand(ingestCmd)
}

type dryRunFragment struct {
	ID      string `json:"id"`
	Ordinal int    `json:"ordinal"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Content string `json:"content"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestDryRun {
		for _, path := range args {
			text, err := parser.ParseToText(path)
			if err != nil {
				return err
			}
			a := ingest.Analyze(filepath.Base(path), text, cfg.FragmentOptions())
			out := make([]dryRunFragment, 0, len(a.Fragments))
			for _, f := range a.Fragments {
				out = append(out, dryRunFragment{ID: f.ID, Ordinal: f.Ordinal, Start: f.Start, End: f.End, Content: f.Content})
			}
			helper.PrettyPrint(cmd.OutOrStdout(), out)
		}
		return nil
	}

	if err := cfg.Validate(false); err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var mu sync.Mutex
	ok := color.New(color.FgGreen).SprintFunc()

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(ingestJobs, 1))
	for _, path := range args {
		path := path
		g.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := a.ingest.IngestFile(ctx, ingestOwner, filepath.Base(path), f)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			mu.Lock()
			defer mu.Unlock()
			cmd.Printf("%s %s %s (%d fragments)\n", ok("✓"), res.Document.ID, res.Document.Name, len(res.Fragments))
			return nil
		})
	}
	return g.Wait()
}
