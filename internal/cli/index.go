package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"citerag/internal/chromemdb"
	"citerag/internal/config"
	"citerag/internal/models"
)

var indexFile string

var exportIndexCmd = &cobra.Command{
	Use:   "export-index",
	Short: "Write the local vector index to an encrypted file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openVectorIndex()
		if err != nil {
			return err
		}
		if err := m.Export(indexFile); err != nil {
			return err
		}
		cmd.Printf("Exported %d documents to %s\n", len(m.Documents()), indexFile)
		return nil
	},
}

var importIndexCmd = &cobra.Command{
	Use:   "import-index",
	Short: "Load a vector index written by export-index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openVectorIndex()
		if err != nil {
			return err
		}
		if err := m.Import(indexFile); err != nil {
			return err
		}
		cmd.Printf("Index now holds %d documents\n", len(m.Documents()))
		return nil
	},
}

func init() {
	exportIndexCmd.Flags().StringVarP(&indexFile, "out", "o", "./chromemdb.gob.gz.enc", "export file")
	importIndexCmd.Flags().StringVarP(&indexFile, "in", "i", "./chromemdb.gob.gz.enc", "file to import")
	rootCmd.AddCommand(exportIndexCmd, importIndexCmd)
}

func openVectorIndex() (*chromemdb.VectorDBManager, error) {
	if cfg.Vector.Backend != config.VectorChromem {
		return nil, fmt.Errorf("%w: vector backend is %q, not %q", models.ErrConfiguration, cfg.Vector.Backend, config.VectorChromem)
	}
	return chromemdb.NewVectorDBManager(cfg.Vector.Path, false, cfg.Vector.Compress, cfg.Vector.EncryptionKey)
}
