// Package cli implements the citerag command line.
package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"citerag/internal/config"
	"citerag/internal/logger"
)

const defaultConfigPath = "./configs/config.yaml"

var (
	configPath string
	cfg        *config.Config
	logCloser  io.Closer
)

var rootCmd = &cobra.Command{
	Use:          "citerag",
	Short:        "Answer questions over your documents with verifiable citations",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = c
		logCloser = logger.Setup(cfg.Log)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
}

// Execute runs the command selected by os.Args.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
