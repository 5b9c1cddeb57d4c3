package cli

import (
	"github.com/spf13/cobra"

	"citerag/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(true); err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(&cfg.Server, server.Deps{
		Answers:   a.answers,
		Chats:     a.repo,
		Documents: a.repo,
		Ingest:    a.ingest,
	})
	return srv.Run(cmd.Context())
}
