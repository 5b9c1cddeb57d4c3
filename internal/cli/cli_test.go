package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citerag/internal/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := "database:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "citerag.db") + "\n" +
		"vector:\n  backend: none\n" +
		"log:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCommands_Registered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "ingest", "ask", "highlight", "migrate", "export-index", "import-index"} {
		assert.True(t, names[want], want)
	}
}

func TestCommands_ArgValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "ask without question", args: []string{"ask"}, want: "accepts 1 arg(s)"},
		{name: "ingest without files", args: []string{"ingest"}, want: "requires at least 1 arg(s)"},
		{name: "highlight without document", args: []string{"highlight"}, want: "accepts 1 arg(s)"},
		{name: "serve with args", args: []string{"serve", "extra"}, want: "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAskCmd_Flags(t *testing.T) {
	doc := askCmd.Flags().Lookup("doc")
	require.NotNil(t, doc)
	assert.Equal(t, "d", doc.Shorthand)
	assert.NotNil(t, askCmd.Flags().Lookup("chat"))
	assert.Equal(t, "local", askCmd.Flags().Lookup("user").DefValue)
}

func TestIngestCmd_DryRun(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("The sky is blue.\nGrass is green."), 0o644))

	out, err := execute(t, "--config", writeConfig(t, dir), "ingest", "--dry-run", file)
	defer func() { ingestDryRun = false }()
	require.NoError(t, err)

	var fragments []dryRunFragment
	require.NoError(t, json.Unmarshal([]byte(out), &fragments))
	require.Len(t, fragments, 1)
	assert.Equal(t, "The sky is blue.\nGrass is green.", fragments[0].Content)
	assert.Equal(t, 0, fragments[0].Start)

	_, err = os.Stat(filepath.Join(dir, "citerag.db"))
	assert.True(t, os.IsNotExist(err), "dry run must not touch the database")
}

func TestMigrateAndHighlight(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	out, err := execute(t, "--config", cfgPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date.")

	_, err = execute(t, "--config", cfgPath, "highlight", "missing", "--quote", "sky")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExportIndex_RequiresChromem(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "--config", writeConfig(t, dir), "export-index", "--out", filepath.Join(dir, "index.enc"))
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestTerminalSink(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	sink := newTerminalSink(&buf)
	chunks := []string{
		"The sky is blue ",
		`<citation chunk-id="f1" file-id="d1" cited-`,
		`text="The sky is blue.">[1]</citation>.`,
	}
	for _, c := range chunks {
		require.NoError(t, sink.Delta(c))
	}
	require.NoError(t, sink.ChatID("chat-1"))
	require.NoError(t, sink.Finish())
	sink.summary()

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "The sky is blue [1].\n"), out)
	assert.NotContains(t, out, "<citation")
	assert.Contains(t, out, `[1] "The sky is blue." d1/f1`)
	assert.Contains(t, out, "chat: chat-1")
}

func TestTerminalSink_Error(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	sink := newTerminalSink(&buf)
	require.NoError(t, sink.Error(models.GenerationFailedText))
	sink.summary()
	assert.Equal(t, models.GenerationFailedText+"\n", buf.String())
}
