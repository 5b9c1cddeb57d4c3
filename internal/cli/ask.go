package cli

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"citerag/internal/models"
	"citerag/internal/rag"
)

var (
	askDocs []string
	askChat string
	askUser string
)

var askCmd = &cobra.Command{
	Use:   "ask QUESTION",
	Short: "Ask a question and stream the cited answer",
	Long: `Answers QUESTION from the attached documents and from the documents already
attached earlier in the conversation. Citations are listed after the answer.`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringSliceVarP(&askDocs, "doc", "d", nil, "document id to attach (repeatable)")
	askCmd.Flags().StringVar(&askChat, "chat", "", "continue an existing conversation")
	askCmd.Flags().StringVar(&askUser, "user", "local", "user id asking the question")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(false); err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	turn, err := a.answers.Prepare(cmd.Context(), rag.Request{
		UserID:              askUser,
		Question:            args[0],
		ConversationID:      askChat,
		AttachedDocumentIDs: askDocs,
	})
	if err != nil {
		return err
	}

	sink := newTerminalSink(cmd.OutOrStdout())
	streamErr := turn.Stream(cmd.Context(), sink)
	sink.summary()
	return streamErr
}

var citationTag = regexp.MustCompile(`(?s)<citation[^>]*>(.*?)</citation>`)

// terminalSink prints the answer as it streams. Citation tags are shown as
// their labels and listed in full once the answer is finished.
type terminalSink struct {
	out     io.Writer
	raw     strings.Builder
	printed string
	chatID  string
	failed  bool
}

func newTerminalSink(out io.Writer) *terminalSink {
	return &terminalSink{out: out}
}

// visible is the part of the answer that is safe to show.
func (s *terminalSink) visible() string {
	return citationTag.ReplaceAllString(rag.SanitizeStream(s.raw.String()), "$1")
}

func (s *terminalSink) Delta(text string) error {
	s.raw.WriteString(text)
	v := s.visible()
	if rest, ok := strings.CutPrefix(v, s.printed); ok && rest != "" {
		if _, err := io.WriteString(s.out, rest); err != nil {
			return err
		}
		s.printed = v
	}
	return nil
}

func (s *terminalSink) ChatID(id string) error {
	s.chatID = id
	return nil
}

func (s *terminalSink) Error(text string) error {
	s.failed = true
	_, err := fmt.Fprintln(s.out, color.RedString(text))
	return err
}

func (s *terminalSink) Finish() error {
	_, err := fmt.Fprintln(s.out)
	return err
}

func (s *terminalSink) citations() []models.Citation {
	return rag.ParseCitations(s.raw.String())
}

func (s *terminalSink) summary() {
	if s.failed {
		return
	}
	if cites := s.citations(); len(cites) > 0 {
		fmt.Fprintln(s.out)
		fmt.Fprintln(s.out, color.New(color.Bold).Sprint("Sources:"))
		label := color.New(color.FgCyan).SprintFunc()
		ids := color.New(color.Faint).SprintFunc()
		for _, c := range cites {
			fmt.Fprintf(s.out, "  %s %q %s\n", label(fmt.Sprintf("[%d]", c.Ordinal)), c.CitedText, ids(c.DocumentID+"/"+c.FragmentID))
		}
	}
	if s.chatID != "" {
		fmt.Fprintf(s.out, "\n%s %s\n", color.New(color.Faint).Sprint("chat:"), s.chatID)
	}
}
