package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino/callbacks"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/caseworks/docchat-go/internal/ingest"
	"github.com/caseworks/docchat-go/internal/logging"
	"github.com/caseworks/docchat-go/internal/tracing"
)

// NewAskCmd constructs the `docchat ask` command, which asks a single
// question about the documents in a session and prints the cited answer.
func NewAskCmd() *cobra.Command {
	var sessionID string
	var user string
	var attach []string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about the documents in a session",
		Long: `Ask a natural language question about the documents uploaded to a session.

The agent retrieves the most relevant passages from the session's files and
answers with citations. Conversation history is carried across questions in
the same session. Files passed with --file are ingested before the question
is answered; with attachments, omitting --session starts a new session.

Examples:
  docchat ask --session 1f0a... "what is the notice period in the lease?"
  docchat ask --session 1f0a... "summarize each document"
  docchat ask --file lease.pdf "when does this lease expire?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			if sessionID == "" && len(attach) == 0 {
				return fmt.Errorf("ask: --session is required unless files are attached with --file")
			}

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			}

			a, err := buildApp(ctx, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer a.close()

			uploads := make([]ingest.File, 0, len(attach))
			for _, path := range attach {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("ask: read %s: %w", path, err)
				}
				uploads = append(uploads, ingest.File{
					FileID:      uuid.NewString(),
					FileName:    filepath.Base(path),
					ContentType: detectContentType(path),
					Data:        data,
				})
			}

			question := strings.Join(args, " ")
			answer, err := a.orc.Ask(ctx, resolveOwner(user), sessionID, question, uploads)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			if sessionID == "" {
				fmt.Printf("Session: %s\n\n", answer.SessionID)
			}
			fmt.Println(answer.Text)
			if len(answer.Citations) > 0 {
				fmt.Printf("\nSources: %s\n", strings.Join(answer.Citations, ", "))
			}
			log.Debug("ask complete",
				slog.String("exchange_id", answer.ExchangeID),
				slog.Int("turns", answer.Turns),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session to ask in (created when omitted with --file)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "Acting user (default: $DOCCHAT_USER or login name)")
	cmd.Flags().StringArrayVarP(&attach, "file", "f", nil, "Document to ingest before answering (repeatable)")

	return cmd
}
