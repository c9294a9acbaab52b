package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/caseworks/docchat-go/internal/ingest"
	"github.com/caseworks/docchat-go/internal/logging"
)

// NewIngestCmd constructs the `docchat ingest` command, which uploads files
// into a session and indexes their content for retrieval.
func NewIngestCmd() *cobra.Command {
	var sessionID string
	var user string

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Upload documents into a session",
		Long: `Extract, chunk, embed, and index documents so they can be queried with ask.

Without --session a new session is created and its ID printed; pass that ID
to later ingest and ask invocations. Supported formats: PDF, Word, Excel,
PowerPoint, and plain text.

Content that is already indexed is skipped, so re-running ingest on the same
files is cheap.

Examples:
  docchat ingest lease.pdf nda.docx
  docchat ingest --session 1f0a... addendum.pdf`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			files := make([]ingest.File, 0, len(args))
			for _, path := range args {
				contentType := detectContentType(path)
				if contentType == "" {
					return fmt.Errorf("ingest: unsupported file type: %s", path)
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				files = append(files, ingest.File{
					FileID:      uuid.NewString(),
					FileName:    filepath.Base(path),
					ContentType: contentType,
					Data:        data,
				})
			}

			a, err := buildApp(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer a.close()

			sessionID, reports, err := a.orc.Ingest(ctx, resolveOwner(user), sessionID, files)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			for _, r := range reports {
				log.Info("file indexed",
					slog.String("file", r.FileName),
					slog.Int("chunks", r.ChunkCount),
					slog.Int("indexed", r.Indexed),
					slog.Int("skipped", r.Skipped),
					slog.Int("refreshed", r.Refreshed),
				)
			}
			fmt.Printf("session: %s (%d files indexed)\n", sessionID, len(reports))
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session to upload into (default: create a new session)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "Acting user (default: $DOCCHAT_USER or login name)")

	return cmd
}
