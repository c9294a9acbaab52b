package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caseworks/docchat-go/internal/logging"
	"github.com/caseworks/docchat-go/internal/store"
)

// NewHistoryCmd constructs the `docchat history` command, which prints the
// reconstructed conversation for a session.
func NewHistoryCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Show the conversation history of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := buildApp(ctx, log)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			defer a.close()

			messages, files, err := a.orc.History(ctx, resolveOwner(user), args[0])
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}

			if len(files) > 0 {
				fmt.Printf("files: %s\n\n", strings.Join(files, ", "))
			}
			for _, m := range messages {
				prefix := "you"
				if m.Role == store.RoleAssistant {
					prefix = "docchat"
				}
				fmt.Printf("[%s] %s\n", prefix, m.Content)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Acting user (default: $DOCCHAT_USER or login name)")
	return cmd
}
