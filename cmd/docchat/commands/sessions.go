package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caseworks/docchat-go/internal/logging"
)

// NewSessionsCmd constructs the `docchat sessions` command group for
// listing, deleting, and sweeping sessions.
func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage conversation sessions",
	}

	cmd.AddCommand(
		newSessionsListCmd(),
		newSessionsDeleteCmd(),
		newSessionsSweepCmd(),
	)

	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your sessions, most recently active first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := buildApp(ctx, log)
			if err != nil {
				return fmt.Errorf("sessions list: %w", err)
			}
			defer a.close()

			sessions, err := a.orc.Sessions(ctx, resolveOwner(user))
			if err != nil {
				return fmt.Errorf("sessions list: %w", err)
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range sessions {
				fmt.Printf("%s  %s  (updated %s)\n",
					s.ID, s.Title, s.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Acting user (default: $DOCCHAT_USER or login name)")
	return cmd
}

func newSessionsDeleteCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a session, its history, and its indexed documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := buildApp(ctx, log)
			if err != nil {
				return fmt.Errorf("sessions delete: %w", err)
			}
			defer a.close()

			if err := a.orc.DeleteSession(ctx, resolveOwner(user), args[0]); err != nil {
				return fmt.Errorf("sessions delete: %w", err)
			}
			fmt.Printf("deleted session %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Acting user (default: $DOCCHAT_USER or login name)")
	return cmd
}

func newSessionsSweepCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove indexed content past the retention window",
		Long: `Delete indexed chunks older than the retention window (15 days by default).

Run this periodically, for example from cron, to keep the vector store from
accumulating stale content.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := buildApp(ctx, log)
			if err != nil {
				return fmt.Errorf("sessions sweep: %w", err)
			}
			defer a.close()

			owner := resolveOwner(user)
			if err := a.orc.Sweep(ctx, owner); err != nil {
				return fmt.Errorf("sessions sweep: %w", err)
			}
			fmt.Printf("sweep complete for %s\n", owner)
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Acting user (default: $DOCCHAT_USER or login name)")
	return cmd
}
