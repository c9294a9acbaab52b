package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caseworks/docchat-go/internal/logging"
)

// NewRateCmd constructs the `docchat rate` command for recording feedback on
// an answer.
func NewRateCmd() *cobra.Command {
	var sessionID string
	var user string
	var rating int

	cmd := &cobra.Command{
		Use:   "rate [exchange-id]",
		Short: "Record feedback on an answer",
		Long: `Record a rating on an exchange. The exchange ID is printed by ask when
LOG_LEVEL=debug, and ratings influence which answers appear in future
history reconstruction.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := buildApp(ctx, log)
			if err != nil {
				return fmt.Errorf("rate: %w", err)
			}
			defer a.close()

			if err := a.orc.RateExchange(ctx, resolveOwner(user), sessionID, args[0], rating); err != nil {
				return fmt.Errorf("rate: %w", err)
			}
			fmt.Printf("rated exchange %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session the exchange belongs to (required)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "Acting user (default: $DOCCHAT_USER or login name)")
	cmd.Flags().IntVarP(&rating, "rating", "r", 1, "Rating value (1 = helpful, 2 = cancelled)")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}
