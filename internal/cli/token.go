package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/prudhvinik1/orderrelay/internal/services"
)

type TokenOptions struct {
	Subject string
	Secret  string
	Expiry  time.Duration
}

func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a subscriber token",
		Long: `Sign a subscriber token with the relay's secret.

The secret defaults to $SUBSCRIBER_JWT_SECRET.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Secret == "" {
				opts.Secret = os.Getenv("SUBSCRIBER_JWT_SECRET")
			}
			if opts.Secret == "" {
				return errors.New("a secret is required: pass --secret or set SUBSCRIBER_JWT_SECRET")
			}

			issued, err := services.NewAuthService(opts.Secret, opts.Expiry).IssueToken(opts.Subject)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return json.NewEncoder(out).Encode(map[string]any{
					"token":      issued.Token,
					"token_id":   issued.TokenID,
					"expires_at": issued.ExpiresAt.UTC(),
				})
			}
			fmt.Fprintln(out, issued.Token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Subject, "subject", "s", "orderwatch", "subject recorded in the token")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "signing secret")
	cmd.Flags().DurationVar(&opts.Expiry, "expiry", 24*time.Hour, "token lifetime")

	return cmd
}
