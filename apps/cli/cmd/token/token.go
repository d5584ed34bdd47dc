package token

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sata-agro/sata-platform/platform/go/auth/devtoken"
)

// Command mints a session token for local development, skipping login and step-up.
func Command() *cobra.Command {
	var params devtoken.Params

	c := &cobra.Command{
		Use:   "token",
		Short: "Generate a signed session token for dev/local use",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := devtoken.Build(params, time.Now().UTC())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", tok.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	c.Flags().StringVar(&params.Secret, "secret", os.Getenv("SESSION_SECRET"), "session signing secret (defaults to SESSION_SECRET)")
	c.Flags().StringVar(&params.UserID, "user-id", "", "sub claim")
	c.Flags().StringVar(&params.Email, "email", "", "email claim")
	c.Flags().StringVar(&params.Name, "name", "", "display name")
	c.Flags().StringVar(&params.Role, "role", "farm_user", "farm_user, sata_admin or sata_tech")
	c.Flags().StringVar(&params.TenantID, "tenant-id", "", "tenant UUID (farm_user only)")
	c.Flags().StringVar(&params.TenantRole, "tenant-role", "", "owner, admin or member (farm_user only)")
	c.Flags().DurationVar(&params.ExpiresIn, "expires-in", time.Hour, "token lifetime (e.g. 30m, 2h)")

	_ = c.MarkFlagRequired("user-id")
	_ = c.MarkFlagRequired("email")

	return c
}
