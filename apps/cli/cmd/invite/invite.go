package invite

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sata-agro/sata-platform/apps/cli/cliconfig"
	"github.com/sata-agro/sata-platform/domains/invitations/be/service"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
)

// Command issues an invitation on behalf of the platform administrator.
func Command() *cobra.Command {
	var (
		recipient   service.Recipient
		role        string
		tenantRole  string
		rawTenantID string
	)

	c := &cobra.Command{
		Use:   "invite",
		Short: "Invite a user and print the acceptance link",
		Long: "Creates (or refreshes) a Pendiente account and emails the invitation through MAIL_TRANSPORT. " +
			"The link is printed even when delivery fails so it can be shared by hand.",
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient.GlobalRole = persistence.GlobalRole(role)
			recipient.TenantRole = persistence.TenantRole(tenantRole)
			if rawTenantID != "" {
				id, err := uuid.Parse(rawTenantID)
				if err != nil {
					return fmt.Errorf("invalid --tenant-id: %w", err)
				}
				recipient.TenantID = &id
			}

			env, err := cliconfig.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			svc, err := env.Invitations()
			if err != nil {
				return err
			}

			issued, err := svc.Issue(env.Context(cmd.Context(), "invite"), service.Inviter{Role: persistence.RolePlatformAdmin}, recipient)
			if err != nil {
				var validationErr *service.ValidationError
				if errors.As(err, &validationErr) {
					return fmt.Errorf("invite: %v", validationErr.Fields)
				}
				return fmt.Errorf("invite: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "invited %s (%s)\n", issued.Account.Email, issued.Account.ID)
			fmt.Fprintln(out, issued.Link)
			if !issued.Delivery.Sent {
				fmt.Fprintf(out, "email not sent: %s\n", issued.Delivery.Error)
			}
			return nil
		},
	}

	c.Flags().StringVar(&recipient.Name, "name", "", "full name")
	c.Flags().StringVar(&recipient.Email, "email", "", "email address")
	c.Flags().StringVar(&role, "role", string(persistence.RoleFarmUser), "farm_user, sata_admin or sata_tech")
	c.Flags().StringVar(&tenantRole, "tenant-role", string(persistence.TenantRoleMember), "owner, admin or member (farm_user only)")
	c.Flags().StringVar(&rawTenantID, "tenant-id", "", "tenant UUID (farm_user only)")

	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("email")

	return c
}
