package tenantcmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sata-agro/sata-platform/apps/cli/cliconfig"
	"github.com/sata-agro/sata-platform/domains/tenants/be/service"
	usershandler "github.com/sata-agro/sata-platform/domains/users/be/handler"
)

// Command groups tenant lifecycle helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant lifecycle (list/create/seed/delete)",
	}

	cmd.AddCommand(listCommand(), createCommand(), seedCommand(), deleteCommand())
	return cmd
}

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := cliconfig.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			tenants, err := env.Tenants().List(env.Context(cmd.Context(), "tenant list"))
			if err != nil {
				return fmt.Errorf("list tenants: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTIMEZONE\tCREATED")
			for _, t := range tenants {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Timezone, t.CreatedAt.Format("2006-01-02"))
			}
			return tw.Flush()
		},
	}
}

func createCommand() *cobra.Command {
	var (
		owner      service.OwnerInput
		tenantName string
		timezone   string
		seed       bool
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant together with its Active owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := cliconfig.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := env.Context(cmd.Context(), "tenant create")
			svc := env.Tenants()

			var opts []service.CreateOption
			if timezone != "" {
				opts = append(opts, service.WithTimezone(timezone))
			}

			create := svc.CreateTenant
			if seed {
				create = svc.RegisterOwner
			}
			t, acc, err := create(ctx, owner, tenantName, opts...)
			if err != nil {
				return describe("create tenant", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s (%s, %s) owner %s (%s)\n", t.Name, t.ID, t.Timezone, acc.Email, acc.ID)
			return nil
		},
	}

	c.Flags().StringVar(&tenantName, "name", "", "tenant (company) name")
	c.Flags().StringVar(&timezone, "timezone", "", "IANA timezone, UTC when empty")
	c.Flags().StringVar(&owner.Name, "owner-name", "", "owner full name")
	c.Flags().StringVar(&owner.Email, "owner-email", "", "owner email")
	c.Flags().StringVar(&owner.Password, "owner-password", "", "owner initial password")
	c.Flags().BoolVar(&seed, "seed", false, "load the demo dataset after creating the tenant")

	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("owner-email")
	_ = c.MarkFlagRequired("owner-password")

	return c
}

func seedCommand() *cobra.Command {
	var (
		rawID string
		force bool
	)

	c := &cobra.Command{
		Use:   "seed",
		Short: "Load the demo dataset into a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(rawID)
			if err != nil {
				return fmt.Errorf("invalid --tenant-id: %w", err)
			}

			env, err := cliconfig.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.Tenants().SeedTenant(env.Context(cmd.Context(), "tenant seed"), tenantID, force)
			if err != nil {
				return describe("seed tenant", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d assets, %d contacts, %d users, %d rules, %d alert logs\n",
				result.Assets, result.Contacts, result.Users, result.Rules, result.AlertLogs)
			return nil
		},
	}

	c.Flags().StringVar(&rawID, "tenant-id", "", "tenant UUID")
	c.Flags().BoolVar(&force, "force", false, "seed even if the tenant already has assets")
	_ = c.MarkFlagRequired("tenant-id")

	return c
}

// deleteCommand is the CLI twin of the administrator's forced delete: removing an owner removes the tenant.
func deleteCommand() *cobra.Command {
	var (
		rawID        string
		confirmation string
	)

	c := &cobra.Command{
		Use:   "delete",
		Short: "Force-delete an account; an owner takes its whole tenant with it",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(rawID)
			if err != nil {
				return fmt.Errorf("invalid --user-id: %w", err)
			}
			if confirmation != usershandler.ForcedDeleteConfirmation {
				return fmt.Errorf("--confirm must be exactly %q", usershandler.ForcedDeleteConfirmation)
			}

			env, err := cliconfig.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.Tenants().DeleteTenantForced(env.Context(cmd.Context(), "tenant delete"), userID)
			if err != nil {
				return describe("delete", err)
			}

			out := cmd.OutOrStdout()
			if !result.Tenant {
				fmt.Fprintf(out, "deleted account %s\n", result.UserID)
				return nil
			}
			cascade := result.Cascade
			fmt.Fprintf(out, "deleted tenant %s: %d users, %d contacts, %d assets, %d rules, %d alert logs\n",
				cascade.TenantID, cascade.Users, cascade.Contacts, cascade.Assets, cascade.Rules, cascade.AlertLogs)
			return nil
		},
	}

	c.Flags().StringVar(&rawID, "user-id", "", "account UUID")
	c.Flags().StringVar(&confirmation, "confirm", "", fmt.Sprintf("must be %q", usershandler.ForcedDeleteConfirmation))
	_ = c.MarkFlagRequired("user-id")

	return c
}

// describe expands validation errors into their field messages.
func describe(action string, err error) error {
	var validationErr *service.ValidationError
	if errors.As(err, &validationErr) {
		return fmt.Errorf("%s: %v", action, validationErr.Fields)
	}
	return fmt.Errorf("%s: %w", action, err)
}
