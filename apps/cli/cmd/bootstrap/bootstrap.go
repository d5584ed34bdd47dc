package bootstrap

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sata-agro/sata-platform/apps/cli/cliconfig"
	tenantsservice "github.com/sata-agro/sata-platform/domains/tenants/be/service"
)

// Command creates the platform staff accounts and the demo tenant. Re-running it is safe: existing
// accounts and tenants are left untouched.
func Command() *cobra.Command {
	var in tenantsservice.BootstrapInput

	c := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create admin@sata.com, tech@sata.com and the demo tenant",
		Long: "Idempotently creates the platform administrator, the technical support account and the demo tenant " +
			"\"AgroIndustrias Demo\" owned by gerente@empresa.com, then seeds the demo tenant.",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := cliconfig.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := env.Context(cmd.Context(), "bootstrap")
			result, err := env.Tenants().Bootstrap(ctx, in)
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(result.Created) == 0 {
				fmt.Fprintln(out, "Nothing to do: every bootstrap account already exists.")
			}
			for _, email := range result.Created {
				fmt.Fprintf(out, "created %s\n", email)
			}
			if result.DemoTenant != nil {
				fmt.Fprintf(out, "demo tenant %s\n", result.DemoTenant)
			}
			if result.Seed != nil {
				fmt.Fprintf(out, "seeded %d assets, %d contacts, %d users, %d rules, %d alert logs\n",
					result.Seed.Assets, result.Seed.Contacts, result.Seed.Users, result.Seed.Rules, result.Seed.AlertLogs)
			}
			return nil
		},
	}

	c.Flags().StringVar(&in.AdminPassword, "admin-password", os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"), "password for admin@sata.com")
	c.Flags().StringVar(&in.TechPassword, "tech-password", os.Getenv("BOOTSTRAP_TECH_PASSWORD"), "password for tech@sata.com")
	c.Flags().StringVar(&in.OwnerPassword, "owner-password", os.Getenv("BOOTSTRAP_OWNER_PASSWORD"), "password for gerente@empresa.com")

	return c
}
