package root

import (
	"github.com/sata-agro/sata-platform/apps/cli/cmd/bootstrap"
	"github.com/sata-agro/sata-platform/apps/cli/cmd/invite"
	tenantcmd "github.com/sata-agro/sata-platform/apps/cli/cmd/tenant"
	"github.com/sata-agro/sata-platform/apps/cli/cmd/token"
)

func init() {
	Root().AddCommand(token.Command())
	Root().AddCommand(bootstrap.Command())
	Root().AddCommand(tenantcmd.Command())
	Root().AddCommand(invite.Command())
}
