package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Scope is the tenant a farm user's request is bound to. It is attached to the context by middleware once
// the tenant claim of the session has been resolved against the backend.
type Scope struct {
	TenantID uuid.UUID
	Name     string
	Timezone string
}

type ctxKey string

const scopeKey ctxKey = "SATA_TENANT_SCOPE"

// WithScope returns a derived context carrying the tenant Scope.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// FromContext extracts the tenant Scope and a boolean indicating presence.
func FromContext(ctx context.Context) (Scope, bool) {
	v := ctx.Value(scopeKey)
	if v == nil {
		return Scope{}, false
	}

	scope, ok := v.(Scope)
	return scope, ok
}
