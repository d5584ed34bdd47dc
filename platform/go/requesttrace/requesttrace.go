package requesttrace

import (
	"context"
	"errors"

	"go.uber.org/zap"

	platformauth "github.com/sata-agro/sata-platform/platform/go/auth"
)

type contextKey string

const (
	ctxAuditInfo contextKey = "SATA_REQUEST_TRACE"
)

// ActorKind represents who initiated a request.
type ActorKind string

const (
	ActorKindUser      ActorKind = "user"
	ActorKindAnonymous ActorKind = "anonymous"
	ActorKindSystem    ActorKind = "system"
)

// AuditInfo captures request-scoped metadata for the audit trail of account and tenant mutations.
// UserID and Role are set only when ActorKind is user.
type AuditInfo struct {
	ActorKind ActorKind
	UserID    *string
	Role      string
	TenantID  *string
	RequestID string
}

// IntoContext stores the AuditInfo in the provided context.
func IntoContext(ctx context.Context, audit AuditInfo) context.Context {
	return context.WithValue(ctx, ctxAuditInfo, audit)
}

// FromContext extracts the AuditInfo from context, returning false when not present.
func FromContext(ctx context.Context) (AuditInfo, bool) {
	if ctx == nil {
		return AuditInfo{}, false
	}
	v := ctx.Value(ctxAuditInfo)
	if v == nil {
		return AuditInfo{}, false
	}

	audit, ok := v.(AuditInfo)
	return audit, ok
}

// FromContextOrAnonymous returns the AuditInfo stored on the context, or an anonymous record when absent.
func FromContextOrAnonymous(ctx context.Context) AuditInfo {
	if audit, ok := FromContext(ctx); ok {
		return audit
	}
	return Anonymous("")
}

// FromCredentials builds an AuditInfo from authenticated user credentials and a request ID.
// Returns an error when creds are nil or missing a UserID.
func FromCredentials(creds *platformauth.UserCredentials, requestID string) (AuditInfo, error) {
	if creds == nil {
		return AuditInfo{}, errors.New("credentials are required to build audit info")
	}
	if creds.Id == "" {
		return AuditInfo{}, errors.New("user id is required to build audit info")
	}

	return AuditInfo{
		ActorKind: ActorKindUser,
		UserID:    &creds.Id,
		Role:      creds.Role,
		TenantID:  creds.TenantID,
		RequestID: requestID,
	}, nil
}

// Anonymous builds an AuditInfo for unauthenticated requests (login, signup, redemption).
func Anonymous(requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindAnonymous, RequestID: requestID}
}

// System builds an AuditInfo for CLI and background operations.
func System(requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindSystem, RequestID: requestID}
}

// Fields renders the audit record as log fields.
func (a AuditInfo) Fields() []zap.Field {
	fields := []zap.Field{zap.String("actor_kind", string(a.ActorKind))}
	if a.UserID != nil && *a.UserID != "" {
		fields = append(fields, zap.String("actor_id", *a.UserID))
	}
	if a.Role != "" {
		fields = append(fields, zap.String("actor_role", a.Role))
	}
	if a.TenantID != nil && *a.TenantID != "" {
		fields = append(fields, zap.String("actor_tenant_id", *a.TenantID))
	}
	if a.RequestID != "" {
		fields = append(fields, zap.String("request_id", a.RequestID))
	}
	return fields
}
