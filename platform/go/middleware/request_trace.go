package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	platformauth "github.com/sata-agro/sata-platform/platform/go/auth"
	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	"github.com/sata-agro/sata-platform/platform/go/problem"
	"github.com/sata-agro/sata-platform/platform/go/requesttrace"
)

// RequestTrace records who is acting on the request: a session holder or an anonymous caller on the
// public routes (login, registration, invitation redemption). The actor goes into the context for audit
// fields and onto the request logger. Mount it after auth.JWT.
func RequestTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := platformlogging.FromContextOr(ctx, zap.NewNop())
		requestID := middleware.GetReqID(ctx)

		audit := requesttrace.Anonymous(requestID)
		if creds, ok := platformauth.UserFromContext(ctx); ok && creds != nil {
			var err error
			if audit, err = requesttrace.FromCredentials(creds, requestID); err != nil {
				// A verifier handed over a session without a subject.
				logger.Warn("session without subject", zap.Error(err))
				p := problem.New("Unauthorized", "session does not identify an account", problem.TypeUnauthorized, http.StatusUnauthorized, nil)
				p.Code = "unauthenticated"
				problem.Write(w, p)
				return
			}
		}

		actor := audit
		actor.RequestID = ""
		ctx = requesttrace.IntoContext(ctx, audit)
		ctx = platformlogging.WithLogger(ctx, logger.With(actor.Fields()...))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
