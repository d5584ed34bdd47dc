package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"

	platformauth "github.com/sata-agro/sata-platform/platform/go/auth"
	"github.com/sata-agro/sata-platform/platform/go/problem"
)

var (
	errMissingSession = errors.New("missing or invalid session")
	errRoleNotAllowed = errors.New("role not allowed for this operation")
)

// ValidateAuthenticationViaSwagger checks operations that declare bearerAuth against the credentials placed
// on the request by auth.JWT. Scopes listed on the security requirement are the roles allowed to call it.
func ValidateAuthenticationViaSwagger(_ context.Context, input *openapi3filter.AuthenticationInput) error {
	if input == nil || input.SecuritySchemeName != "bearerAuth" {
		return nil
	}

	r := input.RequestValidationInput.Request
	if r == nil {
		return fmt.Errorf("no request in validation input")
	}

	creds, ok := platformauth.UserFromContext(r.Context())
	if !ok || creds == nil {
		return errMissingSession
	}

	if len(input.Scopes) > 0 && !slices.Contains(input.Scopes, creds.Role) {
		return fmt.Errorf("%w: %s", errRoleNotAllowed, creds.Role)
	}
	return nil
}

// SpecValidator enforces spec on incoming requests. Violations are answered with problem details; the
// authentication check runs ValidateAuthenticationViaSwagger, so it must be mounted after auth.JWT.
func SpecValidator(spec *openapi3.T) func(http.Handler) http.Handler {
	return oapimiddleware.OapiRequestValidatorWithOptions(spec, &oapimiddleware.Options{
		Options: openapi3filter.Options{
			AuthenticationFunc: ValidateAuthenticationViaSwagger,
		},
		ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
			problem.Write(w, contractViolation(message, statusCode))
		},
	})
}

func contractViolation(message string, status int) problem.Details {
	switch status {
	case http.StatusUnauthorized:
		p := problem.New("Unauthorized", message, problem.TypeUnauthorized, status, nil)
		p.Code = "unauthenticated"
		return p
	case http.StatusNotFound:
		p := problem.New("Not found", message, problem.TypeNotFound, status, nil)
		p.Code = "not_found"
		return p
	default:
		p := problem.New("Bad request", message, problem.TypeValidation, status, nil)
		p.Code = "contract_violation"
		return p
	}
}
