// Package contracts embeds the OpenAPI documents the API validates against and publishes.
package contracts

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed identity.yaml
var identityYAML []byte

// IdentityYAML returns the raw identity API document.
func IdentityYAML() []byte {
	return identityYAML
}

// LoadIdentity parses and validates the identity API document. Each call returns a fresh copy.
func LoadIdentity(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx

	spec, err := loader.LoadFromData(identityYAML)
	if err != nil {
		return nil, fmt.Errorf("load identity contract: %w", err)
	}
	if err := spec.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate identity contract: %w", err)
	}
	return spec, nil
}
