package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS builds the cross-origin policy for the portals. With no origins configured any origin is
// accepted but credentials are not.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowCredentials := len(origins) > 0
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	})
}
