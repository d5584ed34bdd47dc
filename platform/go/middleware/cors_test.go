package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	cases := []struct {
		name        string
		origins     []string
		origin      string
		allowOrigin string
		credentials string
	}{
		{name: "any origin", origin: "https://portal.example", allowOrigin: "*"},
		{name: "listed origin", origins: []string{"https://portal.example"}, origin: "https://portal.example", allowOrigin: "https://portal.example", credentials: "true"},
		{name: "unlisted origin", origins: []string{"https://portal.example"}, origin: "https://evil.example"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodOptions, "/api/v1/auth/login", nil)
			req.Header.Set("Origin", tc.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			resp := httptest.NewRecorder()

			CORS(tc.origins)(next).ServeHTTP(resp, req)

			require.Equal(t, tc.allowOrigin, resp.Header().Get("Access-Control-Allow-Origin"))
			require.Equal(t, tc.credentials, resp.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}
