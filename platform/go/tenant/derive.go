package tenant

import (
	"strings"

	"github.com/google/uuid"
)

// ShortID returns the first n hexadecimal characters of a UUID (without dashes), 8 when n is not positive.
func ShortID(id uuid.UUID, n int) string {
	if n <= 0 {
		n = 8
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	if len(hex) < n {
		return hex
	}
	return hex[:n]
}
