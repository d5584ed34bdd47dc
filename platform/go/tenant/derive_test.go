package tenant

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestShortID(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("9f1c2a4e-7b3d-4c1e-8a2f-1234567890ab")
	require.Equal(t, "9f1c2a4e", ShortID(id, 0))
	require.Equal(t, "9f1c", ShortID(id, 4))
	require.Equal(t, "9f1c2a4e7b3d4c1e8a2f1234567890ab", ShortID(id, 64))
}
