package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-session-secret"

func TestIssueAndParse(t *testing.T) {
	t.Parallel()

	m, err := NewManager(testSecret, time.Hour)
	require.NoError(t, err)

	token, err := m.Issue("user-1", Claims{Email: "gerente@empresa.com", Role: "farm_user", TenantID: "farm-1", TenantRole: "owner"})
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), token.ExpiresAt, 5*time.Second)

	claims, err := m.Parse(token.Value)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "farm_user", claims.Role)
	require.Equal(t, "farm-1", claims.TenantID)
	require.Equal(t, "owner", claims.TenantRole)
}

func TestParseRejectsExpired(t *testing.T) {
	t.Parallel()

	m, err := NewManager(testSecret, time.Minute)
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	token, err := m.WithClock(func() time.Time { return past }).Issue("user-1", Claims{Role: "sata_admin"})
	require.NoError(t, err)

	_, err = m.Parse(token.Value)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsForeignTokens(t *testing.T) {
	t.Parallel()

	m, err := NewManager(testSecret, time.Hour)
	require.NoError(t, err)

	other, err := NewManager("another-secret", time.Hour)
	require.NoError(t, err)
	foreign, err := other.Issue("user-1", Claims{Role: "sata_admin"})
	require.NoError(t, err)

	_, err = m.Parse(foreign.Value)
	require.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-1", "role": "sata_admin", "iss": issuer, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Parse(unsigned)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewManagerRequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := NewManager("  ", time.Hour)
	require.Error(t, err)
}
