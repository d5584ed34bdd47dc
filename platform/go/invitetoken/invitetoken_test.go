package invitetoken

import (
	"encoding/base64"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T, now *time.Time) *Codec {
	t.Helper()
	codec, err := New(testSecret, WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return codec
}

func TestNewRejectsShortSecret(t *testing.T) {
	t.Parallel()

	_, err := New([]byte("short"))
	require.Error(t, err)
}

func TestDecodeValidityWindow(t *testing.T) {
	t.Parallel()

	issued := time.Date(2025, 3, 1, 10, 0, 0, 750*int(time.Millisecond), time.UTC)
	cases := []struct {
		name  string
		now   time.Time
		valid bool
	}{
		{name: "immediately", now: issued, valid: true},
		{name: "one hour later", now: issued.Add(time.Hour), valid: true},
		{name: "exactly 24h", now: issued.Add(Validity), valid: true},
		{name: "24h minus 1ms", now: issued.Add(Validity - time.Millisecond), valid: true},
		{name: "24h plus 1ms", now: issued.Add(Validity + time.Millisecond), valid: false},
		{name: "25 hours later", now: issued.Add(25 * time.Hour), valid: false},
		{name: "issued within skew", now: issued.Add(-30 * time.Second), valid: true},
		{name: "issued far in the future", now: issued.Add(-2 * time.Hour), valid: false},
		{name: "just past skew", now: issued.Add(-MaxClockSkew - time.Millisecond), valid: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := issued
			codec := newTestCodec(t, &now)
			token, err := codec.Encode(Claims{Email: "Maria@Empresa.com", TenantRole: "admin", TenantName: "AgroIndustrias Demo", Purpose: PurposeInvitation})
			require.NoError(t, err)

			now = tc.now
			claims, err := codec.Decode(token, PurposeInvitation)
			if !tc.valid {
				require.ErrorIs(t, err, ErrInvalidOrExpired)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "maria@empresa.com", claims.Email)
			require.Equal(t, "admin", claims.TenantRole)
			require.Equal(t, "AgroIndustrias Demo", claims.TenantName)
			require.True(t, claims.IssuedAt.Equal(issued))
		})
	}
}

func TestDecodeRejectsTampering(t *testing.T) {
	t.Parallel()

	now := time.Now()
	codec := newTestCodec(t, &now)
	token, err := codec.Encode(Claims{Email: "user@example.com", Purpose: PurposeInvitation})
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"email":"attacker@example.com","iat_ms":` +
		strconv.FormatInt(now.UnixMilli(), 10) + `,"purpose":"invitation","iss":"sata-platform","aud":["sata-invitation"]}`))

	other, err := New([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	foreign, err := other.Encode(Claims{Email: "user@example.com", Purpose: PurposeInvitation})
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"email": "user@example.com", "iat_ms": now.UnixMilli(), "purpose": "invitation",
		"iss": issuer, "aud": []string{"sata-invitation"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	otherAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, tokenClaims{
		Email: "user@example.com", IssuedAtMillis: now.UnixMilli(), Purpose: PurposeInvitation,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, Audience: jwt.ClaimStrings{"sata-invitation"}},
	}).SignedString(testSecret)
	require.NoError(t, err)

	wrongAudience, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Email: "user@example.com", IssuedAtMillis: now.UnixMilli(), Purpose: PurposeInvitation,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, Audience: jwt.ClaimStrings{"sata-password-reset"}},
	}).SignedString(testSecret)
	require.NoError(t, err)

	for name, candidate := range map[string]string{
		"empty":            "",
		"garbage":          "not-a-token",
		"extra segment":    token + ".extra",
		"swapped payload":  parts[0] + "." + forged + "." + parts[2],
		"bad base64":       parts[0] + "." + parts[1] + ".***",
		"other secret":     foreign,
		"truncated mac":    parts[0] + "." + parts[1] + "." + parts[2][:10],
		"alg none":         unsigned,
		"hs512":            otherAlg,
		"wrong audience":   wrongAudience,
		"legacy delimited": base64.RawURLEncoding.EncodeToString([]byte("user@example.com|1700000000000")),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := codec.Decode(candidate, PurposeInvitation)
			require.ErrorIs(t, err, ErrInvalidOrExpired)
		})
	}
}

func TestDecodeRejectsOtherPurpose(t *testing.T) {
	t.Parallel()

	now := time.Now()
	codec := newTestCodec(t, &now)
	token, err := codec.Encode(Claims{Email: "user@example.com", Purpose: PurposePasswordReset})
	require.NoError(t, err)

	_, err = codec.Decode(token, PurposeInvitation)
	require.ErrorIs(t, err, ErrInvalidOrExpired)

	claims, err := codec.Decode(token, PurposePasswordReset)
	require.NoError(t, err)
	require.Equal(t, PurposePasswordReset, claims.Purpose)
}

func TestEncodeRequiresEmailAndPurpose(t *testing.T) {
	t.Parallel()

	now := time.Now()
	codec := newTestCodec(t, &now)

	_, err := codec.Encode(Claims{Purpose: PurposeInvitation})
	require.Error(t, err)

	_, err = codec.Encode(Claims{Email: "user@example.com", Purpose: "login"})
	require.Error(t, err)
}
