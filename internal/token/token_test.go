package token

import (
	"testing"
	"time"

	"onboard-service/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIssuer(clock clockwork.Clock) *Issuer {
	return NewIssuer(config.TokenConfig{
		Secret: "0123456789abcdef0123456789abcdef",
		TTL:    30 * time.Minute,
		Issuer: "onboard-service",
	}, clock)
}

func TestIssueVerify(t *testing.T) {
	clock := clockwork.NewFakeClock()
	iss := testIssuer(clock)

	raw, exp, err := iss.Issue("flow-1", "signup")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(30*time.Minute), exp)

	claims, err := iss.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "flow-1", claims.Subject)
	assert.Equal(t, "signup", claims.Mode)
}

func TestVerify_Expired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	iss := testIssuer(clock)

	raw, _, err := iss.Issue("flow-1", "login")
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	_, err = iss.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsOtherSecretAndAlg(t *testing.T) {
	clock := clockwork.NewFakeClock()
	iss := testIssuer(clock)

	other := NewIssuer(config.TokenConfig{Secret: "another-secret-another-secret-xx", TTL: time.Minute, Issuer: "onboard-service"}, clock)
	raw, _, err := other.Issue("flow-1", "login")
	require.NoError(t, err)
	_, err = iss.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "flow-1",
		Issuer:    "onboard-service",
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = iss.Verify(none)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
