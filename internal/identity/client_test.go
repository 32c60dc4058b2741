package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"onboard-service/internal/apperr"
	"onboard-service/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.IdentityConfig{
		BaseURL:         srv.URL,
		ProjectID:       "project-test",
		Secret:          "secret-test",
		Timeout:         2 * time.Second,
		EmailExpiration: 5 * time.Minute,
	}, zap.NewNop())
}

func TestLoginOrCreate_Email(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/otps/email/login_or_create", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "project-test", user)
		assert.Equal(t, "secret-test", pass)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user@example.com", body["email"])
		assert.EqualValues(t, 5, body["expiration_minutes"])

		_, _ = w.Write([]byte(`{"user_id":"user-1","email_id":"email-abc"}`))
	})

	id, err := c.LoginOrCreate(context.Background(), ChannelEmail, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "email-abc", id)
}

func TestLoginOrCreate_Phone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/otps/sms/login_or_create", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "+15551234567", body["phone_number"])
		_, _ = w.Write([]byte(`{"user_id":"user-1","phone_id":"phone-xyz"}`))
	})

	id, err := c.LoginOrCreate(context.Background(), ChannelPhone, "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "phone-xyz", id)
}

func TestLoginOrCreate_ProviderRejection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status_code":400,"error_type":"invalid_email","error_message":"Email format is invalid."}`))
	})

	_, err := c.LoginOrCreate(context.Background(), ChannelEmail, "user@example.com")
	require.Error(t, err)

	var pe *apperr.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "invalid_email", pe.Code)
	assert.Equal(t, "Email format is invalid.", err.Error())
}

func TestLoginOrCreate_Unreachable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.LoginOrCreate(context.Background(), ChannelEmail, "user@example.com")
	assert.True(t, apperr.IsNetwork(err))
}

func TestAuthenticate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/otps/authenticate", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "email-abc", body["method_id"])
		assert.Equal(t, "123456", body["code"])
		assert.EqualValues(t, 60, body["session_duration_minutes"])
		_, _ = w.Write([]byte(`{"session_jwt":"jwt-token","session_token":"tok","user_id":"user-1"}`))
	})

	s, err := c.Authenticate(context.Background(), "123456", "email-abc", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "jwt-token", s.JWT)
	assert.Equal(t, "user-1", s.UserID)
}

func TestAuthenticate_WrongCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error_type":"otp_code_not_found","error_message":"The passcode is incorrect."}`))
	})

	_, err := c.Authenticate(context.Background(), "000000", "email-abc", time.Hour)
	assert.True(t, apperr.IsProvider(err))
	assert.EqualError(t, err, "The passcode is incorrect.")
}

func signedSession(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("any-key"))
	require.NoError(t, err)
	return raw
}

func TestAuthenticate_UserFromSessionJWT(t *testing.T) {
	raw := signedSession(t, "user-from-jwt", time.Now().Add(time.Hour))
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"session_jwt": raw, "session_token": "tok"})
	})

	s, err := c.Authenticate(context.Background(), "123456", "email-abc", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "user-from-jwt", s.UserID)
}

func TestAuthenticate_RejectsBadSessions(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
		msg  string
	}{
		{"expired", map[string]string{"session_jwt": signedSession(t, "user-1", time.Now().Add(-time.Minute)), "user_id": "user-1"}, "provider returned an expired session"},
		{"no user", map[string]string{"session_jwt": "opaque"}, "provider returned an incomplete session"},
		{"no jwt", map[string]string{"user_id": "user-1"}, "provider returned an incomplete session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(tt.body)
			})

			_, err := c.Authenticate(context.Background(), "123456", "email-abc", time.Hour)
			assert.True(t, apperr.IsProvider(err))
			assert.EqualError(t, err, tt.msg)
		})
	}
}

func TestInspectSessionJWT(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("any-key"))
	require.NoError(t, err)

	claims, err := InspectSessionJWT(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.True(t, exp.Equal(claims.ExpiresAt))

	_, err = InspectSessionJWT("not-a-jwt")
	assert.Error(t, err)
}

func TestParseChannel(t *testing.T) {
	c, err := ParseChannel("")
	require.NoError(t, err)
	assert.Equal(t, ChannelEmail, c)

	c, err = ParseChannel("phone")
	require.NoError(t, err)
	assert.Equal(t, ChannelPhone, c)

	_, err = ParseChannel("carrier-pigeon")
	assert.Error(t, err)
}
