package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Channel is the delivery channel of a one-time passcode
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPhone Channel = "phone"
)

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelEmail, ChannelPhone:
		return Channel(s), nil
	case "":
		return ChannelEmail, nil
	default:
		return "", fmt.Errorf("unknown otp channel %q", s)
	}
}

// Session is what a successful passcode verification yields
type Session struct {
	JWT    string `json:"session_jwt"`
	Token  string `json:"session_token"`
	UserID string `json:"user_id"`
}

// SessionClaims are the fields read from the provider's session JWT
type SessionClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// InspectSessionJWT reads the subject and expiry of a provider session JWT
// without verifying its signature; the key network verifies it downstream.
func InspectSessionJWT(raw string) (*SessionClaims, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("parse session jwt: %w", err)
	}
	out := &SessionClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
