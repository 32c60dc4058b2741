package otp

import (
	"regexp"
	"strconv"
	"strings"

	"onboard-service/internal/apperr"
	"onboard-service/internal/identity"

	"github.com/nyaruka/phonenumbers"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	phonePattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
)

// Validator checks and normalizes a destination before any provider call
type Validator struct {
	countryCode string
}

// NewValidator derives the default calling code from an ISO region such as "US"
func NewValidator(region string) *Validator {
	cc := phonenumbers.GetCountryCodeForRegion(strings.ToUpper(region))
	if cc == 0 {
		cc = 1
	}
	return &Validator{countryCode: strconv.Itoa(cc)}
}

// Validate returns the normalized destination for channel
func (v *Validator) Validate(channel identity.Channel, raw string) (string, error) {
	switch channel {
	case identity.ChannelPhone:
		phone := v.NormalizePhone(raw)
		if !phonePattern.MatchString(phone) || len(phone) < 8 || len(phone) > 16 {
			return "", apperr.NewValidation("phone", "Please enter a valid phone number")
		}
		return phone, nil
	default:
		email := strings.ToLower(strings.TrimSpace(raw))
		if !emailPattern.MatchString(email) {
			return "", apperr.NewValidation("email", "Please enter a valid email address")
		}
		return email, nil
	}
}

// NormalizePhone strips formatting and applies the default calling code to national numbers
func (v *Validator) NormalizePhone(raw string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	if strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	switch {
	case strings.HasPrefix(cleaned, v.countryCode) && len(cleaned) == 10+len(v.countryCode):
		return "+" + cleaned
	case len(cleaned) == 10:
		return "+" + v.countryCode + cleaned
	default:
		return "+" + cleaned
	}
}
