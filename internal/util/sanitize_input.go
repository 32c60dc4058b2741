package util

import "strings"

// EmailLocalPart returns the part of an address before the '@'
func EmailLocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i >= 0 {
		return email[:i]
	}
	return email
}

// MaskEmail keeps the first three characters of the local part for logs
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	local := EmailLocalPart(email)
	if len(local) > 3 {
		local = local[:3]
	}
	return local + "***"
}

// FormatAddress shortens a wallet address for display: first 7, an ellipsis, last 2
func FormatAddress(address string) string {
	if len(address) <= 9 {
		return address
	}
	return address[:7] + "......" + address[len(address)-2:]
}
