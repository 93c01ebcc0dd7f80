// Package normalize converts raw contact strings into canonical form.
//
// Phone normalization targets E.164 (+14155551234); emails are lowercased.
// All functions are total: unparseable input comes back unchanged rather
// than as an error, so callers never need a fallback path.
package normalize

import (
	"strings"
	"unicode/utf8"
)

// Type classifies a contact value.
type Type string

const (
	TypePhone   Type = "phone"
	TypeEmail   Type = "email"
	TypeUnknown Type = "unknown"
)

// Digits returns only the decimal digit characters of s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Phone normalizes a phone number to E.164 format.
//
// A 10-digit number with no country code is assumed to be US (+1). Numbers
// that already carry a leading + keep their country code. Anything with
// fewer than 7 digits is returned unchanged.
func Phone(raw string) string {
	if raw == "" {
		return raw
	}

	cleaned := strings.TrimSpace(raw)
	hasPlus := strings.HasPrefix(cleaned, "+")

	digits := Digits(cleaned)
	if digits == "" {
		return raw
	}

	if hasPlus {
		return "+" + digits
	}

	// 10-digit US number without country code
	if len(digits) == 10 {
		return "+1" + digits
	}

	// 11 digits starting with 1: US with country code
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		return "+" + digits
	}

	// Best-effort international
	if len(digits) >= 7 {
		return "+" + digits
	}

	return raw
}

// Email lowercases and trims an email address. Values without an @ are
// returned unchanged.
func Email(raw string) string {
	if raw == "" {
		return raw
	}

	normalized := strings.ToLower(strings.TrimSpace(raw))
	if !strings.Contains(normalized, "@") {
		return raw
	}
	return normalized
}

// DetectType classifies a contact value as phone, email, or unknown.
//
// Presence of @ means email. Otherwise the value is a phone when it has
// 7-15 digits and digits make up at least half of it (spaces and hyphens
// ignored).
func DetectType(value string) Type {
	if value == "" {
		return TypeUnknown
	}

	cleaned := strings.TrimSpace(value)
	if strings.Contains(cleaned, "@") {
		return TypeEmail
	}

	digits := Digits(cleaned)
	if len(digits) >= 7 && len(digits) <= 15 {
		compact := strings.NewReplacer(" ", "", "-", "").Replace(cleaned)
		if n := utf8.RuneCountInString(compact); n > 0 && float64(len(digits))/float64(n) >= 0.5 {
			return TypePhone
		}
	}

	return TypeUnknown
}

// Handle normalizes a raw handle value and reports its detected type.
// Unknown values are only trimmed.
func Handle(value string) (string, Type) {
	t := DetectType(value)
	switch t {
	case TypeEmail:
		return Email(value), t
	case TypePhone:
		return Phone(value), t
	default:
		return strings.TrimSpace(value), t
	}
}
