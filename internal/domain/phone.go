package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// e164Pattern matches E.164 phone numbers: + followed by 7-15 digits.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// PhoneNumber is a value object representing a phone number in E.164 format.
// Always valid in memory: use NewPhoneNumber or PhoneNormalizer to construct.
type PhoneNumber struct {
	value string
}

// NewPhoneNumber creates a PhoneNumber from an already canonical E.164 string.
func NewPhoneNumber(raw string) (PhoneNumber, error) {
	if raw == "" {
		return PhoneNumber{}, fmt.Errorf("phone number cannot be empty: %w", ErrInvalidPhoneFormat)
	}
	if !e164Pattern.MatchString(raw) {
		return PhoneNumber{}, fmt.Errorf("phone number is not valid E.164: %w", ErrInvalidPhoneFormat)
	}
	return PhoneNumber{value: raw}, nil
}

// MustPhoneNumber creates a PhoneNumber, panicking on invalid input. Use only in tests.
func MustPhoneNumber(raw string) PhoneNumber {
	p, err := NewPhoneNumber(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p PhoneNumber) String() string { return p.value }
func (p PhoneNumber) IsZero() bool   { return p.value == "" }

// Masked returns the number with everything but the country prefix and the
// last four digits hidden, e.g. +91******3210. Safe for logs and audit events.
func (p PhoneNumber) Masked() string {
	if p.value == "" {
		return ""
	}
	const keepTail = 4
	const keepHead = 3 // "+" and two leading digits
	if len(p.value) <= keepHead+keepTail {
		return strings.Repeat("*", len(p.value)-2) + p.value[len(p.value)-2:]
	}
	hidden := len(p.value) - keepHead - keepTail
	return p.value[:keepHead] + strings.Repeat("*", hidden) + p.value[len(p.value)-keepTail:]
}

// PhoneNormalizer canonicalizes user-typed mobile numbers into E.164.
// Numbers without an international prefix are treated as national numbers
// of the configured country.
type PhoneNormalizer struct {
	CountryCode    string // digits only, e.g. "91"
	NationalLength int    // national significant number length, e.g. 10
}

// DefaultPhoneNormalizer returns the normalizer for the storefront's home market.
func DefaultPhoneNormalizer() PhoneNormalizer {
	return PhoneNormalizer{CountryCode: DefaultCountryCode, NationalLength: DefaultNationalNumberLength}
}

// Normalize strips every non-digit character, applies the default country code
// when the number carries none, and validates the result.
// Normalize is pure: the same input always yields the same output.
func (n PhoneNormalizer) Normalize(raw string) (PhoneNumber, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PhoneNumber{}, fmt.Errorf("phone number cannot be empty: %w", ErrInvalidPhoneFormat)
	}

	// Every non-digit is dropped. A '+' ahead of the first digit marks the
	// number as international.
	var (
		b             strings.Builder
		international bool
	)
	for _, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			international = true
		}
	}
	digits := b.String()
	if !international && strings.HasPrefix(digits, "00") {
		international = true
		digits = digits[2:]
	}

	if !international {
		switch {
		case n.NationalLength > 0 && len(digits) == n.NationalLength+1 && digits[0] == '0':
			digits = n.CountryCode + digits[1:]
		case n.NationalLength > 0 && len(digits) == n.NationalLength:
			digits = n.CountryCode + digits
		case strings.HasPrefix(digits, n.CountryCode) && len(digits) == len(n.CountryCode)+n.NationalLength:
		default:
			return PhoneNumber{}, fmt.Errorf("phone number has %d digits: %w", len(digits), ErrInvalidPhoneFormat)
		}
	}

	return NewPhoneNumber("+" + digits)
}
