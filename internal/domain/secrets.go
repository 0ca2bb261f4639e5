package domain

import "log/slog"

// SecretString wraps sensitive string values such as the OTP pepper, the
// token signing secret and provider credentials. It redacts itself in
// fmt and slog output.
type SecretString string

// String returns a redacted placeholder, never the actual value.
func (s SecretString) String() string {
	return "[REDACTED]"
}

// LogValue keeps the secret out of structured logs even if ReplaceAttr is bypassed.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// Expose returns the actual secret value. Call it only at the point of use.
func (s SecretString) Expose() string {
	return string(s)
}

// IsEmpty returns true if the secret is empty.
func (s SecretString) IsEmpty() bool {
	return len(s) == 0
}

// SecretBytes is the byte-slice counterpart, used for HMAC key material.
type SecretBytes []byte

func (s SecretBytes) String() string {
	return "[REDACTED]"
}

func (s SecretBytes) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// Expose returns the actual secret bytes.
func (s SecretBytes) Expose() []byte {
	return []byte(s)
}

func (s SecretBytes) IsEmpty() bool {
	return len(s) == 0
}

var (
	_ slog.LogValuer = SecretString("")
	_ slog.LogValuer = SecretBytes{}
)
