package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/aelexs/storefront-otp/internal/domain"
)

var otpMax = big.NewInt(1_000_000) // 10^6 for 6-digit OTP

// GenerateOTP generates a cryptographically random 6-digit OTP.
// Uses crypto/rand with rejection sampling (via big.Int) to avoid modulo bias.
// The OTP is zero-padded (e.g., "000123").
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpMax)
	if err != nil {
		return "", fmt.Errorf("generate OTP: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// IsWellFormedOTP reports whether candidate is exactly six ASCII digits.
func IsWellFormedOTP(candidate string) bool {
	if len(candidate) != domain.OTPLength {
		return false
	}
	for i := 0; i < len(candidate); i++ {
		if candidate[i] < '0' || candidate[i] > '9' {
			return false
		}
	}
	return true
}

// ComputeCodeMAC computes HMAC-SHA256(pepper, code || challengeID || keyHash).
// Binding the challenge id means a code issued for one challenge can never
// verify against another, even for the same key.
func ComputeCodeMAC(pepper []byte, code, challengeID, keyHash string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(code))
	mac.Write([]byte{0})
	mac.Write([]byte(challengeID))
	mac.Write([]byte{0})
	mac.Write([]byte(keyHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCodeMAC verifies a candidate against a stored MAC in constant time.
func VerifyCodeMAC(pepper []byte, candidate, challengeID, keyHash, storedMAC string) bool {
	candidateMAC := ComputeCodeMAC(pepper, candidate, challengeID, keyHash)
	return subtle.ConstantTimeCompare([]byte(candidateMAC), []byte(storedMAC)) == 1
}
