// Package csrf issues and validates the per-session CSRF proof.
//
// A token is 64 hex characters: hex(pad) followed by hex(pad XOR secret),
// where pad is a fresh 16-byte one-time pad per issued token and secret is
// the 16-byte value held in the server-side session state. Validation XORs
// the pad back out and compares against the stored secret in constant time,
// so two tokens for the same secret never look alike on the wire.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SecretLength is the size of the per-session secret in bytes.
const SecretLength = 16

// TokenLength is the wire length of an issued token in hex characters.
const TokenLength = 4 * SecretLength

// NewSecret generates a session CSRF secret.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate csrf secret: %w", err)
	}
	return secret, nil
}

// IssueToken obfuscates the session secret under a fresh one-time pad.
func IssueToken(secret []byte) (string, error) {
	if len(secret) != SecretLength {
		return "", fmt.Errorf("csrf secret must be %d bytes, got %d", SecretLength, len(secret))
	}

	pad := make([]byte, SecretLength)
	if _, err := rand.Read(pad); err != nil {
		return "", fmt.Errorf("failed to generate csrf pad: %w", err)
	}

	masked := make([]byte, SecretLength)
	for i := range secret {
		masked[i] = pad[i] ^ secret[i]
	}

	return hex.EncodeToString(pad) + hex.EncodeToString(masked), nil
}

// ValidateToken reports whether tok proves possession of secret. The byte
// comparison is constant time over the full secret length.
func ValidateToken(tok string, secret []byte) bool {
	if len(secret) != SecretLength || len(tok) != TokenLength {
		return false
	}

	pad, err := hex.DecodeString(tok[:TokenLength/2])
	if err != nil {
		return false
	}
	masked, err := hex.DecodeString(tok[TokenLength/2:])
	if err != nil {
		return false
	}

	recovered := make([]byte, SecretLength)
	for i := range masked {
		recovered[i] = pad[i] ^ masked[i]
	}

	return subtle.ConstantTimeCompare(recovered, secret) == 1
}
