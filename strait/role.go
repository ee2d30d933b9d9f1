package strait

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var noncePattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// DetermineRole derives the negotiation role for myPubkey against
// theirPubkey. The lexicographically lower key is the offerer, so the two
// sides always reach opposite, mutually consistent roles without any
// exchange. Identical keys indicate caller misuse and fail hard.
func DetermineRole(myPubkey string, theirPubkey string) (Role, error) {
	mine := strings.TrimSpace(myPubkey)
	theirs := strings.TrimSpace(theirPubkey)
	if mine == "" || theirs == "" {
		return "", fmt.Errorf("determine role: empty pubkey")
	}
	if mine == theirs {
		return "", fmt.Errorf("determine role: %w", ErrIdenticalKeys)
	}
	if mine < theirs {
		return RoleOfferer, nil
	}
	return RoleAnswerer, nil
}

// GenerateSessionID returns 16 bytes of cryptographically secure
// randomness in URL-safe base64 (24 characters).
func GenerateSessionID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw[:]), nil
}

// GenerateNonce returns a fresh 32-hex-character replay nonce.
func GenerateNonce() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// ValidNonce reports whether value matches the 32-hex-character pattern.
func ValidNonce(value string) bool {
	return noncePattern.MatchString(value)
}
