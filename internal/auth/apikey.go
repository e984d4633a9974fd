// Package auth provides authentication primitives for the market API.
// Two authentication methods are supported: session JWTs (issued after a signed
// wallet challenge, stateless verification) and API keys (long-lived tokens
// with bcrypt hashing, acting for the account that created them).
// See internal/middleware/auth.go for the request-time authentication logic that uses these primitives.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// LookupPrefixLength is the number of leading characters stored in clear
	// text. Keys are looked up by it before the bcrypt comparison.
	LookupPrefixLength = 10

	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
)

// GeneratedKey is a freshly minted API key. Key is shown to the caller once;
// only Hash and Prefix are stored.
type GeneratedKey struct {
	Key    string
	Hash   string
	Prefix string
}

// GenerateAPIKey creates a new random API key of the form prefix_random.
func GenerateAPIKey(prefix string) (*GeneratedKey, error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	fullKey := prefix + "_" + base64.RawURLEncoding.EncodeToString(randomBytes)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash API key: %w", err)
	}

	return &GeneratedKey{
		Key:    fullKey,
		Hash:   string(hashBytes),
		Prefix: LookupPrefix(fullKey),
	}, nil
}

// LookupPrefix returns the stored lookup prefix of key.
func LookupPrefix(key string) string {
	if len(key) > LookupPrefixLength {
		return key[:LookupPrefixLength]
	}
	return key
}

// IsAPIKey reports whether token has the shape of an API key issued with prefix.
// JWTs never contain an underscore before their first dot.
func IsAPIKey(token, prefix string) bool {
	return prefix != "" && strings.HasPrefix(token, prefix+"_") && !strings.Contains(token, ".")
}

// ValidateAPIKey checks if a provided key matches the stored hash
func ValidateAPIKey(providedKey, storedHash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(providedKey))
	return err == nil
}

// ExtractBearerToken extracts the credential from an Authorization header.
// Expected format: "Bearer agm_abc123xyz..." or "Bearer <jwt>"
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errors.New("credential is empty after Bearer prefix")
	}

	return token, nil
}
