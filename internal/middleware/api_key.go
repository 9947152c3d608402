// Package middleware provides authentication, rate limiting and request
// logging for the flagdoc HTTP and gRPC transports. API keys are stored as
// bcrypt hashes; legacy SHA-256 hex hashes remain accepted.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

var errUnknownAPIKey = errors.New("unknown api key")

// HashAPIKey returns a salted bcrypt hash for an API key.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key against a stored hash.
// Legacy SHA-256 hashes remain supported for backward compatibility.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)); err == nil {
		return true
	}

	return legacyAPIKeyMatchesHash(expectedHash, apiKey)
}

func legacyAPIKeyMatchesHash(expectedHash, apiKey string) bool {
	expectedBytes, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}

	actual := sha256.Sum256([]byte(apiKey))
	if len(expectedBytes) != len(actual) {
		return false
	}

	return subtle.ConstantTimeCompare(expectedBytes, actual[:]) == 1
}

// StaticKeyValidator validates "keyID.secret" bearer tokens against a fixed
// set of key hashes indexed by key ID. The key ID is the authenticated
// principal.
type StaticKeyValidator struct {
	hashes map[string]string
}

func NewStaticKeyValidator(hashes map[string]string) *StaticKeyValidator {
	copied := make(map[string]string, len(hashes))
	for id, hash := range hashes {
		copied[id] = hash
	}
	return &StaticKeyValidator{hashes: copied}
}

func (v *StaticKeyValidator) ValidateToken(_ context.Context, token string) (string, error) {
	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", errors.New("invalid token format")
	}

	hash, ok := v.hashes[keyID]
	if !ok {
		return "", errUnknownAPIKey
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", errors.New("invalid token")
	}

	return keyID, nil
}
