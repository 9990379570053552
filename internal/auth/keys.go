package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

const (
	// APIKeyPrefix distinguishes MCP API keys from session tokens.
	APIKeyPrefix = "fc_"

	// APIKeyMinLen is the minimum API key length including the prefix.
	APIKeyMinLen = 24
)

// KeyStore holds hashed API keys. Raw keys are not kept in memory after
// construction.
type KeyStore struct {
	keys map[string]string // sha256 hex -> name
}

// NewKeyStore builds a store from name -> raw key pairs.
func NewKeyStore(keys map[string]string) *KeyStore {
	ks := &KeyStore{keys: make(map[string]string, len(keys))}
	for name, key := range keys {
		ks.keys[HashSecret(key)] = name
	}

	return ks
}

// Validate returns the name the key belongs to, or "" when unknown.
func (ks *KeyStore) Validate(key string) string {
	h := HashSecret(key)

	var match string

	for stored, name := range ks.keys {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(h)) == 1 {
			match = name
		}
	}

	return match
}

// HashSecret returns the SHA-256 hex digest of s.
func HashSecret(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
