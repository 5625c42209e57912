// Package auth guards the local HTTP endpoints with API keys.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// APIKeyPrefix marks fieldsync API keys so they are recognisable in
// configuration and logs.
const APIKeyPrefix = "fs_"

// APIKeyMinLen is the shortest key accepted in configuration.
const APIKeyMinLen = len(APIKeyPrefix) + 32

// Keys is an immutable set of accepted API keys. Only SHA-256 digests
// are kept in memory.
type Keys struct {
	digests [][sha256.Size]byte
}

// NewKeys builds a key set. Blank entries are skipped.
func NewKeys(keys []string) *Keys {
	k := &Keys{}

	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		k.digests = append(k.digests, sha256.Sum256([]byte(key)))
	}

	return k
}

// Len returns the number of accepted keys.
func (k *Keys) Len() int {
	return len(k.digests)
}

// Valid reports whether key is in the set. Every stored digest is
// compared so timing does not reveal which one matched.
func (k *Keys) Valid(key string) bool {
	if key == "" {
		return false
	}

	d := sha256.Sum256([]byte(key))
	match := 0

	for i := range k.digests {
		match |= subtle.ConstantTimeCompare(d[:], k.digests[i][:])
	}

	return match == 1
}

// GenerateKey returns a new random API key.
func GenerateKey() string {
	return APIKeyPrefix + RandomHex(24)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
