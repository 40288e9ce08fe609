// Package token issues and hashes the single-use edit/cancel tokens handed
// to registrants. Only the hash is ever stored.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

const rawTokenBytes = 32

// Hasher derives the stored form of a raw token with BLAKE3 keyed hashing.
// The key is derived from a server secret so a leaked table cannot be
// checked against guessed tokens offline.
type Hasher struct {
	key [32]byte
}

// NewHasher derives a 32-byte hashing key from secret.
func NewHasher(secret string) *Hasher {
	h := &Hasher{}
	blake3.DeriveKey("tickets 2026 edit-token hashing", []byte(secret), h.key[:])
	return h
}

// Hash returns the hex digest stored for raw.
func (h *Hasher) Hash(raw string) string {
	hasher, err := blake3.NewKeyed(h.key[:])
	if err != nil {
		// NewKeyed only fails on a key of the wrong length.
		panic(err)
	}
	_, _ = hasher.WriteString(raw)
	return hex.EncodeToString(hasher.Sum(nil))
}

// Generate returns a new high-entropy raw token, URL safe.
func Generate() (string, error) {
	b := make([]byte, rawTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
