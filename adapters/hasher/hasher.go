// Package hasher hashes and verifies administrative API tokens.
package hasher

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/artpar/quotagate/ports"
	"golang.org/x/crypto/bcrypt"
)

// MinTokenLength is the shortest admin token accepted for hashing.
const MinTokenLength = 16

// ErrTokenTooShort is returned when hashing a token below MinTokenLength.
var ErrTokenTooShort = errors.New("admin token must be at least 16 characters")

// Bcrypt hashes admin tokens with bcrypt.
type Bcrypt struct {
	cost int
}

// NewBcrypt creates a bcrypt hasher with the given cost.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

// Hash generates a bcrypt hash of token.
func (h *Bcrypt) Hash(token string) ([]byte, error) {
	if len(token) < MinTokenLength {
		return nil, ErrTokenTooShort
	}
	return bcrypt.GenerateFromPassword([]byte(token), h.cost)
}

// Compare reports whether token matches hash. An empty hash never matches.
func (h *Bcrypt) Compare(hash []byte, token string) bool {
	if len(hash) == 0 || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil
}

// GenerateToken returns a random URL-safe token of 32 bytes of entropy.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "qg_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// Ensure interface compliance.
var _ ports.Hasher = (*Bcrypt)(nil)
