package hasher_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/artpar/quotagate/adapters/hasher"
	"golang.org/x/crypto/bcrypt"
)

func TestBcrypt_HashAndCompare(t *testing.T) {
	h := hasher.NewBcrypt(bcrypt.MinCost)
	token := "qg_0123456789abcdef"

	hash, err := h.Hash(token)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !h.Compare(hash, token) {
		t.Error("Compare rejected the hashed token")
	}
	if h.Compare(hash, token+"x") {
		t.Error("Compare accepted a different token")
	}
}

func TestBcrypt_ShortToken(t *testing.T) {
	h := hasher.NewBcrypt(bcrypt.MinCost)
	if _, err := h.Hash("short"); !errors.Is(err, hasher.ErrTokenTooShort) {
		t.Errorf("error = %v, want ErrTokenTooShort", err)
	}
}

func TestBcrypt_EmptyHashNeverMatches(t *testing.T) {
	h := hasher.NewBcrypt(0)
	if h.Compare(nil, "anything-at-all-here") {
		t.Error("empty hash matched")
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := hasher.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	b, _ := hasher.GenerateToken()
	if a == b {
		t.Error("tokens repeated")
	}
	if !strings.HasPrefix(a, "qg_") || len(a) < hasher.MinTokenLength {
		t.Errorf("token %q has wrong shape", a)
	}
}
