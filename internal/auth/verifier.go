package auth

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// CredentialVerifier hashes and checks passwords. Verify must compare in
// constant time.
type CredentialVerifier interface {
	Hash(password string) (string, error)
	Verify(hash string, password string) bool
	IsHash(value string) bool
}

type BcryptVerifier struct {
	Cost int
}

func (v BcryptVerifier) Hash(password string) (string, error) {
	cost := v.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func (v BcryptVerifier) Verify(hash string, password string) bool {
	if hash == "" || password == "" || !v.IsHash(hash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (BcryptVerifier) IsHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
