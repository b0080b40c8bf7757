package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultBcryptCost = 12

	// bcrypt ignores input past 72 bytes; anything far beyond that is not a password
	MaxPasswordLength = 128
)

var errPasswordTooLong = errors.New("password too long")

// PasswordManager hashes and checks the admin shared secret
type PasswordManager struct {
	cost int
}

// NewPasswordManager falls back to DefaultBcryptCost when cost is below bcrypt's minimum
func NewPasswordManager(cost int) *PasswordManager {
	if cost < bcrypt.MinCost {
		cost = DefaultBcryptCost
	}
	return &PasswordManager{cost: cost}
}

func (p *PasswordManager) HashPassword(password string) (string, error) {
	if len(password) > MaxPasswordLength {
		return "", errPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares in constant time through bcrypt
func (p *PasswordManager) VerifyPassword(password, hash string) bool {
	return len(password) <= MaxPasswordLength &&
		bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// checkHash rejects a configured hash bcrypt cannot read
func checkHash(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("ADMIN_PASSWORD_HASH is not a bcrypt hash: %w", err)
	}
	return nil
}
