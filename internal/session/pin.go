package session

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidPIN = errors.New("PIN must be 4 to 8 digits")

// HashPIN validates and hashes an app-lock PIN for SecuritySettings.
func HashPIN(pin string) (string, error) {
	if len(pin) < 4 || len(pin) > 8 {
		return "", ErrInvalidPIN
	}
	for _, r := range pin {
		if !unicode.IsDigit(r) {
			return "", ErrInvalidPIN
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash pin: %w", err)
	}
	return string(hash), nil
}

// VerifyPIN reports whether pin matches hash. An empty hash never matches.
func VerifyPIN(hash, pin string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}
