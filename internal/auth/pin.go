package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrPINNotSet is returned when no admin PIN has been configured yet. The
// caller decides whether first use should prompt for initial setup.
var ErrPINNotSet = errors.New("admin pin not configured")

// HashPIN returns a bcrypt hash suitable for storing in settings.
func HashPIN(pin string) (string, error) {
	if pin == "" {
		return "", errors.New("pin required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	return string(hash), err
}

// VerifyPIN checks a PIN attempt against the stored hash. The outcome is a
// single admin-granted decision; there is no lockout or retry policy here.
func VerifyPIN(storedHash, attempt string) (bool, error) {
	if storedHash == "" {
		return false, ErrPINNotSet
	}
	err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(attempt))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
