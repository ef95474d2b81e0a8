package auth

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// ErrWeakPassword indicates the password does not meet the policy.
var ErrWeakPassword = errors.New("password must be at least 8 characters and mix letter cases, digits, or symbols")

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword validates a password against a stored bcrypt hash.
func CheckPassword(password, stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// ValidatePassword enforces the password policy: at least 8 characters and
// at least 3 of {upper, lower, digit, special}.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrWeakPassword
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	classes := 0
	for _, ok := range []bool{hasUpper, hasLower, hasDigit, hasSpecial} {
		if ok {
			classes++
		}
	}
	if classes < 3 {
		return ErrWeakPassword
	}
	return nil
}

// NormalizeUsername lowercases and validates a username: 3-30 characters,
// letters, digits, and underscores only.
func NormalizeUsername(username string) (string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if len(username) < 3 || len(username) > 30 {
		return "", errors.New("username must be between 3 and 30 characters")
	}
	for _, r := range username {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return "", errors.New("username can only contain letters, numbers, and underscores")
		}
	}
	return username, nil
}
