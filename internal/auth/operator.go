package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is used when hashing a new operator secret.
const DefaultBcryptCost = 12

// VerifyOperatorSecret checks a login attempt against the configured
// bcrypt hash.
func VerifyOperatorSecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// HashOperatorSecret produces the bcrypt hash to put in the config.
func HashOperatorSecret(secret string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(secret), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash operator secret: %w", err)
	}
	return string(bytes), nil
}
