package user

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

// MinPasswordLength is the shortest password accepted for local sign-in.
const MinPasswordLength = 8

// HashPassword validates and hashes a plaintext password.
func HashPassword(plain string) (string, error) {
	if len(plain) < MinPasswordLength {
		return "", apperrors.New(apperrors.CodeInvalidRequest,
			fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plain matches the stored hash.
func (u User) VerifyPassword(plain string) bool {
	if u.PasswordHash == "" || plain == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(plain)) == nil
}
