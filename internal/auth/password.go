package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func ComparePassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Admin is the single operator account configured through the environment.
type Admin struct {
	Email        string
	PasswordHash string
}

// Authenticate checks credentials. An unconfigured admin never authenticates.
func (a Admin) Authenticate(email, password string) bool {
	if a.Email == "" || a.PasswordHash == "" {
		return false
	}
	want := strings.ToLower(strings.TrimSpace(a.Email))
	got := strings.ToLower(strings.TrimSpace(email))
	emailOK := subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
	// bcrypt runs even when the email does not match
	passOK := ComparePassword(a.PasswordHash, password)
	return emailOK && passOK
}
