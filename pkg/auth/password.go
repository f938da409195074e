package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

// MinPasswordLength is enforced by HashPassword.
const MinPasswordLength = 6

// HashPassword returns a bcrypt hash suitable for Credential.PasswordHash.
func HashPassword(plain string) ([]byte, error) {
	if len(plain) < MinPasswordLength {
		return nil, fmt.Errorf("auth: password must be at least %d characters", MinPasswordLength)
	}
	if len(plain) > 72 {
		return nil, errors.New("auth: password longer than 72 bytes")
	}
	return bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
}

// DevelopmentCredentials returns the built-in admin and operator accounts
// used when no users are configured. Never use them outside a lab.
func DevelopmentCredentials() ([]Credential, error) {
	accounts := []struct {
		id             int
		user, password string
		role           model.Role
	}{
		{1, "admin", "admin123", model.RoleAdmin},
		{2, "operador", "oper123", model.RoleOperator},
	}

	out := make([]Credential, 0, len(accounts))
	for _, a := range accounts {
		hash, err := HashPassword(a.password)
		if err != nil {
			return nil, err
		}
		out = append(out, Credential{ID: a.id, Username: a.user, PasswordHash: hash, Role: a.role})
	}
	return out, nil
}
