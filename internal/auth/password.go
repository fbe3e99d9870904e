package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAdminDisabled      = errors.New("admin login disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Credentials check the single admin account. A bcrypt hash takes
// precedence over a plain password.
type Credentials struct {
	Login        string
	Password     string
	PasswordHash string
	// StepUpHash is the master password for step-up. Empty means the
	// login password is reused.
	StepUpHash string
}

func (c Credentials) Enabled() bool {
	return c.Login != "" && (c.Password != "" || c.PasswordHash != "")
}

// VerifyLogin checks an admin login attempt.
func (c Credentials) VerifyLogin(login, password string) error {
	if !c.Enabled() {
		return ErrAdminDisabled
	}
	if strings.TrimSpace(login) != c.Login || password == "" {
		return ErrInvalidCredentials
	}
	return c.checkPassword(password)
}

// VerifyStepUp re-checks the master password before issuing a step-up token.
func (c Credentials) VerifyStepUp(password string) error {
	if !c.Enabled() {
		return ErrAdminDisabled
	}
	if password == "" {
		return ErrInvalidCredentials
	}
	if c.StepUpHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(c.StepUpHash), []byte(password)) != nil {
			return ErrInvalidCredentials
		}
		return nil
	}
	return c.checkPassword(password)
}

func (c Credentials) checkPassword(password string) error {
	if c.PasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) != nil {
			return ErrInvalidCredentials
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(c.Password)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
