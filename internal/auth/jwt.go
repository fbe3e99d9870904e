package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	accessTokenTTL = 12 * time.Hour
	stepUpTokenTTL = 5 * time.Minute

	subjectAdmin  = "admin"
	subjectStepUp = "step_up"

	// ScopeOrderResend authorizes resending an order.
	ScopeOrderResend = "order:resend"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongScope   = errors.New("token scope does not cover this action")
)

// AdminClaims are carried by both admin access tokens and step-up tokens.
// Step-up tokens carry a Scope and a short expiry.
type AdminClaims struct {
	Login string `json:"login"`
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// SignAccessToken signs an admin session token.
func SignAccessToken(secret, login string) (string, time.Time, error) {
	return sign(secret, login, subjectAdmin, "", accessTokenTTL)
}

// SignStepUpToken signs a capability token for one protected scope.
func SignStepUpToken(secret, login, scope string) (string, time.Time, error) {
	return sign(secret, login, subjectStepUp, scope, stepUpTokenTTL)
}

func sign(secret, login, subject, scope string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(ttl)
	claims := AdminClaims{
		Login: login,
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	return signed, expires, err
}

// ParseAccessToken parses an admin session token. Step-up tokens are rejected.
func ParseAccessToken(secret, tokenString string) (*AdminClaims, error) {
	claims, err := parse(secret, tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Subject != subjectAdmin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseStepUpToken parses a step-up token and checks it grants scope.
func ParseStepUpToken(secret, tokenString, scope string) (*AdminClaims, error) {
	claims, err := parse(secret, tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Subject != subjectStepUp {
		return nil, ErrInvalidToken
	}
	if claims.Scope != scope {
		return nil, ErrWrongScope
	}
	return claims, nil
}

func parse(secret, tokenString string) (*AdminClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*AdminClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
