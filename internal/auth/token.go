package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mistakeknot/circulate/internal/core"
)

// Claims carried by bearer tokens. Subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for user with the given role.
func IssueToken(secret []byte, user, role string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	if user == "" {
		return "", errors.New("user required")
	}
	if !ValidRole(role) {
		return "", fmt.Errorf("unknown role %q", role)
	}
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies an HS256 token and returns the actor it names.
func ParseToken(secret []byte, raw string) (core.Actor, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return core.Actor{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return core.Actor{}, errors.New("invalid token")
	}
	return core.Actor{UserID: claims.Subject, Admin: claims.Role == RoleAdmin}, nil
}
