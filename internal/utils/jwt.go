// Package utils holds small helpers shared by the server and its tooling.
package utils

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

// AccessToken is a signed HS256 JWT and its expiry.
type AccessToken struct {
	Token string
	Exp   time.Time
}

// NewAccessToken signs a token for userID carrying role. Identity is
// issued upstream in production; this mints tokens for operators and
// tests with the same claims the auth middleware reads (sub, role, exp).
func NewAccessToken(secret string, userID uint64, role string, ttl time.Duration) (AccessToken, error) {
	if secret == "" {
		return AccessToken{}, errors.New("jwt secret is empty")
	}
	if userID == 0 {
		return AccessToken{}, errors.New("user id must be positive")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  strconv.FormatUint(userID, 10),
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, errors.Wrap(err, "sign token")
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
