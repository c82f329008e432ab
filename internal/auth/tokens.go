// Package auth issues and verifies the bearer tokens that bind a relay
// connection to a device identity.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed means the Authorization value is not a bearer token.
	ErrMalformed = errors.New("malformed authorization header")
	// ErrInvalidToken means the token failed signature or shape checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpired means the token is past its validity window.
	ErrExpired = errors.New("token expired")
)

const bearerPrefix = "Bearer "

type deviceClaims struct {
	DeviceID string `json:"deviceId"`
	jwt.RegisteredClaims
}

type Service struct {
	secret []byte
	ttl    time.Duration
}

func New(secret string) *Service {
	return &Service{secret: []byte(secret), ttl: 24 * time.Hour}
}

// Issue signs a time-limited assertion binding deviceID.
func (s *Service) Issue(deviceID string) (string, error) {
	now := time.Now()
	claims := deviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify validates a raw token and returns the bound device id. It never
// panics on attacker-controlled input; failures map to the typed errors
// above.
func (s *Service) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &deviceClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpired
		}
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*deviceClaims)
	if !ok || claims.DeviceID == "" {
		return "", ErrInvalidToken
	}
	return claims.DeviceID, nil
}

// VerifyHeader validates an `Authorization: Bearer <token>` header value.
func (s *Service) VerifyHeader(header string) (string, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrMalformed
	}
	return s.Verify(strings.TrimPrefix(header, bearerPrefix))
}
