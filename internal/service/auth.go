package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * 24 * time.Hour

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokensDisabled = errors.New("no signing key configured")
)

// TokenService issues and verifies HMAC-signed tokens for event-stream subscribers.
type TokenService struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenService returns a service that is disabled when signingKey is empty.
func NewTokenService(signingKey string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenService{key: []byte(strings.TrimSpace(signingKey)), ttl: ttl, now: time.Now}
}

// Enabled reports whether subscribers must present a token.
func (s *TokenService) Enabled() bool { return len(s.key) > 0 }

// IssueToken signs a token for subject, e.g. a dashboard name.
func (s *TokenService) IssueToken(subject string) (string, error) {
	if !s.Enabled() {
		return "", ErrTokensDisabled
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token subject is empty")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	return token.SignedString(s.key)
}

// ParseToken verifies a token and returns its subject.
func (s *TokenService) ParseToken(accessToken string) (string, error) {
	if !s.Enabled() {
		return "", ErrTokensDisabled
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(accessToken, claims, func(token *jwt.Token) (interface{}, error) {
		// Ensure HMAC signing is used
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
