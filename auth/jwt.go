package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLen is the shortest accepted signing secret. HS256 with a
// short secret is brute-forceable offline from a single captured token.
const MinSecretLen = 32

var (
	// ErrWeakSecret reports a signing secret under MinSecretLen bytes.
	ErrWeakSecret = errors.New("auth: signing secret too short")

	errInvalidToken = errors.New("auth: invalid token")
)

// GenerateToken signs claims with secret and returns the compact JWT.
// IssuedAt and ExpiresAt are stamped here; whatever the caller put in
// those fields is overwritten.
func GenerateToken(secret []byte, claims *Claims, expiry time.Duration) (string, error) {
	if len(secret) < MinSecretLen {
		return "", fmt.Errorf("%w: %d bytes, need %d", ErrWeakSecret, len(secret), MinSecretLen)
	}

	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and verifies a compact JWT. The signing method
// is pinned to HS256 so a forged header cannot downgrade verification.
func ValidateToken(secret []byte, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v, only HS256 accepted", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errInvalidToken
	}
	return claims, nil
}
