// Package jwt issues and verifies the HS256 bearer tokens of the admin API.
package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	MinSecretLength = 32
	issuer          = "threatguard"
	audience        = "threatguard-admin"
)

var (
	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidToken is returned when the token is invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidSigningMethod is returned when the signing method is not HMAC
	ErrInvalidSigningMethod = errors.New("unexpected signing method")
	// ErrInvalidSecretLength is returned for secrets shorter than MinSecretLength
	ErrInvalidSecretLength = errors.New("invalid secret length")
	// ErrMissingSubject is returned for tokens without a subject
	ErrMissingSubject = errors.New("token has no subject")
)

// Claims are the registered claims plus nothing else: the subject names
// the operator the token was issued to.
type Claims struct {
	jwt.RegisteredClaims
}

// Parse validates tokenString against secret and returns its claims.
func Parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			// jwt package wraps this error with jwt.ErrTokenUnverifiable
			return nil, ErrInvalidSigningMethod
		}
		return secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		// wrapped, so Is instead of ==
		if errors.Is(err, ErrInvalidSigningMethod) {
			return nil, ErrInvalidSigningMethod
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

// Create signs a token for subject valid for tokenDuration.
func Create(subject string, secret []byte, tokenDuration time.Duration) (string, time.Time, error) {
	if len(secret) < MinSecretLength {
		return "", time.Time{}, ErrInvalidSecretLength
	}
	if subject == "" {
		return "", time.Time{}, ErrMissingSubject
	}

	now := time.Now()
	expirationTime := now.Add(tokenDuration)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, expirationTime, nil
}
