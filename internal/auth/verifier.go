package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultClockSkew   = 5 * time.Minute
	DefaultMaxLifetime = 30 * 24 * time.Hour
)

// Claims are the claims carried by a device token
type Claims struct {
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks self-signed device tokens. The token is signed by the
// key in its own "jwk" header, and both kid and sub must be that key's
// thumbprint, so the subject is the identity of the key holder.
type Verifier struct {
	clockSkew   time.Duration
	maxLifetime time.Duration
	now         func() time.Time
}

// NewVerifier creates a verifier. Zero values select the defaults.
func NewVerifier(clockSkew, maxLifetime time.Duration) *Verifier {
	if clockSkew <= 0 {
		clockSkew = DefaultClockSkew
	}
	if maxLifetime <= 0 {
		maxLifetime = DefaultMaxLifetime
	}
	return &Verifier{
		clockSkew:   clockSkew,
		maxLifetime: maxLifetime,
		now:         time.Now,
	}
}

// Verify validates the token and returns its subject. fallback is used
// when the token header carries no jwk.
func (v *Verifier) Verify(tokenString string, fallback *JWK) (string, *Claims, error) {
	if tokenString == "" {
		return "", nil, ErrMissingToken
	}

	var thumbprint string
	keyFunc := func(token *jwt.Token) (any, error) {
		key, err := jwkFromHeader(token.Header["jwk"])
		if err != nil {
			return nil, err
		}
		if key == nil {
			key = fallback
		}
		if key == nil {
			return nil, ErrMissingKey
		}

		thumbprint, err = key.Thumbprint()
		if err != nil {
			return nil, err
		}
		if kid, _ := token.Header["kid"].(string); kid != thumbprint {
			return nil, ErrKeyMismatch
		}
		return key.PublicKey()
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", nil, fmt.Errorf("invalid token: %w", err)
	}

	if claims.Subject == "" || claims.Subject != thumbprint {
		return "", nil, ErrSubjectMismatch
	}
	if claims.IssuedAt == nil {
		return "", nil, ErrMissingIssuedAt
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > v.maxLifetime {
		return "", nil, ErrLifetimeExceeded
	}

	return claims.Subject, claims, nil
}

// IsAuthError reports whether err came from token verification
func IsAuthError(err error) bool {
	for _, target := range []error{
		ErrMissingToken, ErrMissingKey, ErrUnsupportedKey, ErrKeyMismatch,
		ErrSubjectMismatch, ErrMissingIssuedAt, ErrLifetimeExceeded,
		jwt.ErrTokenMalformed, jwt.ErrTokenSignatureInvalid, jwt.ErrTokenExpired,
		jwt.ErrTokenUsedBeforeIssued, jwt.ErrTokenUnverifiable, jwt.ErrTokenInvalidClaims,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
