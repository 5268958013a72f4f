package auth

import "errors"

var (
	ErrMissingToken     = errors.New("auth: missing bearer token")
	ErrMissingKey       = errors.New("auth: no public key supplied")
	ErrUnsupportedKey   = errors.New("auth: unsupported public key (expected EC P-256 with x/y)")
	ErrKeyMismatch      = errors.New("auth: kid does not match public key")
	ErrSubjectMismatch  = errors.New("auth: sub does not match public key")
	ErrMissingIssuedAt  = errors.New("auth: missing iat")
	ErrLifetimeExceeded = errors.New("auth: token lifetime exceeds maximum")
)
