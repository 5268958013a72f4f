package device

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"Mansoor88-6/dose-tracker/internal/auth"
	"Mansoor88-6/dose-tracker/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const pemBlockType = "EC PRIVATE KEY"

// Identity is the device's signing key. Its JWK thumbprint is the subject
// the sync server sees.
type Identity struct {
	ID         string
	Name       string
	PrivateKey *ecdsa.PrivateKey
	JWK        auth.JWK
	Thumbprint string
	CreatedAt  time.Time
}

// IdentityStore persists the device identity
type IdentityStore interface {
	Get(ctx context.Context) (*repository.DeviceRecord, error)
	Save(ctx context.Context, rec *repository.DeviceRecord) error
}

// NewIdentity generates a fresh P-256 key for the device
func NewIdentity(id, name string, now time.Time) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newIdentity(id, name, key, now)
}

func newIdentity(id, name string, key *ecdsa.PrivateKey, createdAt time.Time) (*Identity, error) {
	jwk, err := auth.FromPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	thumbprint, err := jwk.Thumbprint()
	if err != nil {
		return nil, err
	}
	return &Identity{
		ID:         id,
		Name:       name,
		PrivateKey: key,
		JWK:        jwk,
		Thumbprint: thumbprint,
		CreatedAt:  createdAt,
	}, nil
}

// LoadOrCreateIdentity returns the stored identity, creating and saving a
// new one on first run.
func LoadOrCreateIdentity(ctx context.Context, store IdentityStore, deviceID, name string, now time.Time, logger *zap.Logger) (*Identity, error) {
	rec, err := store.Get(ctx)
	switch {
	case err == nil:
		key, err := ParsePrivateKey(rec.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("stored device key: %w", err)
		}
		id, err := newIdentity(rec.DeviceID, rec.DeviceName, key, rec.RegisteredAt)
		if err != nil {
			return nil, err
		}
		if id.Thumbprint != rec.Thumbprint {
			logger.Warn("Stored thumbprint does not match device key, using computed value",
				zap.String("stored", rec.Thumbprint),
				zap.String("computed", id.Thumbprint),
			)
		}
		return id, nil

	case errors.Is(err, repository.ErrNotFound):
		id, err := NewIdentity(deviceID, name, now)
		if err != nil {
			return nil, err
		}
		keyPEM, err := id.MarshalPrivateKey()
		if err != nil {
			return nil, err
		}
		if err := store.Save(ctx, &repository.DeviceRecord{
			DeviceID:      id.ID,
			DeviceName:    id.Name,
			PrivateKeyPEM: keyPEM,
			Thumbprint:    id.Thumbprint,
			RegisteredAt:  now,
		}); err != nil {
			return nil, err
		}
		logger.Info("Device identity created",
			zap.String("device_id", id.ID),
			zap.String("thumbprint", id.Thumbprint),
		)
		return id, nil

	default:
		return nil, err
	}
}

// MarshalPrivateKey encodes the key as SEC 1 PEM
func (i *Identity) MarshalPrivateKey() (string, error) {
	der, err := x509.MarshalECPrivateKey(i.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})), nil
}

// ParsePrivateKey decodes a key written by MarshalPrivateKey
func ParsePrivateKey(data string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != pemBlockType {
		return nil, errors.New("no EC private key in PEM data")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key: %w", err)
	}
	if key.Curve != elliptic.P256() {
		return nil, auth.ErrUnsupportedKey
	}
	return key, nil
}

// Token mints an ES256 token valid from now for lifetime
func (i *Identity) Token(now time.Time, lifetime time.Duration) (string, error) {
	claims := auth.Claims{
		DeviceID: i.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   i.Thumbprint,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = i.Thumbprint
	token.Header["jwk"] = i.JWK

	signed, err := token.SignedString(i.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// TokenSource hands out cached tokens, minting a new one once half of the
// current token's lifetime has passed.
type TokenSource struct {
	identity *Identity
	lifetime time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	renewAt time.Time
}

func NewTokenSource(identity *Identity, lifetime time.Duration) *TokenSource {
	return &TokenSource{
		identity: identity,
		lifetime: lifetime,
		now:      time.Now,
	}
}

// Token returns a valid bearer token
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	if ts.token != "" && now.Before(ts.renewAt) {
		return ts.token, nil
	}

	token, err := ts.identity.Token(now, ts.lifetime)
	if err != nil {
		return "", err
	}
	ts.token = token
	ts.renewAt = now.Add(ts.lifetime / 2)
	return token, nil
}
